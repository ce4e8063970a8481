// Copyright Nexus Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package agent

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/tidwall/gjson"

	anthropicapi "github.com/nexus-llm/nexus/internal/apischema/anthropic"
	"github.com/nexus-llm/nexus/internal/apischema/openai"
)

const anthropicDefaultBaseURL = "https://api.anthropic.com"

// anthropicAgent is the one translating dialect: callers speak OpenAI, the
// backend speaks the Anthropic Messages API. Requests are rebuilt rather
// than forwarded, and responses (streaming included) are synthesized back
// into OpenAI shape, so from the caller's perspective this backend is
// indistinguishable from the passthrough ones.
type anthropicAgent struct {
	baseURL     string
	apiKey      string
	hc          *http.Client
	chatTimeout time.Duration
	profile     Profile
}

func newAnthropic(baseURL string, opts Options) *anthropicAgent {
	hc := opts.HTTPClient
	if hc == nil {
		hc = newHTTPClient()
	}
	return &anthropicAgent{
		baseURL:     cmp.Or(baseURL, anthropicDefaultBaseURL),
		apiKey:      opts.APIKey,
		hc:          hc,
		chatTimeout: opts.chatTimeout(),
		profile: Profile{
			Kind:         KindAnthropic,
			Zone:         opts.zone(),
			Tier:         opts.tier(),
			Capabilities: CapabilityCountTokens,
		},
	}
}

func (a *anthropicAgent) Profile() Profile { return a.profile }

// header builds the auth headers. Caller headers are never forwarded to
// Anthropic: a token that authenticates to the gateway means nothing here
// and must not leak.
func (a *anthropicAgent) header() http.Header {
	h := http.Header{}
	h.Set("x-api-key", a.apiKey)
	h.Set("anthropic-version", anthropicapi.Version)
	return h
}

func (a *anthropicAgent) HealthCheck(ctx context.Context) (HealthStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultHealthTimeout)
	defer cancel()

	var models anthropicapi.ModelsResponse
	err := getJSON(ctx, a.hc, "health_check", a.baseURL+"/v1/models?limit=100", a.header(), &models)
	if err != nil {
		if ae, ok := AsError(err); ok && ae.Kind == ErrorKindUpstream {
			return HealthStatus{Detail: fmt.Sprintf("status %d from /v1/models", ae.StatusCode)}, nil
		}
		return HealthStatus{}, err
	}
	return HealthStatus{Healthy: true, ModelCount: len(models.Data)}, nil
}

func (a *anthropicAgent) ListModels(ctx context.Context) ([]ModelCapability, error) {
	var models anthropicapi.ModelsResponse
	if err := getJSON(ctx, a.hc, "list_models", a.baseURL+"/v1/models?limit=100", a.header(), &models); err != nil {
		return nil, err
	}
	out := make([]ModelCapability, 0, len(models.Data))
	for _, m := range models.Data {
		out = append(out, ModelCapability{
			ID:            m.ID,
			Name:          cmp.Or(m.DisplayName, m.ID),
			ContextLength: 200000,
			Vision:        true,
			Tools:         true,
			JSONMode:      true,
		})
	}
	return out, nil
}

func (a *anthropicAgent) ChatCompletion(ctx context.Context, body []byte, header http.Header) (*ChatResult, error) {
	const op = "chat_completion"
	ctx, cancel := context.WithTimeout(ctx, a.chatTimeout)
	defer cancel()

	var req openai.ChatCompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, newConfigurationError(op, fmt.Errorf("cannot parse request: %w", err))
	}
	areq, err := translateChatRequest(&req)
	if err != nil {
		return nil, newConfigurationError(op, err)
	}

	raw, err := json.Marshal(areq)
	if err != nil {
		return nil, newConfigurationError(op, err)
	}
	resp, err := postRaw(ctx, a.hc, op, a.baseURL+"/v1/messages", a.header(), raw)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransport(op, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, translateAnthropicError(op, resp.StatusCode, respBody)
	}

	var msg anthropic.Message
	if err := json.Unmarshal(respBody, &msg); err != nil {
		return nil, newInvalidResponseError(op, err)
	}
	oresp := translateChatResponse(&msg, time.Now().Unix())
	out, err := json.Marshal(oresp)
	if err != nil {
		return nil, newInvalidResponseError(op, err)
	}
	return &ChatResult{
		Body:  out,
		Model: cmp.Or(string(msg.Model), req.Model),
		Usage: TokenUsage{
			PromptTokens:     oresp.Usage.PromptTokens,
			CompletionTokens: oresp.Usage.CompletionTokens,
			TotalTokens:      oresp.Usage.TotalTokens,
		},
	}, nil
}

func (a *anthropicAgent) ChatCompletionStream(ctx context.Context, body []byte, header http.Header) (*Stream, error) {
	const op = "chat_completion_stream"

	var req openai.ChatCompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, newConfigurationError(op, fmt.Errorf("cannot parse request: %w", err))
	}
	areq, err := translateChatRequest(&req)
	if err != nil {
		return nil, newConfigurationError(op, err)
	}
	areq.Stream = true

	raw, err := json.Marshal(areq)
	if err != nil {
		return nil, newConfigurationError(op, err)
	}
	resp, err := postRaw(ctx, a.hc, op, a.baseURL+"/v1/messages", a.header(), raw)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		resp.Body.Close()
		return nil, translateAnthropicError(op, resp.StatusCode, respBody)
	}
	return NewStream(newAnthropicStreamReader(resp.Body, req.Model)), nil
}

func (a *anthropicAgent) Embeddings(ctx context.Context, _ []byte, _ http.Header) (*ChatResult, error) {
	return nil, Unsupported("embeddings")
}

func (a *anthropicAgent) LoadModel(ctx context.Context, _ string) error {
	return Unsupported("load_model")
}

func (a *anthropicAgent) UnloadModel(ctx context.Context, _ string) error {
	return Unsupported("unload_model")
}

// CountTokens uses the Messages API's native counting endpoint, which runs
// the same tokenizer as billing.
func (a *anthropicAgent) CountTokens(ctx context.Context, model, text string) (int64, error) {
	const op = "count_tokens"
	in := anthropicapi.CountTokensRequest{
		Model: model,
		Messages: []anthropicapi.Message{{
			Role:    anthropicapi.MessageRoleUser,
			Content: []anthropicapi.ContentBlock{{Type: anthropicapi.ContentBlockTypeText, Text: text}},
		}},
	}
	var out anthropicapi.CountTokensResponse
	if err := postJSON(ctx, a.hc, op, a.baseURL+"/v1/messages/count_tokens", a.header(), in, &out); err != nil {
		return 0, err
	}
	return out.InputTokens, nil
}

func (a *anthropicAgent) ResourceUsage(ctx context.Context) (ResourceUsage, error) {
	return ResourceUsage{}, Unsupported("resource_usage")
}

// translateAnthropicError rewraps an Anthropic error body as an OpenAI
// error envelope so the upstream-error passthrough path hands callers a
// consistent shape.
func translateAnthropicError(op string, status int, body []byte) *Error {
	detail := openai.ErrorDetail{
		Message: cmp.Or(gjson.GetBytes(body, "error.message").String(), "upstream error"),
		Type:    cmp.Or(gjson.GetBytes(body, "error.type").String(), "api_error"),
	}
	translated, err := json.Marshal(openai.Error{Error: detail})
	if err != nil {
		translated = body
	}
	return newUpstreamError(op, status, translated)
}
