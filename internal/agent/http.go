// Copyright Nexus Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package agent

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
)

// newHTTPClient builds the transport agents share. No client-level timeout:
// streaming responses run arbitrarily long, so deadlines come from contexts
// and the header timeout below bounds a backend that accepts the connection
// but never answers.
func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			MaxIdleConnsPerHost:   8,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
		},
	}
}

func applyHeader(req *http.Request, header http.Header) {
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
}

// getJSON issues a GET and decodes the 200 response body into out.
func getJSON(ctx context.Context, hc *http.Client, op, url string, header http.Header, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return newConfigurationError(op, err)
	}
	applyHeader(req, header)
	return doJSON(hc, op, req, out)
}

// postJSON marshals in, issues a POST and decodes the 200 response into out.
func postJSON(ctx context.Context, hc *http.Client, op, url string, header http.Header, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return newConfigurationError(op, fmt.Errorf("cannot marshal request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return newConfigurationError(op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	applyHeader(req, header)
	return doJSON(hc, op, req, out)
}

func doJSON(hc *http.Client, op string, req *http.Request, out any) error {
	resp, err := hc.Do(req)
	if err != nil {
		return classifyTransport(op, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return classifyTransport(op, err)
	}
	if resp.StatusCode != http.StatusOK {
		return newUpstreamError(op, resp.StatusCode, body)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return newInvalidResponseError(op, err)
	}
	return nil
}

// postRaw issues a POST with pre-serialized JSON and returns the raw
// response for the caller to stream or buffer. Only transport errors are
// classified here; status handling stays with the caller.
func postRaw(ctx context.Context, hc *http.Client, op, url string, header http.Header, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, newConfigurationError(op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	applyHeader(req, header)
	resp, err := hc.Do(req)
	if err != nil {
		return nil, classifyTransport(op, err)
	}
	return resp, nil
}

// openaiEndpoints implements the inference operations against a server's
// /v1 surface. Both the Ollama and the OpenAI-compatible dialects embed it;
// request and response bytes pass through untouched.
type openaiEndpoints struct {
	baseURL     string
	apiKey      string
	hc          *http.Client
	chatTimeout time.Duration
}

// authHeader layers the agent's own credential over forwarded caller
// headers. A configured key always wins so a caller token for the gateway
// never leaks upstream.
func (e *openaiEndpoints) authHeader(header http.Header) http.Header {
	if e.apiKey == "" {
		return header
	}
	out := header.Clone()
	if out == nil {
		out = http.Header{}
	}
	out.Set("Authorization", "Bearer "+e.apiKey)
	return out
}

func (e *openaiEndpoints) forward(ctx context.Context, op, path string, body []byte, header http.Header) (*ChatResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.chatTimeout)
	defer cancel()

	resp, err := postRaw(ctx, e.hc, op, e.baseURL+path, e.authHeader(header), body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransport(op, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, newUpstreamError(op, resp.StatusCode, respBody)
	}

	usage := gjson.GetBytes(respBody, "usage")
	return &ChatResult{
		Body:  respBody,
		Model: cmp.Or(gjson.GetBytes(respBody, "model").String(), gjson.GetBytes(body, "model").String()),
		Usage: TokenUsage{
			PromptTokens:     usage.Get("prompt_tokens").Int(),
			CompletionTokens: usage.Get("completion_tokens").Int(),
			TotalTokens:      usage.Get("total_tokens").Int(),
		},
	}, nil
}

func (e *openaiEndpoints) chatCompletion(ctx context.Context, body []byte, header http.Header) (*ChatResult, error) {
	return e.forward(ctx, "chat_completion", "/v1/chat/completions", body, header)
}

func (e *openaiEndpoints) chatCompletionStream(ctx context.Context, body []byte, header http.Header) (*Stream, error) {
	const op = "chat_completion_stream"
	resp, err := postRaw(ctx, e.hc, op, e.baseURL+"/v1/chat/completions", e.authHeader(header), body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		resp.Body.Close()
		return nil, newUpstreamError(op, resp.StatusCode, respBody)
	}
	return NewStream(resp.Body), nil
}

func (e *openaiEndpoints) embeddings(ctx context.Context, body []byte, header http.Header) (*ChatResult, error) {
	return e.forward(ctx, "embeddings", "/v1/embeddings", body, header)
}

// listOpenAIModels fetches GET /v1/models, shared by every dialect with an
// OpenAI-compatible listing.
func (e *openaiEndpoints) listOpenAIModels(ctx context.Context, op string) ([]string, error) {
	var list struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := getJSON(ctx, e.hc, op, e.baseURL+"/v1/models", e.authHeader(nil), &list); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(list.Data))
	for _, m := range list.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}
