// Copyright Nexus Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package agent

import (
	"context"
	"fmt"
	"net/http"
)

// openAICompatAgent covers every backend that exposes an OpenAI-compatible
// /v1 surface: vLLM, LM Studio, llama.cpp's server, OpenAI itself and
// unidentified compatible servers. Inference is pure passthrough; the only
// dialect-specific parts are token counting, where vLLM and llama.cpp each
// expose their own /tokenize shape.
type openAICompatAgent struct {
	openaiEndpoints
	profile Profile
}

func newOpenAICompatible(kind BackendKind, baseURL string, opts Options) *openAICompatAgent {
	hc := opts.HTTPClient
	if hc == nil {
		hc = newHTTPClient()
	}
	caps := CapabilityEmbeddings
	if kind == KindVLLM || kind == KindLlamaCpp {
		caps |= CapabilityCountTokens
	}
	return &openAICompatAgent{
		openaiEndpoints: openaiEndpoints{
			baseURL:     baseURL,
			apiKey:      opts.APIKey,
			hc:          hc,
			chatTimeout: opts.chatTimeout(),
		},
		profile: Profile{
			Kind:         kind,
			Zone:         opts.zone(),
			Tier:         opts.tier(),
			Capabilities: caps,
		},
	}
}

func (a *openAICompatAgent) Profile() Profile { return a.profile }

// HealthCheck lists models rather than probing a dedicated endpoint: /v1/
// models is the one path all five kinds serve, and it doubles as the model
// count for free.
func (a *openAICompatAgent) HealthCheck(ctx context.Context) (HealthStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultHealthTimeout)
	defer cancel()

	ids, err := a.listOpenAIModels(ctx, "health_check")
	if err != nil {
		if ae, ok := AsError(err); ok && ae.Kind == ErrorKindUpstream {
			return HealthStatus{Detail: fmt.Sprintf("status %d from /v1/models", ae.StatusCode)}, nil
		}
		return HealthStatus{}, err
	}
	return HealthStatus{Healthy: true, ModelCount: len(ids)}, nil
}

func (a *openAICompatAgent) ListModels(ctx context.Context) ([]ModelCapability, error) {
	ids, err := a.listOpenAIModels(ctx, "list_models")
	if err != nil {
		return nil, err
	}
	models := make([]ModelCapability, 0, len(ids))
	for _, id := range ids {
		models = append(models, InferModelCapability(id))
	}
	return models, nil
}

func (a *openAICompatAgent) ChatCompletion(ctx context.Context, body []byte, header http.Header) (*ChatResult, error) {
	return a.chatCompletion(ctx, body, header)
}

func (a *openAICompatAgent) ChatCompletionStream(ctx context.Context, body []byte, header http.Header) (*Stream, error) {
	return a.chatCompletionStream(ctx, body, header)
}

func (a *openAICompatAgent) Embeddings(ctx context.Context, body []byte, header http.Header) (*ChatResult, error) {
	return a.embeddings(ctx, body, header)
}

func (a *openAICompatAgent) LoadModel(ctx context.Context, _ string) error {
	return Unsupported("load_model")
}

func (a *openAICompatAgent) UnloadModel(ctx context.Context, _ string) error {
	return Unsupported("unload_model")
}

func (a *openAICompatAgent) CountTokens(ctx context.Context, model, text string) (int64, error) {
	const op = "count_tokens"
	switch a.profile.Kind {
	case KindVLLM:
		// https://docs.vllm.ai/en/latest/serving/openai_compatible_server.html#tokenizer-api
		var out struct {
			Count int64 `json:"count"`
		}
		in := map[string]string{"model": model, "prompt": text}
		if err := postJSON(ctx, a.hc, op, a.baseURL+"/tokenize", a.authHeader(nil), in, &out); err != nil {
			return 0, err
		}
		return out.Count, nil
	case KindLlamaCpp:
		// https://github.com/ggml-org/llama.cpp/tree/master/tools/server
		var out struct {
			Tokens []int64 `json:"tokens"`
		}
		in := map[string]string{"content": text}
		if err := postJSON(ctx, a.hc, op, a.baseURL+"/tokenize", a.authHeader(nil), in, &out); err != nil {
			return 0, err
		}
		return int64(len(out.Tokens)), nil
	default:
		return 0, Unsupported(op)
	}
}

func (a *openAICompatAgent) ResourceUsage(ctx context.Context) (ResourceUsage, error) {
	return ResourceUsage{}, Unsupported("resource_usage")
}
