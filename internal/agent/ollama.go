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

// ollamaAgent speaks Ollama's native API for discovery and lifecycle and its
// OpenAI-compatible /v1 endpoints for inference, so completion bytes flow
// through unmodified. Loading and unloading go through /api/generate with
// keep_alive, which is how Ollama models memory residency.
//
// https://github.com/ollama/ollama/blob/main/docs/api.md
type ollamaAgent struct {
	openaiEndpoints
	profile Profile
}

func newOllama(baseURL string, opts Options) *ollamaAgent {
	hc := opts.HTTPClient
	if hc == nil {
		hc = newHTTPClient()
	}
	return &ollamaAgent{
		openaiEndpoints: openaiEndpoints{
			baseURL:     baseURL,
			apiKey:      opts.APIKey,
			hc:          hc,
			chatTimeout: opts.chatTimeout(),
		},
		profile: Profile{
			Kind: KindOllama,
			Zone: opts.zone(),
			Tier: opts.tier(),
			Capabilities: CapabilityEmbeddings | CapabilityLoadModel |
				CapabilityUnloadModel | CapabilityResourceUsage,
		},
	}
}

func (a *ollamaAgent) Profile() Profile { return a.profile }

type ollamaTagsResponse struct {
	Models []ollamaModel `json:"models"`
}

type ollamaModel struct {
	Name    string             `json:"name"`
	Model   string             `json:"model"`
	Size    int64              `json:"size"`
	Details ollamaModelDetails `json:"details"`
}

type ollamaModelDetails struct {
	Family            string `json:"family"`
	ParameterSize     string `json:"parameter_size"`
	QuantizationLevel string `json:"quantization_level"`
}

func (a *ollamaAgent) HealthCheck(ctx context.Context) (HealthStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultHealthTimeout)
	defer cancel()

	var tags ollamaTagsResponse
	if err := getJSON(ctx, a.hc, "health_check", a.baseURL+"/api/tags", nil, &tags); err != nil {
		if ae, ok := AsError(err); ok && ae.Kind == ErrorKindUpstream {
			return HealthStatus{Detail: fmt.Sprintf("status %d from /api/tags", ae.StatusCode)}, nil
		}
		return HealthStatus{}, err
	}
	return HealthStatus{Healthy: true, ModelCount: len(tags.Models)}, nil
}

func (a *ollamaAgent) ListModels(ctx context.Context) ([]ModelCapability, error) {
	var tags ollamaTagsResponse
	if err := getJSON(ctx, a.hc, "list_models", a.baseURL+"/api/tags", nil, &tags); err != nil {
		return nil, err
	}
	models := make([]ModelCapability, 0, len(tags.Models))
	for _, m := range tags.Models {
		mc := InferModelCapability(m.Name)
		if m.Details.ParameterSize != "" {
			mc.Name = fmt.Sprintf("%s (%s)", m.Name, m.Details.ParameterSize)
		}
		models = append(models, mc)
	}
	return models, nil
}

func (a *ollamaAgent) ChatCompletion(ctx context.Context, body []byte, header http.Header) (*ChatResult, error) {
	return a.chatCompletion(ctx, body, header)
}

func (a *ollamaAgent) ChatCompletionStream(ctx context.Context, body []byte, header http.Header) (*Stream, error) {
	return a.chatCompletionStream(ctx, body, header)
}

func (a *ollamaAgent) Embeddings(ctx context.Context, body []byte, header http.Header) (*ChatResult, error) {
	return a.embeddings(ctx, body, header)
}

// ollamaGenerateRequest drives model residency. An empty prompt with the
// default keep_alive loads the model; keep_alive 0 evicts it immediately.
type ollamaGenerateRequest struct {
	Model     string `json:"model"`
	KeepAlive any    `json:"keep_alive,omitempty"`
	Stream    bool   `json:"stream"`
}

type ollamaGenerateResponse struct {
	Done       bool   `json:"done"`
	DoneReason string `json:"done_reason"`
}

func (a *ollamaAgent) LoadModel(ctx context.Context, model string) error {
	var out ollamaGenerateResponse
	in := ollamaGenerateRequest{Model: model}
	return postJSON(ctx, a.hc, "load_model", a.baseURL+"/api/generate", nil, in, &out)
}

func (a *ollamaAgent) UnloadModel(ctx context.Context, model string) error {
	var out ollamaGenerateResponse
	in := ollamaGenerateRequest{Model: model, KeepAlive: 0}
	return postJSON(ctx, a.hc, "unload_model", a.baseURL+"/api/generate", nil, in, &out)
}

func (a *ollamaAgent) CountTokens(ctx context.Context, _, _ string) (int64, error) {
	return 0, Unsupported("count_tokens")
}

type ollamaPsResponse struct {
	Models []ollamaPsModel `json:"models"`
}

type ollamaPsModel struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	SizeVRAM int64  `json:"size_vram"`
}

// ResourceUsage sums the VRAM of resident models. Ollama does not report
// total accelerator capacity, so TotalBytes stays zero and admission
// decisions fall back to the configured heuristic ceiling.
func (a *ollamaAgent) ResourceUsage(ctx context.Context) (ResourceUsage, error) {
	var ps ollamaPsResponse
	if err := getJSON(ctx, a.hc, "resource_usage", a.baseURL+"/api/ps", nil, &ps); err != nil {
		return ResourceUsage{}, err
	}
	var used uint64
	for _, m := range ps.Models {
		if m.SizeVRAM > 0 {
			used += uint64(m.SizeVRAM)
		}
	}
	return ResourceUsage{UsedBytes: used}, nil
}
