// Copyright Nexus Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package agenttest provides a scriptable agent.Agent for tests above the
// dialect layer. Zero value behavior is a healthy, capability-less backend;
// tests override individual operations through the On* hooks.
package agenttest

import (
	"cmp"
	"context"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/nexus-llm/nexus/internal/agent"
)

// Fake implements agent.Agent.
type Fake struct {
	Kind         agent.BackendKind
	Zone         agent.PrivacyZone
	Tier         int
	Capabilities agent.Capability

	// Unhealthy flips health probes to report an unhealthy backend.
	Unhealthy bool
	// HealthErr makes probes fail outright, as a transport error would.
	HealthErr error
	// Models is what ListModels and the health probe's model count report.
	Models  []agent.ModelCapability
	ListErr error

	OnChat          func(ctx context.Context, body []byte, header http.Header) (*agent.ChatResult, error)
	OnStream        func(ctx context.Context, body []byte, header http.Header) (*agent.Stream, error)
	OnEmbeddings    func(ctx context.Context, body []byte, header http.Header) (*agent.ChatResult, error)
	OnLoad          func(ctx context.Context, model string) error
	OnUnload        func(ctx context.Context, model string) error
	OnCountTokens   func(ctx context.Context, model, text string) (int64, error)
	OnResourceUsage func(ctx context.Context) (agent.ResourceUsage, error)

	mu       sync.Mutex
	loaded   []string
	unloaded []string
}

var _ agent.Agent = (*Fake)(nil)

func (f *Fake) Profile() agent.Profile {
	return agent.Profile{
		Kind:         cmp.Or(f.Kind, agent.KindOllama),
		Zone:         cmp.Or(f.Zone, agent.ZoneOpen),
		Tier:         cmp.Or(f.Tier, 1),
		Capabilities: f.Capabilities,
	}
}

func (f *Fake) HealthCheck(context.Context) (agent.HealthStatus, error) {
	if f.HealthErr != nil {
		return agent.HealthStatus{}, f.HealthErr
	}
	if f.Unhealthy {
		return agent.HealthStatus{Detail: "scripted unhealthy"}, nil
	}
	return agent.HealthStatus{Healthy: true, ModelCount: len(f.Models)}, nil
}

func (f *Fake) ListModels(context.Context) ([]agent.ModelCapability, error) {
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	return f.Models, nil
}

func (f *Fake) ChatCompletion(ctx context.Context, body []byte, header http.Header) (*agent.ChatResult, error) {
	if f.OnChat != nil {
		return f.OnChat(ctx, body, header)
	}
	return &agent.ChatResult{
		Body:  []byte(`{"id":"chatcmpl-fake","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}}`),
		Model: "fake-model",
		Usage: agent.TokenUsage{PromptTokens: 3, CompletionTokens: 1, TotalTokens: 4},
	}, nil
}

func (f *Fake) ChatCompletionStream(ctx context.Context, body []byte, header http.Header) (*agent.Stream, error) {
	if f.OnStream != nil {
		return f.OnStream(ctx, body, header)
	}
	sse := "data: {\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"ok\"},\"finish_reason\":null}]}\n\n" +
		"data: {\"object\":\"chat.completion.chunk\",\"choices\":[],\"usage\":{\"prompt_tokens\":3,\"completion_tokens\":1,\"total_tokens\":4}}\n\n" +
		"data: [DONE]\n\n"
	return agent.NewStream(io.NopCloser(strings.NewReader(sse))), nil
}

func (f *Fake) Embeddings(ctx context.Context, body []byte, header http.Header) (*agent.ChatResult, error) {
	if f.OnEmbeddings != nil {
		return f.OnEmbeddings(ctx, body, header)
	}
	if !f.Capabilities.Has(agent.CapabilityEmbeddings) {
		return nil, agent.Unsupported("embeddings")
	}
	return &agent.ChatResult{
		Body:  []byte(`{"object":"list","data":[{"object":"embedding","index":0,"embedding":[0.1,0.2]}],"usage":{"prompt_tokens":2,"total_tokens":2}}`),
		Usage: agent.TokenUsage{PromptTokens: 2, TotalTokens: 2},
	}, nil
}

func (f *Fake) LoadModel(ctx context.Context, model string) error {
	if f.OnLoad != nil {
		return f.OnLoad(ctx, model)
	}
	if !f.Capabilities.Has(agent.CapabilityLoadModel) {
		return agent.Unsupported("load_model")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loaded = append(f.loaded, model)
	return nil
}

func (f *Fake) UnloadModel(ctx context.Context, model string) error {
	if f.OnUnload != nil {
		return f.OnUnload(ctx, model)
	}
	if !f.Capabilities.Has(agent.CapabilityUnloadModel) {
		return agent.Unsupported("unload_model")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unloaded = append(f.unloaded, model)
	return nil
}

func (f *Fake) CountTokens(ctx context.Context, model, text string) (int64, error) {
	if f.OnCountTokens != nil {
		return f.OnCountTokens(ctx, model, text)
	}
	if !f.Capabilities.Has(agent.CapabilityCountTokens) {
		return 0, agent.Unsupported("count_tokens")
	}
	return int64(len(text) / 4), nil
}

func (f *Fake) ResourceUsage(ctx context.Context) (agent.ResourceUsage, error) {
	if f.OnResourceUsage != nil {
		return f.OnResourceUsage(ctx)
	}
	if !f.Capabilities.Has(agent.CapabilityResourceUsage) {
		return agent.ResourceUsage{}, agent.Unsupported("resource_usage")
	}
	return agent.ResourceUsage{TotalBytes: 16 << 30, UsedBytes: 4 << 30, FreeBytes: 12 << 30}, nil
}

// Loaded returns the models loaded through the default hook.
func (f *Fake) Loaded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.loaded...)
}

// Unloaded returns the models unloaded through the default hook.
func (f *Fake) Unloaded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.unloaded...)
}
