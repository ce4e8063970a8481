// Copyright Nexus Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package agent adapts heterogeneous inference backends to a uniform
// contract. Each supported server dialect (Ollama, vLLM, LM Studio,
// llama.cpp, OpenAI, Anthropic) gets an implementation of Agent; everything
// above this package speaks OpenAI-shaped bytes and never sees dialect
// details.
package agent

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Default hard timeouts for upstream calls. Health probes stay short so a
// wedged backend cannot stall the check loop; completions get room for slow
// local hardware.
const (
	defaultHealthTimeout = 5 * time.Second
	defaultChatTimeout   = 120 * time.Second
)

// Capability is a bitset of the optional operations a backend supports.
// Health checks, model listing and chat completion are universal and have no
// bit; callers must consult the bitset before invoking anything else or be
// prepared for an unsupported-operation error.
type Capability uint32

const (
	CapabilityEmbeddings Capability = 1 << iota
	CapabilityLoadModel
	CapabilityUnloadModel
	CapabilityCountTokens
	CapabilityResourceUsage
)

// Has reports whether all bits in want are set.
func (c Capability) Has(want Capability) bool { return c&want == want }

// String renders the set bits for logs, e.g. "embeddings|count_tokens".
func (c Capability) String() string {
	names := []struct {
		bit  Capability
		name string
	}{
		{CapabilityEmbeddings, "embeddings"},
		{CapabilityLoadModel, "load_model"},
		{CapabilityUnloadModel, "unload_model"},
		{CapabilityCountTokens, "count_tokens"},
		{CapabilityResourceUsage, "resource_usage"},
	}
	var set []string
	for _, n := range names {
		if c.Has(n.bit) {
			set = append(set, n.name)
		}
	}
	if len(set) == 0 {
		return "none"
	}
	return strings.Join(set, "|")
}

// BackendKind identifies the server dialect an agent speaks.
type BackendKind string

const (
	KindOllama    BackendKind = "ollama"
	KindVLLM      BackendKind = "vllm"
	KindLMStudio  BackendKind = "lmstudio"
	KindLlamaCpp  BackendKind = "llamacpp"
	KindOpenAI    BackendKind = "openai"
	KindAnthropic BackendKind = "anthropic"
	// KindGeneric covers any other OpenAI-compatible server.
	KindGeneric BackendKind = "generic"
)

// Local reports whether the kind is a self-hosted runtime as opposed to a
// metered cloud API. Local backends bill at zero cost.
func (k BackendKind) Local() bool {
	switch k {
	case KindOpenAI, KindAnthropic:
		return false
	}
	return true
}

// ParseBackendKind validates a configuration string.
func ParseBackendKind(s string) (BackendKind, error) {
	switch k := BackendKind(strings.ToLower(s)); k {
	case KindOllama, KindVLLM, KindLMStudio, KindLlamaCpp, KindOpenAI, KindAnthropic, KindGeneric:
		return k, nil
	default:
		return "", fmt.Errorf("unknown backend kind %q", s)
	}
}

// PrivacyZone partitions backends for data-residency routing. Requests
// pinned to the restricted zone never reach an open-zone backend.
type PrivacyZone string

const (
	ZoneOpen       PrivacyZone = "open"
	ZoneRestricted PrivacyZone = "restricted"
)

// ParsePrivacyZone validates a configuration string. Empty defaults to open.
func ParsePrivacyZone(s string) (PrivacyZone, error) {
	switch z := PrivacyZone(strings.ToLower(s)); z {
	case ZoneOpen, ZoneRestricted:
		return z, nil
	case "":
		return ZoneOpen, nil
	default:
		return "", fmt.Errorf("unknown privacy zone %q", s)
	}
}

// Profile is the static routing-relevant identity of an agent.
type Profile struct {
	Kind BackendKind
	Zone PrivacyZone
	// Tier is the capability tier, 1 (weakest) through 5.
	Tier         int
	Capabilities Capability
}

// ModelCapability describes one model a backend advertises. Local runtimes
// rarely report limits, so most fields come from name-based inference; see
// InferModelCapability.
type ModelCapability struct {
	// ID is the model identifier as the backend knows it.
	ID string
	// Name is a display name when the backend provides one, else the ID.
	Name string
	// ContextLength is the context window in tokens.
	ContextLength uint32
	// MaxOutputTokens is the per-response output cap, 0 when unreported.
	MaxOutputTokens uint32
	Vision          bool
	Tools           bool
	JSONMode        bool
}

// HealthStatus is the result of a successful health probe. A probe can reach
// the backend and still find it unhealthy (e.g. HTTP 500); transport-level
// failures surface as errors instead.
type HealthStatus struct {
	Healthy bool
	// ModelCount is the number of models the backend advertised.
	ModelCount int
	// Detail explains an unhealthy verdict.
	Detail string
}

// ResourceUsage reports accelerator memory occupancy. TotalBytes is zero
// when the runtime does not expose its capacity.
type ResourceUsage struct {
	TotalBytes uint64
	UsedBytes  uint64
	FreeBytes  uint64
}

// TokenUsage is the normalized token accounting of one completion.
type TokenUsage struct {
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
}

// ChatResult is a successful non-streaming completion. Body holds the exact
// bytes to return to the caller: for passthrough dialects these are the
// upstream bytes untouched, for translating dialects they are the
// synthesized OpenAI-shaped response.
type ChatResult struct {
	Body  []byte
	Model string
	Usage TokenUsage
}

// Stream is a live completion normalized to OpenAI SSE framing. Read yields
// bytes to forward to the caller verbatim; Close releases the upstream
// connection and must be called exactly once.
type Stream struct {
	rc io.ReadCloser
}

// NewStream wraps an already-normalized SSE byte stream.
func NewStream(rc io.ReadCloser) *Stream { return &Stream{rc: rc} }

func (s *Stream) Read(p []byte) (int, error) { return s.rc.Read(p) }

func (s *Stream) Close() error { return s.rc.Close() }

// Agent is the uniform backend contract. Implementations are safe for
// concurrent use. Every returned error is a *Error so callers can classify
// failures without dialect knowledge.
type Agent interface {
	// Profile returns the static identity; it never blocks.
	Profile() Profile

	// HealthCheck probes liveness, bounded to a few seconds regardless of
	// the parent context.
	HealthCheck(ctx context.Context) (HealthStatus, error)

	// ListModels enumerates the models currently served.
	ListModels(ctx context.Context) ([]ModelCapability, error)

	// ChatCompletion forwards an OpenAI-shaped request body. The resolved
	// model is already set in body; header carries caller headers the
	// gateway chose to propagate.
	ChatCompletion(ctx context.Context, body []byte, header http.Header) (*ChatResult, error)

	// ChatCompletionStream is the streaming variant. The returned stream is
	// not bounded by the chat timeout; cancel ctx to abort it.
	ChatCompletionStream(ctx context.Context, body []byte, header http.Header) (*Stream, error)

	// Embeddings forwards an embeddings request. Requires
	// CapabilityEmbeddings.
	Embeddings(ctx context.Context, body []byte, header http.Header) (*ChatResult, error)

	// LoadModel asks the backend to load model into memory, blocking until
	// done. Requires CapabilityLoadModel.
	LoadModel(ctx context.Context, model string) error

	// UnloadModel evicts model from memory. Requires CapabilityUnloadModel.
	UnloadModel(ctx context.Context, model string) error

	// CountTokens tokenizes text with the backend's own tokenizer. Requires
	// CapabilityCountTokens.
	CountTokens(ctx context.Context, model, text string) (int64, error)

	// ResourceUsage reports current memory occupancy. Requires
	// CapabilityResourceUsage.
	ResourceUsage(ctx context.Context) (ResourceUsage, error)
}

// Options tune an agent at construction.
type Options struct {
	// APIKey authenticates to the backend. When set it overrides any
	// Authorization header forwarded from the caller.
	APIKey string
	// Zone assigns the privacy zone, default open.
	Zone PrivacyZone
	// Tier assigns the capability tier, default 1.
	Tier int
	// ChatTimeout overrides the non-streaming completion timeout.
	ChatTimeout time.Duration
	// HTTPClient overrides the default transport, e.g. to add a proxy.
	HTTPClient *http.Client
}

func (o Options) zone() PrivacyZone { return PrivacyZone(cmp.Or(string(o.Zone), string(ZoneOpen))) }

func (o Options) tier() int { return cmp.Or(o.Tier, 1) }

func (o Options) chatTimeout() time.Duration { return cmp.Or(o.ChatTimeout, defaultChatTimeout) }

// New constructs the dialect implementation for kind. baseURL is the
// backend's root URL without a trailing slash.
func New(kind BackendKind, baseURL string, opts Options) (Agent, error) {
	baseURL = strings.TrimSuffix(baseURL, "/")
	switch kind {
	case KindOllama:
		return newOllama(baseURL, opts), nil
	case KindVLLM, KindLMStudio, KindLlamaCpp, KindOpenAI, KindGeneric:
		return newOpenAICompatible(kind, baseURL, opts), nil
	case KindAnthropic:
		return newAnthropic(baseURL, opts), nil
	default:
		return nil, fmt.Errorf("unknown backend kind %q", kind)
	}
}
