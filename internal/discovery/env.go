// Copyright Nexus Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package discovery

import (
	"cmp"
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/nexus-llm/nexus/internal/agent"
	"github.com/nexus-llm/nexus/internal/registry"
)

const (
	// Cloud backends synthesized from credentials sit near the top of the
	// capability scale and behind local daemons in preference order.
	envCloudTier     = 4
	envCloudPriority = 10
	envLocalPriority = 1
)

// Env synthesizes backends from the environment variables the provider SDKs
// standardize, so a bare `nexus run` fronts whatever the shell is already set
// up for. OLLAMA_HOST announces a local Ollama daemon, OPENAI_API_KEY an
// openai backend (OPENAI_BASE_URL overrides the platform endpoint) and
// ANTHROPIC_API_KEY an anthropic one (ANTHROPIC_BASE_URL likewise).
type Env struct {
	logger *slog.Logger
}

// NewEnv builds the source over the current process environment.
func NewEnv(logger *slog.Logger) *Env {
	return &Env{logger: logger}
}

func (e *Env) Name() string { return "env" }

// Bootstrap announces one backend per credential found. Nothing set means
// nothing announced; the gateway then starts empty and waits for manual
// registrations.
func (e *Env) Bootstrap(context.Context) ([]Event, error) {
	var events []Event
	if host := os.Getenv("OLLAMA_HOST"); host != "" {
		events = append(events, e.announce("ollama", agent.KindOllama, ollamaURL(host), "", envLocalPriority, 0))
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		url := baseURL(os.Getenv("OPENAI_BASE_URL"), "https://api.openai.com")
		events = append(events, e.announce("openai", agent.KindOpenAI, url, key, envCloudPriority, envCloudTier))
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		url := baseURL(os.Getenv("ANTHROPIC_BASE_URL"), "https://api.anthropic.com")
		events = append(events, e.announce("anthropic", agent.KindAnthropic, url, key, envCloudPriority, envCloudTier))
	}
	return events, nil
}

// Run blocks until shutdown; the environment does not change mid-run.
func (e *Env) Run(ctx context.Context, _ chan<- Event) error {
	<-ctx.Done()
	return nil
}

func (e *Env) announce(name string, kind agent.BackendKind, url, key string, priority, tier int) Event {
	e.logger.Info("announcing backend from environment",
		slog.String("backend", name),
		slog.String("url", url))
	return Event{
		Type: Announced,
		Spec: registry.Spec{
			ID:       name,
			Name:     name,
			URL:      url,
			Priority: priority,
			Source:   registry.SourceStatic,
		},
		Kind:   kind,
		APIKey: key,
		Tier:   tier,
	}
}

// baseURL normalizes an SDK-style base URL, which conventionally ends in
// "/v1", down to the bare endpoint the agent dialects expect.
func baseURL(configured, fallback string) string {
	u := cmp.Or(configured, fallback)
	u = strings.TrimSuffix(u, "/")
	return strings.TrimSuffix(u, "/v1")
}

// ollamaURL accepts the forms OLLAMA_HOST takes in the wild: a full URL, a
// host:port pair or a bare host, defaulting the scheme to http and the port
// to 11434 (443 for https).
func ollamaURL(host string) string {
	scheme, rest, ok := strings.Cut(host, "://")
	if !ok {
		scheme, rest = "http", host
	}
	rest = strings.TrimSuffix(rest, "/")
	if !strings.Contains(rest, ":") {
		port := "11434"
		if scheme == "https" {
			port = "443"
		}
		rest += ":" + port
	}
	return scheme + "://" + rest
}
