// Copyright Nexus Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package discovery feeds the backend registry. A Source announces backends
// it knows about and retracts the ones that disappear; the Manager folds
// those events into the registry, holding retracted backends through a grace
// period so a flapping announcer does not churn the fleet.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/nexus-llm/nexus/internal/agent"
	"github.com/nexus-llm/nexus/internal/config"
	"github.com/nexus-llm/nexus/internal/registry"
)

// EventType distinguishes appearances from disappearances.
type EventType string

const (
	// Announced introduces a backend or refreshes one already registered.
	Announced EventType = "announced"
	// Retracted starts the grace period after which the backend is removed.
	Retracted EventType = "retracted"
)

// Event is one observation about a backend.
type Event struct {
	Type EventType
	// Spec carries the registration parameters. Retractions only need Spec.ID.
	Spec registry.Spec
	// Kind selects the agent dialect built for an announced backend.
	Kind   agent.BackendKind
	APIKey string
	Zone   agent.PrivacyZone
	Tier   int
}

// Source produces backend events for the Manager to apply.
type Source interface {
	// Name identifies the source in logs.
	Name() string
	// Bootstrap returns the backends known before the watch loop starts.
	Bootstrap(ctx context.Context) ([]Event, error)
	// Run streams announcements and retractions until ctx is cancelled.
	Run(ctx context.Context, events chan<- Event) error
}

// Static announces the backends declared in the configuration file. They are
// all known at bootstrap and never retracted.
type Static struct {
	logger   *slog.Logger
	backends []config.BackendConfig
}

// NewStatic builds the source over the configured backend list.
func NewStatic(logger *slog.Logger, backends []config.BackendConfig) *Static {
	return &Static{logger: logger, backends: backends}
}

func (s *Static) Name() string { return "static" }

// Bootstrap resolves each configured backend into an announcement, reading
// API keys from the environment variables the config names.
func (s *Static) Bootstrap(context.Context) ([]Event, error) {
	events := make([]Event, 0, len(s.backends))
	for _, b := range s.backends {
		kind, err := agent.ParseBackendKind(b.Type)
		if err != nil {
			return nil, fmt.Errorf("backend %q: %w", b.Name, err)
		}
		zone, err := agent.ParsePrivacyZone(b.Zone)
		if err != nil {
			return nil, fmt.Errorf("backend %q: %w", b.Name, err)
		}
		var key string
		if b.APIKeyEnv != "" {
			key = os.Getenv(b.APIKeyEnv)
			if key == "" {
				s.logger.Warn("api key environment variable is unset",
					slog.String("backend", b.Name),
					slog.String("env", b.APIKeyEnv))
			}
		}
		events = append(events, Event{
			Type: Announced,
			Spec: registry.Spec{
				ID:       b.Name,
				Name:     b.Name,
				URL:      b.URL,
				Priority: b.Priority,
				Source:   registry.SourceStatic,
			},
			Kind:   kind,
			APIKey: key,
			Zone:   zone,
			Tier:   b.Tier,
		})
	}
	return events, nil
}

// Run blocks until shutdown; static backends never change after bootstrap.
func (s *Static) Run(ctx context.Context, _ chan<- Event) error {
	<-ctx.Done()
	return nil
}
