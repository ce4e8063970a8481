// Copyright Nexus Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package discovery

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nexus-llm/nexus/internal/agent"
	"github.com/nexus-llm/nexus/internal/registry"
)

const (
	defaultGracePeriod = 60 * time.Second
	// sweepInterval is how often scheduled removals are checked against
	// their grace deadline.
	sweepInterval = time.Second
)

// Options configure a Manager.
type Options struct {
	Logger   *slog.Logger
	Registry *registry.Registry
	// GracePeriod is how long a retracted backend lingers before removal.
	GracePeriod time.Duration
	Sources     []Source
	// OnRemoved, when set, is called with the id of every backend removed
	// after its grace period expired. Used to drop per-backend quality
	// history alongside the registry entry.
	OnRemoved func(id string)
}

// Manager fans in events from every source and applies them to the registry.
// A retracted backend is not removed immediately: it lingers for the grace
// period and survives if any source re-announces it in time.
type Manager struct {
	logger      *slog.Logger
	registry    *registry.Registry
	gracePeriod time.Duration
	sources     []Source
	onRemoved   func(id string)
	events      chan Event
	newAgent    func(kind agent.BackendKind, baseURL string, opts agent.Options) (agent.Agent, error)
	now         func() time.Time

	mu      sync.Mutex
	pending map[string]time.Time // backend id -> removal deadline
}

// NewManager builds a manager over opts.Sources.
func NewManager(opts Options) *Manager {
	return &Manager{
		logger:      opts.Logger,
		registry:    opts.Registry,
		gracePeriod: cmp.Or(opts.GracePeriod, defaultGracePeriod),
		sources:     opts.Sources,
		onRemoved:   opts.OnRemoved,
		events:      make(chan Event, 16),
		newAgent:    agent.New,
		now:         time.Now,
		pending:     map[string]time.Time{},
	}
}

// Bootstrap registers every backend the sources already know about. It runs
// before the watch loops start so the first health check round sees the full
// fleet.
func (m *Manager) Bootstrap(ctx context.Context) error {
	for _, src := range m.sources {
		events, err := src.Bootstrap(ctx)
		if err != nil {
			return fmt.Errorf("discovery source %s: %w", src.Name(), err)
		}
		for _, ev := range events {
			m.apply(ev)
		}
	}
	return nil
}

// Run starts every source and consumes their events until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, src := range m.sources {
		g.Go(func() error { return src.Run(ctx, m.events) })
	}
	g.Go(func() error { return m.consume(ctx) })
	return g.Wait()
}

func (m *Manager) consume(ctx context.Context) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("stopping discovery loop")
			return nil
		case ev := <-m.events:
			m.apply(ev)
		case <-ticker.C:
			m.sweep()
		}
	}
}

// apply folds one event into the registry.
func (m *Manager) apply(ev Event) {
	switch ev.Type {
	case Announced:
		m.mu.Lock()
		delete(m.pending, ev.Spec.ID)
		m.mu.Unlock()
		m.announce(ev)
	case Retracted:
		deadline := m.now().Add(m.gracePeriod)
		m.mu.Lock()
		m.pending[ev.Spec.ID] = deadline
		m.mu.Unlock()
		m.logger.Info("backend retracted, starting grace period",
			slog.String("backend", ev.Spec.ID),
			slog.Duration("grace_period", m.gracePeriod))
	default:
		m.logger.Warn("dropping discovery event of unknown type",
			slog.String("type", string(ev.Type)))
	}
}

func (m *Manager) announce(ev Event) {
	ag, err := m.newAgent(ev.Kind, ev.Spec.URL, agent.Options{
		APIKey: ev.APIKey,
		Zone:   ev.Zone,
		Tier:   ev.Tier,
	})
	if err != nil {
		m.logger.Error("cannot build agent for announced backend",
			slog.String("backend", ev.Spec.ID),
			slog.String("kind", string(ev.Kind)),
			slog.String("error", err.Error()))
		return
	}
	if _, err := m.registry.Add(ev.Spec, ag); err != nil {
		if errors.Is(err, registry.ErrDuplicate) {
			// Re-announcement of a live backend; clearing the removal
			// deadline above already kept it alive.
			m.logger.Debug("backend already registered", slog.String("backend", ev.Spec.ID))
			return
		}
		m.logger.Error("cannot register announced backend",
			slog.String("backend", ev.Spec.ID),
			slog.String("error", err.Error()))
	}
}

// sweep removes backends whose grace period expired without a re-announcement.
func (m *Manager) sweep() {
	now := m.now()
	m.mu.Lock()
	var expired []string
	for id, deadline := range m.pending {
		if !deadline.After(now) {
			expired = append(expired, id)
			delete(m.pending, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		if err := m.registry.Remove(id); err != nil {
			m.logger.Warn("cannot remove retracted backend",
				slog.String("backend", id),
				slog.String("error", err.Error()))
			continue
		}
		m.logger.Info("removed backend after grace period", slog.String("backend", id))
		if m.onRemoved != nil {
			m.onRemoved(id)
		}
	}
}
