// Copyright Nexus Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package registry tracks the fleet of inference backends: identity, health
// state, advertised models, lifecycle operations and per-backend request
// counters. It is the single source of truth the router, health checker and
// admin surface all read from.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/nexus-llm/nexus/internal/agent"
)

var (
	// ErrDuplicate rejects registration of an already-known name or URL.
	ErrDuplicate = errors.New("backend already registered")
	// ErrNotFound reports an unknown backend id.
	ErrNotFound = errors.New("backend not found")
)

// Spec carries the registration parameters for one backend.
type Spec struct {
	// ID uniquely names the backend. Empty defaults to Name, falling back
	// to a generated UUID when that is empty too.
	ID       string
	Name     string
	URL      string
	Priority int
	Source   Source
	Metadata map[string]string
}

// Registry is the concurrent backend table. It keeps a second index by URL
// so re-announcements of the same server (static config reload, mDNS
// refresh, manual add) are rejected instead of duplicated.
type Registry struct {
	logger *slog.Logger

	mu    sync.RWMutex
	byID  map[string]*Backend
	byURL map[string]string
}

// New builds an empty registry.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		logger: logger,
		byID:   map[string]*Backend{},
		byURL:  map[string]string{},
	}
}

// Add registers a backend served by ag. The returned Backend is live: the
// health checker flips its status, the data path bumps its counters.
func (r *Registry) Add(spec Spec, ag agent.Agent) (*Backend, error) {
	if spec.URL == "" {
		return nil, fmt.Errorf("backend %q: url is required", spec.Name)
	}
	if spec.ID == "" {
		spec.ID = spec.Name
	}
	if spec.ID == "" {
		spec.ID = uuid.New().String()
	}
	key := urlKey(spec.URL)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[spec.ID]; ok {
		return nil, fmt.Errorf("id %q: %w", spec.ID, ErrDuplicate)
	}
	if id, ok := r.byURL[key]; ok {
		return nil, fmt.Errorf("url %q already registered as %q: %w", spec.URL, id, ErrDuplicate)
	}
	b := newBackend(spec, ag)
	r.byID[spec.ID] = b
	r.byURL[key] = spec.ID

	r.logger.Info("registered backend",
		slog.String("backend", spec.ID),
		slog.String("url", spec.URL),
		slog.String("kind", string(ag.Profile().Kind)),
		slog.String("zone", string(ag.Profile().Zone)),
		slog.Int("tier", ag.Profile().Tier),
		slog.String("source", string(spec.Source)),
		slog.String("capabilities", ag.Profile().Capabilities.String()))
	return b, nil
}

// Remove deletes a backend. In-flight requests holding the *Backend keep
// working; the entry just stops being routable or visible.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("id %q: %w", id, ErrNotFound)
	}
	delete(r.byID, id)
	delete(r.byURL, urlKey(b.url))
	r.logger.Info("removed backend", slog.String("backend", id), slog.String("url", b.url))
	return nil
}

// Get returns the live record for id.
func (r *Registry) Get(id string) (*Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.byID[id]
	return b, ok
}

// Len returns the number of registered backends.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Snapshot returns value copies of every backend, sorted by id so callers
// iterate deterministically. The copies are decoupled from later mutation.
func (r *Registry) Snapshot() []View {
	r.mu.RLock()
	backends := make([]*Backend, 0, len(r.byID))
	for _, b := range r.byID {
		backends = append(backends, b)
	}
	r.mu.RUnlock()

	// Views are built outside the registry lock: each takes the backend's
	// own lock and may not be cheap with long model lists.
	views := make([]View, 0, len(backends))
	for _, b := range backends {
		views = append(views, b.View())
	}
	slices.SortFunc(views, func(a, b View) int { return strings.Compare(a.ID, b.ID) })
	return views
}

// urlKey canonicalizes URLs enough that trailing-slash and case variants of
// the same server collide.
func urlKey(u string) string {
	return strings.ToLower(strings.TrimSuffix(u, "/"))
}
