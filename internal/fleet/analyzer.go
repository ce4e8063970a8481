// Copyright Nexus Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package fleet watches request traffic and suggests pre-warming hot models
// onto local backends. The analyzer is strictly advisory: it never loads
// anything itself, it only publishes recommendations for operators to act
// on.
package fleet

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/nexus-llm/nexus/internal/agent"
	"github.com/nexus-llm/nexus/internal/config"
	"github.com/nexus-llm/nexus/internal/registry"
)

// ActionPreWarm asks an operator to load the model on the named backend.
const ActionPreWarm = "pre_warm"

// retention bounds the per-model request counters; recommendations reason
// over the trailing day.
const retention = 24 * time.Hour

// Recommendation is one advisory entry served on the fleet endpoint.
type Recommendation struct {
	Model         string    `json:"model"`
	Action        string    `json:"action"`
	TargetBackend string    `json:"target_backend"`
	Requests24h   uint64    `json:"requests_24h"`
	Reason        string    `json:"reason"`
	GeneratedAt   time.Time `json:"generated_at"`
}

// Analyzer accumulates per-model request counts in hourly buckets and
// periodically recomputes the recommendation list.
type Analyzer struct {
	logger             *slog.Logger
	registry           *registry.Registry
	minSample          time.Duration
	minRequests        int
	interval           time.Duration
	maxRecommendations int

	now func() time.Time

	mu              sync.Mutex
	firstSeen       time.Time
	counts          map[string]map[int64]uint64
	recommendations []Recommendation
	analyzedAt      time.Time
}

// NewAnalyzer builds an analyzer over reg.
func NewAnalyzer(logger *slog.Logger, reg *registry.Registry, cfg config.FleetConfig) *Analyzer {
	return &Analyzer{
		logger:             logger,
		registry:           reg,
		minSample:          time.Duration(cfg.MinSampleDays) * 24 * time.Hour,
		minRequests:        cfg.MinRequestCount,
		interval:           cfg.AnalysisInterval(),
		maxRecommendations: cfg.MaxRecommendations,
		now:                time.Now,
		counts:             map[string]map[int64]uint64{},
	}
}

// ObserveRequest counts one routed request for model.
func (a *Analyzer) ObserveRequest(model string) {
	now := a.now()
	bucket := now.Truncate(time.Hour).Unix()

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.firstSeen.IsZero() {
		a.firstSeen = now
	}
	hours := a.counts[model]
	if hours == nil {
		hours = map[int64]uint64{}
		a.counts[model] = hours
	}
	hours[bucket]++
}

// Recommendations returns the last computed advisory list and when it was
// computed.
func (a *Analyzer) Recommendations() ([]Recommendation, time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.recommendations), a.analyzedAt
}

// Run recomputes recommendations on the configured interval until ctx is
// cancelled.
func (a *Analyzer) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.logger.Info("stopping fleet analysis loop")
			return nil
		case <-ticker.C:
			a.analyze()
		}
	}
}

type modelCount struct {
	model string
	total uint64
}

// analyze prunes stale buckets and rebuilds the recommendation list: hot
// models not loaded on any healthy local backend get a pre-warm suggestion
// targeting the most preferred local backend able to load them.
func (a *Analyzer) analyze() {
	now := a.now()
	views := a.registry.Snapshot()

	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := now.Add(-retention).Unix()
	totals := make([]modelCount, 0, len(a.counts))
	for model, hours := range a.counts {
		var total uint64
		for bucket, n := range hours {
			if bucket < cutoff {
				delete(hours, bucket)
				continue
			}
			total += n
		}
		if len(hours) == 0 {
			delete(a.counts, model)
			continue
		}
		totals = append(totals, modelCount{model: model, total: total})
	}

	a.analyzedAt = now
	if a.firstSeen.IsZero() || now.Sub(a.firstSeen) < a.minSample {
		a.recommendations = nil
		a.logger.Debug("skipping fleet analysis, sample window too short",
			slog.Duration("required", a.minSample))
		return
	}

	slices.SortFunc(totals, func(x, y modelCount) int {
		if x.total != y.total {
			return cmp.Compare(y.total, x.total)
		}
		return cmp.Compare(x.model, y.model)
	})

	var recs []Recommendation
	for _, mc := range totals {
		if mc.total < uint64(a.minRequests) {
			continue
		}
		if servedLocally(views, mc.model) {
			continue
		}
		target, ok := preWarmTarget(views)
		if !ok {
			continue
		}
		recs = append(recs, Recommendation{
			Model:         mc.model,
			Action:        ActionPreWarm,
			TargetBackend: target.ID,
			Requests24h:   mc.total,
			Reason:        fmt.Sprintf("requested %d times in the last 24h but not loaded on any local backend", mc.total),
			GeneratedAt:   now,
		})
		if len(recs) == a.maxRecommendations {
			break
		}
	}
	a.recommendations = recs
	a.logger.Debug("fleet analysis complete",
		slog.Int("models", len(totals)),
		slog.Int("recommendations", len(recs)))
}

func servedLocally(views []registry.View, model string) bool {
	for i := range views {
		v := &views[i]
		if v.Kind.Local() && v.Status == registry.StatusHealthy && v.HasModel(model) {
			return true
		}
	}
	return false
}

// preWarmTarget picks the healthy local backend best placed to take a new
// model: lowest priority value, ties by id, mirroring how the scheduler
// prefers backends.
func preWarmTarget(views []registry.View) (registry.View, bool) {
	var best registry.View
	found := false
	for i := range views {
		v := &views[i]
		if !v.Kind.Local() || v.Status != registry.StatusHealthy {
			continue
		}
		if !v.Capabilities.Has(agent.CapabilityLoadModel) {
			continue
		}
		if !found || v.Priority < best.Priority || (v.Priority == best.Priority && v.ID < best.ID) {
			best = *v
			found = true
		}
	}
	return best, found
}
