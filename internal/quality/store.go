// Copyright Nexus Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package quality tracks per-backend request outcomes and rolls them up into
// the aggregates consumed by routing and the stats endpoint.
package quality

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"
)

const (
	// maxOutcomes bounds the per-backend history so a busy backend cannot
	// grow memory without limit.
	maxOutcomes = 100_000
	// retention is how long an outcome participates in any aggregate.
	retention = 24 * time.Hour
	// errorWindow is the short window used for the error rate and request count.
	errorWindow = time.Hour

	defaultRecomputeInterval = 30 * time.Second
)

// Outcome is a single request result observed by the gateway.
type Outcome struct {
	At      time.Time
	Success bool
	// TTFT is the time to first byte of the response body. Zero when the
	// request failed before producing output.
	TTFT time.Duration
}

// Aggregate is the rolled-up quality view of one backend. A backend with no
// recorded history reports the zero error rate and a perfect success rate so
// that new backends are never excluded on quality grounds.
type Aggregate struct {
	ErrorRate1h    float64   `json:"error_rate_1h"`
	AvgTTFTMillis  float64   `json:"avg_ttft_ms"`
	SuccessRate24h float64   `json:"success_rate_24h"`
	LastFailure    time.Time `json:"last_failure_timestamp,omitzero"`
	RequestCount1h int       `json:"request_count_1h"`
}

// Store keeps a bounded rolling window of outcomes per backend. Appends are
// cheap; aggregates are rebuilt by RecomputeAll, normally on a timer.
type Store struct {
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu         sync.RWMutex
	series     map[string]*ring
	aggregates map[string]Aggregate
}

// NewStore creates a Store that recomputes aggregates every interval once Run
// is started. A non-positive interval selects the default of 30s.
func NewStore(logger *slog.Logger, interval time.Duration) *Store {
	if interval <= 0 {
		interval = defaultRecomputeInterval
	}
	return &Store{
		logger:     logger,
		interval:   interval,
		now:        time.Now,
		series:     make(map[string]*ring),
		aggregates: make(map[string]Aggregate),
	}
}

// RecordOutcome appends one outcome for the backend. It does not refresh the
// backend's aggregate; that happens on the next recompute.
func (s *Store) RecordOutcome(backendID string, success bool, ttft time.Duration) {
	o := Outcome{At: s.now(), Success: success, TTFT: ttft}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.series[backendID]
	if !ok {
		r = &ring{}
		s.series[backendID] = r
	}
	r.push(o)
}

// Aggregate returns the last computed aggregate for the backend, or the
// no-history default when the backend is unknown.
func (s *Store) Aggregate(backendID string) Aggregate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if agg, ok := s.aggregates[backendID]; ok {
		return agg
	}
	return Aggregate{SuccessRate24h: 1}
}

// Snapshot returns all computed aggregates keyed by backend ID.
func (s *Store) Snapshot() map[string]Aggregate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.aggregates)
}

// Forget drops all history for the backend, typically after it is removed
// from the registry.
func (s *Store) Forget(backendID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.series, backendID)
	delete(s.aggregates, backendID)
}

// RecomputeAll prunes outcomes older than the retention window and rebuilds
// every backend's aggregate.
func (s *Store) RecomputeAll() {
	now := s.now()
	cutoff := now.Add(-retention)

	s.mu.Lock()
	defer s.mu.Unlock()
	aggregates := make(map[string]Aggregate, len(s.series))
	for id, r := range s.series {
		r.dropOlderThan(cutoff)
		if r.len() == 0 {
			delete(s.series, id)
			continue
		}
		aggregates[id] = computeAggregate(r, now)
	}
	s.aggregates = aggregates
}

// Run recomputes aggregates on a timer until ctx is canceled.
func (s *Store) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("stopping quality recompute loop")
			return nil
		case <-ticker.C:
			s.RecomputeAll()
		}
	}
}

func computeAggregate(r *ring, now time.Time) Aggregate {
	agg := Aggregate{SuccessRate24h: 1}
	windowStart := now.Add(-errorWindow)
	var (
		total, failed     int
		total1h, failed1h int
		ttftTotal         time.Duration
		ttftSamples       int
	)
	r.each(func(o Outcome) {
		total++
		if !o.Success {
			failed++
			if o.At.After(agg.LastFailure) {
				agg.LastFailure = o.At
			}
		}
		if o.At.After(windowStart) {
			total1h++
			if !o.Success {
				failed1h++
			}
		}
		if o.TTFT > 0 {
			ttftTotal += o.TTFT
			ttftSamples++
		}
	})
	agg.RequestCount1h = total1h
	if total1h > 0 {
		agg.ErrorRate1h = float64(failed1h) / float64(total1h)
	}
	if total > 0 {
		agg.SuccessRate24h = float64(total-failed) / float64(total)
	}
	if ttftSamples > 0 {
		agg.AvgTTFTMillis = float64(ttftTotal) / float64(time.Millisecond) / float64(ttftSamples)
	}
	return agg
}
