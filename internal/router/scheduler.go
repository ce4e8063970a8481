// Copyright Nexus Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package router

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync/atomic"

	"github.com/nexus-llm/nexus/internal/config"
	"github.com/nexus-llm/nexus/internal/registry"
)

// Strategy names the backend-selection algorithm.
type Strategy string

const (
	StrategySmart        Strategy = "smart"
	StrategyRoundRobin   Strategy = "round_robin"
	StrategyPriorityOnly Strategy = "priority_only"
	StrategyRandom       Strategy = "random"
)

// saturationPending is the pending-request count at which a backend stops
// accepting new work; it matches the point where the load score bottoms out.
const saturationPending = 100

// scheduler is the terminal pipeline stage and the only one that selects.
type scheduler struct {
	logger   *slog.Logger
	strategy Strategy
	weights  config.WeightsConfig
	counter  atomic.Uint64
}

// NewScheduler builds the selection stage. Weights are validated only for
// the smart strategy, the one that uses them.
func NewScheduler(logger *slog.Logger, strategy string, weights config.WeightsConfig) (Reconciler, error) {
	s := Strategy(strategy)
	if s == "" {
		s = StrategySmart
	}
	switch s {
	case StrategySmart, StrategyRoundRobin, StrategyPriorityOnly, StrategyRandom:
	default:
		return nil, fmt.Errorf("unknown routing strategy %q", strategy)
	}
	if s == StrategySmart {
		if sum := weights.Priority + weights.Load + weights.Latency; sum != 100 {
			return nil, fmt.Errorf("routing weights must sum to 100, got %d", sum)
		}
	}
	return &scheduler{logger: logger, strategy: s, weights: weights}, nil
}

func (s *scheduler) Name() string             { return "Scheduler" }
func (s *scheduler) FailureMode() FailureMode { return FailClosed }

func (s *scheduler) Reconcile(_ context.Context, intent *Intent) error {
	sawSaturated := false
	for _, id := range slices.Clone(intent.Candidates) {
		if v := intent.View(id); v.Pending >= saturationPending {
			sawSaturated = true
			intent.Exclude(id, s.Name(),
				fmt.Sprintf("backend saturated: %d requests pending", v.Pending),
				"wait for pending requests to drain")
		}
	}
	if len(intent.Candidates) == 0 {
		intent.CapacityExhausted = sawSaturated
		return nil
	}
	if len(intent.Candidates) == 1 {
		intent.Selected = intent.Candidates[0]
		intent.RouteReason = "only_healthy_backend"
		return nil
	}

	switch s.strategy {
	case StrategySmart:
		id, score := s.pickSmart(intent)
		intent.Selected = id
		intent.RouteReason = fmt.Sprintf("highest_score:%s:%.2f", id, score)
	case StrategyRoundRobin:
		id := intent.Candidates[(s.counter.Add(1)-1)%uint64(len(intent.Candidates))]
		intent.Selected = id
		intent.RouteReason = "round_robin:" + id
	case StrategyPriorityOnly:
		id := pickLowestPriority(intent)
		intent.Selected = id
		intent.RouteReason = "lowest_priority:" + id
	case StrategyRandom:
		id := intent.Candidates[rand.IntN(len(intent.Candidates))]
		intent.Selected = id
		intent.RouteReason = "random:" + id
	}
	s.logger.Debug("selected backend",
		slog.String("backend", intent.Selected),
		slog.String("model", intent.ResolvedModel),
		slog.String("reason", intent.RouteReason))
	return nil
}

func (s *scheduler) pickSmart(intent *Intent) (string, float64) {
	var bestID string
	var best float64
	for _, id := range intent.Candidates {
		v := intent.View(id)
		score := s.score(v, intent.ScorePenalties[id])
		switch {
		case bestID == "", score > best:
			bestID, best = id, score
		case score == best && tieBreaks(v, intent.View(bestID)):
			bestID = id
		}
	}
	return bestID, best
}

// score is a 0..100 composite: preferred (low) priority, low load and low
// latency all push it up; quality penalties pull it down.
func (s *scheduler) score(v registry.View, penalty float64) float64 {
	priority := min(max(float64(v.Priority), 0), 100)
	load := min(float64(v.Pending), 100)
	latency := min(float64(v.AvgLatencyMS)/10, 100)
	score := ((100-priority)*float64(s.weights.Priority) +
		(100-load)*float64(s.weights.Load) +
		(100-latency)*float64(s.weights.Latency)) / 100
	return max(score-penalty, 0)
}

// tieBreaks reports whether a beats b on an equal score: lower priority
// value first, then lower id lexicographically.
func tieBreaks(a, b registry.View) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.ID < b.ID
}

func pickLowestPriority(intent *Intent) string {
	best := intent.Candidates[0]
	for _, id := range intent.Candidates[1:] {
		if intent.View(id).Priority < intent.View(best).Priority {
			best = id
		}
	}
	return best
}
