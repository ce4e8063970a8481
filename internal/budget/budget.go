// Copyright Nexus Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package budget tracks monthly cloud spending against a configured limit.
// Spending lives in memory only; a restart starts the cycle's counter from
// zero.
package budget

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"
)

// Action is what the gateway does with cloud-bound requests once the monthly
// limit is exhausted.
type Action string

const (
	// ActionLocalOnly keeps serving but excludes cloud backends.
	ActionLocalOnly Action = "local-only"
	// ActionQueue parks cloud-bound requests in the scheduling queue.
	ActionQueue Action = "queue"
	// ActionReject fails cloud-bound requests outright.
	ActionReject Action = "reject"
)

// ParseAction parses a configured hard-limit action. Empty selects LocalOnly.
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionLocalOnly, ActionQueue, ActionReject:
		return a, nil
	case "":
		return ActionLocalOnly, nil
	default:
		return "", fmt.Errorf("unknown hard limit action %q", s)
	}
}

// Level is where spending sits relative to the limit.
type Level string

const (
	LevelNormal Level = "normal"
	LevelSoft   Level = "soft_limit"
	LevelHard   Level = "hard_limit"
)

// Status is a point-in-time budget reading.
type Status struct {
	Level    Level   `json:"level"`
	Percent  float64 `json:"percent"`
	SpentUSD float64 `json:"spent_usd"`
	LimitUSD float64 `json:"limit_usd"`
}

const defaultSoftLimitPercent = 75

// State is the shared spending counter. Safe for concurrent use.
type State struct {
	logger   *slog.Logger
	limitUSD float64
	softPct  float64
	action   Action
	cycleDay int
	// checkInterval is how often the reset loop compares the clock against
	// the billing boundary.
	checkInterval time.Duration
	now           func() time.Time

	spendingCents atomic.Uint64
}

// NewState creates a budget with the given monthly limit in USD. A
// non-positive limit disables enforcement: the status stays Normal no matter
// the spend. softPct zero selects the default of 75.
func NewState(logger *slog.Logger, limitUSD, softPct float64, action Action, cycleDay int) *State {
	return &State{
		logger:        logger,
		limitUSD:      limitUSD,
		softPct:       cmp.Or(softPct, defaultSoftLimitPercent),
		action:        cmp.Or(action, ActionLocalOnly),
		cycleDay:      cycleDay,
		checkInterval: time.Minute,
		now:           time.Now,
	}
}

// Action returns the configured hard-limit action.
func (s *State) Action() Action { return s.action }

// AddSpend records a cost in USD. Amounts round up to a whole cent so
// accounting never undercounts.
func (s *State) AddSpend(usd float64) {
	if usd <= 0 {
		return
	}
	s.spendingCents.Add(uint64(math.Ceil(usd * 100)))
}

// Status returns the current budget reading.
func (s *State) Status() Status {
	spent := float64(s.spendingCents.Load()) / 100
	st := Status{Level: LevelNormal, SpentUSD: spent, LimitUSD: s.limitUSD}
	if s.limitUSD <= 0 {
		return st
	}
	st.Percent = spent / s.limitUSD * 100
	switch {
	case spent >= s.limitUSD:
		st.Level = LevelHard
	case st.Percent >= s.softPct:
		st.Level = LevelSoft
	}
	return st
}

// Run zeroes the counter at each billing-cycle boundary until ctx is
// canceled.
func (s *State) Run(ctx context.Context) error {
	next := nextReset(s.now(), s.cycleDay)
	s.logger.Info("budget cycle armed",
		slog.Time("next_reset", next),
		slog.Float64("limit_usd", s.limitUSD))
	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("stopping budget reset loop")
			return nil
		case <-ticker.C:
			if s.now().Before(next) {
				continue
			}
			prev := s.spendingCents.Swap(0)
			next = nextReset(s.now(), s.cycleDay)
			s.logger.Info("billing cycle reset",
				slog.Float64("spent_usd", float64(prev)/100),
				slog.Time("next_reset", next))
		}
	}
}

// nextReset returns the first midnight UTC falling on the billing day
// strictly after now. Days are clamped to 1..28 so every month has the
// boundary.
func nextReset(now time.Time, day int) time.Time {
	day = min(max(day, 1), 28)
	y, m, _ := now.UTC().Date()
	candidate := time.Date(y, m, day, 0, 0, 0, 0, time.UTC)
	for !candidate.After(now) {
		m++
		candidate = time.Date(y, m, day, 0, 0, 0, 0, time.UTC)
	}
	return candidate
}
