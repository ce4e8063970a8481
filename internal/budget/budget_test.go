// Copyright Nexus Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package budget

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	internaltesting "github.com/nexus-llm/nexus/internal/testing"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestParseAction(t *testing.T) {
	for _, tc := range []struct {
		in      string
		want    Action
		wantErr bool
	}{
		{in: "", want: ActionLocalOnly},
		{in: "local-only", want: ActionLocalOnly},
		{in: "queue", want: ActionQueue},
		{in: "reject", want: ActionReject},
		{in: "explode", wantErr: true},
	} {
		got, err := ParseAction(tc.in)
		if tc.wantErr {
			require.ErrorContains(t, err, "unknown hard limit action")
			continue
		}
		require.NoError(t, err)
		require.Equal(t, tc.want, got)
	}
}

func TestStatusLevels(t *testing.T) {
	s := NewState(testLogger, 100, 75, ActionLocalOnly, 1)

	st := s.Status()
	require.Equal(t, LevelNormal, st.Level)
	require.Zero(t, st.SpentUSD)

	s.AddSpend(74.99)
	st = s.Status()
	require.Equal(t, LevelNormal, st.Level)
	require.InDelta(t, 74.99, st.SpentUSD, 1e-9)

	s.AddSpend(0.01)
	st = s.Status()
	require.Equal(t, LevelSoft, st.Level)
	require.InDelta(t, 75.0, st.Percent, 1e-9)

	s.AddSpend(25)
	st = s.Status()
	require.Equal(t, LevelHard, st.Level)
	require.InDelta(t, 100.0, st.SpentUSD, 1e-9)
}

func TestUnlimitedBudgetStaysNormal(t *testing.T) {
	s := NewState(testLogger, 0, 0, ActionReject, 1)
	s.AddSpend(1_000_000)
	require.Equal(t, LevelNormal, s.Status().Level)
}

func TestAddSpendRoundsUpToCent(t *testing.T) {
	s := NewState(testLogger, 100, 75, ActionLocalOnly, 1)
	s.AddSpend(0.001)
	require.InDelta(t, 0.01, s.Status().SpentUSD, 1e-9)

	s.AddSpend(-5)
	s.AddSpend(0)
	require.InDelta(t, 0.01, s.Status().SpentUSD, 1e-9)
}

func TestAddSpendConcurrent(t *testing.T) {
	s := NewState(testLogger, 10_000, 75, ActionLocalOnly, 1)
	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				s.AddSpend(0.10)
			}
		}()
	}
	wg.Wait()
	require.InDelta(t, 100.0, s.Status().SpentUSD, 1e-9)
}

func TestNextReset(t *testing.T) {
	at := func(y int, m time.Month, d, hh int) time.Time {
		return time.Date(y, m, d, hh, 0, 0, 0, time.UTC)
	}
	for _, tc := range []struct {
		name string
		now  time.Time
		day  int
		want time.Time
	}{
		{name: "later this month", now: at(2025, time.June, 10, 9), day: 15, want: at(2025, time.June, 15, 0)},
		{name: "already passed", now: at(2025, time.June, 20, 9), day: 15, want: at(2025, time.July, 15, 0)},
		{name: "boundary is strict", now: at(2025, time.June, 15, 0), day: 15, want: at(2025, time.July, 15, 0)},
		{name: "day clamped to 28", now: at(2025, time.January, 30, 0), day: 31, want: at(2025, time.February, 28, 0)},
		{name: "day clamped to 1", now: at(2025, time.June, 10, 0), day: 0, want: at(2025, time.July, 1, 0)},
		{name: "year wrap", now: at(2025, time.December, 20, 0), day: 5, want: at(2026, time.January, 5, 0)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, nextReset(tc.now, tc.day))
		})
	}
}

func TestRunResetsAtBoundary(t *testing.T) {
	s := NewState(testLogger, 100, 75, ActionLocalOnly, 15)
	s.checkInterval = 5 * time.Millisecond

	// Start just before the boundary, then jump past it.
	var mu sync.Mutex
	now := time.Date(2025, time.June, 14, 23, 0, 0, 0, time.UTC)
	armed := make(chan struct{})
	var armOnce sync.Once
	s.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		armOnce.Do(func() { close(armed) })
		return now
	}
	s.AddSpend(42)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	// Run must arm off the pre-jump clock before the test advances it.
	<-armed

	mu.Lock()
	now = time.Date(2025, time.June, 15, 0, 0, 1, 0, time.UTC)
	mu.Unlock()

	internaltesting.RequireEventuallyNoError(t, func() error {
		if spent := s.Status().SpentUSD; spent != 0 {
			return fmt.Errorf("spending not reset, still %v", spent)
		}
		return nil
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
