// Copyright Nexus Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package tokenizer

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/nexus-llm/nexus/internal/metrics"
	"github.com/nexus-llm/nexus/internal/testing/testotel"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestRuleMatchingMostSpecificFirst(t *testing.T) {
	c, err := NewCounter(testLogger, DefaultRules(), nil)
	require.NoError(t, err)

	for _, tc := range []struct {
		model        string
		wantEncoding string
		wantTier     Tier
	}{
		{model: "gpt-4o-mini", wantEncoding: "o200k_base", wantTier: TierExact},
		{model: "gpt-4.1-nano", wantEncoding: "o200k_base", wantTier: TierExact},
		{model: "gpt-4-turbo", wantEncoding: "cl100k_base", wantTier: TierExact},
		{model: "gpt-3.5-turbo", wantEncoding: "cl100k_base", wantTier: TierExact},
		{model: "o1-preview", wantEncoding: "o200k_base", wantTier: TierExact},
		{model: "text-embedding-3-small", wantEncoding: "cl100k_base", wantTier: TierExact},
		{model: "claude-sonnet-4", wantEncoding: "cl100k_base", wantTier: TierApproximation},
		{model: "mistral-large", wantEncoding: "cl100k_base", wantTier: TierApproximation},
		{model: "llama3.2", wantEncoding: "", wantTier: TierHeuristic},
		{model: "qwen2.5-coder", wantEncoding: "", wantTier: TierHeuristic},
	} {
		t.Run(tc.model, func(t *testing.T) {
			rule := c.match(tc.model)
			require.NotNil(t, rule, "every model must match the catch-all")
			require.Equal(t, tc.wantEncoding, rule.Encoding)
			require.Equal(t, tc.wantTier, rule.Tier)
		})
	}
}

func TestNewCounterRejectsBadPattern(t *testing.T) {
	_, err := NewCounter(testLogger, []Rule{{Pattern: "[", Tier: TierHeuristic}}, nil)
	require.ErrorContains(t, err, `cannot compile tokenizer pattern "["`)
}

func TestHeuristicTokens(t *testing.T) {
	for _, tc := range []struct {
		text string
		want int64
	}{
		{text: "", want: 0},
		{text: "a", want: 1},
		// 12 chars: ceil(1.15*12/4) = ceil(3.45).
		{text: "hello world!", want: 4},
		// 400 chars: exactly 1.15*100.
		{text: string(make([]byte, 400)), want: 115},
	} {
		require.Equal(t, tc.want, HeuristicTokens(tc.text), "text %q", tc.text)
	}
}

func TestCountTokensHeuristicTier(t *testing.T) {
	c, err := NewCounter(testLogger, DefaultRules(), nil)
	require.NoError(t, err)

	tokens, tier := c.CountTokens(t.Context(), "llama3.2", "The quick brown fox")
	require.Equal(t, TierHeuristic, tier)
	require.Equal(t, HeuristicTokens("The quick brown fox"), tokens)
}

func TestCountTokensDegradesOnEncodingFailure(t *testing.T) {
	// An unknown encoding name cannot be loaded, so an exact rule must fall
	// back to the heuristic rather than fail.
	rules := []Rule{
		{Pattern: "broken*", Encoding: "no_such_encoding", Tier: TierExact},
		{Pattern: "*", Tier: TierHeuristic},
	}
	c, err := NewCounter(testLogger, rules, nil)
	require.NoError(t, err)

	tokens, tier := c.CountTokens(t.Context(), "broken-model", "some text here")
	require.Equal(t, TierHeuristic, tier)
	require.Equal(t, HeuristicTokens("some text here"), tokens)
}

func TestCountTokensRecordsMetrics(t *testing.T) {
	mr := sdkmetric.NewManualReader()
	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(mr)).Meter("test")
	c, err := NewCounter(testLogger, DefaultRules(), metrics.NewTokenizer(meter))
	require.NoError(t, err)

	c.CountTokens(t.Context(), "llama3.2", "hello")
	c.CountTokens(t.Context(), "llama3.2", "world")

	attrs := attribute.NewSet(attribute.Key("nexus.tokenizer.tier").String("heuristic"))
	require.Equal(t, 2.0, testotel.GetCounterValue(t, mr, "nexus.tokenizer.requests", attrs))
	count, sum := testotel.GetHistogramValues(t, mr, "nexus.tokenizer.duration", attrs)
	require.Equal(t, uint64(2), count)
	require.Greater(t, sum, 0.0)
	require.Less(t, sum, time.Second.Seconds())
}
