// Copyright Nexus Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// nolint: godot
const (
	// Tokenizer requests is a counter of token counting calls.
	//
	// Dimensions:
	// - nexus.tokenizer.tier
	metricTokenizerRequests = "nexus.tokenizer.requests"
	// Tokenizer duration is a histogram of token counting latency.
	//
	// Dimensions:
	// - nexus.tokenizer.tier
	metricTokenizerDuration = "nexus.tokenizer.duration"

	// Accuracy tier the count was produced at, "exact", "approximation" or
	// "heuristic".
	attributeTokenizerTier = "nexus.tokenizer.tier"
)

// TokenizerMetrics records token counting activity.
type TokenizerMetrics interface {
	// RecordCount records one token counting call at the given accuracy tier.
	RecordCount(ctx context.Context, tier string, elapsed time.Duration)
}

type tokenizerMetrics struct {
	requests metric.Float64Counter
	duration metric.Float64Histogram
}

// NewTokenizer creates the tokenizer instrument set on the given meter.
func NewTokenizer(meter metric.Meter) TokenizerMetrics {
	return &tokenizerMetrics{
		requests: mustRegisterCounter(meter,
			metricTokenizerRequests,
			metric.WithDescription("Number of token counting calls."),
			metric.WithUnit("{request}"),
		),
		duration: mustRegisterHistogram(meter,
			metricTokenizerDuration,
			metric.WithDescription("Latency of token counting calls."),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1),
		),
	}
}

// RecordCount implements [TokenizerMetrics.RecordCount].
func (t *tokenizerMetrics) RecordCount(ctx context.Context, tier string, elapsed time.Duration) {
	attrs := metric.WithAttributes(attribute.Key(attributeTokenizerTier).String(tier))
	t.requests.Add(ctx, 1, attrs)
	t.duration.Record(ctx, elapsed.Seconds(), attrs)
}
