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

	"github.com/nexus-llm/nexus/internal/agent"
)

// RequestMetrics records the GenAI metrics of a single inference request.
// Instances are not safe for concurrent use; the gateway creates one per
// request.
type RequestMetrics interface {
	// StartRequest initializes timing for a new request.
	StartRequest()
	// SetModel sets the model reported in the metrics. This is called after
	// parsing the request body, and again if routing substitutes a fallback.
	SetModel(model string)
	// SetBackend sets the serving system reported in the metrics once the
	// routing decision has been made.
	SetBackend(kind agent.BackendKind, name string)

	// RecordTokenUsage records token usage metrics.
	RecordTokenUsage(ctx context.Context, inputTokens, outputTokens, totalTokens int64)
	// RecordRequestCompletion records latency metrics for the entire request.
	RecordRequestCompletion(ctx context.Context, success bool)
	// RecordTokenLatency records latency metrics for token generation. The
	// first call records time to first token; later calls record the
	// per-token latency of the chunk carrying the given token count.
	RecordTokenLatency(ctx context.Context, tokens int64)
}

type requestMetrics struct {
	metrics        *genAI
	operation      string
	firstTokenSent bool
	requestStart   time.Time
	lastTokenTime  time.Time
	model          string
	backend        string
}

// NewChatCompletion creates a RequestMetrics for a chat completion request.
func NewChatCompletion(meter metric.Meter) RequestMetrics {
	return newRequestMetrics(meter, genaiOperationChat)
}

// NewEmbeddings creates a RequestMetrics for an embeddings request.
func NewEmbeddings(meter metric.Meter) RequestMetrics {
	return newRequestMetrics(meter, genaiOperationEmbedding)
}

func newRequestMetrics(meter metric.Meter, operation string) *requestMetrics {
	return &requestMetrics{
		metrics:   newGenAI(meter),
		operation: operation,
		model:     "unknown",
		backend:   "unknown",
	}
}

// StartRequest implements [RequestMetrics.StartRequest].
func (r *requestMetrics) StartRequest() {
	r.requestStart = time.Now()
	r.firstTokenSent = false
}

// SetModel implements [RequestMetrics.SetModel].
func (r *requestMetrics) SetModel(model string) {
	r.model = model
}

// SetBackend implements [RequestMetrics.SetBackend]. Known dialects report
// their kind as the gen_ai.system.name per
// https://opentelemetry.io/docs/specs/semconv/attributes-registry/gen-ai/#gen-ai-system;
// generic backends report their configured name.
func (r *requestMetrics) SetBackend(kind agent.BackendKind, name string) {
	if kind == agent.KindGeneric {
		if name == "" {
			name = "unknown"
		}
		r.backend = name
		return
	}
	r.backend = string(kind)
}

func (r *requestMetrics) baseAttributes() []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Key(genaiAttributeOperationName).String(r.operation),
		attribute.Key(genaiAttributeSystemName).String(r.backend),
		attribute.Key(genaiAttributeRequestModel).String(r.model),
	}
}

// RecordTokenUsage implements [RequestMetrics.RecordTokenUsage].
func (r *requestMetrics) RecordTokenUsage(ctx context.Context, inputTokens, outputTokens, totalTokens int64) {
	attrs := r.baseAttributes()

	r.metrics.tokenUsage.Record(ctx, float64(inputTokens),
		metric.WithAttributes(attrs...),
		metric.WithAttributes(attribute.Key(genaiAttributeTokenType).String(genaiTokenTypeInput)),
	)
	r.metrics.tokenUsage.Record(ctx, float64(outputTokens),
		metric.WithAttributes(attrs...),
		metric.WithAttributes(attribute.Key(genaiAttributeTokenType).String(genaiTokenTypeOutput)),
	)
	r.metrics.tokenUsage.Record(ctx, float64(totalTokens),
		metric.WithAttributes(attrs...),
		metric.WithAttributes(attribute.Key(genaiAttributeTokenType).String(genaiTokenTypeTotal)),
	)
}

// RecordRequestCompletion implements [RequestMetrics.RecordRequestCompletion].
func (r *requestMetrics) RecordRequestCompletion(ctx context.Context, success bool) {
	if success {
		// The semantic conventions omit the error attribute on success.
		r.metrics.requestLatency.Record(ctx, time.Since(r.requestStart).Seconds(),
			metric.WithAttributes(r.baseAttributes()...))
		return
	}
	// There is no low-cardinality error taxonomy yet, so the placeholder
	// value applies. See: https://opentelemetry.io/docs/specs/semconv/attributes-registry/error/#error-type
	r.metrics.requestLatency.Record(ctx, time.Since(r.requestStart).Seconds(),
		metric.WithAttributes(r.baseAttributes()...),
		metric.WithAttributes(attribute.Key(genaiAttributeErrorType).String(genaiErrorTypeFallback)),
	)
}

// RecordTokenLatency implements [RequestMetrics.RecordTokenLatency].
func (r *requestMetrics) RecordTokenLatency(ctx context.Context, tokens int64) {
	if !r.firstTokenSent {
		r.firstTokenSent = true
		r.metrics.firstTokenLatency.Record(ctx, time.Since(r.requestStart).Seconds(),
			metric.WithAttributes(r.baseAttributes()...))
	} else if tokens > 0 {
		itl := time.Since(r.lastTokenTime).Seconds() / float64(tokens)
		r.metrics.outputTokenLatency.Record(ctx, itl,
			metric.WithAttributes(r.baseAttributes()...))
	}
	r.lastTokenTime = time.Now()
}
