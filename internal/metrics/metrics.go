// Copyright Nexus Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package metrics owns the OTel meter plumbing and every instrument the
// gateway records: GenAI semantic-convention histograms for request traffic
// and nexus.* instruments for routing, queueing, budget, health, lifecycle
// and tokenizer activity.
package metrics

import (
	"context"

	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// NewMeter builds a MeterProvider backed by the given reader (in production
// the Prometheus exporter reader, in tests a manual reader) and returns a
// meter for instrumentation plus a shutdown function for the provider.
func NewMeter(reader sdkmetric.Reader) (metric.Meter, func(context.Context) error, error) {
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(semconv.ServiceName("nexus")))
	if err != nil {
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	)
	return mp.Meter("nexus-llm/nexus"), mp.Shutdown, nil
}
