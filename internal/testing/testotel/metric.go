// Copyright Nexus Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package testotel reads recorded values back out of an in-memory OTel metric
// reader so tests can assert on instrument output.
package testotel

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// GetCounterValue returns the value of a float64 counter with the given
// attribute set, failing the test when no matching data point exists.
func GetCounterValue(t testing.TB, reader metric.Reader, name string, attrs attribute.Set) float64 {
	var data metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(t.Context(), &data))

	for _, sm := range data.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			for _, dp := range m.Data.(metricdata.Sum[float64]).DataPoints {
				if dp.Attributes.Equals(&attrs) {
					return dp.Value
				}
			}
		}
	}

	t.Fatalf("no counter value found for metric %s with attributes: %v", name, attrs)
	return 0.0
}

// GetHistogramValues returns the count and sum of a float64 histogram with the
// given attribute set. Exactly one matching data point must exist.
func GetHistogramValues(t testing.TB, reader metric.Reader, name string, attrs attribute.Set) (uint64, float64) {
	var data metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(t.Context(), &data))

	var dataPoints []metricdata.HistogramDataPoint[float64]
	for _, sm := range data.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			for _, dp := range m.Data.(metricdata.Histogram[float64]).DataPoints {
				if dp.Attributes.Equals(&attrs) {
					dataPoints = append(dataPoints, dp)
				}
			}
		}
	}

	require.Len(t, dataPoints, 1, "found %d datapoints for attributes: %v", len(dataPoints), attrs)
	return dataPoints[0].Count, dataPoints[0].Sum
}

// GetGaugeValue returns the value of an int64 observable gauge with the given
// attribute set, failing the test when no matching data point exists.
func GetGaugeValue(t testing.TB, reader metric.Reader, name string, attrs attribute.Set) int64 {
	var data metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(t.Context(), &data))

	for _, sm := range data.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			for _, dp := range m.Data.(metricdata.Gauge[int64]).DataPoints {
				if dp.Attributes.Equals(&attrs) {
					return dp.Value
				}
			}
		}
	}

	t.Fatalf("no gauge value found for metric %s with attributes: %v", name, attrs)
	return 0
}
