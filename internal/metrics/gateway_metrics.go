// Copyright Nexus Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package metrics

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// nolint: godot
const (
	// Routing decisions is a counter of completed backend selections.
	//
	// Dimensions:
	// - nexus.route.reason
	// - nexus.backend.name
	metricRoutingDecisions = "nexus.routing.decisions"
	// Routing rejections is a counter of requests no backend could serve.
	//
	// Dimensions:
	// - nexus.reject.kind
	metricRoutingRejections = "nexus.routing.rejections"
	// Queue depth is a gauge of requests currently parked in the scheduling queue.
	metricQueueDepth = "nexus.queue.depth"
	// Budget activations is a counter of spending-threshold crossings observed
	// while routing.
	//
	// Dimensions:
	// - nexus.budget.level
	metricBudgetActivations = "nexus.budget.activations"
	// Health transitions is a counter of backend health state changes.
	//
	// Dimensions:
	// - nexus.backend.name
	// - nexus.health.status
	metricHealthTransitions = "nexus.health.transitions"
	// Lifecycle operations is a counter of finished model load/unload/migrate
	// operations.
	//
	// Dimensions:
	// - nexus.lifecycle.type
	// - status
	metricLifecycleOperations = "nexus.lifecycle.operations"

	// Route reason kind, e.g. "highest_score" or "fallback". The selected
	// backend and score are dropped to keep cardinality bounded.
	attributeRouteReason = "nexus.route.reason"
	// Backend name as configured.
	attributeBackendName = "nexus.backend.name"
	// Rejection kind. See rejectKind for all kinds.
	attributeRejectKind = "nexus.reject.kind"
	// Budget level that fired. See BudgetActivation for all levels.
	attributeBudgetLevel = "nexus.budget.level"
	// Health status a backend transitioned into, "healthy" or "unhealthy".
	attributeHealthStatus = "nexus.health.status"
	// Lifecycle operation type, "load", "unload" or "migrate".
	attributeLifecycleType = "nexus.lifecycle.type"
	// Operation status, either "success" or "error".
	attributeStatusName = "status"
)

// BudgetActivation identifies which spending threshold fired.
type BudgetActivation string

const (
	// BudgetActivationSoft is crossing the soft-limit percentage.
	BudgetActivationSoft BudgetActivation = "soft_limit"
	// BudgetActivationHard is crossing the configured monthly limit.
	BudgetActivationHard BudgetActivation = "hard_limit"
)

type rejectKind string

const (
	rejectKindCapacity rejectKind = "capacity"
	rejectKindPolicy   rejectKind = "policy"
)

type statusType string

const (
	statusSuccess statusType = "success"
	statusError   statusType = "error"
)

// GatewayMetrics holds the control-plane instruments shared across requests.
// Implementations are safe for concurrent use.
type GatewayMetrics interface {
	// RecordRoutingDecision records one successful backend selection. Only the
	// reason kind before the first ':' is kept as an attribute.
	RecordRoutingDecision(ctx context.Context, reason, backendName string)
	// RecordRoutingRejection records a request rejected by the reconciler
	// pipeline; capacity distinguishes saturation from policy exclusion.
	RecordRoutingRejection(ctx context.Context, capacity bool)
	// RecordBudgetActivation records a spending threshold crossing.
	RecordBudgetActivation(ctx context.Context, activation BudgetActivation)
	// RecordHealthTransition records a backend moving between healthy and
	// unhealthy.
	RecordHealthTransition(ctx context.Context, backendName string, healthy bool)
	// RecordLifecycleOperation records a finished lifecycle operation.
	RecordLifecycleOperation(ctx context.Context, opType string, succeeded bool)
	// RegisterQueueDepth registers the queue depth gauge backed by the given
	// callback. Call it once during wiring.
	RegisterQueueDepth(depth func() int64) error
}

type gatewayMetrics struct {
	meter               metric.Meter
	routingDecisions    metric.Float64Counter
	routingRejections   metric.Float64Counter
	budgetActivations   metric.Float64Counter
	healthTransitions   metric.Float64Counter
	lifecycleOperations metric.Float64Counter
}

// NewGateway creates the control-plane instrument set on the given meter.
func NewGateway(meter metric.Meter) GatewayMetrics {
	return &gatewayMetrics{
		meter: meter,
		routingDecisions: mustRegisterCounter(meter,
			metricRoutingDecisions,
			metric.WithDescription("Number of completed backend selections."),
			metric.WithUnit("{decision}"),
		),
		routingRejections: mustRegisterCounter(meter,
			metricRoutingRejections,
			metric.WithDescription("Number of requests no backend could serve."),
			metric.WithUnit("{request}"),
		),
		budgetActivations: mustRegisterCounter(meter,
			metricBudgetActivations,
			metric.WithDescription("Number of spending threshold crossings observed while routing."),
			metric.WithUnit("{activation}"),
		),
		healthTransitions: mustRegisterCounter(meter,
			metricHealthTransitions,
			metric.WithDescription("Number of backend health state changes."),
			metric.WithUnit("{transition}"),
		),
		lifecycleOperations: mustRegisterCounter(meter,
			metricLifecycleOperations,
			metric.WithDescription("Number of finished model lifecycle operations."),
			metric.WithUnit("{operation}"),
		),
	}
}

// RecordRoutingDecision implements [GatewayMetrics.RecordRoutingDecision].
func (g *gatewayMetrics) RecordRoutingDecision(ctx context.Context, reason, backendName string) {
	kind, _, _ := strings.Cut(reason, ":")
	g.routingDecisions.Add(ctx, 1, metric.WithAttributes(
		attribute.Key(attributeRouteReason).String(kind),
		attribute.Key(attributeBackendName).String(backendName),
	))
}

// RecordRoutingRejection implements [GatewayMetrics.RecordRoutingRejection].
func (g *gatewayMetrics) RecordRoutingRejection(ctx context.Context, capacity bool) {
	kind := rejectKindPolicy
	if capacity {
		kind = rejectKindCapacity
	}
	g.routingRejections.Add(ctx, 1, metric.WithAttributes(
		attribute.Key(attributeRejectKind).String(string(kind)),
	))
}

// RecordBudgetActivation implements [GatewayMetrics.RecordBudgetActivation].
func (g *gatewayMetrics) RecordBudgetActivation(ctx context.Context, activation BudgetActivation) {
	g.budgetActivations.Add(ctx, 1, metric.WithAttributes(
		attribute.Key(attributeBudgetLevel).String(string(activation)),
	))
}

// RecordHealthTransition implements [GatewayMetrics.RecordHealthTransition].
func (g *gatewayMetrics) RecordHealthTransition(ctx context.Context, backendName string, healthy bool) {
	status := "unhealthy"
	if healthy {
		status = "healthy"
	}
	g.healthTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.Key(attributeBackendName).String(backendName),
		attribute.Key(attributeHealthStatus).String(status),
	))
}

// RecordLifecycleOperation implements [GatewayMetrics.RecordLifecycleOperation].
func (g *gatewayMetrics) RecordLifecycleOperation(ctx context.Context, opType string, succeeded bool) {
	status := statusError
	if succeeded {
		status = statusSuccess
	}
	g.lifecycleOperations.Add(ctx, 1, metric.WithAttributes(
		attribute.Key(attributeLifecycleType).String(opType),
		attribute.Key(attributeStatusName).String(string(status)),
	))
}

// RegisterQueueDepth implements [GatewayMetrics.RegisterQueueDepth].
func (g *gatewayMetrics) RegisterQueueDepth(depth func() int64) error {
	gauge, err := g.meter.Int64ObservableGauge(metricQueueDepth,
		metric.WithDescription("Number of requests currently parked in the scheduling queue."),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}
	_, err = g.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(gauge, depth())
		return nil
	}, gauge)
	return err
}
