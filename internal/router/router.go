// Copyright Nexus Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/nexus-llm/nexus/internal/agent"
	"github.com/nexus-llm/nexus/internal/budget"
	"github.com/nexus-llm/nexus/internal/config"
	"github.com/nexus-llm/nexus/internal/metrics"
	"github.com/nexus-llm/nexus/internal/pricing"
	"github.com/nexus-llm/nexus/internal/quality"
	"github.com/nexus-llm/nexus/internal/registry"
	"github.com/nexus-llm/nexus/internal/tokenizer"
)

// Result is a successful routing decision.
type Result struct {
	// Backend is the snapshot of the selected backend.
	Backend       registry.View
	ResolvedModel string
	RouteReason   string
	// FallbackUsed marks a decision reached through the fallback chain.
	FallbackUsed bool
	CostEstimate *CostEstimate
	// PrivacyZoneRequired records a zone constraint that shaped the
	// decision, empty when none applied.
	PrivacyZoneRequired agent.PrivacyZone
}

// RejectError reports that no backend survived the pipeline.
type RejectError struct {
	Model string
	// ResolvedModel is Model after alias expansion; callers use it to tell
	// an unknown model apart from a known one with no serving backend.
	ResolvedModel string
	Reasons       []RejectionReason
	// Capacity marks a rejection caused purely by saturation; callers queue
	// these instead of failing the request.
	Capacity            bool
	RequiredTier        int
	PrivacyZoneRequired agent.PrivacyZone
	// Available lists candidates still alive when the pipeline aborted
	// early; empty for a full exclusion.
	Available []string
}

func (e *RejectError) Error() string {
	if len(e.Reasons) == 0 {
		return fmt.Sprintf("no backend available for model %q", e.Model)
	}
	return fmt.Sprintf("no backend available for model %q: %s", e.Model, e.Reasons[0].Reason)
}

// Options configures a Router.
type Options struct {
	Logger   *slog.Logger
	Registry *registry.Registry
	// Routing supplies strategy, weights, aliases, fallbacks and policies.
	Routing config.RoutingConfig
	// Quality tunes the quality gate; zero values take defaults.
	Quality config.QualityConfig
	// QualityStore may be nil to disable the quality gate.
	QualityStore *quality.Store
	// Budget may be nil to disable spend tracking; cost estimation stays on.
	Budget *budget.State
	Prices *pricing.Table
	Tokens *tokenizer.Counter
	// Metrics may be nil.
	Metrics metrics.GatewayMetrics
}

// Router turns request requirements into a backend selection by running the
// reconciler pipeline over a registry snapshot, retrying through the
// configured fallback chain when the primary model cannot be served.
type Router struct {
	logger     *slog.Logger
	registry   *registry.Registry
	pipeline   *pipeline
	fallbacks  map[string][]string
	maxRetries int
	metrics    metrics.GatewayMetrics
}

// New assembles the pipeline in its canonical order: request analysis,
// privacy, budget, tier, quality, scheduler.
func New(opts Options) (*Router, error) {
	if opts.Registry == nil {
		return nil, errors.New("cannot build router: registry is required")
	}
	if opts.Prices == nil {
		return nil, errors.New("cannot build router: pricing table is required")
	}
	if opts.Tokens == nil {
		return nil, errors.New("cannot build router: tokenizer is required")
	}
	matcher, err := NewPolicyMatcher(opts.Routing.Policies)
	if err != nil {
		return nil, err
	}
	sched, err := NewScheduler(opts.Logger, opts.Routing.Strategy, opts.Routing.Weights)
	if err != nil {
		return nil, err
	}
	p := &pipeline{logger: opts.Logger, reconcilers: []Reconciler{
		NewRequestAnalyzer(opts.Logger, opts.Routing.Aliases),
		NewPrivacy(opts.Logger, matcher),
		NewBudget(opts.Logger, opts.Budget, opts.Prices, opts.Tokens, opts.Metrics),
		NewTier(opts.Logger),
		NewQuality(opts.Logger, opts.QualityStore, opts.Quality.ErrorRateThreshold, opts.Quality.TTFTPenaltyThresholdMS),
		sched,
	}}
	return &Router{
		logger:     opts.Logger,
		registry:   opts.Registry,
		pipeline:   p,
		fallbacks:  opts.Routing.Fallbacks,
		maxRetries: opts.Routing.MaxRetries,
		metrics:    opts.Metrics,
	}, nil
}

// Route selects a backend for reqs. A *RejectError return means no backend
// qualified even after the fallback chain; its Capacity flag separates
// queueable saturation from hard policy rejections.
func (r *Router) Route(ctx context.Context, reqs Requirements, mode TierMode) (*Result, error) {
	views := r.registry.Snapshot()
	intent := newIntent(reqs, mode, views)
	res, primary := r.attempt(ctx, intent, false)

	if res == nil && (intent.Policy == nil || intent.Policy.FallbackAllowed) {
		for i, fb := range r.fallbacks[reqs.Model] {
			// A positive max_retries bounds how deep the chain is walked;
			// zero or negative leaves it unbounded.
			if r.maxRetries > 0 && i >= r.maxRetries {
				break
			}
			fbReqs := reqs
			fbReqs.Model = fb
			fbIntent := newIntent(fbReqs, mode, views)
			fbRes, _ := r.attempt(ctx, fbIntent, true)
			if fbRes == nil {
				continue
			}
			fbRes.RouteReason = fmt.Sprintf("fallback:%s->%s", reqs.Model, fbIntent.ResolvedModel)
			r.logger.Info("routed through fallback chain",
				slog.String("model", reqs.Model),
				slog.String("fallback", fbIntent.ResolvedModel),
				slog.String("backend", fbRes.Backend.ID))
			res = fbRes
			break
		}
	}

	if res == nil {
		if r.metrics != nil {
			r.metrics.RecordRoutingRejection(ctx, primary.Capacity)
		}
		return nil, primary
	}
	if r.metrics != nil {
		r.metrics.RecordRoutingDecision(ctx, res.RouteReason, res.Backend.ID)
	}
	return res, nil
}

// attempt runs the pipeline over one intent. Exactly one return value is
// non-nil.
func (r *Router) attempt(ctx context.Context, intent *Intent, fallback bool) (*Result, *RejectError) {
	err := r.pipeline.run(ctx, intent)
	if err == nil && intent.Selected != "" {
		return &Result{
			Backend:             intent.View(intent.Selected),
			ResolvedModel:       intent.ResolvedModel,
			RouteReason:         intent.RouteReason,
			FallbackUsed:        fallback,
			CostEstimate:        intent.CostEstimate,
			PrivacyZoneRequired: intent.PrivacyZoneRequired,
		}, nil
	}
	rej := &RejectError{
		Model:               intent.RequestedModel,
		ResolvedModel:       intent.ResolvedModel,
		Reasons:             slices.Clone(intent.Reasons),
		Capacity:            intent.CapacityExhausted,
		RequiredTier:        intent.RequiredTier,
		PrivacyZoneRequired: intent.PrivacyZoneRequired,
		Available:           slices.Clone(intent.Candidates),
	}
	var fc *failClosedError
	if errors.As(err, &fc) {
		rej.Reasons = append(rej.Reasons, RejectionReason{Reconciler: fc.reconciler, Reason: fc.err.Error()})
	}
	return nil, rej
}
