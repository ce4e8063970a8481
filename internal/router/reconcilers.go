// Copyright Nexus Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package router

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/nexus-llm/nexus/internal/agent"
	"github.com/nexus-llm/nexus/internal/budget"
	"github.com/nexus-llm/nexus/internal/metrics"
	"github.com/nexus-llm/nexus/internal/pricing"
	"github.com/nexus-llm/nexus/internal/quality"
	"github.com/nexus-llm/nexus/internal/tokenizer"
)

// FailureMode decides what an internal reconciler error does to the request.
type FailureMode string

const (
	// FailOpen logs the error and continues with no extra constraints.
	FailOpen FailureMode = "fail_open"
	// FailClosed aborts the pipeline and rejects the request.
	FailClosed FailureMode = "fail_closed"
)

// Reconciler is one stage of the routing pipeline. Reconcilers only add
// constraints: they move ids from candidates to excluded and annotate the
// intent, never the reverse.
type Reconciler interface {
	Name() string
	FailureMode() FailureMode
	Reconcile(ctx context.Context, intent *Intent) error
}

// maxAliasDepth bounds alias chains; longer chains resolve to the third hop
// with a warning.
const maxAliasDepth = 3

// requestAnalyzer resolves the model alias chain and drops backends that
// cannot serve the resolved model right now.
type requestAnalyzer struct {
	logger  *slog.Logger
	aliases map[string]string
}

// NewRequestAnalyzer builds the first pipeline stage.
func NewRequestAnalyzer(logger *slog.Logger, aliases map[string]string) Reconciler {
	return &requestAnalyzer{logger: logger, aliases: aliases}
}

func (a *requestAnalyzer) Name() string             { return "RequestAnalyzer" }
func (a *requestAnalyzer) FailureMode() FailureMode { return FailOpen }

func (a *requestAnalyzer) Reconcile(_ context.Context, intent *Intent) error {
	resolved := intent.RequestedModel
	for hops := 0; hops < maxAliasDepth; hops++ {
		next, ok := a.aliases[resolved]
		if !ok {
			break
		}
		resolved = next
	}
	if _, more := a.aliases[resolved]; more {
		a.logger.Warn("alias chain truncated at depth limit",
			slog.String("model", intent.RequestedModel),
			slog.String("resolved", resolved),
			slog.Int("max_depth", maxAliasDepth))
	}
	intent.ResolvedModel = resolved

	for _, id := range slices.Clone(intent.Candidates) {
		v := intent.View(id)
		if !v.Routable() || !v.HasModel(resolved) {
			intent.Exclude(id, a.Name(), "model not available",
				fmt.Sprintf("load %s on this backend or request an advertised model", resolved))
			continue
		}
		mc, _ := v.Model(resolved)
		if missing := missingFeature(mc, intent.Requirements); missing != "" {
			intent.Exclude(id, a.Name(),
				fmt.Sprintf("model does not support %s", missing),
				fmt.Sprintf("request a model with %s support", missing))
		}
	}
	return nil
}

// missingFeature names the first feature the request needs that the
// advertised model lacks, empty when the model covers them all.
func missingFeature(mc agent.ModelCapability, reqs Requirements) string {
	switch {
	case reqs.NeedsVision && !mc.Vision:
		return "vision input"
	case reqs.NeedsTools && !mc.Tools:
		return "tool calls"
	case reqs.NeedsJSONMode && !mc.JSONMode:
		return "json output"
	}
	return ""
}

// privacyReconciler enforces the zone demanded by the matched traffic policy.
type privacyReconciler struct {
	logger   *slog.Logger
	policies *PolicyMatcher
}

// NewPrivacy builds the zone-enforcement stage.
func NewPrivacy(logger *slog.Logger, policies *PolicyMatcher) Reconciler {
	return &privacyReconciler{logger: logger, policies: policies}
}

func (p *privacyReconciler) Name() string             { return "PrivacyReconciler" }
func (p *privacyReconciler) FailureMode() FailureMode { return FailClosed }

func (p *privacyReconciler) Reconcile(_ context.Context, intent *Intent) error {
	pol := p.policies.Match(intent.ResolvedModel)
	intent.Policy = pol
	if pol == nil || pol.Privacy != agent.ZoneRestricted {
		return nil
	}
	intent.PrivacyZoneRequired = agent.ZoneRestricted

	// Point the caller at restricted-zone backends that serve the model,
	// healthy or not; an unhealthy one is still the operator's quickest fix.
	var satisfying []string
	for id, v := range intent.Backends {
		if v.Zone == agent.ZoneRestricted && v.HasModel(intent.ResolvedModel) {
			satisfying = append(satisfying, id)
		}
	}
	slices.Sort(satisfying)
	suggested := "no restricted-zone backend serves this model; add one or relax the policy"
	if len(satisfying) > 0 {
		suggested = "use a restricted-zone backend: " + strings.Join(satisfying, ", ")
	}

	for _, id := range slices.Clone(intent.Candidates) {
		if intent.View(id).Zone == agent.ZoneOpen {
			intent.Exclude(id, p.Name(),
				fmt.Sprintf("privacy policy %q requires the restricted zone", pol.ModelPattern), suggested)
		}
	}
	return nil
}

// conservativeDefaultTokens is the assumed prompt size when the request body
// gave no usable signal.
const conservativeDefaultTokens = 500

// budgetReconciler prices the request, tracks spend and pushes traffic to
// local backends once the monthly limit is gone. A nil budget state keeps
// the estimation but disables tracking and exclusion.
type budgetReconciler struct {
	logger  *slog.Logger
	state   *budget.State
	prices  *pricing.Table
	tokens  *tokenizer.Counter
	metrics metrics.GatewayMetrics
}

// NewBudget builds the spend-control stage. state and m may be nil.
func NewBudget(logger *slog.Logger, state *budget.State, prices *pricing.Table, tokens *tokenizer.Counter, m metrics.GatewayMetrics) Reconciler {
	return &budgetReconciler{logger: logger, state: state, prices: prices, tokens: tokens, metrics: m}
}

func (b *budgetReconciler) Name() string             { return "BudgetReconciler" }
func (b *budgetReconciler) FailureMode() FailureMode { return FailOpen }

func (b *budgetReconciler) Reconcile(ctx context.Context, intent *Intent) error {
	est := b.estimate(ctx, intent)
	intent.CostEstimate = est

	if pol := intent.Policy; pol != nil && pol.MaxCostPerRequest > 0 && est.USD > pol.MaxCostPerRequest {
		reason := fmt.Sprintf("estimated cost $%.4f exceeds the policy cap $%.2f", est.USD, pol.MaxCostPerRequest)
		for _, id := range slices.Clone(intent.Candidates) {
			if !intent.View(id).Kind.Local() {
				intent.Exclude(id, b.Name(), reason, "route to a local backend or request a cheaper model")
			}
		}
	}

	if b.state == nil {
		return nil
	}
	if est.USD > 0 {
		b.state.AddSpend(est.USD)
	}
	status := b.state.Status()
	intent.BudgetLevel = status.Level
	switch status.Level {
	case budget.LevelSoft:
		if b.metrics != nil {
			b.metrics.RecordBudgetActivation(ctx, metrics.BudgetActivationSoft)
		}
		b.logger.Warn("budget soft limit reached",
			slog.Float64("spent_usd", status.SpentUSD),
			slog.Float64("limit_usd", status.LimitUSD),
			slog.Float64("percent", status.Percent))
	case budget.LevelHard:
		if b.metrics != nil {
			b.metrics.RecordBudgetActivation(ctx, metrics.BudgetActivationHard)
		}
		if b.state.Action() != budget.ActionLocalOnly {
			return nil
		}
		reason := fmt.Sprintf("monthly budget exhausted ($%.2f of $%.2f)", status.SpentUSD, status.LimitUSD)
		for _, id := range slices.Clone(intent.Candidates) {
			if !intent.View(id).Kind.Local() {
				intent.Exclude(id, b.Name(), reason, "wait for the billing cycle reset or raise the limit")
			}
		}
	}
	return nil
}

func (b *budgetReconciler) estimate(ctx context.Context, intent *Intent) *CostEstimate {
	var input int64
	switch {
	case intent.Requirements.InputText != "":
		input, _ = b.tokens.CountTokens(ctx, intent.ResolvedModel, intent.Requirements.InputText)
	case intent.Requirements.EstimatedTokens > 0:
		input = intent.Requirements.EstimatedTokens
	default:
		input = conservativeDefaultTokens
	}
	est := &CostEstimate{InputTokens: input, OutputTokens: input / 2}

	cloud := false
	for _, id := range intent.Candidates {
		if !intent.View(id).Kind.Local() {
			cloud = true
			break
		}
	}
	if !cloud {
		// Local backends bill at zero.
		est.Priced = true
		return est
	}
	usd, known := b.prices.Cost(intent.ResolvedModel, est.InputTokens, est.OutputTokens)
	if !known {
		usd = pricing.ConservativeCost(est.InputTokens, est.OutputTokens)
	}
	est.USD = usd
	est.Priced = known
	return est
}

// tierReconciler enforces the capability-tier floor. Strict and Flexible
// share one predicate: a candidate's tier is never below the requirement.
// Flexible differs only in intent: it advertises that an upgrade is welcome,
// and upgrades happen naturally because higher tiers stay candidates.
type tierReconciler struct {
	logger *slog.Logger
}

// NewTier builds the tier-enforcement stage.
func NewTier(logger *slog.Logger) Reconciler { return &tierReconciler{logger: logger} }

func (t *tierReconciler) Name() string             { return "TierReconciler" }
func (t *tierReconciler) FailureMode() FailureMode { return FailClosed }

func (t *tierReconciler) Reconcile(_ context.Context, intent *Intent) error {
	required := intent.Requirements.MinCapabilityTier
	if pol := intent.Policy; pol != nil && pol.MinTier > required {
		required = pol.MinTier
	}
	if required <= 0 {
		return nil
	}
	intent.RequiredTier = required
	for _, id := range slices.Clone(intent.Candidates) {
		if v := intent.View(id); v.Tier < required {
			intent.Exclude(id, t.Name(),
				fmt.Sprintf("tier %d below required %d", v.Tier, required),
				fmt.Sprintf("add or recover a tier %d backend serving this model", required))
		}
	}
	return nil
}

// slowTTFTPenalty is deducted from a candidate's smart score when its
// average time-to-first-token exceeds the configured threshold.
const slowTTFTPenalty = 10.0

// qualityReconciler drops backends with a bad recent error rate and
// penalizes slow ones. Backends without history pass untouched.
type qualityReconciler struct {
	logger             *slog.Logger
	store              *quality.Store
	errorRateThreshold float64
	ttftPenaltyMS      float64
}

// NewQuality builds the quality-gate stage. errorRateThreshold defaults to
// 0.5 when non-positive; ttftPenaltyMS 0 disables the latency penalty.
func NewQuality(logger *slog.Logger, store *quality.Store, errorRateThreshold float64, ttftPenaltyMS int) Reconciler {
	if errorRateThreshold <= 0 {
		errorRateThreshold = 0.5
	}
	return &qualityReconciler{
		logger:             logger,
		store:              store,
		errorRateThreshold: errorRateThreshold,
		ttftPenaltyMS:      float64(ttftPenaltyMS),
	}
}

func (q *qualityReconciler) Name() string             { return "QualityReconciler" }
func (q *qualityReconciler) FailureMode() FailureMode { return FailOpen }

func (q *qualityReconciler) Reconcile(_ context.Context, intent *Intent) error {
	if q.store == nil {
		return nil
	}
	for _, id := range slices.Clone(intent.Candidates) {
		agg := q.store.Aggregate(id)
		if agg.ErrorRate1h >= q.errorRateThreshold {
			intent.Exclude(id, q.Name(),
				fmt.Sprintf("error rate %.0f%% over the last hour", agg.ErrorRate1h*100),
				"investigate recent failures on this backend")
			continue
		}
		if q.ttftPenaltyMS > 0 && agg.AvgTTFTMillis > q.ttftPenaltyMS {
			intent.Penalize(id, slowTTFTPenalty)
		}
	}
	return nil
}
