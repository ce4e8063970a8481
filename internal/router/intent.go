// Copyright Nexus Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package router selects a backend for each request. A routing intent starts
// with every registered backend as a candidate and flows through a fixed
// reconciler pipeline; each reconciler may only move candidates into the
// excluded set, so the candidate list shrinks monotonically until the
// scheduler picks one.
package router

import (
	"slices"

	"github.com/google/uuid"

	"github.com/nexus-llm/nexus/internal/agent"
	"github.com/nexus-llm/nexus/internal/budget"
	"github.com/nexus-llm/nexus/internal/registry"
)

// TierMode selects how tier requirements bind. Both modes refuse to route
// below the required tier; Flexible additionally signals that the caller
// accepts an upgrade to a higher tier when the exact tier is unavailable.
type TierMode string

const (
	// TierStrict is the default, and the result when a request carries both
	// mode headers.
	TierStrict   TierMode = "strict"
	TierFlexible TierMode = "flexible"
)

// Requirements describes what one request needs from a backend.
type Requirements struct {
	// Model is the requested model, before alias resolution.
	Model string
	// InputText is the extracted prompt text when the caller had it handy;
	// cost estimation tokenizes it. Empty falls back to EstimatedTokens.
	InputText string
	// EstimatedTokens approximates the prompt size (character count / 4).
	EstimatedTokens int64
	NeedsVision     bool
	NeedsTools      bool
	NeedsJSONMode   bool
	// PrefersStreaming records whether the caller asked for SSE output.
	PrefersStreaming bool
	// MinCapabilityTier demands at least this tier independent of any policy.
	MinCapabilityTier int
}

// CostEstimate is the projected price of serving one request.
type CostEstimate struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	USD          float64 `json:"estimated_usd"`
	// Priced is false when the model has no pricing entry and the estimate
	// fell back to conservative rates; callers suppress the cost header then.
	Priced bool `json:"priced"`
}

// RejectionReason explains why one backend was excluded.
type RejectionReason struct {
	AgentID         string `json:"agent_id"`
	Reconciler      string `json:"reconciler"`
	Reason          string `json:"reason"`
	SuggestedAction string `json:"suggested_action,omitempty"`
}

// Intent is the mutable state shared by the pipeline for one request. At any
// time a backend id sits in exactly one of Candidates or Excluded, and every
// excluded id has exactly one entry in Reasons.
type Intent struct {
	RequestID      string
	RequestedModel string
	// ResolvedModel is the model after alias resolution.
	ResolvedModel string
	Requirements  Requirements
	TierMode      TierMode

	// Backends snapshots the registry at intent creation; routing never
	// touches live records again.
	Backends   map[string]registry.View
	Candidates []string
	Excluded   []string
	Reasons    []RejectionReason

	// Policy is the highest-priority traffic policy matching ResolvedModel,
	// nil when none matches.
	Policy *Policy
	// PrivacyZoneRequired is set when the policy demands a zone.
	PrivacyZoneRequired agent.PrivacyZone
	// RequiredTier is the effective minimum tier, 0 when unconstrained.
	RequiredTier int
	BudgetLevel  budget.Level
	CostEstimate *CostEstimate
	// ScorePenalties holds per-backend deductions applied by the smart
	// scheduler, keyed by backend id.
	ScorePenalties map[string]float64

	// Selected and RouteReason are set only by the scheduler.
	Selected    string
	RouteReason string
	// CapacityExhausted marks a rejection caused by saturation rather than
	// policy; the orchestrator queues these instead of failing.
	CapacityExhausted bool
}

func newIntent(reqs Requirements, mode TierMode, views []registry.View) *Intent {
	backends := make(map[string]registry.View, len(views))
	candidates := make([]string, 0, len(views))
	for _, v := range views {
		backends[v.ID] = v
		candidates = append(candidates, v.ID)
	}
	if mode == "" {
		mode = TierStrict
	}
	return &Intent{
		RequestID:      uuid.NewString(),
		RequestedModel: reqs.Model,
		ResolvedModel:  reqs.Model,
		Requirements:   reqs,
		TierMode:       mode,
		Backends:       backends,
		Candidates:     candidates,
	}
}

// View returns the snapshot for id. The zero View comes back for ids the
// intent never knew, which no reconciler should ask for.
func (in *Intent) View(id string) registry.View { return in.Backends[id] }

// Exclude moves id from candidates to excluded and records why. Unknown or
// already-excluded ids are ignored so reconcilers can be sloppy about
// re-checking.
func (in *Intent) Exclude(id, reconciler, reason, suggested string) {
	i := slices.Index(in.Candidates, id)
	if i < 0 {
		return
	}
	in.Candidates = slices.Delete(in.Candidates, i, i+1)
	in.Excluded = append(in.Excluded, id)
	in.Reasons = append(in.Reasons, RejectionReason{
		AgentID:         id,
		Reconciler:      reconciler,
		Reason:          reason,
		SuggestedAction: suggested,
	})
}

// Penalize deducts score points from id in the smart scheduler.
func (in *Intent) Penalize(id string, points float64) {
	if in.ScorePenalties == nil {
		in.ScorePenalties = map[string]float64{}
	}
	in.ScorePenalties[id] += points
}
