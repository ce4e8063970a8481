// Copyright Nexus Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package router

import (
	"fmt"
	"slices"

	"github.com/gobwas/glob"

	"github.com/nexus-llm/nexus/internal/agent"
	"github.com/nexus-llm/nexus/internal/config"
)

// Policy is a compiled traffic policy constraining models that match its
// glob pattern.
type Policy struct {
	ModelPattern string
	// Privacy demands a zone when set to restricted; open demands nothing.
	Privacy agent.PrivacyZone
	// MaxCostPerRequest caps the estimated request cost in USD, 0 = no cap.
	MaxCostPerRequest float64
	// MinTier is the minimum capability tier, 0 = no floor.
	MinTier int
	// FallbackAllowed permits the router's fallback chain for this model.
	FallbackAllowed bool

	matcher glob.Glob
}

// Matches reports whether the policy applies to model.
func (p *Policy) Matches(model string) bool { return p.matcher.Match(model) }

// PolicyMatcher compiles traffic policies and answers which one governs a
// model. Longer patterns are more specific and win.
type PolicyMatcher struct {
	policies []*Policy
}

// NewPolicyMatcher compiles cfgs, ordered most-specific-first.
func NewPolicyMatcher(cfgs []config.PolicyConfig) (*PolicyMatcher, error) {
	policies := make([]*Policy, 0, len(cfgs))
	for _, c := range cfgs {
		matcher, err := glob.Compile(c.ModelPattern)
		if err != nil {
			return nil, fmt.Errorf("cannot compile policy pattern %q: %w", c.ModelPattern, err)
		}
		zone, err := agent.ParsePrivacyZone(c.Privacy)
		if err != nil {
			return nil, fmt.Errorf("policy %q: %w", c.ModelPattern, err)
		}
		p := &Policy{
			ModelPattern:      c.ModelPattern,
			Privacy:           zone,
			MaxCostPerRequest: c.MaxCostPerRequest,
			MinTier:           c.MinTier,
			FallbackAllowed:   c.FallbackAllowed == nil || *c.FallbackAllowed,
			matcher:           matcher,
		}
		policies = append(policies, p)
	}
	slices.SortStableFunc(policies, func(a, b *Policy) int {
		return len(b.ModelPattern) - len(a.ModelPattern)
	})
	return &PolicyMatcher{policies: policies}, nil
}

// Match returns the highest-priority policy for model, nil when none applies.
func (m *PolicyMatcher) Match(model string) *Policy {
	for _, p := range m.policies {
		if p.Matches(model) {
			return p
		}
	}
	return nil
}
