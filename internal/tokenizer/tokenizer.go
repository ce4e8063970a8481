// Copyright Nexus Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package tokenizer counts prompt tokens for cost estimation. Counts carry an
// accuracy tier so callers know whether they are exact or an estimate; token
// counting never fails the request path, it degrades to a heuristic instead.
package tokenizer

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/pkoukk/tiktoken-go"

	"github.com/nexus-llm/nexus/internal/metrics"
)

// Tier is the accuracy of a token count.
type Tier string

const (
	// TierExact means the model's native encoding produced the count.
	TierExact Tier = "exact"
	// TierApproximation means a related encoding produced the count; close
	// but not authoritative.
	TierApproximation Tier = "approximation"
	// TierHeuristic means the count is derived from text length alone.
	TierHeuristic Tier = "heuristic"
)

// Rule maps a model name pattern to the encoding that counts its tokens.
type Rule struct {
	// Pattern is a glob over model names, e.g. "gpt-4o*".
	Pattern string
	// Encoding is the tiktoken encoding name. Empty for heuristic rules.
	Encoding string
	Tier     Tier
}

// DefaultRules covers the model families the gateway routes out of the box.
// OpenAI families count exactly with their native encodings; other cloud
// families reuse cl100k_base as an approximation; everything else, local
// models included, falls through to the heuristic.
func DefaultRules() []Rule {
	return []Rule{
		{Pattern: "gpt-4o*", Encoding: "o200k_base", Tier: TierExact},
		{Pattern: "gpt-4.1*", Encoding: "o200k_base", Tier: TierExact},
		{Pattern: "gpt-5*", Encoding: "o200k_base", Tier: TierExact},
		{Pattern: "o1*", Encoding: "o200k_base", Tier: TierExact},
		{Pattern: "o3*", Encoding: "o200k_base", Tier: TierExact},
		{Pattern: "o4*", Encoding: "o200k_base", Tier: TierExact},
		{Pattern: "gpt-4*", Encoding: "cl100k_base", Tier: TierExact},
		{Pattern: "gpt-3.5*", Encoding: "cl100k_base", Tier: TierExact},
		{Pattern: "text-embedding-*", Encoding: "cl100k_base", Tier: TierExact},
		{Pattern: "claude*", Encoding: "cl100k_base", Tier: TierApproximation},
		{Pattern: "gemini*", Encoding: "cl100k_base", Tier: TierApproximation},
		{Pattern: "mistral*", Encoding: "cl100k_base", Tier: TierApproximation},
		{Pattern: "*", Tier: TierHeuristic},
	}
}

type compiledRule struct {
	Rule
	matcher glob.Glob
}

// Counter counts tokens for model-addressed text. Safe for concurrent use.
type Counter struct {
	logger *slog.Logger
	// metrics may be nil, in which case counts are not recorded.
	metrics metrics.TokenizerMetrics
	rules   []compiledRule

	mu        sync.Mutex
	encodings map[string]*tiktoken.Tiktoken
}

// NewCounter compiles the rules into a Counter. Rules are matched
// most-specific-first, with pattern length as the specificity order.
func NewCounter(logger *slog.Logger, rules []Rule, m metrics.TokenizerMetrics) (*Counter, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		g, err := glob.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("cannot compile tokenizer pattern %q: %w", r.Pattern, err)
		}
		compiled = append(compiled, compiledRule{Rule: r, matcher: g})
	}
	slices.SortStableFunc(compiled, func(a, b compiledRule) int {
		return len(b.Pattern) - len(a.Pattern)
	})
	return &Counter{
		logger:    logger,
		metrics:   m,
		rules:     compiled,
		encodings: make(map[string]*tiktoken.Tiktoken),
	}, nil
}

// CountTokens counts the tokens of text as the given model would see it,
// reporting the accuracy tier of the result. Encoding failures (including a
// missing BPE vocabulary on first use) degrade to the heuristic tier.
func (c *Counter) CountTokens(ctx context.Context, model, text string) (int64, Tier) {
	start := time.Now()
	tokens, tier := c.count(model, text)
	if c.metrics != nil {
		c.metrics.RecordCount(ctx, string(tier), time.Since(start))
	}
	return tokens, tier
}

func (c *Counter) count(model, text string) (int64, Tier) {
	rule := c.match(model)
	if rule == nil || rule.Tier == TierHeuristic {
		return HeuristicTokens(text), TierHeuristic
	}
	enc, err := c.encoding(rule.Encoding)
	if err != nil {
		c.logger.Warn("token encoding unavailable, falling back to heuristic",
			slog.String("model", model),
			slog.String("encoding", rule.Encoding),
			slog.String("error", err.Error()))
		return HeuristicTokens(text), TierHeuristic
	}
	return int64(len(enc.Encode(text, nil, nil))), rule.Tier
}

func (c *Counter) match(model string) *compiledRule {
	for i := range c.rules {
		if c.rules[i].matcher.Match(model) {
			return &c.rules[i]
		}
	}
	return nil
}

// encoding returns the cached tiktoken encoding, loading it on first use.
func (c *Counter) encoding(name string) (*tiktoken.Tiktoken, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.encodings[name]; ok {
		return enc, nil
	}
	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		return nil, err
	}
	c.encodings[name] = enc
	return enc, nil
}

// HeuristicTokens estimates the token count of raw text as one token per four
// characters plus a 15% margin, rounded up. The margin leans the estimate
// toward overcounting so budget checks stay conservative.
func HeuristicTokens(text string) int64 {
	return int64(math.Ceil(1.15 * float64(len(text)) / 4))
}
