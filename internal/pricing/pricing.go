// Copyright Nexus Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package pricing resolves cloud model names to per-token USD rates for cost
// estimation and budget accounting. Local backends cost nothing; callers pin
// them to zero without consulting the table.
package pricing

import (
	_ "embed"
	"fmt"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed prices.yaml
var defaultPricesYAML []byte

// Rate is the list price of one model family in USD per million tokens.
type Rate struct {
	InputPer1M  float64 `yaml:"input_per_1m" json:"input_per_1m"`
	OutputPer1M float64 `yaml:"output_per_1m" json:"output_per_1m"`
}

// conservativeRate is applied when a caller needs a cost for an unpriced
// cloud model and cannot tolerate "unknown". GPT-4 list price, the most
// expensive common family, so estimates err high.
var conservativeRate = Rate{InputPer1M: 30, OutputPer1M: 60}

// Table maps model names to rates with exact-then-longest-prefix lookup.
type Table struct {
	rates map[string]Rate
	// keys sorted longest first; every key doubles as a prefix.
	prefixes []string
}

// NewTable builds a Table from the given rates.
func NewTable(rates map[string]Rate) *Table {
	t := &Table{rates: rates, prefixes: make([]string, 0, len(rates))}
	for k := range rates {
		t.prefixes = append(t.prefixes, k)
	}
	slices.SortFunc(t.prefixes, func(a, b string) int {
		if d := len(b) - len(a); d != 0 {
			return d
		}
		return strings.Compare(a, b)
	})
	return t
}

// DefaultTable parses the embedded price list. The embedded data is validated
// by tests, so a parse failure here is a build defect.
func DefaultTable() *Table {
	rates := map[string]Rate{}
	if err := yaml.Unmarshal(defaultPricesYAML, &rates); err != nil {
		panic(fmt.Errorf("cannot parse embedded price table: %w", err))
	}
	return NewTable(rates)
}

// Lookup resolves a model name to its rate, trying an exact match first and
// the longest matching prefix second. ok is false when the model is unpriced.
func (t *Table) Lookup(model string) (rate Rate, ok bool) {
	if rate, ok = t.rates[model]; ok {
		return rate, true
	}
	for _, p := range t.prefixes {
		if strings.HasPrefix(model, p) {
			return t.rates[p], true
		}
	}
	return Rate{}, false
}

// Cost prices a request against the table. known is false when the model is
// unpriced, letting callers suppress cost reporting instead of guessing.
func (t *Table) Cost(model string, inputTokens, outputTokens int64) (usd float64, known bool) {
	rate, ok := t.Lookup(model)
	if !ok {
		return 0, false
	}
	return rate.cost(inputTokens, outputTokens), true
}

// ConservativeCost prices a request at the fallback rate. Used for budget
// admission when the model is unpriced: overcounting is safer than letting
// unknown models spend freely.
func ConservativeCost(inputTokens, outputTokens int64) float64 {
	return conservativeRate.cost(inputTokens, outputTokens)
}

func (r Rate) cost(inputTokens, outputTokens int64) float64 {
	return float64(inputTokens)/1e6*r.InputPer1M + float64(outputTokens)/1e6*r.OutputPer1M
}
