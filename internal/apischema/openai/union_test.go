// Copyright Nexus Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package openai

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUnmarshalJSONNestedUnion(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		expected interface{}
	}{
		{name: "string", data: []byte(`"embed me"`), expected: "embed me"},
		{name: "string with escaped slash", data: []byte(`"/a\/b"`), expected: "/a/b"},
		{name: "string with leading whitespace", data: []byte(" \t\n\r\"x\""), expected: "x"},
		{name: "empty array defaults to string array", data: []byte(`[]`), expected: []string{}},
		{name: "whitespace-only array", data: []byte(`[  ]`), expected: []string{}},
		{name: "string array", data: []byte(`[ "aa", "bb" ]`), expected: []string{"aa", "bb"}},
		{name: "token array", data: []byte(`[15339, 1917]`), expected: []int64{15339, 1917}},
		{name: "negative tokens", data: []byte(`[-1, -2]`), expected: []int64{-1, -2}},
		{name: "token batches", data: []byte(`[[15339], [1917, 0]]`), expected: [][]int64{{15339}, {1917, 0}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			val, err := unmarshalJSONNestedUnion("input", tc.data)
			require.NoError(t, err)
			require.Equal(t, tc.expected, val)
		})
	}
}

func TestUnmarshalJSONNestedUnionErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{name: "empty input", data: []byte(``), want: "truncated input data"},
		{name: "whitespace only", data: []byte("  \t"), want: "truncated input data"},
		{name: "object", data: []byte(`{"a":1}`), want: "must be string or array"},
		{name: "boolean element", data: []byte(`[true]`), want: "invalid input array element"},
		{name: "mixed array", data: []byte(`["a", 1]`), want: "cannot unmarshal input as []string"},
		{name: "truncated nested array", data: []byte(`[[1, 2`), want: "cannot unmarshal input as [][]int64"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := unmarshalJSONNestedUnion("input", tc.data)
			require.ErrorContains(t, err, tc.want)
		})
	}
}

func TestEmbeddingsInputUnmarshal(t *testing.T) {
	var req EmbeddingsRequest
	require.NoError(t, req.Input.UnmarshalJSON([]byte(`["a", "b"]`)))
	require.Equal(t, []string{"a", "b"}, req.Input.Value)

	out, err := req.Input.MarshalJSON()
	require.NoError(t, err)
	require.JSONEq(t, `["a","b"]`, string(out))
}
