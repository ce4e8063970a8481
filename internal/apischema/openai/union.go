// Copyright Nexus Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package openai

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// unmarshalJSONNestedUnion decodes a value that is a string, []string,
// []int64, or [][]int64 by sniffing the first significant byte instead of
// round-tripping through reflection-heavy union decoding. The gateway parses
// every embeddings request for cost estimation, so this path is hot.
func unmarshalJSONNestedUnion(typ string, data []byte) (interface{}, error) {
	idx, err := skipLeadingWhitespace(typ, data, 0)
	if err != nil {
		return nil, err
	}

	switch data[idx] {
	case '"':
		return unquoteOrUnmarshalJSONString(typ, data)

	case '[':
		idx++
		if idx, err = skipLeadingWhitespace(typ, data, idx); err != nil {
			return nil, err
		}

		// An empty array carries no element type. Treat it as []string.
		if data[idx] == ']' {
			return []string{}, nil
		}

		// The first element's leading byte decides the array flavor.
		switch data[idx] {
		case '"':
			var strs []string
			if err := json.Unmarshal(data, &strs); err != nil {
				return nil, fmt.Errorf("cannot unmarshal %s as []string: %w", typ, err)
			}
			return strs, nil

		case '[':
			var batches [][]int64
			if err := json.Unmarshal(data, &batches); err != nil {
				return nil, fmt.Errorf("cannot unmarshal %s as [][]int64: %w", typ, err)
			}
			return batches, nil

		case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
			var tokens []int64
			if err := json.Unmarshal(data, &tokens); err != nil {
				return nil, fmt.Errorf("cannot unmarshal %s as []int64: %w", typ, err)
			}
			return tokens, nil

		default:
			return nil, fmt.Errorf("invalid %s array element", typ)
		}

	default:
		return nil, fmt.Errorf("invalid %s type (must be string or array)", typ)
	}
}

// skipLeadingWhitespace rarely advances at all, but handling it here keeps
// the byte-sniffing above honest for pretty-printed payloads.
func skipLeadingWhitespace(typ string, data []byte, idx int) (int, error) {
	for idx < len(data) && (data[idx] == ' ' || data[idx] == '\t' || data[idx] == '\n' || data[idx] == '\r') {
		idx++
	}
	if idx >= len(data) {
		return 0, fmt.Errorf("truncated %s data", typ)
	}
	return idx, nil
}

// unquoteOrUnmarshalJSONString decodes a JSON string, using strconv.Unquote
// as the fast path. Unquote rejects a few escapes that are legal JSON (such
// as `\/`), so fall back to encoding/json when it fails.
func unquoteOrUnmarshalJSONString(typ string, data []byte) (string, error) {
	if s, err := strconv.Unquote(string(data)); err == nil {
		return s, nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return "", fmt.Errorf("cannot unmarshal %s as string: %w", typ, err)
	}
	return str, nil
}
