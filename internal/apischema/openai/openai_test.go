// Copyright Nexus Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package openai

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestMessageContentUnmarshal(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		expected MessageContent
	}{
		{
			name:     "plain string",
			data:     []byte(`"hello"`),
			expected: MessageContent{Text: "hello"},
		},
		{
			name: "text part array",
			data: []byte(`[{"type":"text","text":"describe this"}]`),
			expected: MessageContent{Parts: []ChatCompletionContentPart{
				{Type: "text", Text: "describe this"},
			}},
		},
		{
			name: "image part",
			data: []byte(`[{"type":"image_url","image_url":{"url":"data:image/png;base64,iVBOR","detail":"low"}}]`),
			expected: MessageContent{Parts: []ChatCompletionContentPart{
				{Type: "image_url", ImageURL: &ChatCompletionImageURL{URL: "data:image/png;base64,iVBOR", Detail: "low"}},
			}},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var mc MessageContent
			require.NoError(t, json.Unmarshal(tc.data, &mc))
			if diff := cmp.Diff(tc.expected, mc); diff != "" {
				t.Errorf("unexpected content (-want +got):\n%s", diff)
			}
		})
	}

	t.Run("invalid", func(t *testing.T) {
		var mc MessageContent
		require.ErrorContains(t, json.Unmarshal([]byte(`123`), &mc), "string or array")
	})
}

func TestMessageContentRoundTrip(t *testing.T) {
	// String form must not be re-encoded as an array, and vice versa: the
	// Anthropic dialect re-serializes parsed requests, so the wire shape has
	// to survive.
	for _, in := range []string{
		`"just text"`,
		`[{"type":"text","text":"a"},{"type":"image_url","image_url":{"url":"https://example.com/x.png"}}]`,
	} {
		var mc MessageContent
		require.NoError(t, json.Unmarshal([]byte(in), &mc))
		out, err := json.Marshal(mc)
		require.NoError(t, err)
		require.JSONEq(t, in, string(out))
	}
}

func TestStopUnion(t *testing.T) {
	tests := []struct {
		name      string
		data      []byte
		sequences []string
	}{
		{name: "single", data: []byte(`"###"`), sequences: []string{"###"}},
		{name: "array", data: []byte(`["###","END"]`), sequences: []string{"###", "END"}},
		{name: "escaped slash", data: []byte(`"a\/b"`), sequences: []string{"a/b"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var s StopUnion
			require.NoError(t, json.Unmarshal(tc.data, &s))
			require.Equal(t, tc.sequences, s.Sequences())
		})
	}

	t.Run("object rejected", func(t *testing.T) {
		var s StopUnion
		require.ErrorContains(t, json.Unmarshal([]byte(`{"x":1}`), &s), "string or an array")
	})

	t.Run("nil receiver", func(t *testing.T) {
		var s *StopUnion
		require.Nil(t, s.Sequences())
	})
}

func TestChatCompletionRequestUnmarshal(t *testing.T) {
	data := []byte(`{
		"model": "gpt-4o",
		"messages": [
			{"role": "system", "content": "be brief"},
			{"role": "user", "content": [{"type":"text","text":"hi"}]}
		],
		"max_tokens": 256,
		"temperature": 0.2,
		"stop": "###",
		"stream": true,
		"stream_options": {"include_usage": true},
		"response_format": {"type": "json_object"},
		"tools": [{"type":"function","function":{"name":"get_weather","parameters":{"type":"object"}}}]
	}`)
	var req ChatCompletionRequest
	require.NoError(t, json.Unmarshal(data, &req))
	require.Equal(t, "gpt-4o", req.Model)
	require.Len(t, req.Messages, 2)
	require.Equal(t, "be brief", req.Messages[0].Content.Text)
	require.Equal(t, "hi", req.Messages[1].Content.Parts[0].Text)
	require.Equal(t, int64(256), *req.MaxTokens)
	require.InEpsilon(t, 0.2, *req.Temperature, 1e-9)
	require.Equal(t, []string{"###"}, req.Stop.Sequences())
	require.True(t, req.Stream)
	require.True(t, req.StreamOptions.IncludeUsage)
	require.Equal(t, "json_object", req.ResponseFormat.Type)
	require.Equal(t, "get_weather", req.Tools[0].Function.Name)
}

func TestChunkFinishReasonNull(t *testing.T) {
	// Intermediate chunks carry "finish_reason":null and clients depend on
	// the key being present.
	chunk := ChatCompletionResponseChunk{
		ID:      "chatcmpl-1",
		Object:  ObjectChatCompletionChunk,
		Choices: []ChatCompletionChunkChoice{{Delta: ChatCompletionDelta{Content: "hel"}}},
	}
	out, err := json.Marshal(chunk)
	require.NoError(t, err)
	require.Contains(t, string(out), `"finish_reason":null`)

	reason := FinishReasonStop
	chunk.Choices[0].FinishReason = &reason
	out, err = json.Marshal(chunk)
	require.NoError(t, err)
	require.Contains(t, string(out), `"finish_reason":"stop"`)
}
