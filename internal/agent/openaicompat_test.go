// Copyright Nexus Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package agent

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const openaiModelsBody = `{"object":"list","data":[
{"id":"qwen2.5:14b","object":"model","created":1726000000,"owned_by":"library"},
{"id":"llava:13b","object":"model","created":1726000000,"owned_by":"library"}
]}`

func TestOpenAICompatHealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/models", r.URL.Path)
		_, _ = w.Write([]byte(openaiModelsBody))
	}))
	t.Cleanup(srv.Close)

	st, err := newOpenAICompatible(KindVLLM, srv.URL, Options{}).HealthCheck(t.Context())
	require.NoError(t, err)
	require.True(t, st.Healthy)
	require.Equal(t, 2, st.ModelCount)
}

func TestOpenAICompatHealthCheckUpstreamStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":{"message":"invalid api key"}}`, http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	st, err := newOpenAICompatible(KindOpenAI, srv.URL, Options{APIKey: "sk-bad"}).HealthCheck(t.Context())
	require.NoError(t, err)
	require.False(t, st.Healthy)
	require.Equal(t, "status 401 from /v1/models", st.Detail)
}

func TestOpenAICompatListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/models", r.URL.Path)
		_, _ = w.Write([]byte(openaiModelsBody))
	}))
	t.Cleanup(srv.Close)

	models, err := newOpenAICompatible(KindLMStudio, srv.URL, Options{}).ListModels(t.Context())
	require.NoError(t, err)
	require.Len(t, models, 2)
	require.Equal(t, "qwen2.5:14b", models[0].ID)
	require.Equal(t, uint32(32768), models[0].ContextLength)
	require.True(t, models[0].Tools)
	require.Equal(t, "llava:13b", models[1].ID)
	require.True(t, models[1].Vision)
}

func TestChatCompletionPassthrough(t *testing.T) {
	const upstream = `{"id":"chatcmpl-1","object":"chat.completion","created":1726000000,"model":"qwen2.5:14b",` +
		`"choices":[{"index":0,"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}],` +
		`"usage":{"prompt_tokens":9,"completion_tokens":12,"total_tokens":21}}`

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.Equal(t, "Bearer sk-live", r.Header.Get("Authorization"), "the configured key must replace the caller's")
		require.Equal(t, "req-123", r.Header.Get("X-Request-Id"), "other caller headers pass through")
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.JSONEq(t, `{"model":"qwen2.5:14b","messages":[{"role":"user","content":"hi"}]}`, string(body))
		_, _ = w.Write([]byte(upstream))
	}))
	t.Cleanup(srv.Close)

	a := newOpenAICompatible(KindGeneric, srv.URL, Options{APIKey: "sk-live"})
	header := http.Header{}
	header.Set("Authorization", "Bearer caller-token")
	header.Set("X-Request-Id", "req-123")

	res, err := a.ChatCompletion(t.Context(), []byte(`{"model":"qwen2.5:14b","messages":[{"role":"user","content":"hi"}]}`), header)
	require.NoError(t, err)
	require.Equal(t, upstream, string(res.Body), "passthrough dialects must not touch the response bytes")
	require.Equal(t, "qwen2.5:14b", res.Model)
	require.Equal(t, TokenUsage{PromptTokens: 9, CompletionTokens: 12, TotalTokens: 21}, res.Usage)
	require.Equal(t, "Bearer caller-token", header.Get("Authorization"), "the caller's header map must not be mutated")
}

func TestChatCompletionForwardsCallerAuthWithoutConfiguredKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer caller-token", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"model":"m","choices":[],"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`))
	}))
	t.Cleanup(srv.Close)

	header := http.Header{}
	header.Set("Authorization", "Bearer caller-token")
	_, err := newOpenAICompatible(KindGeneric, srv.URL, Options{}).ChatCompletion(t.Context(), []byte(`{"model":"m","messages":[]}`), header)
	require.NoError(t, err)
}

func TestChatCompletionModelFallsBackToRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"index":0,"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}]}`))
	}))
	t.Cleanup(srv.Close)

	res, err := newOpenAICompatible(KindLlamaCpp, srv.URL, Options{}).ChatCompletion(t.Context(), []byte(`{"model":"local-gguf","messages":[]}`), nil)
	require.NoError(t, err)
	require.Equal(t, "local-gguf", res.Model, "llama.cpp omits the model field; the request's wins")
	require.Zero(t, res.Usage.TotalTokens)
}

func TestChatCompletionUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":{"message":"model overloaded","type":"server_error"}}`, http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)

	_, err := newOpenAICompatible(KindGeneric, srv.URL, Options{}).ChatCompletion(t.Context(), []byte(`{"model":"m"}`), nil)
	ae, ok := AsError(err)
	require.True(t, ok)
	require.Equal(t, ErrorKindUpstream, ae.Kind)
	require.Equal(t, http.StatusTooManyRequests, ae.StatusCode)
	require.Contains(t, string(ae.Body), "model overloaded", "the upstream error body rides along for passthrough")
}

func TestChatCompletionTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
	}))
	t.Cleanup(func() { close(release); srv.Close() })

	a := newOpenAICompatible(KindGeneric, srv.URL, Options{ChatTimeout: 20 * time.Millisecond})
	_, err := a.ChatCompletion(t.Context(), []byte(`{"model":"m"}`), nil)
	ae, ok := AsError(err)
	require.True(t, ok)
	require.Equal(t, ErrorKindTimeout, ae.Kind)
}

func TestChatCompletionStreamPassthrough(t *testing.T) {
	const sse = "data: {\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"hi\"},\"finish_reason\":null}]}\n\n" +
		"data: [DONE]\n\n"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(sse))
	}))
	t.Cleanup(srv.Close)

	stream, err := newOpenAICompatible(KindVLLM, srv.URL, Options{}).ChatCompletionStream(t.Context(), []byte(`{"model":"m","stream":true}`), nil)
	require.NoError(t, err)
	defer stream.Close()

	out, err := io.ReadAll(stream)
	require.NoError(t, err)
	require.Equal(t, sse, string(out), "stream bytes forward verbatim")
}

func TestChatCompletionStreamUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":{"message":"no such model"}}`, http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	_, err := newOpenAICompatible(KindVLLM, srv.URL, Options{}).ChatCompletionStream(t.Context(), []byte(`{"model":"nope","stream":true}`), nil)
	ae, ok := AsError(err)
	require.True(t, ok)
	require.Equal(t, ErrorKindUpstream, ae.Kind)
	require.Equal(t, http.StatusNotFound, ae.StatusCode)
	require.Contains(t, string(ae.Body), "no such model")
}

func TestEmbeddingsPassthrough(t *testing.T) {
	const upstream = `{"object":"list","data":[{"object":"embedding","index":0,"embedding":[0.1,0.2]}],` +
		`"model":"nomic-embed-text","usage":{"prompt_tokens":5,"total_tokens":5}}`

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/embeddings", r.URL.Path)
		_, _ = w.Write([]byte(upstream))
	}))
	t.Cleanup(srv.Close)

	res, err := newOpenAICompatible(KindGeneric, srv.URL, Options{}).Embeddings(t.Context(), []byte(`{"model":"nomic-embed-text","input":"hello"}`), nil)
	require.NoError(t, err)
	require.Equal(t, upstream, string(res.Body))
	require.Equal(t, int64(5), res.Usage.PromptTokens)
	require.Zero(t, res.Usage.CompletionTokens)
}

func TestVLLMCountTokens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/tokenize", r.URL.Path)
		require.Equal(t, "Bearer sk-vllm", r.Header.Get("Authorization"))
		var in map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		require.Equal(t, map[string]string{"model": "qwen2.5:14b", "prompt": "hello world"}, in)
		_, _ = w.Write([]byte(`{"count":7,"max_model_len":32768,"tokens":[1,2,3,4,5,6,7]}`))
	}))
	t.Cleanup(srv.Close)

	n, err := newOpenAICompatible(KindVLLM, srv.URL, Options{APIKey: "sk-vllm"}).CountTokens(t.Context(), "qwen2.5:14b", "hello world")
	require.NoError(t, err)
	require.Equal(t, int64(7), n)
}

func TestLlamaCppCountTokens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/tokenize", r.URL.Path)
		var in map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		require.Equal(t, map[string]string{"content": "hello"}, in)
		_, _ = w.Write([]byte(`{"tokens":[15339,11,1917]}`))
	}))
	t.Cleanup(srv.Close)

	n, err := newOpenAICompatible(KindLlamaCpp, srv.URL, Options{}).CountTokens(t.Context(), "local-gguf", "hello")
	require.NoError(t, err)
	require.Equal(t, int64(3), n)
}

func TestCountTokensUnsupportedKindsNeverCallUpstream(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		calls.Add(1)
	}))
	t.Cleanup(srv.Close)

	for _, kind := range []BackendKind{KindLMStudio, KindOpenAI, KindGeneric} {
		_, err := newOpenAICompatible(kind, srv.URL, Options{}).CountTokens(t.Context(), "m", "text")
		ae, ok := AsError(err)
		require.True(t, ok, string(kind))
		require.Equal(t, ErrorKindUnsupported, ae.Kind)
	}
	require.Zero(t, calls.Load())
}

func TestOpenAICompatLifecycleUnsupported(t *testing.T) {
	a := newOpenAICompatible(KindVLLM, "http://localhost:8000", Options{})

	err := a.LoadModel(t.Context(), "m")
	ae, ok := AsError(err)
	require.True(t, ok)
	require.Equal(t, ErrorKindUnsupported, ae.Kind)

	err = a.UnloadModel(t.Context(), "m")
	ae, ok = AsError(err)
	require.True(t, ok)
	require.Equal(t, ErrorKindUnsupported, ae.Kind)

	_, err = a.ResourceUsage(t.Context())
	ae, ok = AsError(err)
	require.True(t, ok)
	require.Equal(t, ErrorKindUnsupported, ae.Kind)
}
