// Copyright Nexus Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nexus-llm/nexus/internal/pprof"
)

// newFakeOllama serves just enough of the Ollama API for the gateway to
// discover, probe and route to it.
func newFakeOllama(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/tags", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"models":[{"name":"llama3:8b","model":"llama3:8b","size":4661224676,` +
			`"details":{"family":"llama","parameter_size":"8.0B","quantization_level":"Q4_0"}}]}`))
	})
	mux.HandleFunc("POST /v1/chat/completions", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"chatcmpl-1","object":"chat.completion","created":1719000000,` +
			`"model":"llama3:8b","choices":[{"index":0,"message":{"role":"assistant","content":"This is a test"},` +
			`"finish_reason":"stop"}],"usage":{"prompt_tokens":9,"completion_tokens":4,"total_tokens":13}}`))
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

// freePort reserves an ephemeral port and releases it for the gateway to bind.
func freePort(t *testing.T) int {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := lis.Addr().(*net.TCPAddr).Port
	require.NoError(t, lis.Close())
	return port
}

func TestRun(t *testing.T) {
	fake := newFakeOllama(t)
	port := freePort(t)
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	cfg := fmt.Sprintf(`server:
  host: 127.0.0.1
  port: %d
health_check:
  enabled: true
  interval_seconds: 1
  timeout_seconds: 2
queue:
  enabled: true
  max_size: 16
  max_wait_seconds: 5
backends:
  - name: local-ollama
    url: %s
    type: ollama
`, port, fake.URL)
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o600))
	t.Setenv(pprof.DisableEnvVarKey, "true")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		require.NoError(t, run(ctx, cmdRun{Path: cfgPath}, os.Stdout, os.Stderr))
	}()
	defer func() {
		// Make sure the gateway is stopped regardless of the test result.
		cancel()
		<-done
	}()

	base := fmt.Sprintf("http://127.0.0.1:%d", port)

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/health")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 30*time.Second, 100*time.Millisecond)

	// Completions route once the first probe round marks the backend healthy
	// and refreshes its model list.
	var completion string
	require.Eventually(t, func() bool {
		resp, err := http.Post(base+"/v1/chat/completions", "application/json",
			strings.NewReader(`{"model":"llama3:8b","messages":[{"role":"user","content":"Say this is a test"}]}`))
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil || resp.StatusCode != http.StatusOK {
			t.Logf("status=%d, body: %s", resp.StatusCode, body)
			return false
		}
		require.Equal(t, "local-ollama", resp.Header.Get("X-Nexus-Backend"))
		require.Equal(t, "local", resp.Header.Get("X-Nexus-Backend-Type"))
		completion = string(body)
		return true
	}, 30*time.Second, 200*time.Millisecond)
	require.Contains(t, completion, "This is a test")

	t.Run("models", func(t *testing.T) {
		resp, err := http.Get(base + "/v1/models")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		require.Contains(t, string(body), "llama3:8b")
	})

	t.Run("stats", func(t *testing.T) {
		resp, err := http.Get(base + "/v1/stats")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		require.Contains(t, string(body), `"local-ollama"`)
		require.Contains(t, string(body), `"healthy"`)
	})

	t.Run("metrics", func(t *testing.T) {
		resp, err := http.Get(base + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		require.Contains(t, string(body), "gen_ai_client_token_usage")
		require.Contains(t, string(body), "nexus_routing_decisions")
	})
}

// TestRun_zeroConfig starts the gateway with no config file at all: the
// listen address comes from NEXUS_* variables and the only backend is
// synthesized from OLLAMA_HOST.
func TestRun_zeroConfig(t *testing.T) {
	fake := newFakeOllama(t)
	port := freePort(t)
	t.Setenv("NEXUS_CONFIG_HOME", t.TempDir())
	t.Setenv("NEXUS_HOST", "127.0.0.1")
	t.Setenv("NEXUS_PORT", fmt.Sprintf("%d", port))
	t.Setenv("OLLAMA_HOST", fake.URL)
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv(pprof.DisableEnvVarKey, "true")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		require.NoError(t, run(ctx, cmdRun{}, os.Stdout, os.Stderr))
	}()
	defer func() {
		cancel()
		<-done
	}()

	base := fmt.Sprintf("http://127.0.0.1:%d", port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/v1/models")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		return err == nil && resp.StatusCode == http.StatusOK && strings.Contains(string(body), "llama3:8b")
	}, 30*time.Second, 100*time.Millisecond)
}

func TestRun_invalidConfig(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("server:\n  port: -1\n"), 0o600))
	err := run(t.Context(), cmdRun{Path: cfgPath}, io.Discard, io.Discard)
	require.ErrorContains(t, err, "server port must be between 1 and 65535")
}

func TestResolveConfigPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("NEXUS_CONFIG_HOME", home)

	require.Equal(t, "/explicit/config.yaml", resolveConfigPath("/explicit/config.yaml"))
	require.Empty(t, resolveConfigPath(""))

	p := filepath.Join(home, "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte("logging:\n  level: info\n"), 0o600))
	require.Equal(t, p, resolveConfigPath(""))
}
