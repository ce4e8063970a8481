// Copyright Nexus Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/goleak"

	"github.com/nexus-llm/nexus/internal/agent"
	"github.com/nexus-llm/nexus/internal/agent/agenttest"
	"github.com/nexus-llm/nexus/internal/apischema/openai"
	"github.com/nexus-llm/nexus/internal/budget"
	"github.com/nexus-llm/nexus/internal/config"
	"github.com/nexus-llm/nexus/internal/fleet"
	"github.com/nexus-llm/nexus/internal/lifecycle"
	"github.com/nexus-llm/nexus/internal/metrics"
	"github.com/nexus-llm/nexus/internal/pricing"
	"github.com/nexus-llm/nexus/internal/quality"
	"github.com/nexus-llm/nexus/internal/queue"
	"github.com/nexus-llm/nexus/internal/registry"
	"github.com/nexus-llm/nexus/internal/router"
	"github.com/nexus-llm/nexus/internal/tokenizer"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

type backendSpec struct {
	id       string
	kind     agent.BackendKind
	zone     agent.PrivacyZone
	tier     int
	priority int
	models   []string
	// caps overrides models with full capability entries.
	caps      []agent.ModelCapability
	unhealthy bool
	pending   int
	fake      *agenttest.Fake
}

type gatewayOptions struct {
	backends []backendSpec
	routing  func(*config.RoutingConfig)
	// queue enables the overflow queue and starts a drainer.
	queue  *config.QueueConfig
	budget *budget.State
	fleet  bool
	// prom swaps the manual metric reader for a prometheus-backed one and
	// mounts the metrics endpoint.
	prom    *prometheus.Registry
	logging config.LoggingConfig
}

type testGateway struct {
	server  *Server
	ts      *httptest.Server
	reg     *registry.Registry
	quality *quality.Store
	queue   *queue.Queue
	drainer *queue.Drainer
	reader  *sdkmetric.ManualReader
	fakes   map[string]*agenttest.Fake
}

func newGateway(t *testing.T, opts gatewayOptions) *testGateway {
	t.Helper()
	logger := testLogger()
	reg := registry.New(logger)
	fakes := map[string]*agenttest.Fake{}
	for _, s := range opts.backends {
		fake := s.fake
		if fake == nil {
			fake = &agenttest.Fake{Kind: s.kind, Zone: s.zone, Tier: s.tier}
		}
		fakes[s.id] = fake
		b, err := reg.Add(registry.Spec{
			ID:       s.id,
			Name:     s.id,
			URL:      "http://" + s.id + ":11434",
			Priority: s.priority,
		}, fake)
		require.NoError(t, err)

		caps := s.caps
		if caps == nil {
			for _, m := range s.models {
				caps = append(caps, agent.ModelCapability{ID: m, Name: m})
			}
		}
		b.SetModels(caps)
		if s.unhealthy {
			b.SetStatus(registry.StatusUnhealthy, "probe failed")
		} else {
			b.SetStatus(registry.StatusHealthy, "")
		}
		for range s.pending {
			b.IncrementPending()
		}
	}

	routing := config.RoutingConfig{
		Strategy: "smart",
		Weights:  config.WeightsConfig{Priority: 50, Load: 30, Latency: 20},
	}
	if opts.routing != nil {
		opts.routing(&routing)
	}
	tokens, err := tokenizer.NewCounter(logger, tokenizer.DefaultRules(), nil)
	require.NoError(t, err)
	qual := quality.NewStore(logger, time.Hour)
	rt, err := router.New(router.Options{
		Logger:       logger,
		Registry:     reg,
		Routing:      routing,
		QualityStore: qual,
		Budget:       opts.budget,
		Prices:       pricing.DefaultTable(),
		Tokens:       tokens,
	})
	require.NoError(t, err)

	var reader *sdkmetric.ManualReader
	var sdkReader sdkmetric.Reader
	if opts.prom != nil {
		promReader, err := otelprom.New(otelprom.WithRegisterer(opts.prom))
		require.NoError(t, err)
		sdkReader = promReader
	} else {
		reader = sdkmetric.NewManualReader()
		sdkReader = reader
	}
	meter, shutdown, err := metrics.NewMeter(sdkReader)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, shutdown(context.Background())) })

	var q *queue.Queue
	var d *queue.Drainer
	if opts.queue != nil {
		q = queue.New(logger, *opts.queue)
		d = queue.NewDrainer(logger, q, rt)
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = d.Run(ctx)
		}()
		t.Cleanup(func() {
			cancel()
			<-done
		})
	}

	var fl *fleet.Analyzer
	if opts.fleet {
		fl = fleet.NewAnalyzer(logger, reg, config.FleetConfig{
			MinRequestCount:         1,
			AnalysisIntervalSeconds: 3600,
			MaxRecommendations:      5,
		})
	}

	srv, err := New(Options{
		Logger:     logger,
		Registry:   reg,
		Router:     rt,
		Queue:      q,
		Drainer:    d,
		Quality:    qual,
		Budget:     opts.budget,
		Lifecycle:  lifecycle.NewManager(logger, reg, config.LifecycleConfig{TimeoutMS: 5000, VRAMHeadroomPercent: 20, VRAMBufferPercent: 10, VRAMHeuristicMaxGB: 20}, nil),
		Fleet:      fl,
		Meter:      meter,
		Prometheus: opts.prom,
		Logging:    opts.logging,
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testGateway{
		server:  srv,
		ts:      ts,
		reg:     reg,
		quality: qual,
		queue:   q,
		drainer: d,
		reader:  reader,
		fakes:   fakes,
	}
}

func (g *testGateway) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := g.ts.Client().Get(g.ts.URL + path)
	require.NoError(t, err)
	return resp
}

func (g *testGateway) send(t *testing.T, method, path, body string, header map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, g.ts.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := g.ts.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func readJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func readAll(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return body
}

func TestNewRequiresCoreDependencies(t *testing.T) {
	logger := testLogger()
	reg := registry.New(logger)
	tokens, err := tokenizer.NewCounter(logger, tokenizer.DefaultRules(), nil)
	require.NoError(t, err)
	rt, err := router.New(router.Options{
		Logger:   logger,
		Registry: reg,
		Routing:  config.RoutingConfig{Strategy: "smart", Weights: config.WeightsConfig{Priority: 50, Load: 30, Latency: 20}},
		Prices:   pricing.DefaultTable(),
		Tokens:   tokens,
	})
	require.NoError(t, err)
	lm := lifecycle.NewManager(logger, reg, config.LifecycleConfig{}, nil)
	meter, shutdown, err := metrics.NewMeter(sdkmetric.NewManualReader())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, shutdown(context.Background())) })

	for _, tc := range []struct {
		name   string
		mutate func(*Options)
		errStr string
	}{
		{"registry", func(o *Options) { o.Registry = nil }, "registry is required"},
		{"router", func(o *Options) { o.Router = nil }, "router is required"},
		{"lifecycle", func(o *Options) { o.Lifecycle = nil }, "lifecycle manager is required"},
		{"meter", func(o *Options) { o.Meter = nil }, "meter is required"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			opts := Options{Logger: logger, Registry: reg, Router: rt, Lifecycle: lm, Meter: meter}
			tc.mutate(&opts)
			_, err := New(opts)
			require.ErrorContains(t, err, tc.errStr)
		})
	}
}

func TestHealthEndpoint(t *testing.T) {
	gw := newGateway(t, gatewayOptions{})
	resp := gw.get(t, "/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	readJSON(t, resp, &body)
	require.Equal(t, map[string]string{"status": "ok"}, body)
}

func TestListModelsUnionAcrossBackends(t *testing.T) {
	gw := newGateway(t, gatewayOptions{backends: []backendSpec{
		{id: "b1", models: []string{"llama3:8b", "phi3"}},
		{id: "b2", models: []string{"llama3:8b", "mxbai-embed"}},
		// An unhealthy backend still contributes to the catalog.
		{id: "b3", models: []string{"qwen2.5"}, unhealthy: true},
	}})

	resp := gw.get(t, "/v1/models")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list openai.ModelList
	readJSON(t, resp, &list)
	require.Equal(t, openai.ObjectList, list.Object)

	ids := make([]string, 0, len(list.Data))
	for _, m := range list.Data {
		require.Equal(t, openai.ObjectModel, m.Object)
		require.Equal(t, "nexus", m.OwnedBy)
		require.NotZero(t, m.Created)
		ids = append(ids, m.ID)
	}
	require.Equal(t, []string{"llama3:8b", "mxbai-embed", "phi3", "qwen2.5"}, ids)
}

func TestListModelsEmptyRegistry(t *testing.T) {
	gw := newGateway(t, gatewayOptions{})
	resp := gw.get(t, "/v1/models")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list openai.ModelList
	readJSON(t, resp, &list)
	require.Equal(t, openai.ObjectList, list.Object)
	require.Empty(t, list.Data)
}

func TestStatsReportsBackendsQueueAndBudget(t *testing.T) {
	gw := newGateway(t, gatewayOptions{
		backends: []backendSpec{
			{id: "b1", kind: agent.KindOllama, zone: agent.ZoneRestricted, tier: 2, priority: 1, models: []string{"llama3:8b"}, pending: 3},
		},
		queue:  &config.QueueConfig{Enabled: true, MaxSize: 10, MaxWaitSeconds: 5},
		budget: budget.NewState(testLogger(), 100, 75, budget.ActionLocalOnly, 1),
	})
	gw.quality.RecordOutcome("b1", true, 80*time.Millisecond)
	gw.quality.RecomputeAll()

	resp := gw.get(t, "/v1/stats")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats statsResponse
	readJSON(t, resp, &stats)
	require.Len(t, stats.Backends, 1)

	b := stats.Backends[0]
	require.Equal(t, "b1", b.ID)
	require.Equal(t, "ollama", b.Kind)
	require.Equal(t, "restricted", b.Zone)
	require.Equal(t, 2, b.Tier)
	require.Equal(t, "healthy", b.Status)
	require.Equal(t, []string{"llama3:8b"}, b.Models)
	require.Equal(t, int32(3), b.Pending)
	require.NotNil(t, b.Quality)
	require.Equal(t, 1, b.Quality.RequestCount1h)
	require.InDelta(t, 80, b.Quality.AvgTTFTMillis, 1)

	require.NotNil(t, stats.Queue)
	require.Zero(t, stats.Queue.Depth)

	require.NotNil(t, stats.Budget)
	require.Equal(t, budget.LevelNormal, stats.Budget.Level)
	require.Equal(t, 100.0, stats.Budget.LimitUSD)
}

func TestStatsWithoutOptionalSubsystems(t *testing.T) {
	gw := newGateway(t, gatewayOptions{backends: []backendSpec{
		{id: "b1", models: []string{"llama3:8b"}},
	}})

	var stats statsResponse
	readJSON(t, gw.get(t, "/v1/stats"), &stats)
	require.Len(t, stats.Backends, 1)
	require.Nil(t, stats.Queue)
	require.Nil(t, stats.Budget)
}

func TestRecommendationsEmptyWithoutFleet(t *testing.T) {
	gw := newGateway(t, gatewayOptions{})
	resp := gw.get(t, "/v1/fleet/recommendations")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := readAll(t, resp)
	require.Contains(t, string(body), `"recommendations":[]`)
}

func TestRecommendationsServesFleetAnalysis(t *testing.T) {
	gw := newGateway(t, gatewayOptions{
		backends: []backendSpec{{id: "b1", models: []string{"llama3:8b"}}},
		fleet:    true,
	})
	resp := gw.get(t, "/v1/fleet/recommendations")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var recs recommendationsResponse
	readJSON(t, resp, &recs)
	require.NotNil(t, recs.Recommendations)
	require.Empty(t, recs.Recommendations)
}

func TestMetricsEndpointExposesPrometheus(t *testing.T) {
	promReg := prometheus.NewRegistry()
	gw := newGateway(t, gatewayOptions{
		backends: []backendSpec{{id: "b1", models: []string{"llama3:8b"}}},
		prom:     promReg,
	})

	body := `{"model":"llama3:8b","messages":[{"role":"user","content":"hi"}]}`
	resp := gw.send(t, http.MethodPost, "/v1/chat/completions", body, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = readAll(t, resp)

	mResp := gw.get(t, "/metrics")
	require.Equal(t, http.StatusOK, mResp.StatusCode)
	metricsBody := string(readAll(t, mResp))
	require.Contains(t, metricsBody, "gen_ai_client_token_usage")
}

func TestMetricsEndpointHiddenWithoutRegistry(t *testing.T) {
	gw := newGateway(t, gatewayOptions{})
	resp := gw.get(t, "/metrics")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = readAll(t, resp)
}
