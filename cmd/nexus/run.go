// Copyright Nexus Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package main

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/nexus-llm/nexus/internal/budget"
	"github.com/nexus-llm/nexus/internal/config"
	"github.com/nexus-llm/nexus/internal/discovery"
	"github.com/nexus-llm/nexus/internal/fleet"
	"github.com/nexus-llm/nexus/internal/gateway"
	"github.com/nexus-llm/nexus/internal/health"
	"github.com/nexus-llm/nexus/internal/lifecycle"
	"github.com/nexus-llm/nexus/internal/logging"
	"github.com/nexus-llm/nexus/internal/metrics"
	"github.com/nexus-llm/nexus/internal/pprof"
	"github.com/nexus-llm/nexus/internal/pricing"
	"github.com/nexus-llm/nexus/internal/quality"
	"github.com/nexus-llm/nexus/internal/queue"
	"github.com/nexus-llm/nexus/internal/registry"
	"github.com/nexus-llm/nexus/internal/router"
	"github.com/nexus-llm/nexus/internal/tokenizer"
	"github.com/nexus-llm/nexus/internal/version"
	"github.com/nexus-llm/nexus/internal/xdg"
)

// run assembles the gateway from the configuration and serves it until ctx is
// cancelled. Construction follows the dependency chain: registry first, then
// the subsystems reading it, then the HTTP server fronting them.
func run(ctx context.Context, c cmdRun, _, stderr io.Writer) (err error) {
	defer func() {
		// Don't err the caller about normal shutdown scenarios.
		if errors.Is(err, context.Canceled) {
			err = nil
		}
	}()

	cfgPath := resolveConfigPath(c.Path)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if c.Debug {
		cfg.Logging.Level = "debug"
	}
	logs, err := logging.NewFactory(stderr, logging.Options{
		Level:           cfg.Logging.Level,
		Format:          cfg.Logging.Format,
		ComponentLevels: cfg.Logging.ComponentLevels,
	})
	if err != nil {
		return err
	}
	logger := logs.Root()
	logger.Info("starting gateway",
		slog.String("version", version.Parse()),
		slog.String("config", cmp.Or(cfgPath, "defaults")),
		slog.String("address", cfg.Server.Addr()),
		slog.Int("backends", len(cfg.Backends)))

	pprof.Run(ctx, logs.Component("pprof"))

	// The reader converts instrument names to the Prometheus format (dots to
	// underscores) so the scrape endpoint and the OTel instruments agree.
	promRegistry := prometheus.NewRegistry()
	promReader, err := otelprom.New(otelprom.WithRegisterer(promRegistry))
	if err != nil {
		return fmt.Errorf("cannot create prometheus reader: %w", err)
	}
	meter, metricsShutdown, err := metrics.NewMeter(promReader)
	if err != nil {
		return fmt.Errorf("cannot create meter: %w", err)
	}
	gatewayMetrics := metrics.NewGateway(meter)

	reg := registry.New(logs.Component("registry"))
	qual := quality.NewStore(logs.Component("quality"), cfg.Quality.MetricsInterval())

	sources := []discovery.Source{discovery.NewStatic(logs.Component("discovery"), cfg.Backends)}
	if len(cfg.Backends) == 0 {
		// Nothing declared: front whatever provider credentials the
		// environment already carries.
		sources = append(sources, discovery.NewEnv(logs.Component("discovery")))
	}
	disc := discovery.NewManager(discovery.Options{
		Logger:      logs.Component("discovery"),
		Registry:    reg,
		GracePeriod: cfg.Discovery.GracePeriod(),
		Sources:     sources,
		// Quality history follows the backend out of the registry.
		OnRemoved: qual.Forget,
	})
	if err := disc.Bootstrap(ctx); err != nil {
		return err
	}

	var spend *budget.State
	if cfg.Budget.Enabled {
		action, err := budget.ParseAction(cfg.Budget.HardLimitAction)
		if err != nil {
			return err
		}
		spend = budget.NewState(logs.Component("budget"),
			cfg.Budget.MonthlyLimit, cfg.Budget.SoftLimitPercent, action, cfg.Budget.BillingCycleStartDay)
	}

	tokens, err := tokenizer.NewCounter(logs.Component("tokenizer"), tokenizer.DefaultRules(), metrics.NewTokenizer(meter))
	if err != nil {
		return err
	}

	rt, err := router.New(router.Options{
		Logger:       logs.Component("router"),
		Registry:     reg,
		Routing:      cfg.Routing,
		Quality:      cfg.Quality,
		QualityStore: qual,
		Budget:       spend,
		Prices:       pricing.DefaultTable(),
		Tokens:       tokens,
		Metrics:      gatewayMetrics,
	})
	if err != nil {
		return err
	}

	var q *queue.Queue
	var drainer *queue.Drainer
	if cfg.Queue.Enabled {
		q = queue.New(logs.Component("queue"), cfg.Queue)
		drainer = queue.NewDrainer(logs.Component("queue"), q, rt)
		if err := gatewayMetrics.RegisterQueueDepth(q.Depth); err != nil {
			return fmt.Errorf("cannot register queue depth gauge: %w", err)
		}
	}

	var fl *fleet.Analyzer
	if cfg.Fleet.Enabled {
		fl = fleet.NewAnalyzer(logs.Component("fleet"), reg, cfg.Fleet)
	}

	srv, err := gateway.New(gateway.Options{
		Logger:     logs.Component("gateway"),
		Registry:   reg,
		Router:     rt,
		Queue:      q,
		Drainer:    drainer,
		Quality:    qual,
		Budget:     spend,
		Lifecycle:  lifecycle.NewManager(logs.Component("lifecycle"), reg, cfg.Lifecycle, gatewayMetrics),
		Fleet:      fl,
		Meter:      meter,
		Prometheus: promRegistry,
		Logging:    cfg.Logging,
	})
	if err != nil {
		return err
	}

	lis, err := listen(ctx, "gateway", cfg.Server.Addr())
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.HealthCheck.Enabled {
		checker := health.NewChecker(health.Options{
			Logger:            logs.Component("health"),
			Registry:          reg,
			Interval:          cfg.HealthCheck.Interval(),
			Timeout:           cfg.HealthCheck.Timeout(),
			FailureThreshold:  cfg.HealthCheck.FailureThreshold,
			RecoveryThreshold: cfg.HealthCheck.RecoveryThreshold,
			Metrics:           gatewayMetrics,
		})
		g.Go(func() error { return checker.Run(gctx) })
	}
	if cfg.Discovery.Enabled {
		// Static backends are registered at bootstrap; the watch loop only
		// matters for sources that stream announcements.
		g.Go(func() error { return disc.Run(gctx) })
	}
	g.Go(func() error { return qual.Run(gctx) })
	if spend != nil {
		g.Go(func() error { return spend.Run(gctx) })
	}
	if drainer != nil {
		g.Go(func() error { return drainer.Run(gctx) })
	}
	if fl != nil {
		g.Go(func() error { return fl.Run(gctx) })
	}

	httpServer := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 120 * time.Second,
	}
	go func() {
		// gctx also ends when a background loop fails, so a dying subsystem
		// drains the server instead of leaving it serving half-wired.
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("cannot shut down http server gracefully", slog.String("error", err.Error()))
		}
		if err := metricsShutdown(shutdownCtx); err != nil {
			logger.Error("cannot shut down metrics gracefully", slog.String("error", err.Error()))
		}
	}()

	logger.Info("gateway is ready", slog.String("address", lis.Addr().String()))
	if err := httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return g.Wait()
}

// resolveConfigPath falls back to the user-level XDG config file when no path
// was given and that file exists.
func resolveConfigPath(path string) string {
	if path != "" {
		return path
	}
	p := xdg.DefaultConfigPath()
	if p == "" {
		return ""
	}
	if _, err := os.Stat(p); err != nil {
		return ""
	}
	return p
}

// listen binds eagerly so a bad address fails startup instead of surfacing on
// the first request.
func listen(ctx context.Context, name, address string) (net.Listener, error) {
	var lc net.ListenConfig
	lis, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("cannot listen for %s: %w", name, err)
	}
	return lis, nil
}
