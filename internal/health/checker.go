// Copyright Nexus Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package health runs the periodic backend probe loop. Transitions are
// hysteretic: a healthy backend needs consecutive failures to go unhealthy
// and an unhealthy one needs consecutive successes to come back, so one
// flaky probe never flips routing.
package health

import (
	"cmp"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nexus-llm/nexus/internal/metrics"
	"github.com/nexus-llm/nexus/internal/registry"
)

const (
	defaultInterval          = 30 * time.Second
	defaultTimeout           = 5 * time.Second
	defaultFailureThreshold  = 3
	defaultRecoveryThreshold = 2
)

// Options configures a Checker. Zero values take the defaults above.
type Options struct {
	Logger            *slog.Logger
	Registry          *registry.Registry
	Interval          time.Duration
	Timeout           time.Duration
	FailureThreshold  int
	RecoveryThreshold int
	// Metrics may be nil.
	Metrics metrics.GatewayMetrics
}

// Checker probes every registered backend on a fixed interval.
type Checker struct {
	logger            *slog.Logger
	registry          *registry.Registry
	interval          time.Duration
	timeout           time.Duration
	failureThreshold  int
	recoveryThreshold int
	metrics           metrics.GatewayMetrics

	mu        sync.Mutex
	failures  map[string]int
	successes map[string]int
}

// NewChecker builds a checker over opts.Registry.
func NewChecker(opts Options) *Checker {
	return &Checker{
		logger:            opts.Logger,
		registry:          opts.Registry,
		interval:          cmp.Or(opts.Interval, defaultInterval),
		timeout:           cmp.Or(opts.Timeout, defaultTimeout),
		failureThreshold:  cmp.Or(opts.FailureThreshold, defaultFailureThreshold),
		recoveryThreshold: cmp.Or(opts.RecoveryThreshold, defaultRecoveryThreshold),
		metrics:           opts.Metrics,
		failures:          map[string]int{},
		successes:         map[string]int{},
	}
}

// Run probes immediately, then on every tick until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) error {
	c.CheckAll(ctx)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("stopping health check loop")
			return nil
		case <-ticker.C:
			c.CheckAll(ctx)
		}
	}
}

// CheckAll probes every backend concurrently and waits for the round to
// finish. Draining backends are left alone; probing must not resurrect a
// backend an operator is retiring.
func (c *Checker) CheckAll(ctx context.Context) {
	views := c.registry.Snapshot()
	c.pruneCounters(views)

	var wg sync.WaitGroup
	for _, v := range views {
		if v.Status == registry.StatusDraining {
			continue
		}
		b, ok := c.registry.Get(v.ID)
		if !ok {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.check(ctx, b)
		}()
	}
	wg.Wait()
}

// pruneCounters drops counters for backends no longer registered.
func (c *Checker) pruneCounters(views []registry.View) {
	live := make(map[string]bool, len(views))
	for _, v := range views {
		live[v.ID] = true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.failures {
		if !live[id] {
			delete(c.failures, id)
		}
	}
	for id := range c.successes {
		if !live[id] {
			delete(c.successes, id)
		}
	}
}

func (c *Checker) check(ctx context.Context, b *registry.Backend) {
	probeCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	status, err := b.Agent().HealthCheck(probeCtx)
	elapsed := time.Since(start)

	switch {
	case err != nil:
		c.observeFailure(ctx, b, err.Error())
	case !status.Healthy:
		c.observeFailure(ctx, b, status.Detail)
	default:
		c.observeSuccess(ctx, b, elapsed)
	}
}

func (c *Checker) observeSuccess(ctx context.Context, b *registry.Backend, elapsed time.Duration) {
	id := b.ID()
	c.mu.Lock()
	c.failures[id] = 0
	c.successes[id]++
	successes := c.successes[id]
	c.mu.Unlock()

	prev := b.Status()
	transition := prev == registry.StatusUnknown ||
		(prev == registry.StatusUnhealthy && successes >= c.recoveryThreshold)
	if transition {
		b.SetStatus(registry.StatusHealthy, "")
		c.logger.Info("backend healthy",
			slog.String("backend", id),
			slog.String("previous", string(prev)),
			slog.Int("consecutive_successes", successes))
		if c.metrics != nil {
			c.metrics.RecordHealthTransition(ctx, id, true)
		}
	}

	listCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	models, err := b.Agent().ListModels(listCtx)
	if err != nil {
		c.logger.Warn("cannot refresh model list",
			slog.String("backend", id),
			slog.String("error", err.Error()))
	} else {
		b.SetModels(models)
	}
	b.RecordLatency(elapsed)
}

func (c *Checker) observeFailure(ctx context.Context, b *registry.Backend, detail string) {
	id := b.ID()
	c.mu.Lock()
	c.successes[id] = 0
	c.failures[id]++
	failures := c.failures[id]
	c.mu.Unlock()

	prev := b.Status()
	transition := prev == registry.StatusUnknown ||
		(prev == registry.StatusHealthy && failures >= c.failureThreshold)
	if transition {
		b.SetStatus(registry.StatusUnhealthy, detail)
		c.logger.Warn("backend unhealthy",
			slog.String("backend", id),
			slog.String("previous", string(prev)),
			slog.Int("consecutive_failures", failures),
			slog.String("detail", detail))
		if c.metrics != nil {
			c.metrics.RecordHealthTransition(ctx, id, false)
		}
	}
}
