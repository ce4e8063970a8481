// Copyright Nexus Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nexus-llm/nexus/internal/router"
)

const drainTick = 50 * time.Millisecond

// Router retries a parked request once capacity may have freed up.
// *router.Router satisfies it.
type Router interface {
	Route(ctx context.Context, reqs router.Requirements, mode router.TierMode) (*router.Result, error)
}

// Drainer replays parked requests through the router until they route, time
// out, or turn out to be rejected for reasons waiting cannot fix.
type Drainer struct {
	logger *slog.Logger
	queue  *Queue
	router Router
	wake   chan struct{}
}

// NewDrainer builds a drainer over q.
func NewDrainer(logger *slog.Logger, q *Queue, r Router) *Drainer {
	return &Drainer{
		logger: logger,
		queue:  q,
		router: r,
		wake:   make(chan struct{}, 1),
	}
}

// Wake nudges the drain loop ahead of its next tick. Callers signal it when
// a request finishes and capacity likely freed up; it never blocks.
func (d *Drainer) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run drains on a fixed tick and on Wake signals until ctx is cancelled,
// then flushes everything still parked with a shutdown error.
func (d *Drainer) Run(ctx context.Context) error {
	ticker := time.NewTicker(drainTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.shutdown()
			d.logger.Info("stopping queue drain loop")
			return nil
		case <-ticker.C:
			d.drain(ctx)
		case <-d.wake:
			d.drain(ctx)
		}
	}
}

// drain runs one pass over everything parked at entry. Requests that are
// still capacity-blocked and inside their wait budget go back in, in their
// original relative order, at the end of the pass; bounding the pass by the
// entry depth keeps a saturated queue from spinning.
func (d *Drainer) drain(ctx context.Context) {
	var requeue []*Request
	for range d.queue.Depth() {
		req, ok := d.queue.TryDequeue()
		if !ok {
			break
		}
		if g, done := d.attempt(ctx, req); done {
			req.Reply <- g
		} else {
			requeue = append(requeue, req)
		}
	}
	for _, req := range requeue {
		if err := d.queue.Enqueue(req); err != nil {
			req.Reply <- Grant{Err: err}
		}
	}
}

// attempt retries one request. done=false means the request stays parked.
func (d *Drainer) attempt(ctx context.Context, req *Request) (Grant, bool) {
	if err := req.Ctx.Err(); err != nil {
		return Grant{Err: err}, true
	}
	if time.Since(req.EnqueuedAt) >= d.queue.MaxWait() {
		d.logger.Warn("queued request timed out",
			slog.String("request", req.ID),
			slog.String("model", req.Requirements.Model))
		return Grant{Err: ErrTimeout}, true
	}

	res, err := d.router.Route(ctx, req.Requirements, req.TierMode)
	if err == nil {
		d.logger.Debug("dequeued request routed",
			slog.String("request", req.ID),
			slog.String("backend", res.Backend.ID))
		return Grant{Result: res}, true
	}

	var reject *router.RejectError
	if errors.As(err, &reject) && reject.Capacity {
		return Grant{}, false
	}
	// Policy and availability rejections do not heal by waiting; hand the
	// caller the real answer now.
	return Grant{Err: err}, true
}

func (d *Drainer) shutdown() {
	drained := 0
	for {
		req, ok := d.queue.TryDequeue()
		if !ok {
			break
		}
		req.Reply <- Grant{Err: ErrShutdown}
		drained++
	}
	if drained > 0 {
		d.logger.Info("drained queue on shutdown", slog.Int("requests", drained))
	}
}
