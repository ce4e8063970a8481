// Copyright Nexus Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package queue parks requests that no backend currently has capacity for
// and retries them as load drains. Two bounded channels split High from
// Normal priority; a shared depth counter keeps the pair under one bound.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nexus-llm/nexus/internal/config"
	"github.com/nexus-llm/nexus/internal/router"
)

// Priority classes a queued request. High drains strictly before Normal.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
)

// ParsePriority maps the X-Priority header value; anything but "high" is
// Normal.
func ParsePriority(s string) Priority {
	if s == string(PriorityHigh) {
		return PriorityHigh
	}
	return PriorityNormal
}

var (
	// ErrTimeout reports a request that waited past max_wait_seconds.
	ErrTimeout = errors.New("timed out waiting for backend capacity")
	// ErrShutdown reports a request drained because the gateway is
	// stopping.
	ErrShutdown = errors.New("gateway shutting down")
)

// FullError rejects an enqueue that would exceed the shared bound.
type FullError struct {
	Max int
}

func (e *FullError) Error() string {
	return fmt.Sprintf("queue full: %d requests already waiting", e.Max)
}

// Grant is the drainer's one-shot answer to a parked request: a routing
// decision or a terminal error.
type Grant struct {
	Result *router.Result
	Err    error
}

// Request is one parked routing attempt. The handler that enqueued it
// blocks on Reply; the drainer sends exactly one Grant there.
type Request struct {
	ID           string
	Requirements router.Requirements
	TierMode     router.TierMode
	Priority     Priority
	EnqueuedAt   time.Time
	// Ctx is the caller's request context; the drainer drops entries whose
	// caller already gave up.
	Ctx   context.Context
	Reply chan Grant
}

// NewRequest builds a parked request with a buffered reply channel so the
// drainer never blocks on a caller that stopped listening.
func NewRequest(ctx context.Context, reqs router.Requirements, mode router.TierMode, prio Priority) *Request {
	return &Request{
		ID:           uuid.NewString(),
		Requirements: reqs,
		TierMode:     mode,
		Priority:     prio,
		Ctx:          ctx,
		Reply:        make(chan Grant, 1),
	}
}

// Queue is the bounded two-priority holding area.
type Queue struct {
	logger  *slog.Logger
	maxSize int
	maxWait time.Duration

	high   chan *Request
	normal chan *Request
	depth  atomic.Int64
}

// New sizes both channels to cfg.MaxSize. The shared depth counter, not the
// per-channel capacity, enforces the bound.
func New(logger *slog.Logger, cfg config.QueueConfig) *Queue {
	return &Queue{
		logger:  logger,
		maxSize: cfg.MaxSize,
		maxWait: cfg.MaxWait(),
		high:    make(chan *Request, cfg.MaxSize),
		normal:  make(chan *Request, cfg.MaxSize),
	}
}

// Enqueue parks req, claiming a depth slot first so the two channels never
// hold more than maxSize together. A zero EnqueuedAt is stamped now;
// re-enqueued requests keep their original stamp so their wait budget keeps
// running.
func (q *Queue) Enqueue(req *Request) error {
	for {
		cur := q.depth.Load()
		if cur >= int64(q.maxSize) {
			return &FullError{Max: q.maxSize}
		}
		if q.depth.CompareAndSwap(cur, cur+1) {
			break
		}
	}
	if req.EnqueuedAt.IsZero() {
		req.EnqueuedAt = time.Now()
	}
	switch req.Priority {
	case PriorityHigh:
		q.high <- req
	default:
		q.normal <- req
	}
	q.logger.Debug("queued request",
		slog.String("request", req.ID),
		slog.String("model", req.Requirements.Model),
		slog.String("priority", string(req.Priority)),
		slog.Int64("depth", q.depth.Load()))
	return nil
}

// TryDequeue pops the oldest High request, falling back to Normal. It never
// blocks.
func (q *Queue) TryDequeue() (*Request, bool) {
	select {
	case req := <-q.high:
		q.depth.Add(-1)
		return req, true
	default:
	}
	select {
	case req := <-q.normal:
		q.depth.Add(-1)
		return req, true
	default:
		return nil, false
	}
}

// Depth returns the number of parked requests.
func (q *Queue) Depth() int64 {
	return q.depth.Load()
}

// MaxWait returns the per-request wait budget.
func (q *Queue) MaxWait() time.Duration {
	return q.maxWait
}
