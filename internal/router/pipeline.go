// Copyright Nexus Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package router

import (
	"context"
	"fmt"
	"log/slog"
)

// failClosedError marks a pipeline aborted by a fail-closed reconciler.
type failClosedError struct {
	reconciler string
	err        error
}

func (e *failClosedError) Error() string {
	return fmt.Sprintf("reconciler %s failed: %v", e.reconciler, e.err)
}

func (e *failClosedError) Unwrap() error { return e.err }

// pipeline runs the reconcilers in construction order, sequentially, on one
// shared intent. Order is fixed at construction and is part of the routing
// semantics.
type pipeline struct {
	logger      *slog.Logger
	reconcilers []Reconciler
}

func (p *pipeline) run(ctx context.Context, intent *Intent) error {
	for _, rec := range p.reconcilers {
		err := rec.Reconcile(ctx, intent)
		if err == nil {
			continue
		}
		if rec.FailureMode() == FailClosed {
			p.logger.Error("reconciler failed, rejecting request",
				slog.String("reconciler", rec.Name()),
				slog.String("model", intent.RequestedModel),
				slog.String("error", err.Error()))
			return &failClosedError{reconciler: rec.Name(), err: err}
		}
		p.logger.Warn("reconciler failed, continuing without its constraints",
			slog.String("reconciler", rec.Name()),
			slog.String("model", intent.RequestedModel),
			slog.String("error", err.Error()))
	}
	return nil
}
