// Copyright Nexus Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package lifecycle orchestrates model load, unload and migrate operations
// on backends that support them. Every operation claims the backend's
// operation slot before touching the agent, so two concurrent requests can
// never both mutate the same runtime.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nexus-llm/nexus/internal/agent"
	"github.com/nexus-llm/nexus/internal/config"
	"github.com/nexus-llm/nexus/internal/metrics"
	"github.com/nexus-llm/nexus/internal/registry"
)

// usageTimeout bounds the resource-usage probe ahead of an admission
// decision; it must stay far below the operation timeout.
const usageTimeout = 5 * time.Second

// ErrSameBackend rejects a migration whose source and target coincide.
var ErrSameBackend = errors.New("source and target backends are identical")

// VRAMError rejects an operation that would overfill accelerator memory.
// Exactly one of RequiredBytes or MaxBytes is set, depending on whether the
// runtime reported its total capacity.
type VRAMError struct {
	BackendID     string
	FreeBytes     uint64
	RequiredBytes uint64
	UsedBytes     uint64
	MaxBytes      uint64
}

func (e *VRAMError) Error() string {
	if e.RequiredBytes > 0 {
		return fmt.Sprintf("insufficient vram on %s: %d bytes free, %d required", e.BackendID, e.FreeBytes, e.RequiredBytes)
	}
	return fmt.Sprintf("insufficient vram on %s: %d bytes in use exceeds the %d byte cap", e.BackendID, e.UsedBytes, e.MaxBytes)
}

// ModelNotLoadedError reports an unload or migrate naming a model the
// backend does not advertise.
type ModelNotLoadedError struct {
	BackendID string
	Model     string
}

func (e *ModelNotLoadedError) Error() string {
	return fmt.Sprintf("model %q is not loaded on backend %q", e.Model, e.BackendID)
}

// BusyError rejects an unload while requests are still in flight.
type BusyError struct {
	BackendID string
	Pending   int32
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("backend %q has %d requests in flight", e.BackendID, e.Pending)
}

// Manager runs lifecycle operations against the registry.
type Manager struct {
	logger            *slog.Logger
	registry          *registry.Registry
	timeout           time.Duration
	headroomPct       float64
	bufferPct         float64
	heuristicMaxBytes uint64
	metrics           metrics.GatewayMetrics
}

// NewManager builds a manager. Metrics may be nil.
func NewManager(logger *slog.Logger, reg *registry.Registry, cfg config.LifecycleConfig, m metrics.GatewayMetrics) *Manager {
	return &Manager{
		logger:            logger,
		registry:          reg,
		timeout:           cfg.Timeout(),
		headroomPct:       cfg.VRAMHeadroomPercent,
		bufferPct:         cfg.VRAMBufferPercent,
		heuristicMaxBytes: uint64(cfg.VRAMHeuristicMaxGB * float64(1<<30)),
		metrics:           m,
	}
}

// Load brings model into memory on the given backend and advertises it on
// success. The returned operation is terminal.
func (m *Manager) Load(ctx context.Context, model, backendID string) (*registry.LifecycleOperation, error) {
	b, ok := m.registry.Get(backendID)
	if !ok {
		return nil, fmt.Errorf("backend %q: %w", backendID, registry.ErrNotFound)
	}
	if !b.Agent().Profile().Capabilities.Has(agent.CapabilityLoadModel) {
		return nil, agent.Unsupported("load_model")
	}
	if err := m.admitVRAM(ctx, b, m.headroomPct); err != nil {
		return nil, err
	}

	op := newOperation(registry.OperationLoad, model, "", backendID)
	if err := b.BeginOperation(op); err != nil {
		return nil, err
	}

	loadCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	if err := b.Agent().LoadModel(loadCtx, model); err != nil {
		m.logger.Error("model load failed",
			slog.String("backend", backendID),
			slog.String("model", model),
			slog.String("error", err.Error()))
		m.record(ctx, registry.OperationLoad, false)
		return finish(b, op, registry.OperationFailed, err.Error()),
			fmt.Errorf("cannot load %s on %s: %w", model, backendID, err)
	}

	b.AddModel(agent.ModelCapability{ID: model, Name: model})
	m.logger.Info("model loaded",
		slog.String("backend", backendID),
		slog.String("model", model),
		slog.String("operation", op.ID))
	m.record(ctx, registry.OperationLoad, true)
	return finish(b, op, registry.OperationCompleted, ""), nil
}

// Unload evicts model from the backend and stops advertising it. It refuses
// while requests are in flight. The returned byte count is the VRAM the
// runtime reports free afterwards, zero when it cannot say.
func (m *Manager) Unload(ctx context.Context, model, backendID string) (*registry.LifecycleOperation, uint64, error) {
	b, ok := m.registry.Get(backendID)
	if !ok {
		return nil, 0, fmt.Errorf("backend %q: %w", backendID, registry.ErrNotFound)
	}
	if !b.Agent().Profile().Capabilities.Has(agent.CapabilityUnloadModel) {
		return nil, 0, agent.Unsupported("unload_model")
	}
	if v := b.View(); !v.HasModel(model) {
		return nil, 0, &ModelNotLoadedError{BackendID: backendID, Model: model}
	}
	if pending := b.Pending(); pending > 0 {
		return nil, 0, &BusyError{BackendID: backendID, Pending: pending}
	}

	op := newOperation(registry.OperationUnload, model, "", backendID)
	if err := b.BeginOperation(op); err != nil {
		return nil, 0, err
	}

	unloadCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	if err := b.Agent().UnloadModel(unloadCtx, model); err != nil {
		m.logger.Error("model unload failed",
			slog.String("backend", backendID),
			slog.String("model", model),
			slog.String("error", err.Error()))
		m.record(ctx, registry.OperationUnload, false)
		return finish(b, op, registry.OperationFailed, err.Error()), 0,
			fmt.Errorf("cannot unload %s on %s: %w", model, backendID, err)
	}

	b.RemoveModel(model)
	m.logger.Info("model unloaded",
		slog.String("backend", backendID),
		slog.String("model", model),
		slog.String("operation", op.ID))
	m.record(ctx, registry.OperationUnload, true)
	return finish(b, op, registry.OperationCompleted, ""), m.freeBytes(ctx, b), nil
}

// Migrate copies model from src to dst by loading it on dst. Both backends
// carry an operation for the duration so neither accepts a competing
// mutation; src keeps serving throughout, and unloading it afterwards is a
// separate operator action.
func (m *Manager) Migrate(ctx context.Context, model, srcID, dstID string) (srcOp, dstOp *registry.LifecycleOperation, err error) {
	if srcID == dstID {
		return nil, nil, ErrSameBackend
	}
	src, ok := m.registry.Get(srcID)
	if !ok {
		return nil, nil, fmt.Errorf("backend %q: %w", srcID, registry.ErrNotFound)
	}
	dst, ok := m.registry.Get(dstID)
	if !ok {
		return nil, nil, fmt.Errorf("backend %q: %w", dstID, registry.ErrNotFound)
	}
	if v := src.View(); !v.HasModel(model) {
		return nil, nil, &ModelNotLoadedError{BackendID: srcID, Model: model}
	}
	if !dst.Agent().Profile().Capabilities.Has(agent.CapabilityLoadModel) {
		return nil, nil, agent.Unsupported("load_model")
	}
	// The copy briefly doubles the model's footprint across the fleet, so
	// the target admission adds the configured buffer on top of the usual
	// headroom.
	if err := m.admitVRAM(ctx, dst, m.headroomPct+m.bufferPct); err != nil {
		return nil, nil, err
	}

	so := newOperation(registry.OperationMigrate, model, srcID, dstID)
	do := newOperation(registry.OperationLoad, model, srcID, dstID)
	if err := src.BeginOperation(so); err != nil {
		return nil, nil, err
	}
	if err := dst.BeginOperation(do); err != nil {
		finish(src, so, registry.OperationFailed, "migration aborted: target backend busy")
		return nil, nil, err
	}

	loadCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	if err := dst.Agent().LoadModel(loadCtx, model); err != nil {
		m.logger.Error("model migration failed",
			slog.String("model", model),
			slog.String("source", srcID),
			slog.String("target", dstID),
			slog.String("error", err.Error()))
		m.record(ctx, registry.OperationMigrate, false)
		srcOp = finish(src, so, registry.OperationFailed, err.Error())
		dstOp = finish(dst, do, registry.OperationFailed, err.Error())
		return srcOp, dstOp, fmt.Errorf("cannot migrate %s from %s to %s: %w", model, srcID, dstID, err)
	}

	dst.AddModel(agent.ModelCapability{ID: model, Name: model})
	m.logger.Info("model migrated",
		slog.String("model", model),
		slog.String("source", srcID),
		slog.String("target", dstID),
		slog.String("operation", so.ID))
	m.record(ctx, registry.OperationMigrate, true)
	return finish(src, so, registry.OperationCompleted, ""),
		finish(dst, do, registry.OperationCompleted, ""), nil
}

// admitVRAM rejects the operation when the backend's accelerator memory
// leaves less than marginPct of total capacity free. Backends without
// resource monitoring are admitted; a failed probe admits with a warning
// rather than blocking operators on a flaky stats endpoint.
func (m *Manager) admitVRAM(ctx context.Context, b *registry.Backend, marginPct float64) error {
	if !b.Agent().Profile().Capabilities.Has(agent.CapabilityResourceUsage) {
		return nil
	}
	usageCtx, cancel := context.WithTimeout(ctx, usageTimeout)
	defer cancel()
	usage, err := b.Agent().ResourceUsage(usageCtx)
	if err != nil {
		m.logger.Warn("cannot read resource usage, admitting operation",
			slog.String("backend", b.ID()),
			slog.String("error", err.Error()))
		return nil
	}
	if usage.TotalBytes > 0 {
		required := uint64(float64(usage.TotalBytes) * marginPct / 100)
		if usage.FreeBytes < required {
			return &VRAMError{BackendID: b.ID(), FreeBytes: usage.FreeBytes, RequiredBytes: required}
		}
		return nil
	}
	if usage.UsedBytes > m.heuristicMaxBytes {
		return &VRAMError{BackendID: b.ID(), UsedBytes: usage.UsedBytes, MaxBytes: m.heuristicMaxBytes}
	}
	return nil
}

// freeBytes reports post-operation free memory, best effort.
func (m *Manager) freeBytes(ctx context.Context, b *registry.Backend) uint64 {
	if !b.Agent().Profile().Capabilities.Has(agent.CapabilityResourceUsage) {
		return 0
	}
	usageCtx, cancel := context.WithTimeout(ctx, usageTimeout)
	defer cancel()
	usage, err := b.Agent().ResourceUsage(usageCtx)
	if err != nil {
		return 0
	}
	return usage.FreeBytes
}

func (m *Manager) record(ctx context.Context, op registry.OperationType, succeeded bool) {
	if m.metrics != nil {
		m.metrics.RecordLifecycleOperation(ctx, string(op), succeeded)
	}
}

func newOperation(t registry.OperationType, model, srcID, dstID string) *registry.LifecycleOperation {
	return &registry.LifecycleOperation{
		ID:            uuid.NewString(),
		Type:          t,
		Model:         model,
		SourceBackend: srcID,
		TargetBackend: dstID,
		Status:        registry.OperationInProgress,
		StartedAt:     time.Now(),
	}
}

// finish marks the registry's record terminal and returns a matching copy
// for the caller's response, untouched by whatever operation replaces it.
func finish(b *registry.Backend, op *registry.LifecycleOperation, status registry.OperationStatus, detail string) *registry.LifecycleOperation {
	b.FinishOperation(op.ID, status, detail)
	out := *op
	out.Status = status
	out.CompletedAt = time.Now()
	out.Error = detail
	if status == registry.OperationCompleted {
		out.Progress = 100
	}
	return &out
}
