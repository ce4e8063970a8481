// Copyright Nexus Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package registry

import (
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-llm/nexus/internal/agent"
)

// Status is the health state of a backend.
type Status string

const (
	// StatusUnknown applies between registration and the first probe.
	StatusUnknown Status = "unknown"
	StatusHealthy Status = "healthy"
	// StatusUnhealthy requires consecutive probe failures; see the health
	// checker's thresholds.
	StatusUnhealthy Status = "unhealthy"
	// StatusDraining excludes a backend from new work while in-flight
	// requests finish.
	StatusDraining Status = "draining"
)

// Source records how a backend entered the registry.
type Source string

const (
	SourceStatic Source = "static"
	SourceMDNS   Source = "mdns"
	SourceManual Source = "manual"
)

// OperationType is a lifecycle operation flavor.
type OperationType string

const (
	OperationLoad    OperationType = "load"
	OperationUnload  OperationType = "unload"
	OperationMigrate OperationType = "migrate"
)

// OperationStatus is the lifecycle operation state machine.
type OperationStatus string

const (
	OperationInProgress OperationStatus = "in_progress"
	OperationCompleted  OperationStatus = "completed"
	OperationFailed     OperationStatus = "failed"
)

// LifecycleOperation tracks one model load, unload or migration leg on a
// backend. At most one non-terminal operation exists per backend.
type LifecycleOperation struct {
	ID   string        `json:"id"`
	Type OperationType `json:"type"`
	// Model is the model being moved.
	Model string `json:"model"`
	// SourceBackend is set for migrations only.
	SourceBackend string          `json:"source_backend,omitempty"`
	TargetBackend string          `json:"target_backend"`
	Status        OperationStatus `json:"status"`
	// Progress is a percentage; blocking agent calls jump 0 to 100.
	Progress    int       `json:"progress"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
	Error       string    `json:"error,omitempty"`
}

// Terminal reports whether the operation has finished, in either direction.
func (o *LifecycleOperation) Terminal() bool { return o.Status != OperationInProgress }

// Backend is the registry's mutable record for one inference server.
// Structural fields sit behind the mutex; the request counters are atomics
// because the data path touches them on every request.
type Backend struct {
	id       string
	name     string
	url      string
	agent    agent.Agent
	priority int
	source   Source

	mu           sync.RWMutex
	status       Status
	statusDetail string
	models       []agent.ModelCapability
	operation    *LifecycleOperation
	metadata     map[string]string

	pending      atomic.Int32
	total        atomic.Uint64
	avgLatencyMS atomic.Uint32
}

func newBackend(spec Spec, ag agent.Agent) *Backend {
	return &Backend{
		id:       spec.ID,
		name:     spec.Name,
		url:      spec.URL,
		agent:    ag,
		priority: spec.Priority,
		source:   spec.Source,
		status:   StatusUnknown,
		metadata: maps.Clone(spec.Metadata),
	}
}

func (b *Backend) ID() string         { return b.id }
func (b *Backend) URL() string        { return b.url }
func (b *Backend) Agent() agent.Agent { return b.agent }

// SetStatus transitions the health state. Detail explains unhealthy states
// and is cleared otherwise.
func (b *Backend) SetStatus(s Status, detail string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = s
	if s == StatusHealthy {
		detail = ""
	}
	b.statusDetail = detail
}

func (b *Backend) Status() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}

// SetModels replaces the advertised model list, keeping the slice private.
func (b *Backend) SetModels(models []agent.ModelCapability) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.models = slices.Clone(models)
}

// AddModel inserts a model after a successful load so routing can see it
// before the next discovery refresh.
func (b *Backend) AddModel(mc agent.ModelCapability) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range b.models {
		if m.ID == mc.ID {
			return
		}
	}
	b.models = append(b.models, mc)
}

// RemoveModel drops a model after a successful unload.
func (b *Backend) RemoveModel(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.models = slices.DeleteFunc(b.models, func(m agent.ModelCapability) bool { return m.ID == id })
}

// BeginOperation installs op as the backend's current operation. It fails
// while a non-terminal operation exists; the check and the install happen
// under one lock so two concurrent lifecycle calls cannot both win.
func (b *Backend) BeginOperation(op *LifecycleOperation) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur := b.operation; cur != nil && !cur.Terminal() {
		return &OperationConflictError{Existing: *cur}
	}
	cp := *op
	b.operation = &cp
	return nil
}

// FinishOperation moves the current operation with the given id to a
// terminal status. Unknown ids are ignored; the operation may have been
// replaced already.
func (b *Backend) FinishOperation(id string, status OperationStatus, errDetail string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.operation == nil || b.operation.ID != id {
		return
	}
	b.operation.Status = status
	b.operation.CompletedAt = time.Now()
	b.operation.Error = errDetail
	if status == OperationCompleted {
		b.operation.Progress = 100
	}
}

// OperationConflictError reports a lifecycle request racing an in-flight
// operation on the same backend.
type OperationConflictError struct {
	Existing LifecycleOperation
}

func (e *OperationConflictError) Error() string {
	return fmt.Sprintf("operation %s (%s %s) already in progress", e.Existing.ID, e.Existing.Type, e.Existing.Model)
}

// IncrementPending marks a request in flight.
func (b *Backend) IncrementPending() { b.pending.Add(1) }

// DecrementPending releases a request slot, saturating at zero so an
// unbalanced release never wraps the gauge negative.
func (b *Backend) DecrementPending() {
	for {
		cur := b.pending.Load()
		if cur <= 0 {
			return
		}
		if b.pending.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// Pending returns the in-flight request count.
func (b *Backend) Pending() int32 { return b.pending.Load() }

// RecordRequest bumps the lifetime request counter.
func (b *Backend) RecordRequest() { b.total.Add(1) }

// RecordLatency folds an observed request latency into the rolling average
// with a 1/4 EWMA, cheap enough for the hot path and responsive enough for
// scheduling.
func (b *Backend) RecordLatency(d time.Duration) {
	ms := uint32(min(d.Milliseconds(), int64(^uint32(0))))
	for {
		cur := b.avgLatencyMS.Load()
		next := ms
		if cur != 0 {
			next = (3*cur + ms) / 4
		}
		if b.avgLatencyMS.CompareAndSwap(cur, next) {
			return
		}
	}
}

// View is an immutable snapshot of a backend, safe to hold across a routing
// decision without touching the registry again.
type View struct {
	ID           string
	Name         string
	URL          string
	Kind         agent.BackendKind
	Zone         agent.PrivacyZone
	Tier         int
	Capabilities agent.Capability
	Status       Status
	StatusDetail string
	Priority     int
	Source       Source
	Models       []agent.ModelCapability
	Metadata     map[string]string
	Operation    *LifecycleOperation

	Pending       int32
	TotalRequests uint64
	AvgLatencyMS  uint32
}

// View materializes the snapshot.
func (b *Backend) View() View {
	profile := b.agent.Profile()
	b.mu.RLock()
	defer b.mu.RUnlock()
	v := View{
		ID:           b.id,
		Name:         b.name,
		URL:          b.url,
		Kind:         profile.Kind,
		Zone:         profile.Zone,
		Tier:         profile.Tier,
		Capabilities: profile.Capabilities,
		Status:       b.status,
		StatusDetail: b.statusDetail,
		Priority:     b.priority,
		Source:       b.source,
		Models:       slices.Clone(b.models),
		Metadata:     maps.Clone(b.metadata),

		Pending:       b.pending.Load(),
		TotalRequests: b.total.Load(),
		AvgLatencyMS:  b.avgLatencyMS.Load(),
	}
	if b.operation != nil {
		op := *b.operation
		v.Operation = &op
	}
	return v
}

// HasModel reports whether the backend advertises the model.
func (v View) HasModel(id string) bool {
	_, ok := v.Model(id)
	return ok
}

// Model looks up an advertised model by id.
func (v View) Model(id string) (agent.ModelCapability, bool) {
	for _, m := range v.Models {
		if m.ID == id {
			return m, true
		}
	}
	return agent.ModelCapability{}, false
}

// Routable reports whether new requests may target the backend: it must be
// healthy and not in the middle of loading a model, which saturates local
// runtimes enough to wreck latency for everything else. Migrations do not
// exclude; the source keeps serving until the copy lands.
func (v View) Routable() bool {
	if v.Status != StatusHealthy {
		return false
	}
	if op := v.Operation; op != nil && op.Type == OperationLoad && !op.Terminal() {
		return false
	}
	return true
}
