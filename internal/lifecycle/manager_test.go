// Copyright Nexus Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package lifecycle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/nexus-llm/nexus/internal/agent"
	"github.com/nexus-llm/nexus/internal/agent/agenttest"
	"github.com/nexus-llm/nexus/internal/config"
	"github.com/nexus-llm/nexus/internal/metrics"
	"github.com/nexus-llm/nexus/internal/registry"
	"github.com/nexus-llm/nexus/internal/testing/testotel"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

func testConfig() config.LifecycleConfig {
	return config.LifecycleConfig{
		TimeoutMS:           5000,
		VRAMHeadroomPercent: 20,
		VRAMBufferPercent:   10,
		VRAMHeuristicMaxGB:  20,
	}
}

func addBackend(t *testing.T, reg *registry.Registry, id string, fake *agenttest.Fake, models ...string) *registry.Backend {
	t.Helper()
	b, err := reg.Add(registry.Spec{ID: id, Name: id, URL: "http://" + id + ":11434"}, fake)
	require.NoError(t, err)
	mcs := make([]agent.ModelCapability, 0, len(models))
	for _, m := range models {
		mcs = append(mcs, agent.ModelCapability{ID: m, Name: m})
	}
	b.SetModels(mcs)
	b.SetStatus(registry.StatusHealthy, "")
	return b
}

func newManager(reg *registry.Registry) *Manager {
	return NewManager(testLogger(), reg, testConfig(), nil)
}

func TestLoadCompletesAndAdvertisesModel(t *testing.T) {
	reg := registry.New(testLogger())
	fake := &agenttest.Fake{Capabilities: agent.CapabilityLoadModel}
	b := addBackend(t, reg, "b1", fake)

	op, err := newManager(reg).Load(t.Context(), "llama3.2", "b1")
	require.NoError(t, err)
	require.Equal(t, registry.OperationLoad, op.Type)
	require.Equal(t, registry.OperationCompleted, op.Status)
	require.Equal(t, 100, op.Progress)
	require.Equal(t, "b1", op.TargetBackend)
	require.NotEmpty(t, op.ID)
	require.False(t, op.CompletedAt.IsZero())

	require.True(t, b.View().HasModel("llama3.2"))
	require.Equal(t, []string{"llama3.2"}, fake.Loaded())

	recorded := b.View().Operation
	require.NotNil(t, recorded)
	require.Equal(t, op.ID, recorded.ID)
	require.Equal(t, registry.OperationCompleted, recorded.Status)
}

func TestLoadUnknownBackend(t *testing.T) {
	reg := registry.New(testLogger())
	_, err := newManager(reg).Load(t.Context(), "llama3.2", "nope")
	require.ErrorIs(t, err, registry.ErrNotFound)
}

func TestLoadUnsupportedBackend(t *testing.T) {
	reg := registry.New(testLogger())
	addBackend(t, reg, "b1", &agenttest.Fake{})

	_, err := newManager(reg).Load(t.Context(), "llama3.2", "b1")
	ae, ok := agent.AsError(err)
	require.True(t, ok)
	require.Equal(t, agent.ErrorKindUnsupported, ae.Kind)
}

func TestLoadConflictReportsExistingOperation(t *testing.T) {
	reg := registry.New(testLogger())
	started := make(chan struct{})
	gate := make(chan struct{})
	fake := &agenttest.Fake{
		Capabilities: agent.CapabilityLoadModel,
		OnLoad: func(context.Context, string) error {
			close(started)
			<-gate
			return nil
		},
	}
	addBackend(t, reg, "b1", fake)
	mgr := newManager(reg)

	type loadResult struct {
		op  *registry.LifecycleOperation
		err error
	}
	first := make(chan loadResult, 1)
	go func() {
		op, err := mgr.Load(context.Background(), "llama3.2", "b1")
		first <- loadResult{op, err}
	}()
	<-started

	_, err := mgr.Load(t.Context(), "qwen2.5", "b1")
	var conflict *registry.OperationConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, registry.OperationLoad, conflict.Existing.Type)
	require.Equal(t, "llama3.2", conflict.Existing.Model)

	close(gate)
	res := <-first
	require.NoError(t, res.err)
	require.Equal(t, res.op.ID, conflict.Existing.ID, "the 409 names the operation that held the slot")
}

func TestLoadVRAMAdmissionRejects(t *testing.T) {
	reg := registry.New(testLogger())
	fake := &agenttest.Fake{
		Capabilities: agent.CapabilityLoadModel | agent.CapabilityResourceUsage,
		OnResourceUsage: func(context.Context) (agent.ResourceUsage, error) {
			return agent.ResourceUsage{TotalBytes: 16 << 30, UsedBytes: 15 << 30, FreeBytes: 1 << 30}, nil
		},
	}
	addBackend(t, reg, "b1", fake)

	_, err := newManager(reg).Load(t.Context(), "llama3.2", "b1")
	var vram *VRAMError
	require.ErrorAs(t, err, &vram)
	require.Equal(t, "b1", vram.BackendID)
	require.EqualValues(t, 1<<30, vram.FreeBytes)
	// 20% headroom of 16 GiB.
	headroom := float64(16<<30) * 20 / 100
	require.EqualValues(t, uint64(headroom), vram.RequiredBytes)
	require.Empty(t, fake.Loaded())
}

func TestLoadVRAMHeuristicWhenTotalUnknown(t *testing.T) {
	reg := registry.New(testLogger())
	used := uint64(25) << 30
	fake := &agenttest.Fake{
		Capabilities: agent.CapabilityLoadModel | agent.CapabilityResourceUsage,
		OnResourceUsage: func(context.Context) (agent.ResourceUsage, error) {
			return agent.ResourceUsage{UsedBytes: used}, nil
		},
	}
	addBackend(t, reg, "b1", fake)
	mgr := newManager(reg)

	_, err := mgr.Load(t.Context(), "llama3.2", "b1")
	var vram *VRAMError
	require.ErrorAs(t, err, &vram)
	require.EqualValues(t, 25<<30, vram.UsedBytes)
	require.EqualValues(t, 20<<30, vram.MaxBytes)

	used = 10 << 30
	_, err = mgr.Load(t.Context(), "llama3.2", "b1")
	require.NoError(t, err, "usage under the cap admits when total is unreported")
}

func TestLoadAdmitsWhenUsageProbeFails(t *testing.T) {
	reg := registry.New(testLogger())
	fake := &agenttest.Fake{
		Capabilities: agent.CapabilityLoadModel | agent.CapabilityResourceUsage,
		OnResourceUsage: func(context.Context) (agent.ResourceUsage, error) {
			return agent.ResourceUsage{}, errors.New("stats endpoint down")
		},
	}
	addBackend(t, reg, "b1", fake)

	_, err := newManager(reg).Load(t.Context(), "llama3.2", "b1")
	require.NoError(t, err)
}

func TestLoadAgentFailureMarksOperationFailed(t *testing.T) {
	reg := registry.New(testLogger())
	fake := &agenttest.Fake{
		Capabilities: agent.CapabilityLoadModel,
		OnLoad: func(context.Context, string) error {
			return &agent.Error{Kind: agent.ErrorKindUpstream, Op: "load_model", StatusCode: 500}
		},
	}
	b := addBackend(t, reg, "b1", fake)

	op, err := newManager(reg).Load(t.Context(), "llama3.2", "b1")
	require.Error(t, err)
	ae, ok := agent.AsError(err)
	require.True(t, ok)
	require.Equal(t, agent.ErrorKindUpstream, ae.Kind)

	require.Equal(t, registry.OperationFailed, op.Status)
	require.NotEmpty(t, op.Error)
	require.False(t, b.View().HasModel("llama3.2"))
	require.Equal(t, registry.OperationFailed, b.View().Operation.Status)
}

func TestLoadAllowedAfterTerminalOperation(t *testing.T) {
	reg := registry.New(testLogger())
	fake := &agenttest.Fake{Capabilities: agent.CapabilityLoadModel}
	addBackend(t, reg, "b1", fake)
	mgr := newManager(reg)

	_, err := mgr.Load(t.Context(), "llama3.2", "b1")
	require.NoError(t, err)
	_, err = mgr.Load(t.Context(), "qwen2.5", "b1")
	require.NoError(t, err, "a finished operation frees the slot")
	require.Equal(t, []string{"llama3.2", "qwen2.5"}, fake.Loaded())
}

func TestUnloadRemovesModelAndReportsFreeVRAM(t *testing.T) {
	reg := registry.New(testLogger())
	fake := &agenttest.Fake{
		Capabilities: agent.CapabilityUnloadModel | agent.CapabilityResourceUsage,
	}
	b := addBackend(t, reg, "b1", fake, "llama3.2")

	op, free, err := newManager(reg).Unload(t.Context(), "llama3.2", "b1")
	require.NoError(t, err)
	require.Equal(t, registry.OperationUnload, op.Type)
	require.Equal(t, registry.OperationCompleted, op.Status)
	require.EqualValues(t, 12<<30, free, "free bytes come from the post-unload usage probe")
	require.False(t, b.View().HasModel("llama3.2"))
	require.Equal(t, []string{"llama3.2"}, fake.Unloaded())
}

func TestUnloadRejectsUnknownModel(t *testing.T) {
	reg := registry.New(testLogger())
	addBackend(t, reg, "b1", &agenttest.Fake{Capabilities: agent.CapabilityUnloadModel})

	_, _, err := newManager(reg).Unload(t.Context(), "llama3.2", "b1")
	var notLoaded *ModelNotLoadedError
	require.ErrorAs(t, err, &notLoaded)
	require.Equal(t, "llama3.2", notLoaded.Model)
}

func TestUnloadRejectsWithRequestsInFlight(t *testing.T) {
	reg := registry.New(testLogger())
	fake := &agenttest.Fake{Capabilities: agent.CapabilityUnloadModel}
	b := addBackend(t, reg, "b1", fake, "llama3.2")
	b.IncrementPending()

	_, _, err := newManager(reg).Unload(t.Context(), "llama3.2", "b1")
	var busy *BusyError
	require.ErrorAs(t, err, &busy)
	require.EqualValues(t, 1, busy.Pending)
	require.True(t, b.View().HasModel("llama3.2"), "a refused unload changes nothing")
	require.Empty(t, fake.Unloaded())
}

func TestMigrateCopiesModelKeepingSourceServing(t *testing.T) {
	reg := registry.New(testLogger())
	srcFake := &agenttest.Fake{}
	dstFake := &agenttest.Fake{Capabilities: agent.CapabilityLoadModel}
	src := addBackend(t, reg, "src", srcFake, "llama3.2")
	dst := addBackend(t, reg, "dst", dstFake)

	srcOp, dstOp, err := newManager(reg).Migrate(t.Context(), "llama3.2", "src", "dst")
	require.NoError(t, err)

	require.Equal(t, registry.OperationMigrate, srcOp.Type)
	require.Equal(t, registry.OperationLoad, dstOp.Type)
	require.Equal(t, registry.OperationCompleted, srcOp.Status)
	require.Equal(t, registry.OperationCompleted, dstOp.Status)
	require.Equal(t, "src", srcOp.SourceBackend)
	require.Equal(t, "dst", srcOp.TargetBackend)
	require.NotEqual(t, srcOp.ID, dstOp.ID)

	require.True(t, dst.View().HasModel("llama3.2"))
	require.True(t, src.View().HasModel("llama3.2"), "migration never unloads the source")
	require.Equal(t, []string{"llama3.2"}, dstFake.Loaded())

	srcView := src.View()
	require.True(t, srcView.Routable(), "a migrate operation keeps the source routable")
}

func TestMigrateSameBackend(t *testing.T) {
	reg := registry.New(testLogger())
	addBackend(t, reg, "b1", &agenttest.Fake{Capabilities: agent.CapabilityLoadModel}, "llama3.2")

	_, _, err := newManager(reg).Migrate(t.Context(), "llama3.2", "b1", "b1")
	require.ErrorIs(t, err, ErrSameBackend)
}

func TestMigrateModelMissingOnSource(t *testing.T) {
	reg := registry.New(testLogger())
	addBackend(t, reg, "src", &agenttest.Fake{})
	addBackend(t, reg, "dst", &agenttest.Fake{Capabilities: agent.CapabilityLoadModel})

	_, _, err := newManager(reg).Migrate(t.Context(), "llama3.2", "src", "dst")
	var notLoaded *ModelNotLoadedError
	require.ErrorAs(t, err, &notLoaded)
	require.Equal(t, "src", notLoaded.BackendID)
}

func TestMigrateTargetBusyRollsBackSource(t *testing.T) {
	reg := registry.New(testLogger())
	src := addBackend(t, reg, "src", &agenttest.Fake{}, "llama3.2")
	dst := addBackend(t, reg, "dst", &agenttest.Fake{Capabilities: agent.CapabilityLoadModel})
	require.NoError(t, dst.BeginOperation(&registry.LifecycleOperation{
		ID: "busy", Type: registry.OperationLoad, Model: "other",
		TargetBackend: "dst", Status: registry.OperationInProgress,
	}))

	_, _, err := newManager(reg).Migrate(t.Context(), "llama3.2", "src", "dst")
	var conflict *registry.OperationConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, "busy", conflict.Existing.ID)

	srcOp := src.View().Operation
	require.NotNil(t, srcOp)
	require.True(t, srcOp.Terminal(), "the source leg must not stay stuck in progress")
	require.Equal(t, registry.OperationFailed, srcOp.Status)
}

func TestMigrateLoadFailureClearsBothLegs(t *testing.T) {
	reg := registry.New(testLogger())
	src := addBackend(t, reg, "src", &agenttest.Fake{}, "llama3.2")
	dstFake := &agenttest.Fake{
		Capabilities: agent.CapabilityLoadModel,
		OnLoad: func(context.Context, string) error {
			return &agent.Error{Kind: agent.ErrorKindTimeout, Op: "load_model"}
		},
	}
	dst := addBackend(t, reg, "dst", dstFake)

	srcOp, dstOp, err := newManager(reg).Migrate(t.Context(), "llama3.2", "src", "dst")
	require.Error(t, err)
	require.Equal(t, registry.OperationFailed, srcOp.Status)
	require.Equal(t, registry.OperationFailed, dstOp.Status)
	require.Equal(t, registry.OperationFailed, src.View().Operation.Status)
	require.Equal(t, registry.OperationFailed, dst.View().Operation.Status)
	require.False(t, dst.View().HasModel("llama3.2"))
	require.True(t, src.View().HasModel("llama3.2"))
}

func TestMigrateAdmissionAddsBufferToHeadroom(t *testing.T) {
	reg := registry.New(testLogger())
	// 25% free: enough for a plain load (20% headroom) but not for a
	// migrate target (20% + 10% buffer).
	dstFake := &agenttest.Fake{
		Capabilities: agent.CapabilityLoadModel | agent.CapabilityResourceUsage,
		OnResourceUsage: func(context.Context) (agent.ResourceUsage, error) {
			return agent.ResourceUsage{TotalBytes: 1000, UsedBytes: 750, FreeBytes: 250}, nil
		},
	}
	addBackend(t, reg, "src", &agenttest.Fake{}, "llama3.2")
	addBackend(t, reg, "dst", dstFake)
	mgr := newManager(reg)

	_, _, err := mgr.Migrate(t.Context(), "llama3.2", "src", "dst")
	var vram *VRAMError
	require.ErrorAs(t, err, &vram)
	require.EqualValues(t, 300, vram.RequiredBytes)

	_, err = mgr.Load(t.Context(), "llama3.2", "dst")
	require.NoError(t, err, "plain loads need only the base headroom")
}

func TestOperationsRecordMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test")
	gm := metrics.NewGateway(meter)

	reg := registry.New(testLogger())
	fake := &agenttest.Fake{
		Capabilities: agent.CapabilityLoadModel | agent.CapabilityUnloadModel,
	}
	addBackend(t, reg, "b1", fake)
	mgr := NewManager(testLogger(), reg, testConfig(), gm)

	_, err := mgr.Load(t.Context(), "llama3.2", "b1")
	require.NoError(t, err)
	count := testotel.GetCounterValue(t, reader, "nexus.lifecycle.operations", attribute.NewSet(
		attribute.String("nexus.lifecycle.type", "load"),
		attribute.String("status", "success"),
	))
	require.Equal(t, 1.0, count)

	fake.OnUnload = func(context.Context, string) error {
		return &agent.Error{Kind: agent.ErrorKindNetwork, Op: "unload_model"}
	}
	_, _, err = mgr.Unload(t.Context(), "llama3.2", "b1")
	require.Error(t, err)
	count = testotel.GetCounterValue(t, reader, "nexus.lifecycle.operations", attribute.NewSet(
		attribute.String("nexus.lifecycle.type", "unload"),
		attribute.String("status", "error"),
	))
	require.Equal(t, 1.0, count)
}
