package sched

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T, cfg *Config, engine *fakeEngine, backend *fakeBackend) (*Scheduler, *StatusStore) {
	t.Helper()
	store := newTestStore(t, cfg)
	store.Replicas = nil // Setup owns initialization
	scheduler := NewScheduler(cfg, store, engine, backend, newTestMetrics())
	return scheduler, store
}

func TestScheduler_SetupFresh(t *testing.T) {
	cfg := newTestConfig(t)
	engine := newFakeEngine()
	scheduler, store := newTestScheduler(t, cfg, engine, &fakeBackend{ready: true})

	require.NoError(t, scheduler.Setup())

	for k := 0; k < cfg.NReplicas; k++ {
		info, err := os.Stat(filepath.Join(cfg.WorkDir, fmt.Sprintf("r%d", k)))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
	assert.Len(t, engine.built, cfg.NReplicas, "first cycle inputs are built for every replica")
	require.Len(t, store.Replicas, cfg.NReplicas)
	for k, r := range store.Replicas {
		assert.Equal(t, ReplicaRecord{StateID: k, Status: Waiting, Cycle: 1}, r)
	}
	assert.True(t, store.Exists(), "fresh setup persists the initial table")
}

func TestScheduler_SetupRefusesExistingDirs(t *testing.T) {
	cfg := newTestConfig(t)
	require.NoError(t, os.Mkdir(filepath.Join(cfg.WorkDir, "r0"), 0o755))
	scheduler, _ := newTestScheduler(t, cfg, newFakeEngine(), &fakeBackend{ready: true})

	err := scheduler.Setup()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestScheduler_SetupResume(t *testing.T) {
	cfg := newTestConfig(t)

	// A prior process persisted replica 2 as running at cycle 5.
	prior := newTestStore(t, cfg)
	prior.Replicas[2].Status = Running
	prior.Replicas[2].Cycle = 5
	require.NoError(t, prior.Save())

	engine := newFakeEngine()
	engine.unconfirmable[2] = true
	scheduler, store := newTestScheduler(t, cfg, engine, &fakeBackend{ready: true})

	require.NoError(t, scheduler.Setup())

	assert.Equal(t, Waiting, store.Replicas[2].Status)
	assert.Equal(t, 6, store.Replicas[2].Cycle)
	for k, r := range store.Replicas {
		assert.Equal(t, Waiting, r.Status, "replica %d", k)
	}
}

func TestScheduler_SetupRejectsSizeMismatch(t *testing.T) {
	cfg := newTestConfig(t)
	prior := newTestStore(t, cfg)
	prior.Replicas = NewReplicaTable(2) // persisted run had a smaller pool
	require.NoError(t, prior.Save())

	scheduler, _ := newTestScheduler(t, cfg, newFakeEngine(), &fakeBackend{ready: true})
	err := scheduler.Setup()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persisted status has 2 replicas")
}

// TestScheduler_RunLoop drives the full loop on a fake clock: subjobs
// complete instantly, cycles accumulate, exchanges happen, and the run
// ends with a graceful drain.
func TestScheduler_RunLoop(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.WallTime = 5 // minutes, on the fake clock
	engine := newFakeEngine()
	engine.u = NewSwapMatrix(cfg.NReplicas)
	backend := &fakeBackend{ready: true}
	scheduler, store := newTestScheduler(t, cfg, engine, backend)
	require.NoError(t, scheduler.Setup())

	clock := time.Unix(0, 0)
	scheduler.now = func() time.Time { return clock }
	scheduler.sleep = func(_ context.Context, d time.Duration) { clock = clock.Add(d) }

	require.NoError(t, scheduler.Run(context.Background()))

	assert.True(t, backend.waited, "in-flight jobs are drained")
	assert.True(t, backend.canceled, "backend resources are released")
	requirePermutation(t, store.Replicas)
	for k, r := range store.Replicas {
		assert.Greater(t, r.Cycle, 1, "replica %d never completed a cycle", k)
		assert.Equal(t, Waiting, r.Status, "replica %d", k)
	}
	assert.NotEmpty(t, engine.launched)
}

func TestScheduler_RunHonorsCancellation(t *testing.T) {
	cfg := newTestConfig(t)
	engine := newFakeEngine()
	engine.u = NewSwapMatrix(cfg.NReplicas)
	backend := &fakeBackend{ready: true}
	scheduler, _ := newTestScheduler(t, cfg, engine, backend)
	require.NoError(t, scheduler.Setup())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := scheduler.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, backend.waited, "cancellation still drains in-flight jobs")
}
