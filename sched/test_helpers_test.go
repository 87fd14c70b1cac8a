package sched

import (
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

// newTestConfig returns a small validated config rooted in a temp dir.
func newTestConfig(t *testing.T) *Config {
	t.Helper()
	cfg := &Config{
		Basename:          "testjob",
		WallTime:          10,
		TotalCores:        8,
		SubjobCores:       2,
		NReplicas:         4,
		CycleTime:         1,
		SubjobsBufferSize: 0.5,
		ExchangeRounds:    1,
		WorkDir:           t.TempDir(),
		Seed:              42,
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("test config invalid: %v", err)
	}
	return cfg
}

func newTestMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

// newTestStore returns a store with fast retry settings and an
// initialized table.
func newTestStore(t *testing.T, cfg *Config) *StatusStore {
	t.Helper()
	store := NewStatusStore(cfg, newTestMetrics())
	store.retryDelay = 0
	store.maxRetries = 2
	store.Init(cfg.NReplicas)
	return store
}

// fakeHandle reports a fixed job state.
type fakeHandle struct {
	state JobState
}

func (h *fakeHandle) State() JobState { return h.state }

// fakeEngine is a scriptable EngineAdapter for state-machine tests.
type fakeEngine struct {
	mu sync.Mutex

	u *SwapMatrix // returned by ComputeSwapMatrix (columns as-is)

	built     []int         // BuildInputs call order
	buildErr  map[int]error // per-replica BuildInputs failures
	launchErr map[int]error // per-replica Launch failures
	launched  [][2]int      // Launch calls as (replica, cycle)

	// completed maps (replica, cycle) to the HasCompletedSuccessfully
	// result; a missing key reports true. unconfirmable replicas return
	// an error instead.
	completed     map[[2]int]bool
	unconfirmable map[int]bool

	handleState JobState // state of handles returned by Launch
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		buildErr:      make(map[int]error),
		launchErr:     make(map[int]error),
		completed:     make(map[[2]int]bool),
		unconfirmable: make(map[int]bool),
		handleState:   JobDone,
	}
}

func (f *fakeEngine) CheckInput(*Config) error { return nil }

func (f *fakeEngine) BuildInputs(replica int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.buildErr[replica]; err != nil {
		return err
	}
	f.built = append(f.built, replica)
	return nil
}

func (f *fakeEngine) Launch(replica, cycle int) (JobHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.launchErr[replica]; err != nil {
		return nil, err
	}
	f.launched = append(f.launched, [2]int{replica, cycle})
	return &fakeHandle{state: f.handleState}, nil
}

func (f *fakeEngine) HasCompletedSuccessfully(replica, cycle int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unconfirmable[replica] {
		return false, errors.New("handle lost")
	}
	if ok, present := f.completed[[2]int{replica, cycle}]; present {
		return ok, nil
	}
	return true, nil
}

func (f *fakeEngine) ComputeSwapMatrix(replicas, states []int) (*SwapMatrix, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.u == nil {
		return nil, errors.New("no swap matrix scripted")
	}
	// Return only this subset's columns, as a partial accumulator.
	part := NewSwapMatrix(f.u.N())
	for _, r := range replicas {
		for _, s := range states {
			part.Set(s, r, f.u.At(s, r))
		}
	}
	return part, nil
}

// fakeBackend records drain calls.
type fakeBackend struct {
	ready    bool
	waited   bool
	canceled bool
}

func (b *fakeBackend) Ready() bool { return b.ready }
func (b *fakeBackend) WaitAll()    { b.waited = true }
func (b *fakeBackend) CancelAll()  { b.canceled = true }

// requirePermutation fails the test unless the table's state ids form a
// permutation of 0..N-1.
func requirePermutation(t *testing.T, replicas []ReplicaRecord) {
	t.Helper()
	seen := make(map[int]bool, len(replicas))
	for k, r := range replicas {
		if r.StateID < 0 || r.StateID >= len(replicas) {
			t.Fatalf("replica %d has out-of-range state %d", k, r.StateID)
		}
		if seen[r.StateID] {
			t.Fatalf("state %d assigned to more than one replica", r.StateID)
		}
		seen[r.StateID] = true
	}
}
