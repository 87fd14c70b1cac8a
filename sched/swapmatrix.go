package sched

import (
	"context"
	"runtime"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
)

// SwapMatrix is the N×N table of reduced (kT-scaled) energies needed to
// evaluate exchange transition probabilities. Entry (s, r) is the energy
// of replica r's current configuration under state s's potential. Only
// entries where both s and r belong to the eligible set are defined; the
// rest are ignored. A matrix is computed fresh for each exchange event and
// never persisted.
type SwapMatrix struct {
	u *mat.Dense
}

// NewSwapMatrix allocates a zeroed n×n matrix.
func NewSwapMatrix(n int) *SwapMatrix {
	return &SwapMatrix{u: mat.NewDense(n, n, nil)}
}

// N returns the matrix dimension (the replica pool size).
func (m *SwapMatrix) N() int {
	r, _ := m.u.Dims()
	return r
}

// At returns the reduced energy of replica's configuration under state.
func (m *SwapMatrix) At(state, replica int) float64 {
	return m.u.At(state, replica)
}

// Set records the reduced energy of replica's configuration under state.
func (m *SwapMatrix) Set(state, replica int, v float64) {
	m.u.Set(state, replica, v)
}

// Add accumulates another partial matrix element-wise.
func (m *SwapMatrix) Add(other *SwapMatrix) {
	m.u.Add(m.u, other.u)
}

// SwapMatrixComputer parallelizes the swap-matrix computation. Entries are
// independent single-configuration energy evaluations, so the eligible
// replicas are partitioned into disjoint near-equal groups, each group's
// columns are filled by a worker in its own accumulator, and the partial
// matrices are summed. Pure map-reduce: workers never communicate.
type SwapMatrixComputer struct {
	engine EngineAdapter
	n      int
	// maxWorkers bounds parallelism; zero means GOMAXPROCS.
	maxWorkers int
	verbose    bool
}

// NewSwapMatrixComputer builds a computer for a pool of n replicas.
func NewSwapMatrixComputer(engine EngineAdapter, cfg *Config) *SwapMatrixComputer {
	return &SwapMatrixComputer{engine: engine, n: cfg.NReplicas, verbose: cfg.Verbose}
}

// workerCount halves the worker pool until every worker has more than two
// replicas' worth of columns, so there are never more workers than useful
// work.
func (c *SwapMatrixComputer) workerCount(nReplicas int) int {
	workers := c.maxWorkers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	for workers > 1 && nReplicas/workers <= 2 {
		workers /= 2
	}
	return workers
}

// Compute evaluates the swap matrix for the eligible replicas and states.
func (c *SwapMatrixComputer) Compute(ctx context.Context, replicas, states []int) (*SwapMatrix, error) {
	workers := c.workerCount(len(replicas))
	if c.verbose {
		logrus.Infof("computing swap matrix for %d replicas on %d worker(s)", len(replicas), workers)
	}
	if workers <= 1 {
		return c.engine.ComputeSwapMatrix(replicas, states)
	}

	groups := partitionReplicas(replicas, workers)
	partials := make([]*SwapMatrix, len(groups))
	g, _ := errgroup.WithContext(ctx)
	for w, group := range groups {
		w, group := w, group
		g.Go(func() error {
			u, err := c.engine.ComputeSwapMatrix(group, states)
			if err != nil {
				return err
			}
			partials[w] = u
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	total := NewSwapMatrix(c.n)
	for _, p := range partials {
		total.Add(p)
	}
	return total, nil
}

// partitionReplicas divides the replicas evenly among count groups, giving
// the first len(replicas)%count groups one extra.
func partitionReplicas(replicas []int, count int) [][]int {
	if count > len(replicas) {
		count = len(replicas)
	}
	perGroup := len(replicas) / count
	extra := len(replicas) % count
	groups := make([][]int, 0, count)
	next := 0
	for g := 0; g < count; g++ {
		size := perGroup
		if g < extra {
			size++
		}
		groups = append(groups, replicas[next:next+size])
		next += size
	}
	return groups
}
