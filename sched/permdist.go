package sched

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Diagnostics for validating exchange samplers against the exact Boltzmann
// distribution over state permutations. These are invoked only from the
// test suite, never from the scheduling hot path.

// permKey encodes a replica→state assignment for use as a map key.
func permKey(states []int) string {
	return fmt.Sprint(states)
}

// ExactPermDistribution enumerates every assignment of the given states to
// the given replicas and weights each by exp(-Σᵢ U[state(i)][replica(i)]),
// normalized. This is the stationary distribution the exchange samplers
// must converge to.
func ExactPermDistribution(replicas, states []int, u *SwapMatrix) map[string]float64 {
	dist := make(map[string]float64)
	total := 0.0
	forEachPermutation(states, func(perm []int) {
		energy := 0.0
		for i, r := range replicas {
			energy += u.At(perm[i], r)
		}
		w := math.Exp(-energy)
		dist[permKey(perm)] = w
		total += w
	})
	for k := range dist {
		dist[k] /= total
	}
	return dist
}

// forEachPermutation calls fn with every permutation of values. The slice
// passed to fn is reused; fn must not retain it.
func forEachPermutation(values []int, fn func([]int)) {
	perm := append([]int(nil), values...)
	var recurse func(k int)
	recurse = func(k int) {
		if k == len(perm) {
			fn(perm)
			return
		}
		for i := k; i < len(perm); i++ {
			perm[k], perm[i] = perm[i], perm[k]
			recurse(k + 1)
			perm[k], perm[i] = perm[i], perm[k]
		}
	}
	recurse(0)
}

// PermTally accumulates the empirically observed distribution of state
// permutations across sampling rounds.
type PermTally struct {
	counts map[string]int
	total  int
}

// NewPermTally creates an empty tally.
func NewPermTally() *PermTally {
	return &PermTally{counts: make(map[string]int)}
}

// Observe records the current assignment.
func (t *PermTally) Observe(states []int) {
	t.counts[permKey(states)]++
	t.total++
}

// Distribution returns the normalized empirical distribution.
func (t *PermTally) Distribution() map[string]float64 {
	dist := make(map[string]float64, len(t.counts))
	for k, c := range t.counts {
		dist[k] = float64(c) / float64(t.total)
	}
	return dist
}

// KLDivergence computes D_KL(empirical ‖ exact) over the exact
// distribution's support. Permutations never observed contribute zero;
// the exact Boltzmann distribution is strictly positive everywhere, so
// the divergence is always defined.
func KLDivergence(empirical, exact map[string]float64) float64 {
	keys := make([]string, 0, len(exact))
	for k := range exact {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	p := make([]float64, len(keys))
	q := make([]float64, len(keys))
	for i, k := range keys {
		p[i] = empirical[k]
		q[i] = exact[k]
	}
	return stat.KullbackLeibler(p, q)
}
