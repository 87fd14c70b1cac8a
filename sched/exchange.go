package sched

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
)

// Exchange strategy names accepted by NewExchangeStrategy.
const (
	// ExchangerGibbs samples each replica's partner from the exact
	// conditional transition distribution (independence sampling). This is
	// the default: convergence to the exact joint distribution over state
	// permutations is provable, at O(n) work per replica per round.
	ExchangerGibbs = "gibbs"
	// ExchangerMetropolis is the legacy single-proposal pairwise
	// accept/reject strategy, kept as an optional alternative.
	ExchangerMetropolis = "metropolis"
)

// IsValidExchanger reports whether name selects a known strategy.
func IsValidExchanger(name string) bool {
	switch name {
	case "", ExchangerGibbs, ExchangerMetropolis:
		return true
	}
	return false
}

// ExchangeStrategy runs one sampling round over the eligible set.
// states[i] is the current state id of replicas[i]; the round swaps
// entries of states in place and returns the number of accepted swaps.
type ExchangeStrategy interface {
	Sample(states, replicas []int, u *SwapMatrix, rng *rand.Rand) int
}

// NewExchangeStrategy creates a strategy by name. An empty string defaults
// to Gibbs independence sampling. Panics on unrecognized names; Config
// validation rejects them earlier.
func NewExchangeStrategy(name string) ExchangeStrategy {
	switch name {
	case "", ExchangerGibbs:
		return &GibbsStrategy{}
	case ExchangerMetropolis:
		return &MetropolisStrategy{}
	default:
		panic(fmt.Sprintf("unknown exchanger %q", name))
	}
}

// ExchangeCoordinator permutes state assignments among idle replicas so
// that the ensemble converges to the Boltzmann distribution over state
// permutations.
type ExchangeCoordinator struct {
	store    *StatusStore
	engine   EngineAdapter
	computer *SwapMatrixComputer
	strategy ExchangeStrategy
	rng      *rand.Rand
	rounds   int
	verbose  bool
	metrics  *Metrics
}

// NewExchangeCoordinator wires the coordinator from the validated config.
func NewExchangeCoordinator(cfg *Config, store *StatusStore, engine EngineAdapter,
	computer *SwapMatrixComputer, rng *rand.Rand, metrics *Metrics) *ExchangeCoordinator {
	return &ExchangeCoordinator{
		store:    store,
		engine:   engine,
		computer: computer,
		strategy: NewExchangeStrategy(cfg.Exchanger),
		rng:      rng,
		rounds:   cfg.ExchangeRounds,
		verbose:  cfg.Verbose,
		metrics:  metrics,
	}
}

// numRounds resolves the configured round count for an eligible set of
// size n. A negative setting -p means n^p: larger sets need more rounds to
// approach the stationary distribution (n^3 to n^5 approximates
// independence sampling).
func (e *ExchangeCoordinator) numRounds(n int) int {
	if e.rounds >= 0 {
		return e.rounds
	}
	return int(math.Pow(float64(n), float64(-e.rounds)))
}

// RunExchangeEvent performs one exchange event among the replicas that are
// waiting and have completed at least one cycle. With fewer than two
// eligible replicas the event is a no-op. The eligible snapshot is taken
// once and must not change during the event; the scheduling loop is
// single-threaded, so no other actor can mutate the table meanwhile.
func (e *ExchangeCoordinator) RunExchangeEvent(ctx context.Context) error {
	replicas, states := e.store.WaitingToExchange()
	if len(replicas) < 2 {
		return nil
	}
	logrus.Infof("initiating exchanges amongst %d replicas", len(replicas))
	e.metrics.ExchangeEvents.Inc()
	eventStart := time.Now()

	// The event re-does the decision point left by the most recently
	// completed cycle, so the cycle counter is backtracked on entry and
	// restored on exit.
	for _, k := range replicas {
		e.store.Replicas[k].Cycle--
		e.store.Replicas[k].Status = Exchanging
	}
	if err := e.store.Save(); err != nil {
		return err
	}

	matrixStart := time.Now()
	u, err := e.computer.Compute(ctx, replicas, states)
	matrixTime := time.Since(matrixStart)
	if err != nil {
		// Abort the event: restore the snapshot untouched.
		for _, k := range replicas {
			e.store.Replicas[k].Cycle++
			e.store.Replicas[k].Status = Waiting
		}
		if saveErr := e.store.Save(); saveErr != nil {
			return saveErr
		}
		return fmt.Errorf("swap matrix computation failed, exchange aborted: %w", err)
	}

	samplingStart := time.Now()
	current := append([]int(nil), states...)
	rounds := e.numRounds(len(replicas))
	accepts := 0
	for round := 0; round < rounds; round++ {
		accepts += e.strategy.Sample(current, replicas, u, e.rng)
	}
	samplingTime := time.Since(samplingStart)
	e.metrics.ExchangeRounds.Add(float64(rounds))
	e.metrics.AcceptedSwaps.Add(float64(accepts))

	for i, k := range replicas {
		e.store.Replicas[k].StateID = current[i]
		e.store.Replicas[k].Cycle++
		if err := e.engine.BuildInputs(k); err != nil {
			// The replica stays in Exchanging and is retried by the next
			// polling tick rather than silently advancing.
			logrus.Warnf("build inputs for replica %d failed after exchange, will retry: %v", k, err)
			continue
		}
		e.store.Replicas[k].Status = Waiting
	}
	if err := e.store.Save(); err != nil {
		return err
	}

	if e.verbose {
		logrus.Infof("swap matrix computation time: %v", matrixTime)
		logrus.Infof("sampling time              : %v", samplingTime)
		logrus.Infof("total exchange time        : %v", time.Since(eventStart))
		logrus.Infof("%d exchanges accepted over %d rounds", accepts, rounds)
	}
	return nil
}

// GibbsStrategy performs Gibbs-style sequential updating: each replica in
// turn draws a partner from its exact conditional transition distribution,
// and an accepted swap is applied immediately so later draws in the same
// round see the updated assignment.
type GibbsStrategy struct{}

func (g *GibbsStrategy) Sample(states, replicas []int, u *SwapMatrix, rng *rand.Rand) int {
	accepts := 0
	for i := range replicas {
		j := pairwiseIndependenceSample(i, replicas, states, u, rng)
		if j >= 0 && j != i {
			states[i], states[j] = states[j], states[i]
			accepts++
		}
	}
	return accepts
}

// pairwiseIndependenceSample draws replica i's exchange partner (as an
// index into replicas) from the discrete Metropolis transition matrix
// restricted to single-swap moves, sampled via its exact conditional. A
// return of -1 means no valid move existed (all weights undefined).
func pairwiseIndependenceSample(i int, replicas, states []int, u *SwapMatrix, rng *rand.Rand) int {
	return weightedChoice(rng, transitionWeights(i, replicas, states, u))
}

// transitionWeights computes the categorical distribution over partners
// for replica position i:
//
//	T(i→j) = min(1, exp(-Δ(i,j))) / (n-1)   for j ≠ i
//	T(i→i) = 1 - Σ_{j≠i} T(i→j)
//
// where Δ(i,j) = U[si][j] + U[sj][i] - U[si][i] - U[sj][j]. A NaN Δ means
// the engine could not evaluate an energy; that pair's weight is zeroed so
// the move can never be taken on undefined energies.
func transitionWeights(i int, replicas, states []int, u *SwapMatrix) []float64 {
	n := len(replicas)
	weights := make([]float64, n)
	total := 0.0
	for j := range replicas {
		if j == i {
			continue
		}
		si, sj := states[i], states[j]
		du := u.At(si, replicas[j]) + u.At(sj, replicas[i]) -
			u.At(si, replicas[i]) - u.At(sj, replicas[j])
		if math.IsNaN(du) {
			logrus.Warnf("undefined swap energy for replicas %d and %d, skipping pair",
				replicas[i], replicas[j])
			continue
		}
		weights[j] = math.Min(1, math.Exp(-du)) / float64(n-1)
		total += weights[j]
	}
	// Floating-point roundoff can push the self weight a hair negative.
	weights[i] = math.Max(0, 1-total)
	return weights
}

// weightedChoice draws an index from unnormalized weights using the
// cumulative-sum method. Returns -1 when no weight is positive.
func weightedChoice(rng *rand.Rand, weights []float64) int {
	total := floats.Sum(weights)
	if total <= 0 {
		return -1
	}
	r := rng.Float64() * total
	for i, w := range weights {
		r -= w
		if r < 0 {
			return i
		}
	}
	return len(weights) - 1
}

// MetropolisStrategy proposes one uniformly random pair per replica and
// accepts the swap with probability min(1, exp(-Δ)). Simpler than the
// Gibbs sampler but mixes more slowly; kept for comparison runs.
type MetropolisStrategy struct{}

func (m *MetropolisStrategy) Sample(states, replicas []int, u *SwapMatrix, rng *rand.Rand) int {
	n := len(replicas)
	accepts := 0
	for range replicas {
		i := rng.Intn(n)
		j := rng.Intn(n - 1)
		if j >= i {
			j++
		}
		si, sj := states[i], states[j]
		du := u.At(si, replicas[j]) + u.At(sj, replicas[i]) -
			u.At(si, replicas[i]) - u.At(sj, replicas[j])
		if math.IsNaN(du) {
			logrus.Warnf("undefined swap energy for replicas %d and %d, skipping pair",
				replicas[i], replicas[j])
			continue
		}
		if du <= 0 || rng.Float64() < math.Exp(-du) {
			states[i], states[j] = states[j], states[i]
			accepts++
		}
	}
	return accepts
}
