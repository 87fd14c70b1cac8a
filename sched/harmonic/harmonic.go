// Package harmonic provides a demo EngineAdapter whose states are
// one-dimensional harmonic bias potentials,
//
//	u_s(x) = beta * k_s * (x - x0_s)^2
//
// so swap-matrix columns have a closed form given a replica's coordinate.
// The subjob itself is an arbitrary external command (by default
// /bin/date): it stands in for an MD engine, and the coordinate a real
// engine would produce is drawn directly from the state's stationary
// distribution when the subjob exits. That keeps the whole pipeline
// runnable end to end with statistically correct exchange behavior.
package harmonic

import (
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/asyncre-project/asyncre/sched"
	"github.com/asyncre-project/asyncre/sched/localexec"
)

// State is one harmonic bias: spring constant k and center x0.
type State struct {
	K  float64 `yaml:"k"`
	X0 float64 `yaml:"x0"`
}

// Options configures the engine, usually from the same YAML command file
// as the scheduler config.
type Options struct {
	// States lists the bias parameters, one per replica.
	States []State `yaml:"states"`
	// Beta is the inverse temperature scaling the reduced energies.
	// Zero means 1.
	Beta float64 `yaml:"beta"`
	// SubjobExecutable is the external command run for each cycle.
	// Empty means /bin/date.
	SubjobExecutable string `yaml:"subjob_executable"`
	// SubjobArgs are passed to the executable.
	SubjobArgs []string `yaml:"subjob_args"`
}

// LoadOptions reads engine options from a YAML file.
func LoadOptions(path string) (*Options, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read engine options: %w", err)
	}
	opts := &Options{}
	if err := yaml.Unmarshal(raw, opts); err != nil {
		return nil, fmt.Errorf("parse engine options %s: %w", path, err)
	}
	return opts, nil
}

// Engine implements sched.EngineAdapter for harmonic bias states.
type Engine struct {
	cfg     *sched.Config
	opts    *Options
	backend *localexec.Backend
	store   *sched.StatusStore
	rng     *rand.Rand
}

// New wires the engine. The store is consulted for each replica's current
// state id and cycle, the same table the scheduler mutates.
func New(cfg *sched.Config, opts *Options, backend *localexec.Backend,
	store *sched.StatusStore, rng *rand.Rand) *Engine {
	return &Engine{cfg: cfg, opts: opts, backend: backend, store: store, rng: rng}
}

// CheckInput validates the engine options against the scheduler config.
func (e *Engine) CheckInput(cfg *sched.Config) error {
	if len(e.opts.States) != cfg.NReplicas {
		return fmt.Errorf("need %d harmonic states, got %d", cfg.NReplicas, len(e.opts.States))
	}
	for i, s := range e.opts.States {
		if s.K <= 0 {
			return fmt.Errorf("state %d: spring constant must be positive, got %g", i, s.K)
		}
	}
	if e.opts.Beta == 0 {
		e.opts.Beta = 1
	}
	if e.opts.Beta < 0 {
		return fmt.Errorf("beta must be positive, got %g", e.opts.Beta)
	}
	if e.opts.SubjobExecutable == "" {
		e.opts.SubjobExecutable = "/bin/date"
	}
	return nil
}

func (e *Engine) replicaDir(replica int) string {
	return filepath.Join(e.cfg.WorkDir, fmt.Sprintf("r%d", replica))
}

func (e *Engine) inputPath(replica, cycle int) string {
	return filepath.Join(e.replicaDir(replica), fmt.Sprintf("%s_%d.inp", e.cfg.Basename, cycle))
}

func (e *Engine) coordPath(replica, cycle int) string {
	return filepath.Join(e.replicaDir(replica), fmt.Sprintf("%s_%d.crd", e.cfg.Basename, cycle))
}

// latestCoordPath always holds the coordinate of the replica's most
// recently completed cycle; exchange-time energy evaluations read it.
func (e *Engine) latestCoordPath(replica int) string {
	return filepath.Join(e.replicaDir(replica), e.cfg.Basename+".crd")
}

// BuildInputs writes the input file for the replica's next cycle at its
// current state. Idempotent: it may be called again after a crash.
func (e *Engine) BuildInputs(replica int) error {
	rec := e.store.Replicas[replica]
	state := e.opts.States[rec.StateID]
	content := fmt.Sprintf("state = %d\nk = %g\nx0 = %g\nbeta = %g\n",
		rec.StateID, state.K, state.X0, e.opts.Beta)
	return os.WriteFile(e.inputPath(replica, rec.Cycle), []byte(content), 0o644)
}

// Launch submits the subjob command for one cycle of the replica.
func (e *Engine) Launch(replica, cycle int) (sched.JobHandle, error) {
	return e.backend.Submit(localexec.JobSpec{
		Executable: e.opts.SubjobExecutable,
		Args:       e.opts.SubjobArgs,
		Dir:        e.replicaDir(replica),
		Stdout:     fmt.Sprintf("sj-stdout-%d-%d.txt", replica, cycle),
		Stderr:     fmt.Sprintf("sj-stderr-%d-%d.txt", replica, cycle),
		Cores:      e.cfg.SubjobCores,
	})
}

// HasCompletedSuccessfully checks for the cycle's coordinate file. Because
// the subjob is a stand-in, the coordinate is materialized here on first
// confirmation: a draw from the current state's Boltzmann distribution,
// a gaussian with variance 1/(2*beta*k) around x0.
func (e *Engine) HasCompletedSuccessfully(replica, cycle int) (bool, error) {
	path := e.coordPath(replica, cycle)
	if _, err := os.Stat(path); err == nil {
		return true, nil
	}
	state := e.opts.States[e.store.Replicas[replica].StateID]
	sigma := math.Sqrt(1 / (2 * e.opts.Beta * state.K))
	x := state.X0 + sigma*e.rng.NormFloat64()
	content := strconv.FormatFloat(x, 'g', -1, 64) + "\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return false, err
	}
	if err := os.WriteFile(e.latestCoordPath(replica), []byte(content), 0o644); err != nil {
		return false, err
	}
	return true, nil
}

// readCoordinate loads a replica's most recent coordinate.
func (e *Engine) readCoordinate(replica int) (float64, error) {
	raw, err := os.ReadFile(e.latestCoordPath(replica))
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(strings.TrimSpace(string(raw)), 64)
}

// ComputeSwapMatrix fills the columns for the given replicas: entry (s, r)
// is beta*k_s*(x_r - x0_s)^2 for replica r's latest coordinate x_r. A
// missing coordinate leaves the column NaN so the sampler skips it rather
// than swapping on an undefined energy.
func (e *Engine) ComputeSwapMatrix(replicas, states []int) (*sched.SwapMatrix, error) {
	u := sched.NewSwapMatrix(e.cfg.NReplicas)
	for _, r := range replicas {
		x, err := e.readCoordinate(r)
		for _, s := range states {
			if err != nil {
				u.Set(s, r, math.NaN())
				continue
			}
			dx := x - e.opts.States[s].X0
			u.Set(s, r, e.opts.Beta*e.opts.States[s].K*dx*dx)
		}
	}
	return u, nil
}
