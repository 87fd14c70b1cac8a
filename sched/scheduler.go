package sched

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

// Slack subtracted from the wall-clock budget on top of the doubled
// replica run time, so in-flight work can drain before the allocation
// ends.
const shutdownSlack = 10 * time.Second

// backendPollInterval is how often backend readiness is re-checked before
// the scheduling loop starts.
const backendPollInterval = 10 * time.Second

// Scheduler composes the status store, admission controller, job monitor
// and exchange coordinator into the bounded-wall-clock run loop. The loop
// is single-threaded and not reentrant.
type Scheduler struct {
	cfg      *Config
	store    *StatusStore
	engine   EngineAdapter
	backend  ExecutionBackend
	monitor  *JobMonitor
	exchange *ExchangeCoordinator

	// now and sleep are swappable for tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)
}

// NewScheduler wires the full scheduling stack for a validated config.
// The store is passed in rather than built here because engine adapters
// typically need it too (to look up replica cycles and state ids).
func NewScheduler(cfg *Config, store *StatusStore, engine EngineAdapter,
	backend ExecutionBackend, metrics *Metrics) *Scheduler {
	rng := NewPartitionedRNG(cfg.Seed)
	admission := NewAdmissionController(cfg)
	monitor := NewJobMonitor(cfg, store, engine, admission, rng.ForSubsystem(SubsystemLaunch), metrics)
	computer := NewSwapMatrixComputer(engine, cfg)
	exchange := NewExchangeCoordinator(cfg, store, engine, computer,
		rng.ForSubsystem(SubsystemExchange), metrics)
	return &Scheduler{
		cfg:      cfg,
		store:    store,
		engine:   engine,
		backend:  backend,
		monitor:  monitor,
		exchange: exchange,
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// Store exposes the status table, read-only by convention, for reporting.
func (s *Scheduler) Store() *StatusStore {
	return s.store
}

// Setup prepares a fresh run or resumes a crashed one. Fresh runs create
// the replica working directories r0..rN-1, the initial status table and
// the first cycle's inputs; resumed runs load the persisted table and
// recover previously running replicas. In both cases every replica ends in
// the wait state.
func (s *Scheduler) Setup() error {
	if err := s.engine.CheckInput(s.cfg); err != nil {
		return fmt.Errorf("engine input check: %w", err)
	}

	if s.store.Exists() {
		if err := s.store.Load(); err != nil {
			return err
		}
		if len(s.store.Replicas) != s.cfg.NReplicas {
			return fmt.Errorf("persisted status has %d replicas, configuration wants %d",
				len(s.store.Replicas), s.cfg.NReplicas)
		}
		logrus.Infof("resuming from persisted status (%d replicas)", s.cfg.NReplicas)
		if err := s.monitor.RecoverAll(); err != nil {
			return fmt.Errorf("restart recovery: %w", err)
		}
	} else {
		if err := s.createReplicaDirs(); err != nil {
			return err
		}
		s.store.Init(s.cfg.NReplicas)
		if err := s.store.Save(); err != nil {
			return err
		}
		for k := 0; k < s.cfg.NReplicas; k++ {
			if err := s.engine.BuildInputs(k); err != nil {
				return fmt.Errorf("build initial inputs for replica %d: %w", k, err)
			}
		}
	}

	for k, r := range s.store.Replicas {
		if r.Status != Waiting {
			return fmt.Errorf("internal error after setup: replica %d is %s, not waiting", k, r.Status)
		}
	}
	return nil
}

func (s *Scheduler) createReplicaDirs() error {
	for k := 0; k < s.cfg.NReplicas; k++ {
		dir := filepath.Join(s.cfg.WorkDir, fmt.Sprintf("r%d", k))
		if _, err := os.Stat(dir); err == nil {
			return fmt.Errorf("replica directory %s already exists; remove it or resume from the status file", dir)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create replica directory: %w", err)
		}
	}
	return nil
}

// Run executes the scheduling loop until the wall-clock budget is nearly
// exhausted, then drains in-flight work and releases the backend. Within
// a tick, poll transitions are applied and persisted before launches, and
// launches before an exchange event is attempted.
func (s *Scheduler) Run(ctx context.Context) error {
	for !s.backend.Ready() {
		logrus.Info("waiting for execution backend to become ready")
		s.sleep(ctx, backendPollInterval)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	cycleTime := time.Duration(s.cfg.CycleTime * float64(time.Second))
	// The replica run-time reserve is doubled so both currently running
	// and freshly submitted subjobs have time to complete.
	reserve := 2 * time.Duration(s.cfg.ReplicaRunTime*float64(time.Minute))
	budget := time.Duration(s.cfg.WallTime * float64(time.Minute))
	endTime := s.now().Add(budget - reserve - cycleTime - shutdownSlack)

	for s.now().Before(endTime) && ctx.Err() == nil {
		if err := s.monitor.PollAll(); err != nil {
			return err
		}
		if err := s.monitor.LaunchJobs(); err != nil {
			return err
		}
		s.sleep(ctx, cycleTime)
		if err := s.monitor.PollAll(); err != nil {
			return err
		}
		if err := s.exchange.RunExchangeEvent(ctx); err != nil {
			logrus.Warnf("exchange event failed: %v", err)
		}
	}

	if err := s.monitor.PollAll(); err != nil {
		return err
	}
	logrus.Info("wall-clock budget exhausted, draining in-flight subjobs")
	s.backend.WaitAll()
	s.backend.CancelAll()
	return ctx.Err()
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
