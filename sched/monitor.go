package sched

import (
	"math/rand"

	"github.com/sirupsen/logrus"
)

// JobMonitor polls in-flight job handles and drives the per-replica state
// machine: W → R on launch, R → S → W on completion, plus the restart
// recovery path. It holds at most one handle per replica.
type JobMonitor struct {
	store     *StatusStore
	engine    EngineAdapter
	admission *AdmissionController
	handles   map[int]JobHandle
	rng       *rand.Rand
	verbose   bool
	metrics   *Metrics
}

// NewJobMonitor wires the monitor from the validated config.
func NewJobMonitor(cfg *Config, store *StatusStore, engine EngineAdapter,
	admission *AdmissionController, rng *rand.Rand, metrics *Metrics) *JobMonitor {
	return &JobMonitor{
		store:     store,
		engine:    engine,
		admission: admission,
		handles:   make(map[int]JobHandle),
		rng:       rng,
		verbose:   cfg.Verbose,
		metrics:   metrics,
	}
}

// PollAll scans every replica, applies the transitions due from the
// current poll, and persists the table once at the end of the scan.
func (m *JobMonitor) PollAll() error {
	for k := range m.store.Replicas {
		m.pollReplica(k)
	}
	return m.store.Save()
}

func (m *JobMonitor) pollReplica(k int) {
	rec := &m.store.Replicas[k]
	switch rec.Status {
	case Running:
		handle, ok := m.handles[k]
		if !ok {
			// Should only happen if the table was edited by hand; recover
			// the same way as after a restart.
			logrus.Warnf("no handle for running replica %d, recovering", k)
			m.confirmCycle(k)
			m.rebuild(k)
			return
		}
		state := handle.State()
		if !state.Exited() {
			return
		}
		rec.Status = Stopping
		m.logTiming(k, handle)
		delete(m.handles, k)
		m.confirmCycle(k)
		m.rebuild(k)
	case Stopping, Exchanging:
		// A previous input rebuild failed; the cycle decision was already
		// made, so only the rebuild is retried.
		m.rebuild(k)
	}
}

// confirmCycle decides whether the replica's current cycle counts as
// complete. Success increments the counter; failure keeps it so the same
// cycle is retried. An unconfirmable outcome is treated as success
// (fail-open): losing a cycle of work is preferred over blocking forever.
func (m *JobMonitor) confirmCycle(k int) {
	rec := &m.store.Replicas[k]
	completed, err := m.engine.HasCompletedSuccessfully(k, rec.Cycle)
	if err != nil {
		logrus.Warnf("unable to confirm replica %d cycle %d, assuming success: %v", k, rec.Cycle, err)
		completed = true
	}
	if completed {
		rec.Cycle++
		m.metrics.CompletedCycles.Inc()
	} else {
		logrus.Warnf("restarting replica %d (cycle %d)", k, rec.Cycle)
		m.metrics.CycleRetries.Inc()
	}
}

// rebuild prepares the next cycle's inputs and returns the replica to the
// wait state. On failure the replica keeps its current status and the
// rebuild is retried on the next tick rather than silently advancing.
func (m *JobMonitor) rebuild(k int) {
	if err := m.engine.BuildInputs(k); err != nil {
		logrus.Warnf("build inputs for replica %d failed, will retry: %v", k, err)
		return
	}
	m.store.Replicas[k].Status = Waiting
}

// RecoverAll handles a process restart: handles from the prior process are
// unusable, so every previously running replica has its cycle confirmed
// (fail-open) and every replica has its inputs rebuilt and is returned to
// the wait state. A failed rebuild here is fatal to setup.
func (m *JobMonitor) RecoverAll() error {
	for k := range m.store.Replicas {
		rec := &m.store.Replicas[k]
		if rec.Status == Running {
			m.confirmCycle(k)
		}
		if err := m.engine.BuildInputs(k); err != nil {
			return err
		}
		rec.Status = Waiting
	}
	return m.store.Save()
}

// LaunchJobs launches up to the admission grant from the waiting replicas,
// picked in shuffled order so no replica is systematically starved. A
// failed launch leaves the replica waiting for the next tick.
func (m *JobMonitor) LaunchJobs() error {
	grant := m.admission.JobsToLaunch(m.store)
	if grant <= 0 {
		return nil
	}
	waiting := m.store.WaitingReplicas()
	m.rng.Shuffle(len(waiting), func(i, j int) {
		waiting[i], waiting[j] = waiting[j], waiting[i]
	})
	if grant > len(waiting) {
		grant = len(waiting)
	}
	for _, k := range waiting[:grant] {
		rec := &m.store.Replicas[k]
		if m.verbose {
			logrus.Infof("launching replica %d cycle %d", k, rec.Cycle)
		}
		handle, err := m.engine.Launch(k, rec.Cycle)
		if err != nil {
			logrus.Warnf("launch of replica %d cycle %d failed, will retry: %v", k, rec.Cycle, err)
			continue
		}
		m.handles[k] = handle
		rec.Status = Running
		m.metrics.Launches.Inc()
	}
	return m.store.Save()
}

// InFlight returns the number of handles currently tracked.
func (m *JobMonitor) InFlight() int {
	return len(m.handles)
}

func (m *JobMonitor) logTiming(k int, handle JobHandle) {
	if !m.verbose {
		return
	}
	timed, ok := handle.(TimedHandle)
	if !ok {
		return
	}
	if t, ok := timed.Timing(); ok {
		logrus.Infof("replica %d start time: %f end time: %f end queue time: %f",
			k, t.StartTime, t.EndTime, t.EndQueueTime)
	}
}
