package sched

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	// Status-file I/O may transiently fail on contended network
	// filesystems; retries use a fixed delay with a bounded attempt count.
	statusRetryDelay  = time.Second
	statusMaxAttempts = 100
)

// StatusStore holds the authoritative in-memory replica table and persists
// it to disk. Save must be called after every mutation of StateID, Status
// or Cycle, so a crash loses at most the in-progress operation.
type StatusStore struct {
	// Replicas is the status table, one record per replica index.
	Replicas []ReplicaRecord

	path       string
	reportPath string
	retryDelay time.Duration
	maxRetries uint64
	metrics    *Metrics
}

// persistedStatus is the on-disk snapshot layout.
type persistedStatus struct {
	Replicas []ReplicaRecord `yaml:"replicas"`
}

// NewStatusStore creates a store persisting to <basename>.stat in the
// configured working directory, with a companion <basename>_stat.txt
// report.
func NewStatusStore(cfg *Config, metrics *Metrics) *StatusStore {
	return &StatusStore{
		path:       filepath.Join(cfg.WorkDir, cfg.Basename+".stat"),
		reportPath: filepath.Join(cfg.WorkDir, cfg.Basename+"_stat.txt"),
		retryDelay: statusRetryDelay,
		maxRetries: statusMaxAttempts,
		metrics:    metrics,
	}
}

// Init fills the table with the initial records for n replicas.
func (s *StatusStore) Init(n int) {
	s.Replicas = NewReplicaTable(n)
}

// Exists reports whether a persisted snapshot is present, i.e. whether a
// previous run can be resumed.
func (s *StatusStore) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// retry runs op with the store's bounded constant-backoff policy. The
// caller treats exhaustion as fatal: scheduler correctness depends on
// durable state.
func (s *StatusStore) retry(what string, op func() error) error {
	attempt := 0
	wrapped := func() error {
		err := op()
		if err != nil {
			attempt++
			if s.metrics != nil {
				s.metrics.StatusRetries.Inc()
			}
			logrus.Warnf("unable to %s %s, re-trying in %v (attempt %d): %v",
				what, s.path, s.retryDelay, attempt, err)
		}
		return err
	}
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(s.retryDelay), s.maxRetries)
	if err := backoff.Retry(wrapped, policy); err != nil {
		return fmt.Errorf("too many failures accessing %s: %w", s.path, err)
	}
	return nil
}

// Save atomically persists the full table, then refreshes the
// human-readable report. Report failures are logged, not fatal: the report
// is a side effect and never read back.
func (s *StatusStore) Save() error {
	raw, err := yaml.Marshal(persistedStatus{Replicas: s.Replicas})
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	err = s.retry("write status file", func() error {
		tmp := s.path + ".tmp"
		if err := os.WriteFile(tmp, raw, 0o644); err != nil {
			return err
		}
		return os.Rename(tmp, s.path)
	})
	if err != nil {
		return err
	}
	if err := s.writeReport(); err != nil {
		logrus.Warnf("unable to write status report %s: %v", s.reportPath, err)
	}
	return nil
}

// Load reads the persisted snapshot back into the table.
func (s *StatusStore) Load() error {
	var raw []byte
	err := s.retry("read status file", func() error {
		var err error
		raw, err = os.ReadFile(s.path)
		return err
	})
	if err != nil {
		return err
	}
	var snap persistedStatus
	if err := yaml.Unmarshal(raw, &snap); err != nil {
		return fmt.Errorf("decode status file %s: %w", s.path, err)
	}
	s.Replicas = snap.Replicas
	return nil
}

// Counts returns the number of replicas currently Running and Waiting.
// Always recomputed from the table, never cached across mutations.
func (s *StatusStore) Counts() (running, waiting int) {
	for _, r := range s.Replicas {
		switch r.Status {
		case Running:
			running++
		case Waiting:
			waiting++
		}
	}
	return running, waiting
}

// WaitingReplicas returns the indices of replicas in the wait state.
func (s *StatusStore) WaitingReplicas() []int {
	var out []int
	for k, r := range s.Replicas {
		if r.Status == Waiting {
			out = append(out, k)
		}
	}
	return out
}

// WaitingToExchange returns the replicas in the wait state that have also
// completed at least one cycle, along with their current state ids. These
// are the replicas eligible for an exchange event.
func (s *StatusStore) WaitingToExchange() (replicas, states []int) {
	for k, r := range s.Replicas {
		if r.Status == Waiting && r.Cycle > 1 {
			replicas = append(replicas, k)
			states = append(states, r.StateID)
		}
	}
	return replicas, states
}

// writeReport writes the operator-facing status table. Follow progress in
// real time with: watch cat <basename>_stat.txt
func (s *StatusStore) writeReport() error {
	var b strings.Builder
	b.WriteString("Replica  State  Status  Cycle \n")
	for k, r := range s.Replicas {
		fmt.Fprintf(&b, "%6d   %5d  %5s  %5d \n", k, r.StateID, r.Status, r.Cycle)
	}
	running, waiting := s.Counts()
	fmt.Fprintf(&b, "Running = %d\n", running)
	fmt.Fprintf(&b, "Waiting = %d\n", waiting)
	return os.WriteFile(s.reportPath, []byte(b.String()), 0o644)
}
