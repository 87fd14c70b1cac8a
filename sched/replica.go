package sched

import "fmt"

// RunningStatus is the scheduling state of a replica.
type RunningStatus int

const (
	// Waiting: idle, eligible for launch and (with at least one completed
	// cycle) for exchange.
	Waiting RunningStatus = iota
	// Running: one unit of work is in flight on the execution backend.
	Running
	// Stopping: the in-flight job has exited; completion is being confirmed
	// and the next cycle's inputs rebuilt.
	Stopping
	// Exchanging: the replica is frozen inside an exchange event.
	Exchanging
)

// statusLetters is the on-disk and report encoding, matching the
// single-letter W/R/S/E convention of the status table.
var statusLetters = map[RunningStatus]string{
	Waiting:    "W",
	Running:    "R",
	Stopping:   "S",
	Exchanging: "E",
}

func (s RunningStatus) String() string {
	if l, ok := statusLetters[s]; ok {
		return l
	}
	return fmt.Sprintf("RunningStatus(%d)", int(s))
}

// MarshalYAML encodes the status as its letter.
func (s RunningStatus) MarshalYAML() (interface{}, error) {
	l, ok := statusLetters[s]
	if !ok {
		return nil, fmt.Errorf("invalid running status %d", int(s))
	}
	return l, nil
}

// UnmarshalYAML decodes a status letter.
func (s *RunningStatus) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var letter string
	if err := unmarshal(&letter); err != nil {
		return err
	}
	for st, l := range statusLetters {
		if l == letter {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown running status %q", letter)
}

// ReplicaRecord is one row of the scheduler's status table.
// Records are created once at job setup and live for the whole run.
type ReplicaRecord struct {
	// StateID is the index of the parameter set this replica currently
	// carries. The replica→StateID mapping is a permutation of 0..N-1.
	StateID int `yaml:"stateid_current"`
	// Status is the replica's position in the W/R/S/E state machine.
	Status RunningStatus `yaml:"running_status"`
	// Cycle counts completed units of work, starting at 1. It is
	// incremented only after a unit is confirmed complete.
	Cycle int `yaml:"cycle_current"`
}

// NewReplicaTable builds the initial status table: replica k starts in
// state k, waiting, at cycle 1.
func NewReplicaTable(n int) []ReplicaRecord {
	table := make([]ReplicaRecord, n)
	for k := range table {
		table[k] = ReplicaRecord{StateID: k, Status: Waiting, Cycle: 1}
	}
	return table
}
