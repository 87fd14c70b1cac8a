package sched

// JobState is the terminal-status query result for one unit of work.
type JobState int

const (
	JobRunning JobState = iota
	JobDone
	JobFailed
	JobCanceled
)

func (s JobState) String() string {
	switch s {
	case JobRunning:
		return "Running"
	case JobDone:
		return "Done"
	case JobFailed:
		return "Failed"
	case JobCanceled:
		return "Canceled"
	default:
		return "Unknown"
	}
}

// Exited reports whether the job has reached a terminal state.
func (s JobState) Exited() bool {
	return s == JobDone || s == JobFailed || s == JobCanceled
}

// JobHandle associates a replica+cycle with an in-flight unit of work.
// Handles are owned by the execution backend and become unusable across a
// scheduler restart.
type JobHandle interface {
	// State is a non-blocking query of the job's current known state.
	State() JobState
}

// JobTiming is optional timing metadata some backends attach to handles.
type JobTiming struct {
	StartTime    float64
	EndTime      float64
	EndQueueTime float64
}

// TimedHandle is implemented by handles that can report timing metadata.
type TimedHandle interface {
	JobHandle
	Timing() (JobTiming, bool)
}

// EngineAdapter is the workload-specific plugin contract. The scheduler
// core never branches on workload type; everything engine-specific goes
// through this interface.
type EngineAdapter interface {
	// CheckInput validates workload-specific configuration. May be a no-op.
	CheckInput(cfg *Config) error

	// BuildInputs materializes whatever the workload needs to start its
	// next cycle at its current state. Idempotent: it may be called again
	// after a crash.
	BuildInputs(replica int) error

	// Launch submits one unit of work for the given replica and cycle.
	Launch(replica, cycle int) (JobHandle, error)

	// HasCompletedSuccessfully is a stronger check than handle state; it
	// may use workload-specific evidence such as an expected output
	// artifact. A non-nil error means the outcome is unconfirmable.
	HasCompletedSuccessfully(replica, cycle int) (bool, error)

	// ComputeSwapMatrix fills the swap-matrix columns for the given subset
	// of replicas, evaluated under all given states. Undefined entries must
	// be left at zero or set to NaN, never guessed.
	ComputeSwapMatrix(replicas, states []int) (*SwapMatrix, error)
}

// ExecutionBackend is the remote job service contract at pool level.
// Individual submissions go through EngineAdapter.Launch.
type ExecutionBackend interface {
	// Ready reports whether the backend is accepting submissions.
	Ready() bool
	// WaitAll blocks until all in-flight jobs finish.
	WaitAll()
	// CancelAll releases the backend's resources.
	CancelAll()
}
