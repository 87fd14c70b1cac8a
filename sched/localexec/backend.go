// Package localexec provides an ExecutionBackend that runs each subjob as
// a local child process, for single-host runs and development. Subjob
// stdout and stderr are redirected to files in the working directory,
// following the sj-stdout-<replica>-<cycle>.txt convention.
package localexec

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/asyncre-project/asyncre/sched"
)

// JobSpec describes one subjob submission.
type JobSpec struct {
	Executable string
	Args       []string
	// Dir is the working directory, typically the replica's r<k> dir.
	Dir string
	// Stdout and Stderr are file names relative to Dir. Empty discards.
	Stdout string
	Stderr string
	// Cores is recorded for parity with remote backends; the local host
	// does not enforce it.
	Cores int
}

// Backend runs subjobs as local child processes.
type Backend struct {
	mu   sync.Mutex
	wg   sync.WaitGroup
	jobs map[string]*Handle
}

// New creates an empty backend. It is ready immediately.
func New() *Backend {
	return &Backend{jobs: make(map[string]*Handle)}
}

// Handle tracks one child process. It implements sched.TimedHandle.
type Handle struct {
	id    string
	cmd   *exec.Cmd
	state atomic.Int32

	start time.Time
	// end is written by the waiter goroutine before the state becomes
	// terminal, and read only after State reports exited.
	end time.Time
}

// ID returns the backend-assigned job id.
func (h *Handle) ID() string {
	return h.id
}

// State is a non-blocking query of the job's current known state.
func (h *Handle) State() sched.JobState {
	return sched.JobState(h.state.Load())
}

// Timing reports wall-clock start and end times once the job has exited.
func (h *Handle) Timing() (sched.JobTiming, bool) {
	if !h.State().Exited() {
		return sched.JobTiming{}, false
	}
	return sched.JobTiming{
		StartTime: float64(h.start.UnixNano()) / 1e9,
		EndTime:   float64(h.end.UnixNano()) / 1e9,
	}, true
}

// Submit starts the subjob and returns its handle.
func (b *Backend) Submit(spec JobSpec) (*Handle, error) {
	cmd := exec.Command(spec.Executable, spec.Args...)
	cmd.Dir = spec.Dir

	var outFile, errFile *os.File
	var err error
	if spec.Stdout != "" {
		outFile, err = os.Create(filepath.Join(spec.Dir, spec.Stdout))
		if err != nil {
			return nil, fmt.Errorf("open subjob stdout: %w", err)
		}
		cmd.Stdout = outFile
	}
	if spec.Stderr != "" {
		errFile, err = os.Create(filepath.Join(spec.Dir, spec.Stderr))
		if err != nil {
			if outFile != nil {
				outFile.Close()
			}
			return nil, fmt.Errorf("open subjob stderr: %w", err)
		}
		cmd.Stderr = errFile
	}

	h := &Handle{id: uuid.NewString(), cmd: cmd, start: time.Now()}
	h.state.Store(int32(sched.JobRunning))
	if err := cmd.Start(); err != nil {
		if outFile != nil {
			outFile.Close()
		}
		if errFile != nil {
			errFile.Close()
		}
		return nil, fmt.Errorf("start subjob: %w", err)
	}

	b.mu.Lock()
	b.jobs[h.id] = h
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		waitErr := cmd.Wait()
		if outFile != nil {
			outFile.Close()
		}
		if errFile != nil {
			errFile.Close()
		}
		h.end = time.Now()
		switch {
		case h.State() == sched.JobCanceled:
			// CancelAll won the race; keep the canceled state.
		case waitErr != nil:
			h.state.Store(int32(sched.JobFailed))
		default:
			h.state.Store(int32(sched.JobDone))
		}
	}()
	return h, nil
}

// Ready reports whether the backend accepts submissions. The local host
// always does.
func (b *Backend) Ready() bool {
	return true
}

// WaitAll blocks until every submitted subjob has exited.
func (b *Backend) WaitAll() {
	b.wg.Wait()
}

// CancelAll kills any still-running subjobs and waits for them to exit.
func (b *Backend) CancelAll() {
	b.mu.Lock()
	for _, h := range b.jobs {
		if !h.State().Exited() {
			h.state.Store(int32(sched.JobCanceled))
			if err := h.cmd.Process.Kill(); err != nil {
				logrus.Warnf("kill subjob %s: %v", h.id, err)
			}
		}
	}
	b.mu.Unlock()
	b.wg.Wait()
}
