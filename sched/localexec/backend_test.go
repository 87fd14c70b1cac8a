package localexec

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asyncre-project/asyncre/sched"
)

func waitForExit(t *testing.T, h *Handle) sched.JobState {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		if st := h.State(); st.Exited() {
			return st
		}
		select {
		case <-deadline:
			t.Fatal("subjob did not exit in time")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSubmitCapturesOutput(t *testing.T) {
	dir := t.TempDir()
	b := New()
	h, err := b.Submit(JobSpec{
		Executable: "/bin/sh",
		Args:       []string{"-c", "echo hello"},
		Dir:        dir,
		Stdout:     "sj-stdout-0-1.txt",
		Stderr:     "sj-stderr-0-1.txt",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, h.ID())

	assert.Equal(t, sched.JobDone, waitForExit(t, h))
	out, err := os.ReadFile(filepath.Join(dir, "sj-stdout-0-1.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(out))

	timing, ok := h.Timing()
	require.True(t, ok)
	assert.GreaterOrEqual(t, timing.EndTime, timing.StartTime)
}

func TestSubmitFailure(t *testing.T) {
	b := New()
	h, err := b.Submit(JobSpec{
		Executable: "/bin/sh",
		Args:       []string{"-c", "exit 3"},
		Dir:        t.TempDir(),
	})
	require.NoError(t, err)
	assert.Equal(t, sched.JobFailed, waitForExit(t, h))
}

func TestSubmitMissingExecutable(t *testing.T) {
	b := New()
	_, err := b.Submit(JobSpec{
		Executable: "/nonexistent/binary",
		Dir:        t.TempDir(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start subjob")
}

func TestTimingUnavailableWhileRunning(t *testing.T) {
	b := New()
	h, err := b.Submit(JobSpec{
		Executable: "/bin/sleep",
		Args:       []string{"5"},
		Dir:        t.TempDir(),
	})
	require.NoError(t, err)
	_, ok := h.Timing()
	assert.False(t, ok)
	b.CancelAll()
}

func TestCancelAllKillsRunning(t *testing.T) {
	b := New()
	h, err := b.Submit(JobSpec{
		Executable: "/bin/sleep",
		Args:       []string{"60"},
		Dir:        t.TempDir(),
	})
	require.NoError(t, err)

	b.CancelAll()
	assert.Equal(t, sched.JobCanceled, h.State())
}

func TestWaitAllBlocksUntilExit(t *testing.T) {
	dir := t.TempDir()
	b := New()
	marker := filepath.Join(dir, "done")
	h, err := b.Submit(JobSpec{
		Executable: "/bin/sh",
		Args:       []string{"-c", "sleep 0.1 && touch done"},
		Dir:        dir,
	})
	require.NoError(t, err)

	b.WaitAll()
	assert.True(t, h.State().Exited())
	_, statErr := os.Stat(marker)
	assert.NoError(t, statErr)
}

func TestBackendIsAlwaysReady(t *testing.T) {
	assert.True(t, New().Ready())
}
