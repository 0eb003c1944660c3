// Package transcoder runs FFmpeg child processes for claimed jobs and
// owns their supervision, progress reporting and termination.
package transcoder

import (
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
)

// killGracePeriod is how long a signaled process gets before the
// unconditional kill.
const killGracePeriod = 3 * time.Second

// RunningJob is a snapshot entry of one live conversion.
type RunningJob struct {
	JobID     string    `json:"jobId"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"startedAt"`
}

type procEntry struct {
	cmd       *exec.Cmd
	startedAt time.Time
}

// procTable is the single owner of live FFmpeg processes and pending
// cancellation flags. No other component touches the children directly.
type procTable struct {
	mu        sync.Mutex
	procs     map[string]*procEntry
	cancelled map[string]string // job id -> reason
	logger    hclog.Logger
}

func newProcTable(logger hclog.Logger) *procTable {
	return &procTable{
		procs:     make(map[string]*procEntry),
		cancelled: make(map[string]string),
		logger:    logger,
	}
}

// register records a spawned child. It must run before the first stderr
// line is consumed so cancellation can always find the process.
func (t *procTable) register(jobID string, cmd *exec.Cmd) {
	t.mu.Lock()
	t.procs[jobID] = &procEntry{cmd: cmd, startedAt: time.Now().UTC()}
	t.mu.Unlock()
}

// remove drops the job's process entry. The cancellation flag is
// cleared separately by the exit handler once the reason is consumed.
func (t *procTable) remove(jobID string) {
	t.mu.Lock()
	delete(t.procs, jobID)
	t.mu.Unlock()
}

// cancel flags the job as cancelled and, when a child is live, kills
// its whole process subtree. Safe to call for jobs that never started.
func (t *procTable) cancel(jobID, reason string) bool {
	t.mu.Lock()
	if _, already := t.cancelled[jobID]; !already {
		t.cancelled[jobID] = reason
	}
	entry := t.procs[jobID]
	t.mu.Unlock()

	if entry == nil || entry.cmd.Process == nil {
		return false
	}
	t.logger.Info("terminating encoder", "job_id", jobID, "pid", entry.cmd.Process.Pid, "reason", reason)
	go killSubtree(entry.cmd.Process.Pid, t.logger)
	return true
}

// cancelReason returns the pending cancellation reason, if any.
func (t *procTable) cancelReason(jobID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	reason, ok := t.cancelled[jobID]
	return reason, ok
}

// clearCancel drops the job's cancellation flag.
func (t *procTable) clearCancel(jobID string) {
	t.mu.Lock()
	delete(t.cancelled, jobID)
	t.mu.Unlock()
}

// snapshot lists the live conversions.
func (t *procTable) snapshot() []RunningJob {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]RunningJob, 0, len(t.procs))
	for jobID, entry := range t.procs {
		pid := 0
		if entry.cmd.Process != nil {
			pid = entry.cmd.Process.Pid
		}
		out = append(out, RunningJob{JobID: jobID, PID: pid, StartedAt: entry.startedAt})
	}
	return out
}

func (t *procTable) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.procs)
}

// killSubtree signals the whole process group: SIGTERM first, and after
// the grace period SIGKILL. FFmpeg spawns helpers, so the group is
// signaled rather than the root alone; spawning with Setpgid makes the
// child lead its own group.
func killSubtree(pid int, logger hclog.Logger) {
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		// Group may be gone already, try the single process.
		_ = syscall.Kill(pid, syscall.SIGTERM)
	}

	deadline := time.Now().Add(killGracePeriod)
	for time.Now().Before(deadline) {
		if syscall.Kill(pid, 0) != nil {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}

	logger.Warn("encoder ignored SIGTERM, killing process group", "pid", pid)
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}
}
