package transcoder

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/semaphore"

	"github.com/mantonx/convertra/internal/config"
	"github.com/mantonx/convertra/internal/database"
	"github.com/mantonx/convertra/internal/events"
	"github.com/mantonx/convertra/internal/metrics"
	"github.com/mantonx/convertra/internal/preset"
	"github.com/mantonx/convertra/internal/space"
	"github.com/mantonx/convertra/internal/taskstore"
)

const (
	// stderrTailBytes is how much trailing stderr a failed job keeps.
	stderrTailBytes = 4096

	cancelledByUser = "user cancelled"
	encoderStalled  = "encoder stalled"
)

// Runner executes claimed jobs. Every invocation ends with a terminal
// job status; no error escapes Run.
type Runner struct {
	store  *taskstore.Store
	bus    *events.Bus
	gov    *space.Governor
	cfg    func() *config.Config
	logger hclog.Logger

	table *procTable
	slots *semaphore.Weighted
}

// NewRunner creates a runner with a worker pool sized by the configured
// concurrency bound.
func NewRunner(store *taskstore.Store, bus *events.Bus, gov *space.Governor, cfg func() *config.Config, logger hclog.Logger) *Runner {
	log := logger.Named("transcoder")
	return &Runner{
		store:  store,
		bus:    bus,
		gov:    gov,
		cfg:    cfg,
		logger: log,
		table:  newProcTable(log),
		slots:  semaphore.NewWeighted(int64(cfg().Queue.MaxConcurrentConversions)),
	}
}

// CheckFFmpeg verifies the configured binaries are runnable. Called at
// startup so a missing install fails fast instead of on the first job.
func CheckFFmpeg(ctx context.Context, cfg config.FFmpegConfig) error {
	for _, bin := range []string{cfg.FFmpegPath, cfg.FFprobePath} {
		cmd := exec.CommandContext(ctx, bin, "-version")
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("%s is not runnable, ensure FFmpeg is installed: %w", bin, err)
		}
	}
	return nil
}

// Cancel requests cancellation of a job. A live child is killed; a job
// not yet spawned aborts at its next checkpoint.
func (r *Runner) Cancel(jobID string) bool {
	return r.table.cancel(jobID, cancelledByUser)
}

// Running lists the live conversions.
func (r *Runner) Running() []RunningJob { return r.table.snapshot() }

// RunningCount returns the number of live FFmpeg children.
func (r *Runner) RunningCount() int { return r.table.count() }

// Run converts one job that has already been promoted to Converting.
// It blocks until the job reaches a terminal state.
func (r *Runner) Run(ctx context.Context, job *database.Job) {
	if err := r.slots.Acquire(ctx, 1); err != nil {
		r.finish(job, database.StatusCancelled, cancelledByUser)
		return
	}
	defer r.slots.Release(1)

	metrics.JobsStarted.Inc()
	metrics.JobsRunning.Inc()
	defer metrics.JobsRunning.Dec()
	started := time.Now()
	defer func() { metrics.JobDuration.Observe(time.Since(started).Seconds()) }()

	defer func() {
		// A terminal status must be written on every exit path, even a
		// panicking one.
		if rec := recover(); rec != nil {
			r.logger.Error("runner panicked", "job_id", job.ID, "panic", rec)
			r.finish(job, database.StatusFailed, fmt.Sprintf("internal error: %v", rec))
		}
	}()

	if reason, ok := r.table.cancelReason(job.ID); ok {
		r.finish(job, database.StatusCancelled, reason)
		return
	}

	p, ok := preset.ByName(job.PresetName)
	if !ok {
		p = preset.Default()
	}
	effective := p.Apply(job.Overrides)

	passLogPrefix := filepath.Join(r.cfg().Paths.TempPath, job.ID)
	passes, err := preset.Build(effective, job.InputPath, job.OutputPath, passLogPrefix)
	if err != nil {
		r.finish(job, database.StatusFailed, err.Error())
		return
	}
	if len(passes) > 1 {
		// Two-pass stats land under temp, where retention reclaims them.
		if err := os.MkdirAll(r.cfg().Paths.TempPath, 0o755); err != nil {
			r.finish(job, database.StatusFailed, fmt.Sprintf("cannot create temp directory: %v", err))
			return
		}
	}

	durationSec := r.probeDuration(ctx, job)

	if err := os.MkdirAll(filepath.Dir(job.OutputPath), 0o755); err != nil {
		r.finish(job, database.StatusFailed, fmt.Sprintf("cannot create output directory: %v", err))
		return
	}

	var stderrTail string
	for i, argv := range passes {
		reportProgress := i == len(passes)-1
		tail, err := r.runPass(ctx, job, argv, durationSec, reportProgress)
		stderrTail = tail

		if reason, cancelled := r.table.cancelReason(job.ID); cancelled {
			r.finish(job, database.StatusCancelled, reason)
			return
		}
		if err != nil {
			msg := stderrTail
			if msg == "" {
				msg = err.Error()
			}
			if _, spawnFailed := err.(*exec.Error); spawnFailed {
				msg = "could not start encoder, ensure FFmpeg is installed: " + err.Error()
			}
			r.finish(job, database.StatusFailed, msg)
			return
		}
	}

	info, err := os.Stat(job.OutputPath)
	if err != nil || info.Size() == 0 {
		r.finish(job, database.StatusFailed, "encoder exited cleanly but produced no output")
		return
	}

	if err := r.store.SetOutputBytes(job.ID, info.Size()); err != nil {
		r.logger.Warn("failed to record output size", "job_id", job.ID, "error", err)
	}
	r.gov.AdjustUsage(space.BucketOutputs, info.Size())
	r.gov.Estimator().RecordActual(effective.VideoCodec, job.InputBytes, info.Size())

	r.finish(job, database.StatusCompleted, "")
}

// probeDuration asks ffprobe for the container duration. Zero means
// unknown; progress then degrades to current-time-only.
func (r *Runner) probeDuration(ctx context.Context, job *database.Job) float64 {
	cfg := r.cfg().FFmpeg
	cmd := exec.CommandContext(ctx, cfg.FFprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		job.InputPath)
	out, err := cmd.Output()
	if err != nil {
		r.logger.Warn("probe failed, progress will have no percentage", "job_id", job.ID, "error", err)
		return 0
	}
	durationSec, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil || durationSec <= 0 {
		return 0
	}
	if err := r.store.SetDuration(job.ID, durationSec); err != nil {
		r.logger.Warn("failed to record duration", "job_id", job.ID, "error", err)
	}
	return durationSec
}

// runPass spawns one FFmpeg invocation and supervises it to exit. It
// returns the trailing stderr window and the wait error, if any.
func (r *Runner) runPass(ctx context.Context, job *database.Job, argv []string, durationSec float64, reportProgress bool) (string, error) {
	cfg := r.cfg()
	cmd := exec.Command(cfg.FFmpeg.FFmpegPath, argv...)
	// Own process group, so the whole subtree can be signaled at once.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdout = io.Discard
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", err
	}

	if err := cmd.Start(); err != nil {
		return "", err
	}

	// The table entry must exist before any stderr is consumed.
	r.table.register(job.ID, cmd)
	defer r.table.remove(job.ID)

	// A cancel that landed between spawn and registration only set the
	// flag; the child is live now, so kill it.
	if reason, ok := r.table.cancelReason(job.ID); ok {
		r.table.cancel(job.ID, reason)
	}

	r.logger.Info("encoder started", "job_id", job.ID, "pid", cmd.Process.Pid, "args", strings.Join(argv, " "))

	stall := time.AfterFunc(cfg.Queue.StallTimeout, func() {
		r.logger.Warn("no progress from encoder, cancelling", "job_id", job.ID)
		r.table.cancel(job.ID, encoderStalled)
	})
	defer stall.Stop()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			r.table.cancel(job.ID, cancelledByUser)
		case <-done:
		}
	}()
	defer close(done)

	thr := newThrottle(cfg.Progress.UpdateInterval, cfg.Progress.UpdateThresholdPct, cfg.Progress.UpdateThresholdBytes)
	passStart := time.Now()

	var tail []byte
	var outBytes int64
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		tail = appendTail(tail, line)

		if n, ok := parseTotalSizeBytes(line); ok {
			outBytes = n
			continue
		}
		currentSec, ok := parseProgressSeconds(line)
		if !ok {
			continue
		}
		stall.Reset(cfg.Queue.StallTimeout)
		if !reportProgress {
			continue
		}
		r.publishProgress(job, thr, currentSec, durationSec, outBytes, passStart)
	}

	err = cmd.Wait()
	return string(tail), err
}

// publishProgress persists and publishes one throttled progress update.
// The percentage caps at 99 until the encoder has actually exited.
func (r *Runner) publishProgress(job *database.Job, thr *throttle, currentSec, durationSec float64, outBytes int64, passStart time.Time) {
	pct := 0
	var speed, eta float64

	if durationSec > 0 {
		pct = int(math.Floor(currentSec / durationSec * 100))
		if pct > 99 {
			pct = 99
		}
	}
	if elapsed := time.Since(passStart).Seconds(); elapsed > 0 {
		speed = currentSec / elapsed
	}
	if speed > 0 && durationSec > currentSec {
		eta = (durationSec - currentSec) / speed
	}

	if !thr.allow(time.Now(), pct, outBytes) {
		return
	}

	if err := r.store.UpdateProgress(job.ID, pct, currentSec, speed, eta); err != nil {
		r.logger.Warn("failed to persist progress", "job_id", job.ID, "error", err)
	}
	r.bus.Publish(job.ID, events.EventProgressUpdate, events.ProgressUpdateData{
		TaskID:           job.ID,
		Progress:         pct,
		Message:          fmt.Sprintf("encoded %.1fs", currentSec),
		Speed:            speed,
		RemainingSeconds: eta,
	})
}

// finish writes the terminal status and publishes the closing events.
// The final ProgressUpdate(100) always precedes TaskCompleted.
func (r *Runner) finish(job *database.Job, status database.JobStatus, errMsg string) {
	defer r.table.clearCancel(job.ID)

	if err := r.store.SetTerminal(job.ID, status, errMsg); err != nil {
		r.logger.Error("failed to write terminal status", "job_id", job.ID, "status", status.String(), "error", err)
	}
	metrics.JobsFinished.WithLabelValues(status.String()).Inc()

	if status == database.StatusCompleted {
		r.bus.Publish(job.ID, events.EventProgressUpdate, events.ProgressUpdateData{
			TaskID:   job.ID,
			Progress: 100,
			Message:  "conversion complete",
		})
	}
	r.bus.Publish(job.ID, events.EventStatusUpdate, events.StatusUpdateData{
		TaskID:       job.ID,
		Status:       int(status),
		ErrorMessage: errMsg,
	})
	if status == database.StatusCompleted {
		r.bus.Broadcast(events.EventTaskCompleted, events.TaskLifecycleData{
			TaskID:   job.ID,
			TaskName: job.Name,
			Outcome:  status.String(),
		})
	}
	r.gov.BatchJobFinished(job.BatchID)
}

// appendTail keeps the trailing window of stderr for failure reports.
func appendTail(tail []byte, line string) []byte {
	tail = append(tail, line...)
	tail = append(tail, '\n')
	if len(tail) > stderrTailBytes {
		tail = tail[len(tail)-stderrTailBytes:]
	}
	return tail
}
