// Package queue polls for pending jobs and hands them to the runner,
// enforcing single-start semantics through the store's claim operation.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/mantonx/convertra/internal/config"
	"github.com/mantonx/convertra/internal/database"
	"github.com/mantonx/convertra/internal/taskstore"
)

// storeFailureBackoff is the poll delay after a persistent store error.
const storeFailureBackoff = 30 * time.Second

// JobRunner executes one claimed job to a terminal state.
type JobRunner interface {
	Run(ctx context.Context, job *database.Job)
	Cancel(jobID string) bool
}

// Dispatcher is the single long-lived loop that starts pending jobs.
type Dispatcher struct {
	store  *taskstore.Store
	runner JobRunner
	cfg    func() *config.Config
	logger hclog.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
	wg       sync.WaitGroup
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(store *taskstore.Store, runner JobRunner, cfg func() *config.Config, logger hclog.Logger) *Dispatcher {
	return &Dispatcher{
		store:    store,
		runner:   runner,
		cfg:      cfg,
		logger:   logger.Named("queue"),
		inFlight: make(map[string]struct{}),
	}
}

// Run polls until ctx is cancelled, then shuts down: every in-flight
// job is asked to cancel and awaited within the shutdown timeout.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("dispatcher started", "poll_interval", d.cfg().Queue.CheckInterval)

	interval := d.cfg().Queue.CheckInterval
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			d.shutdown()
			return
		case <-timer.C:
		}

		if err := d.poll(ctx); err != nil {
			d.logger.Error("poll failed, backing off", "error", err, "backoff", storeFailureBackoff)
			timer.Reset(storeFailureBackoff)
			continue
		}
		timer.Reset(interval)
	}
}

// poll claims every pending job not already in flight and launches it.
func (d *Dispatcher) poll(ctx context.Context) error {
	jobs, err := d.store.ListActive()
	if err != nil {
		return err
	}

	for i := range jobs {
		job := jobs[i]
		if job.Status != database.StatusPending {
			continue
		}
		if d.tracked(job.ID) {
			continue
		}

		won, err := d.store.TryStart(job.ID)
		if err != nil {
			d.logger.Warn("claim failed", "job_id", job.ID, "error", err)
			continue
		}
		if !won {
			// Another path claimed it between the list and the CAS.
			continue
		}

		d.track(job.ID)
		d.wg.Add(1)
		go d.launch(ctx, job)
	}
	return nil
}

// launch runs one job. A runner panic is contained here so the polling
// loop never dies with it.
func (d *Dispatcher) launch(ctx context.Context, job database.Job) {
	defer d.wg.Done()
	defer d.untrack(job.ID)
	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Error("runner panicked", "job_id", job.ID, "panic", rec)
		}
	}()

	d.logger.Info("starting job", "job_id", job.ID, "name", job.Name)
	d.runner.Run(ctx, &job)
}

// Cancel requests cancellation of a job. Terminal writes belong to the
// runner; the dispatcher only forwards the request.
func (d *Dispatcher) Cancel(jobID string) bool {
	return d.runner.Cancel(jobID)
}

// InFlight returns the ids of jobs currently being run.
func (d *Dispatcher) InFlight() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(d.inFlight))
	for id := range d.inFlight {
		ids = append(ids, id)
	}
	return ids
}

func (d *Dispatcher) shutdown() {
	timeout := d.cfg().Queue.ShutdownTimeout
	if timeout < 5*time.Second {
		timeout = 5 * time.Second
	}

	ids := d.InFlight()
	if len(ids) == 0 {
		d.logger.Info("dispatcher stopped")
		return
	}
	d.logger.Info("shutting down, cancelling in-flight jobs", "count", len(ids), "timeout", timeout)
	for _, id := range ids {
		d.runner.Cancel(id)
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.logger.Info("all in-flight jobs finished")
	case <-time.After(timeout):
		d.logger.Warn("shutdown timeout elapsed with jobs still live", "remaining", len(d.InFlight()))
	}
}

func (d *Dispatcher) tracked(jobID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.inFlight[jobID]
	return ok
}

func (d *Dispatcher) track(jobID string) {
	d.mu.Lock()
	d.inFlight[jobID] = struct{}{}
	d.mu.Unlock()
}

func (d *Dispatcher) untrack(jobID string) {
	d.mu.Lock()
	delete(d.inFlight, jobID)
	d.mu.Unlock()
}
