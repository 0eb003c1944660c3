// Package downloads tracks served output files and deletes them after
// their retention window.
package downloads

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"gorm.io/gorm"

	"github.com/mantonx/convertra/internal/config"
	"github.com/mantonx/convertra/internal/database"
	"github.com/mantonx/convertra/internal/events"
	"github.com/mantonx/convertra/internal/metrics"
	"github.com/mantonx/convertra/internal/taskstore"
)

// sweepInterval is how often the sweeper rechecks pending records. The
// per-record timers are only an optimization; the sweep is what
// survives restarts.
const sweepInterval = time.Hour

// Tracker records downloads and owns their retention cleanup.
type Tracker struct {
	db     *gorm.DB
	store  *taskstore.Store
	bus    *events.Bus
	cfg    func() *config.Config
	logger hclog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewTracker creates a download tracker.
func NewTracker(db *gorm.DB, store *taskstore.Store, bus *events.Bus, cfg func() *config.Config, logger hclog.Logger) *Tracker {
	return &Tracker{
		db:     db,
		store:  store,
		bus:    bus,
		cfg:    cfg,
		logger: logger.Named("downloads"),
		timers: make(map[string]*time.Timer),
	}
}

// Track records one successful download of a job's output and schedules
// its deletion after the retention window.
func (t *Tracker) Track(jobID, clientAddr, userAgent string) (*database.DownloadRecord, error) {
	job, err := t.store.Get(jobID)
	if err != nil {
		return nil, err
	}

	var size int64
	if info, err := os.Stat(job.OutputPath); err == nil {
		size = info.Size()
	}

	now := time.Now().UTC()
	retention := t.cfg().Retention.DownloadedAfter
	rec := &database.DownloadRecord{
		ID:                uuid.New().String(),
		JobID:             jobID,
		FileName:          filepath.Base(job.OutputPath),
		FileBytes:         size,
		DownloadedAt:      now,
		ScheduledDeleteAt: now.Add(retention),
		ClientAddr:        clientAddr,
		UserAgent:         userAgent,
	}
	if err := t.db.Create(rec).Error; err != nil {
		return nil, fmt.Errorf("recording download: %w", err)
	}
	metrics.DownloadsTracked.Inc()

	t.bus.Publish(jobID, events.EventDownloadTracked, events.DownloadTrackedData{
		TaskID:               jobID,
		FileName:             rec.FileName,
		FileSize:             size,
		DownloadTime:         rec.DownloadedAt,
		ScheduledCleanupTime: rec.ScheduledDeleteAt,
		RetentionHours:       retention.Hours(),
	})

	if !rec.ScheduledDeleteAt.After(now) {
		t.expire(rec.ID)
		return rec, nil
	}
	t.schedule(rec.ID, retention)
	return rec, nil
}

func (t *Tracker) schedule(recordID string, after time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.timers[recordID]; ok {
		old.Stop()
	}
	t.timers[recordID] = time.AfterFunc(after, func() { t.expire(recordID) })
}

// expire performs the retention deletion for one record. The mark is a
// conditional write, so concurrent timers and sweeps delete the file at
// most once per record.
func (t *Tracker) expire(recordID string) (int64, bool) {
	var rec database.DownloadRecord
	if err := t.db.Where("id = ?", recordID).First(&rec).Error; err != nil {
		return 0, false
	}

	res := t.db.Model(&database.DownloadRecord{}).
		Where("id = ? AND deleted_at IS NULL", recordID).
		Update("deleted_at", time.Now().UTC())
	if res.Error != nil {
		t.logger.Warn("failed to mark download record", "record_id", recordID, "error", res.Error)
		return 0, false
	}
	if res.RowsAffected == 0 {
		// Someone else already handled it.
		return 0, false
	}

	t.mu.Lock()
	if timer, ok := t.timers[recordID]; ok {
		timer.Stop()
		delete(t.timers, recordID)
	}
	t.mu.Unlock()

	job, err := t.store.Get(rec.JobID)
	if err != nil {
		return 0, true
	}
	info, err := os.Stat(job.OutputPath)
	if err != nil {
		// File already gone, the record mark is all that was left to do.
		return 0, true
	}
	if err := os.Remove(job.OutputPath); err != nil {
		t.logger.Warn("failed to remove retained output", "path", job.OutputPath, "error", err)
		return 0, true
	}

	retention := rec.ScheduledDeleteAt.Sub(rec.DownloadedAt)
	t.logger.Info("retained output removed", "job_id", rec.JobID, "file", rec.FileName, "bytes", info.Size())
	t.bus.Publish(rec.JobID, events.EventDownloadedFileCleanedUp, events.DownloadedFileCleanedUpData{
		TaskID:         rec.JobID,
		FileName:       rec.FileName,
		FileSize:       info.Size(),
		CleanupTime:    time.Now().UTC(),
		RetentionHours: retention.Hours(),
	})
	return info.Size(), true
}

// SweepOlderThan deletes every record whose scheduled time has elapsed,
// plus records downloaded before the given cutoff (used by aggressive
// and emergency cleanup). A zero cutoff limits the sweep to scheduled
// expiry.
func (t *Tracker) SweepOlderThan(downloadedBefore time.Time) (int64, int, error) {
	now := time.Now().UTC()
	query := t.db.Where("deleted_at IS NULL")
	if downloadedBefore.IsZero() {
		query = query.Where("scheduled_delete_at <= ?", now)
	} else {
		query = query.Where("scheduled_delete_at <= ? OR downloaded_at <= ?", now, downloadedBefore)
	}

	var records []database.DownloadRecord
	if err := query.Find(&records).Error; err != nil {
		return 0, 0, fmt.Errorf("listing due download records: %w", err)
	}

	var bytes int64
	var files int
	for _, rec := range records {
		removed, handled := t.expire(rec.ID)
		if handled && removed > 0 {
			bytes += removed
			files++
		}
	}
	return bytes, files, nil
}

// Restore reschedules timers for records that survived a restart and
// immediately expires the past-due ones.
func (t *Tracker) Restore() error {
	var records []database.DownloadRecord
	if err := t.db.Where("deleted_at IS NULL").Find(&records).Error; err != nil {
		return fmt.Errorf("loading pending download records: %w", err)
	}

	now := time.Now().UTC()
	for _, rec := range records {
		if rec.ScheduledDeleteAt.After(now) {
			t.schedule(rec.ID, rec.ScheduledDeleteAt.Sub(now))
		} else {
			t.expire(rec.ID)
		}
	}
	if len(records) > 0 {
		t.logger.Info("restored download retention state", "pending", len(records))
	}
	return nil
}

// RunSweeper runs the hourly retention sweep until ctx is done.
func (t *Tracker) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			t.stopTimers()
			return
		case <-ticker.C:
			if _, _, err := t.SweepOlderThan(time.Time{}); err != nil {
				t.logger.Error("retention sweep failed", "error", err)
			}
		}
	}
}

func (t *Tracker) stopTimers() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, timer := range t.timers {
		timer.Stop()
		delete(t.timers, id)
	}
}
