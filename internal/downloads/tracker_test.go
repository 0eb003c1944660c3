package downloads

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/mantonx/convertra/internal/config"
	"github.com/mantonx/convertra/internal/database"
	"github.com/mantonx/convertra/internal/events"
	"github.com/mantonx/convertra/internal/taskstore"
)

type trackerFixture struct {
	tracker *Tracker
	store   *taskstore.Store
	bus     *events.Bus
	cfg     *config.Config
	outDir  string
	db      *gorm.DB
}

func newTrackerFixture(t *testing.T) *trackerFixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, database.Migrate(db))

	cfg := config.Default()
	outDir := t.TempDir()
	cfg.Paths.OutputPath = outDir

	store := taskstore.NewStore(db, hclog.NewNullLogger())
	bus := events.NewBus(hclog.NewNullLogger())
	tracker := NewTracker(db, store, bus, func() *config.Config { return cfg }, hclog.NewNullLogger())
	return &trackerFixture{tracker: tracker, store: store, bus: bus, cfg: cfg, outDir: outDir, db: db}
}

func (f *trackerFixture) completedJob(t *testing.T, id string) (*database.Job, string) {
	t.Helper()
	output := filepath.Join(f.outDir, id+".mkv")
	require.NoError(t, os.WriteFile(output, make([]byte, 512), 0o644))

	job := &database.Job{ID: id, Name: id, OutputPath: output}
	require.NoError(t, f.store.Create(job))
	require.NoError(t, f.store.SetTerminal(id, database.StatusCompleted, ""))
	return job, output
}

func TestTrackRecordsAndSchedules(t *testing.T) {
	f := newTrackerFixture(t)
	_, output := f.completedJob(t, "dl")

	sub := f.bus.Subscribe("dl-watcher")
	defer sub.Close()
	f.bus.JoinGroup("dl-watcher", "dl")

	rec, err := f.tracker.Track("dl", "10.0.0.1", "curl/8")
	require.NoError(t, err)

	assert.Equal(t, "dl", rec.JobID)
	assert.Equal(t, "dl.mkv", rec.FileName)
	assert.Equal(t, int64(512), rec.FileBytes)
	assert.Equal(t, "10.0.0.1", rec.ClientAddr)
	assert.WithinDuration(t, rec.DownloadedAt.Add(f.cfg.Retention.DownloadedAfter), rec.ScheduledDeleteAt, time.Second)
	assert.FileExists(t, output, "retention has not elapsed yet")

	select {
	case evt := <-sub.Events():
		require.Equal(t, events.EventDownloadTracked, evt.Type)
		data := evt.Data.(events.DownloadTrackedData)
		assert.Equal(t, "dl", data.TaskID)
		assert.InDelta(t, 24.0, data.RetentionHours, 0.01)
	case <-time.After(time.Second):
		t.Fatal("no DownloadTracked event")
	}
}

func TestTrackUnknownJob(t *testing.T) {
	f := newTrackerFixture(t)
	_, err := f.tracker.Track("ghost", "", "")
	assert.ErrorIs(t, err, taskstore.ErrNotFound)
}

func TestShortRetentionDeletesFile(t *testing.T) {
	f := newTrackerFixture(t)
	f.cfg.Retention.DownloadedAfter = 50 * time.Millisecond
	_, output := f.completedJob(t, "fast")

	sub := f.bus.Subscribe("fast-watcher")
	defer sub.Close()
	f.bus.JoinGroup("fast-watcher", "fast")

	_, err := f.tracker.Track("fast", "", "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, statErr := os.Stat(output)
		return os.IsNotExist(statErr)
	}, 2*time.Second, 10*time.Millisecond, "file should be deleted after retention")

	cleanups := 0
	timeout := time.After(time.Second)
drain:
	for {
		select {
		case evt := <-sub.Events():
			if evt.Type == events.EventDownloadedFileCleanedUp {
				cleanups++
			}
		case <-timeout:
			break drain
		}
	}
	assert.Equal(t, 1, cleanups, "cleanup publishes exactly once")
}

func TestSweepIsIdempotent(t *testing.T) {
	f := newTrackerFixture(t)
	f.cfg.Retention.DownloadedAfter = -time.Second
	_, output := f.completedJob(t, "idem")

	// Negative retention makes Track expire immediately.
	_, err := f.tracker.Track("idem", "", "")
	require.NoError(t, err)
	assert.NoFileExists(t, output)

	// Repeat sweeps find nothing left to do.
	for i := 0; i < 3; i++ {
		bytes, files, err := f.tracker.SweepOlderThan(time.Time{})
		require.NoError(t, err)
		assert.Zero(t, bytes)
		assert.Zero(t, files)
	}
}

func TestSweepHandlesDueRecords(t *testing.T) {
	f := newTrackerFixture(t)
	_, output := f.completedJob(t, "due")

	rec, err := f.tracker.Track("due", "", "")
	require.NoError(t, err)
	f.tracker.stopTimers()

	// Force the schedule into the past, as if the process had restarted
	// after the deadline.
	require.NoError(t, f.db.Model(&database.DownloadRecord{}).
		Where("id = ?", rec.ID).
		Update("scheduled_delete_at", time.Now().UTC().Add(-time.Minute)).Error)

	bytes, files, err := f.tracker.SweepOlderThan(time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(512), bytes)
	assert.Equal(t, 1, files)
	assert.NoFileExists(t, output)
}

func TestSweepAggressiveCutoff(t *testing.T) {
	f := newTrackerFixture(t)
	_, output := f.completedJob(t, "aggr")

	rec, err := f.tracker.Track("aggr", "", "")
	require.NoError(t, err)
	f.tracker.stopTimers()

	// Not yet scheduled for deletion, but downloaded long ago.
	require.NoError(t, f.db.Model(&database.DownloadRecord{}).
		Where("id = ?", rec.ID).
		Update("downloaded_at", time.Now().UTC().Add(-12*time.Hour)).Error)

	_, files, err := f.tracker.SweepOlderThan(time.Now().UTC().Add(-6 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, files)
	assert.NoFileExists(t, output)
}

func TestRestoreExpiresPastDue(t *testing.T) {
	f := newTrackerFixture(t)
	_, output := f.completedJob(t, "restore")

	rec, err := f.tracker.Track("restore", "", "")
	require.NoError(t, err)
	f.tracker.stopTimers()

	require.NoError(t, f.db.Model(&database.DownloadRecord{}).
		Where("id = ?", rec.ID).
		Update("scheduled_delete_at", time.Now().UTC().Add(-time.Minute)).Error)

	require.NoError(t, f.tracker.Restore())
	assert.NoFileExists(t, output)
}
