package taskstore

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/mantonx/convertra/internal/database"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	// Serialize sqlite access so concurrent tests exercise the store's
	// guards instead of driver lock errors.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, database.Migrate(db))
	return NewStore(db, hclog.NewNullLogger())
}

func newTestJob(id string) *database.Job {
	return &database.Job{
		ID:         id,
		Name:       "sample.mp4",
		InputPath:  "/data/uploads/" + id + ".mp4",
		OutputPath: "/data/outputs/" + id + ".mkv",
		PresetName: "h264-medium",
	}
}

func TestCreateAndGet(t *testing.T) {
	store := newTestStore(t)

	job := newTestJob("")
	require.NoError(t, store.Create(job))
	assert.NotEmpty(t, job.ID, "a missing ID should be generated")

	got, err := store.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, database.StatusPending, got.Status)
	assert.Equal(t, 0, got.Progress)
	assert.Equal(t, "sample.mp4", got.Name)

	_, err = store.Get("does-not-exist")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTryStartSingleWinner(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Create(newTestJob("race-job")))

	const callers = 50
	var wins int64
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			won, err := store.TryStart("race-job")
			assert.NoError(t, err)
			if won {
				atomic.AddInt64(&wins, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), wins, "exactly one caller may claim a pending job")

	got, err := store.Get("race-job")
	require.NoError(t, err)
	assert.Equal(t, database.StatusConverting, got.Status)
	assert.NotNil(t, got.StartedAt)
}

func TestTryStartRefusesNonPending(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Create(newTestJob("done-job")))
	require.NoError(t, store.SetTerminal("done-job", database.StatusCancelled, ""))

	won, err := store.TryStart("done-job")
	require.NoError(t, err)
	assert.False(t, won)

	won, err = store.TryStart("no-such-job")
	require.NoError(t, err)
	assert.False(t, won)
}

func TestSetTerminalFirstWriteWins(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Create(newTestJob("term-job")))

	won, err := store.TryStart("term-job")
	require.NoError(t, err)
	require.True(t, won)

	require.NoError(t, store.SetTerminal("term-job", database.StatusCompleted, ""))

	// A later conflicting write is a silent no-op.
	require.NoError(t, store.SetTerminal("term-job", database.StatusCancelled, "late cancel"))

	got, err := store.Get("term-job")
	require.NoError(t, err)
	assert.Equal(t, database.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Empty(t, got.Error)
	assert.NotNil(t, got.CompletedAt)
}

func TestSetTerminalRejectsNonTerminalStatus(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Create(newTestJob("bad-term")))

	err := store.SetTerminal("bad-term", database.StatusConverting, "")
	var storageErr *StorageError
	assert.ErrorAs(t, err, &storageErr)
}

func TestSetTerminalRecordsError(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Create(newTestJob("fail-job")))

	require.NoError(t, store.SetTerminal("fail-job", database.StatusFailed, "encoder exited with code 1"))

	got, err := store.Get("fail-job")
	require.NoError(t, err)
	assert.Equal(t, database.StatusFailed, got.Status)
	assert.Equal(t, "encoder exited with code 1", got.Error)
}

func TestUpdateProgressOnlyWhileConverting(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Create(newTestJob("prog-job")))

	// Pending: the guarded update matches no row and changes nothing.
	require.NoError(t, store.UpdateProgress("prog-job", 40, 10, 1.5, 30))
	got, err := store.Get("prog-job")
	require.NoError(t, err)
	assert.Equal(t, 0, got.Progress)

	won, err := store.TryStart("prog-job")
	require.NoError(t, err)
	require.True(t, won)

	require.NoError(t, store.UpdateProgress("prog-job", 40, 10, 1.5, 30))
	got, err = store.Get("prog-job")
	require.NoError(t, err)
	assert.Equal(t, 40, got.Progress)
	assert.InDelta(t, 10.0, got.CurrentSec, 0.001)
	assert.InDelta(t, 1.5, got.Speed, 0.001)

	require.NoError(t, store.SetTerminal("prog-job", database.StatusCompleted, ""))

	// Terminal: progress writes no longer apply.
	require.NoError(t, store.UpdateProgress("prog-job", 55, 20, 2.0, 5))
	got, err = store.Get("prog-job")
	require.NoError(t, err)
	assert.Equal(t, 100, got.Progress)
}

func TestListActiveOrdering(t *testing.T) {
	store := newTestStore(t)

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		job := newTestJob(fmt.Sprintf("job-%d", i))
		job.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, store.Create(job))
	}
	require.NoError(t, store.SetTerminal("job-1", database.StatusCancelled, ""))

	active, err := store.ListActive()
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "job-0", active[0].ID, "oldest first")
	assert.Equal(t, "job-2", active[1].ID)
}

func TestCleanupOlderThan(t *testing.T) {
	store := newTestStore(t)

	old := newTestJob("old-job")
	require.NoError(t, store.Create(old))
	require.NoError(t, store.SetTerminal("old-job", database.StatusCompleted, ""))
	past := time.Now().UTC().Add(-48 * time.Hour)
	require.NoError(t, store.db.Model(&database.Job{}).
		Where("id = ?", "old-job").Update("completed_at", past).Error)

	fresh := newTestJob("fresh-job")
	require.NoError(t, store.Create(fresh))
	require.NoError(t, store.SetTerminal("fresh-job", database.StatusCompleted, ""))

	removed, err := store.CleanupOlderThan(24*time.Hour, []database.JobStatus{database.StatusCompleted})
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, err = store.Get("old-job")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Get("fresh-job")
	assert.NoError(t, err)
}

func TestDeleteNotFound(t *testing.T) {
	store := newTestStore(t)
	assert.ErrorIs(t, store.Delete("ghost"), ErrNotFound)
}

func TestPathsReferencedByActiveJobs(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Create(newTestJob("active-1")))
	require.NoError(t, store.Create(newTestJob("done-1")))
	require.NoError(t, store.SetTerminal("done-1", database.StatusCompleted, ""))

	paths, err := store.PathsReferencedByActiveJobs()
	require.NoError(t, err)
	assert.Contains(t, paths, "/data/uploads/active-1.mp4")
	assert.Contains(t, paths, "/data/outputs/active-1.mkv")
	assert.NotContains(t, paths, "/data/uploads/done-1.mp4")
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{
		Conn:                 sqlDB,
		PreferSimpleProtocol: true,
	}), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	return NewStore(db, hclog.NewNullLogger()), mock
}

func TestSetTerminalVerifyRetryThenFail(t *testing.T) {
	store, mock := newMockStore(t)

	convertingRow := func() *sqlmock.Rows {
		return sqlmock.NewRows([]string{"id", "status"}).
			AddRow("stuck-job", int(database.StatusConverting))
	}

	// Both attempts: the update reports success but the re-read still
	// sees a non-terminal row.
	for i := 0; i < 2; i++ {
		mock.ExpectExec(`UPDATE "jobs"`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery(`SELECT \* FROM "jobs"`).
			WillReturnRows(convertingRow())
	}

	err := store.SetTerminal("stuck-job", database.StatusFailed, "boom")
	var storageErr *StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.Equal(t, "set_terminal", storageErr.Op)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetTerminalVerifySucceedsOnRetry(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE "jobs"`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT \* FROM "jobs"`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status"}).
			AddRow("flaky-job", int(database.StatusConverting)))

	mock.ExpectExec(`UPDATE "jobs"`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT \* FROM "jobs"`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status"}).
			AddRow("flaky-job", int(database.StatusFailed)))

	require.NoError(t, store.SetTerminal("flaky-job", database.StatusFailed, "boom"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
