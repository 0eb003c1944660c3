// Package taskstore provides durable job records and the atomic state
// transitions every other component relies on.
package taskstore

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"gorm.io/gorm"

	"github.com/mantonx/convertra/internal/database"
)

// ErrNotFound is returned when a job ID does not exist.
var ErrNotFound = errors.New("job not found")

// StorageError wraps a failed store operation. Callers never observe a
// partially applied update behind one of these.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Store persists jobs in the relational database.
type Store struct {
	db     *gorm.DB
	logger hclog.Logger
}

// NewStore creates a job store.
func NewStore(db *gorm.DB, logger hclog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger.Named("taskstore"),
	}
}

// Create inserts a new job in Pending state.
func (s *Store) Create(job *database.Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	job.Status = database.StatusPending
	job.Progress = 0
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.Overrides == nil {
		job.Overrides = database.OptionMap{}
	}

	if err := s.db.Create(job).Error; err != nil {
		return &StorageError{Op: "create", Err: err}
	}
	s.logger.Info("job created", "job_id", job.ID, "name", job.Name, "preset", job.PresetName)
	return nil
}

// Get returns a job by ID, or ErrNotFound.
func (s *Store) Get(id string) (*database.Job, error) {
	var job database.Job
	if err := s.db.Where("id = ?", id).First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, &StorageError{Op: "get", Err: err}
	}
	return &job, nil
}

// ListActive returns Pending and Converting jobs ordered by creation
// time. The read always goes to the database, never a cached row.
func (s *Store) ListActive() ([]database.Job, error) {
	var jobs []database.Job
	err := s.db.Session(&gorm.Session{NewDB: true}).
		Where("status IN ?", []database.JobStatus{database.StatusPending, database.StatusConverting}).
		Order("created_at ASC").
		Find(&jobs).Error
	if err != nil {
		return nil, &StorageError{Op: "list_active", Err: err}
	}
	return jobs, nil
}

// List returns jobs filtered by status, newest first. A nil filter
// returns everything.
func (s *Store) List(statuses []database.JobStatus, limit int) ([]database.Job, error) {
	query := s.db.Order("created_at DESC")
	if len(statuses) > 0 {
		query = query.Where("status IN ?", statuses)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	var jobs []database.Job
	if err := query.Find(&jobs).Error; err != nil {
		return nil, &StorageError{Op: "list", Err: err}
	}
	return jobs, nil
}

// TryStart atomically promotes a Pending job to Converting. It is the
// single serialization point that prevents double execution: of any
// number of concurrent callers, exactly one sees true.
func (s *Store) TryStart(id string) (bool, error) {
	now := time.Now().UTC()
	res := s.db.Model(&database.Job{}).
		Where("id = ? AND status = ?", id, database.StatusPending).
		Updates(map[string]interface{}{
			"status":     database.StatusConverting,
			"started_at": now,
		})
	if res.Error != nil {
		return false, &StorageError{Op: "try_start", Err: res.Error}
	}
	if res.RowsAffected == 1 {
		s.logger.Debug("job claimed", "job_id", id)
		return true, nil
	}
	return false, nil
}

// UpdateProgress applies a partial progress update. It never changes
// status and never touches a row that is no longer Converting.
func (s *Store) UpdateProgress(id string, progress int, currentSec, speed, etaSec float64) error {
	updates := map[string]interface{}{
		"progress": progress,
	}
	if currentSec > 0 {
		updates["current_sec"] = currentSec
	}
	if speed > 0 {
		updates["speed"] = speed
	}
	if etaSec > 0 {
		updates["eta_sec"] = etaSec
	}

	err := s.db.Model(&database.Job{}).
		Where("id = ? AND status = ?", id, database.StatusConverting).
		Updates(updates).Error
	if err != nil {
		return &StorageError{Op: "update_progress", Err: err}
	}
	return nil
}

// SetDuration records the probed input duration.
func (s *Store) SetDuration(id string, durationSec float64) error {
	err := s.db.Model(&database.Job{}).
		Where("id = ?", id).
		Update("duration_sec", durationSec).Error
	if err != nil {
		return &StorageError{Op: "set_duration", Err: err}
	}
	return nil
}

// SetOutputBytes records the size of the finished output file.
func (s *Store) SetOutputBytes(id string, bytes int64) error {
	err := s.db.Model(&database.Job{}).
		Where("id = ?", id).
		Update("output_bytes", bytes).Error
	if err != nil {
		return &StorageError{Op: "set_output_bytes", Err: err}
	}
	return nil
}

// SetTerminal moves a job into a terminal status. A row that is already
// terminal keeps its first-written state; the call is then a no-op.
// After writing, the row is re-read to verify the transition; a mismatch
// is retried once before reporting a StorageError.
func (s *Store) SetTerminal(id string, status database.JobStatus, errMsg string) error {
	if !status.Terminal() {
		return &StorageError{Op: "set_terminal", Err: fmt.Errorf("status %s is not terminal", status)}
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if err := s.writeTerminal(id, status, errMsg); err != nil {
			lastErr = err
			continue
		}

		var job database.Job
		if err := s.db.Where("id = ?", id).First(&job).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			lastErr = err
			continue
		}
		if job.Status.Terminal() {
			if job.Status == status {
				s.logger.Info("job finished", "job_id", id, "status", status.String())
			} else {
				s.logger.Debug("terminal state already written, keeping first",
					"job_id", id, "existing", job.Status.String(), "requested", status.String())
			}
			return nil
		}
		lastErr = fmt.Errorf("job %s still %s after terminal write", id, job.Status)
	}
	return &StorageError{Op: "set_terminal", Err: lastErr}
}

func (s *Store) writeTerminal(id string, status database.JobStatus, errMsg string) error {
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"status":       status,
		"completed_at": now,
	}
	if errMsg != "" {
		updates["error"] = errMsg
	}
	if status == database.StatusCompleted {
		updates["progress"] = 100
	}

	terminal := []database.JobStatus{
		database.StatusCompleted, database.StatusFailed, database.StatusCancelled,
	}
	return s.db.Model(&database.Job{}).
		Where("id = ? AND status NOT IN ?", id, terminal).
		Updates(updates).Error
}

// Delete removes a job row.
func (s *Store) Delete(id string) error {
	res := s.db.Where("id = ?", id).Delete(&database.Job{})
	if res.Error != nil {
		return &StorageError{Op: "delete", Err: res.Error}
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CleanupOlderThan removes jobs in the given terminal statuses whose
// completion time is older than the cutoff. It returns the number of
// rows removed.
func (s *Store) CleanupOlderThan(age time.Duration, statuses []database.JobStatus) (int64, error) {
	cutoff := time.Now().UTC().Add(-age)
	res := s.db.Where("status IN ? AND completed_at IS NOT NULL AND completed_at < ?", statuses, cutoff).
		Delete(&database.Job{})
	if res.Error != nil {
		return 0, &StorageError{Op: "cleanup_older_than", Err: res.Error}
	}
	if res.RowsAffected > 0 {
		s.logger.Info("cleaned up old job rows", "count", res.RowsAffected, "cutoff", cutoff)
	}
	return res.RowsAffected, nil
}

// PathsReferencedByActiveJobs returns every input and output path of a
// non-terminal job. Cleanup uses this set to honor the rule that it
// never deletes a path a live conversion still needs.
func (s *Store) PathsReferencedByActiveJobs() (map[string]struct{}, error) {
	active, err := s.ListActive()
	if err != nil {
		return nil, err
	}
	paths := make(map[string]struct{}, len(active)*2)
	for _, job := range active {
		if job.InputPath != "" {
			paths[job.InputPath] = struct{}{}
		}
		if job.OutputPath != "" {
			paths[job.OutputPath] = struct{}{}
		}
	}
	return paths, nil
}

// PathsReferencedByAnyJob returns input/output paths of every job row.
func (s *Store) PathsReferencedByAnyJob() (map[string]struct{}, error) {
	var jobs []database.Job
	if err := s.db.Select("input_path", "output_path").Find(&jobs).Error; err != nil {
		return nil, &StorageError{Op: "paths_referenced", Err: err}
	}
	paths := make(map[string]struct{}, len(jobs)*2)
	for _, job := range jobs {
		if job.InputPath != "" {
			paths[job.InputPath] = struct{}{}
		}
		if job.OutputPath != "" {
			paths[job.OutputPath] = struct{}{}
		}
	}
	return paths, nil
}

// ListByStatusOlderThan returns jobs in a status whose completion time
// is before the cutoff.
func (s *Store) ListByStatusOlderThan(status database.JobStatus, cutoff time.Time) ([]database.Job, error) {
	var jobs []database.Job
	err := s.db.Where("status = ? AND completed_at IS NOT NULL AND completed_at < ?", status, cutoff).
		Find(&jobs).Error
	if err != nil {
		return nil, &StorageError{Op: "list_by_status", Err: err}
	}
	return jobs, nil
}
