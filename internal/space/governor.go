package space

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/shirou/gopsutil/v4/disk"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mantonx/convertra/internal/config"
	"github.com/mantonx/convertra/internal/database"
	"github.com/mantonx/convertra/internal/events"
	"github.com/mantonx/convertra/internal/metrics"
	"github.com/mantonx/convertra/internal/taskstore"
)

// Bucket names one of the accounted directory trees.
type Bucket string

const (
	BucketUploads Bucket = "uploads"
	BucketOutputs Bucket = "outputs"
	BucketTemp    Bucket = "temp"
)

// SpaceCheck is the result of an admission query.
type SpaceCheck struct {
	Sufficient bool  `json:"sufficient"`
	Required   int64 `json:"required"`
	Available  int64 `json:"available"`
	Shortfall  int64 `json:"shortfall"`
}

// QuotaError is returned when admission is refused. No job is created
// behind one of these.
type QuotaError struct {
	Required  int64
	Available int64
	Shortfall int64
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("insufficient space: need %d bytes, %d available (short %d)",
		e.Required, e.Available, e.Shortfall)
}

// DownloadCleaner removes downloaded output files whose retention has
// elapsed. The download tracker implements it.
type DownloadCleaner interface {
	SweepOlderThan(downloadedBefore time.Time) (bytes int64, files int, err error)
}

// Governor owns disk-space accounting, admission, warning publication
// and the tiered cleanup of the working directories.
type Governor struct {
	db        *gorm.DB
	store     *taskstore.Store
	bus       *events.Bus
	estimator *Estimator
	cfg       func() *config.Config
	logger    hclog.Logger

	downloads DownloadCleaner

	// measureMu serializes full directory measurements.
	measureMu sync.Mutex
	// cleanupMu keeps cleanup tiers from interleaving.
	cleanupMu sync.Mutex

	uploads atomic.Int64
	outputs atomic.Int64
	temp    atomic.Int64
}

// NewGovernor creates the space governor.
func NewGovernor(db *gorm.DB, store *taskstore.Store, bus *events.Bus, estimator *Estimator, cfg func() *config.Config, logger hclog.Logger) *Governor {
	return &Governor{
		db:        db,
		store:     store,
		bus:       bus,
		estimator: estimator,
		cfg:       cfg,
		logger:    logger.Named("space"),
	}
}

// SetDownloadCleaner wires the download retention tracker in. Must be
// called before the cleanup loops start.
func (g *Governor) SetDownloadCleaner(dc DownloadCleaner) {
	g.downloads = dc
}

// Estimator returns the governor's size estimator.
func (g *Governor) Estimator() *Estimator { return g.estimator }

// Usage is an accounting snapshot.
type Usage struct {
	UploadsBytes int64 `json:"uploadsBytes"`
	OutputsBytes int64 `json:"outputsBytes"`
	TempBytes    int64 `json:"tempBytes"`
	TotalBytes   int64 `json:"totalBytes"`
}

// CurrentUsage returns the in-memory accounting snapshot.
func (g *Governor) CurrentUsage() Usage {
	u := Usage{
		UploadsBytes: g.uploads.Load(),
		OutputsBytes: g.outputs.Load(),
		TempBytes:    g.temp.Load(),
	}
	u.TotalBytes = u.UploadsBytes + u.OutputsBytes + u.TempBytes
	return u
}

// MeasureUsage walks the working directories and refreshes the
// accounting buckets. Only one measurement runs at a time.
func (g *Governor) MeasureUsage() (Usage, error) {
	g.measureMu.Lock()
	defer g.measureMu.Unlock()

	paths := g.cfg().Paths
	uploads, err := dirSize(paths.UploadPath)
	if err != nil {
		return Usage{}, fmt.Errorf("measuring uploads: %w", err)
	}
	outputs, err := dirSize(paths.OutputPath)
	if err != nil {
		return Usage{}, fmt.Errorf("measuring outputs: %w", err)
	}
	temp, err := dirSize(paths.TempPath)
	if err != nil {
		return Usage{}, fmt.Errorf("measuring temp: %w", err)
	}

	g.uploads.Store(uploads)
	g.outputs.Store(outputs)
	g.temp.Store(temp)
	g.exportGauges()

	row := database.SpaceUsage{
		ID:             1,
		UploadsBytes:   uploads,
		OutputsBytes:   outputs,
		TempBytes:      temp,
		LastMeasuredAt: time.Now().UTC(),
	}
	if err := g.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
		g.logger.Warn("failed to persist usage row", "error", err)
	}
	g.persistQuota()

	return g.CurrentUsage(), nil
}

// persistQuota mirrors the effective quota settings into the singleton
// row, so the database carries them alongside the usage snapshot.
func (g *Governor) persistQuota() {
	quota := g.cfg().Quota
	row := database.SpaceQuota{
		ID:            1,
		MaxTotalBytes: quota.MaxBytes,
		ReservedBytes: quota.ReservedBytes,
		Enabled:       quota.Enabled,
		UpdatedAt:     time.Now().UTC(),
	}
	if err := g.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
		g.logger.Warn("failed to persist quota row", "error", err)
	}
}

// AdjustUsage applies an incremental delta to a bucket, clamping at
// zero.
func (g *Governor) AdjustUsage(bucket Bucket, delta int64) {
	var target *atomic.Int64
	switch bucket {
	case BucketUploads:
		target = &g.uploads
	case BucketOutputs:
		target = &g.outputs
	case BucketTemp:
		target = &g.temp
	default:
		return
	}
	for {
		old := target.Load()
		next := old + delta
		if next < 0 {
			next = 0
		}
		if target.CompareAndSwap(old, next) {
			break
		}
	}
	g.exportGauges()
}

func (g *Governor) exportGauges() {
	metrics.SpaceUsedBytes.WithLabelValues(string(BucketUploads)).Set(float64(g.uploads.Load()))
	metrics.SpaceUsedBytes.WithLabelValues(string(BucketOutputs)).Set(float64(g.outputs.Load()))
	metrics.SpaceUsedBytes.WithLabelValues(string(BucketTemp)).Set(float64(g.temp.Load()))
}

// CheckSpace reports whether requiredBytes fits under the quota.
// available = max - used - reserved, additionally capped by the free
// space of the volume holding the data directory.
func (g *Governor) CheckSpace(requiredBytes int64) SpaceCheck {
	quota := g.cfg().Quota
	if !quota.Enabled {
		return SpaceCheck{Sufficient: true, Required: requiredBytes, Available: quota.MaxBytes}
	}

	used := g.CurrentUsage().TotalBytes
	available := quota.MaxBytes - used - quota.ReservedBytes
	if stat, err := disk.Usage(g.cfg().Database.DataDir); err == nil {
		if free := int64(stat.Free); free < available {
			available = free
		}
	}
	if available < 0 {
		available = 0
	}

	check := SpaceCheck{Required: requiredBytes, Available: available}
	if requiredBytes <= available {
		check.Sufficient = true
	} else {
		check.Shortfall = requiredBytes - available
	}
	return check
}

// Admit refuses with a QuotaError when requiredBytes does not fit.
func (g *Governor) Admit(requiredBytes int64) error {
	check := g.CheckSpace(requiredBytes)
	if check.Sufficient {
		return nil
	}
	metrics.QuotaRefusals.Inc()
	return &QuotaError{
		Required:  check.Required,
		Available: check.Available,
		Shortfall: check.Shortfall,
	}
}

// usagePercent is usage relative to the configured quota ceiling.
func (g *Governor) usagePercent() float64 {
	quota := g.cfg().Quota
	if quota.MaxBytes <= 0 {
		return 0
	}
	return float64(g.CurrentUsage().TotalBytes) / float64(quota.MaxBytes) * 100
}

// Monitor runs the periodic measurement loop until ctx is done. Each
// cycle publishes DiskSpaceUpdate, raises warnings past the warn
// thresholds, and triggers aggressive or emergency cleanup.
func (g *Governor) Monitor(ctx context.Context) {
	cfg := g.cfg().Quota
	select {
	case <-ctx.Done():
		return
	case <-time.After(cfg.MonitorStartDelay):
	}

	ticker := time.NewTicker(cfg.MonitorInterval)
	defer ticker.Stop()

	g.cycle()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.cycle()
		}
	}
}

func (g *Governor) cycle() {
	if _, err := g.MeasureUsage(); err != nil {
		g.logger.Error("usage measurement failed", "error", err)
		return
	}

	quota := g.cfg().Quota
	usage := g.CurrentUsage()
	pct := g.usagePercent()
	available := quota.MaxBytes - usage.TotalBytes - quota.ReservedBytes
	if available < 0 {
		available = 0
	}

	g.bus.Broadcast(events.EventDiskSpaceUpdate, events.DiskSpaceUpdateData{
		TotalSpace:      quota.MaxBytes,
		UsedSpace:       usage.TotalBytes,
		AvailableSpace:  available,
		UsagePercentage: pct,
	})

	switch {
	case pct > quota.ThresholdAggressive:
		g.logger.Warn("disk usage critical", "percent", fmt.Sprintf("%.1f", pct))
		g.bus.Broadcast(events.EventSpaceWarning, events.SpaceWarningData{
			Message:          fmt.Sprintf("disk usage at %.1f%%", pct),
			Severity:         "high",
			UsagePercentage:  pct,
			AvailableSpaceGB: float64(available) / (1 << 30),
		})
	case pct > quota.ThresholdWarn:
		g.logger.Warn("disk usage elevated", "percent", fmt.Sprintf("%.1f", pct))
		g.bus.Broadcast(events.EventSpaceWarning, events.SpaceWarningData{
			Message:          fmt.Sprintf("disk usage at %.1f%%", pct),
			Severity:         "medium",
			UsagePercentage:  pct,
			AvailableSpaceGB: float64(available) / (1 << 30),
		})
	}

	switch {
	case pct >= quota.ThresholdEmergency:
		if _, err := g.RunCleanup(TierEmergency, AllCategories()); err != nil {
			g.logger.Error("emergency cleanup failed", "error", err)
		}
	case pct >= quota.ThresholdAggressive:
		if _, err := g.RunCleanup(TierAggressive, AllCategories()); err != nil {
			g.logger.Error("aggressive cleanup failed", "error", err)
		}
	}
}

// RunScheduled runs the hourly cleanup loop until ctx is done.
func (g *Governor) RunScheduled(ctx context.Context) {
	ticker := time.NewTicker(g.cfg().Quota.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := g.RunCleanup(TierScheduled, AllCategories()); err != nil {
				g.logger.Error("scheduled cleanup failed", "error", err)
			}
		}
	}
}

// RegisterBatch records a batch of jobs, aggregates their estimated
// space requirements and publishes a BatchSpaceWarning to the batch's
// group when the requirement is at risk.
func (g *Governor) RegisterBatch(jobIDs []string, estimates []Estimate) (*database.Batch, error) {
	var required int64
	for _, est := range estimates {
		required += est.TotalRequiredBytes
	}

	batch := &database.Batch{
		ID:             uuid.New().String(),
		JobIDs:         database.StringList(jobIDs),
		Status:         database.BatchActive,
		TotalJobs:      len(jobIDs),
		EstimatedBytes: required,
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	if err := g.db.Create(batch).Error; err != nil {
		return nil, fmt.Errorf("registering batch: %w", err)
	}

	pct := g.usagePercent()
	check := g.CheckSpace(required)
	if pct > 85 || !check.Sufficient {
		g.bus.Publish(batch.ID, events.EventBatchSpaceWarning, events.BatchSpaceWarningData{
			Message:          fmt.Sprintf("batch needs %.2f GB but only %.2f GB is available", float64(required)/(1<<30), float64(check.Available)/(1<<30)),
			BatchID:          batch.ID,
			UsagePercentage:  pct,
			AvailableSpaceGB: float64(check.Available) / (1 << 30),
			RequiredSpaceGB:  float64(required) / (1 << 30),
		})
	}
	return batch, nil
}

// BatchJobFinished bumps a batch's completion counter and closes the
// batch when every job has finished.
func (g *Governor) BatchJobFinished(batchID string) {
	if batchID == "" {
		return
	}
	var batch database.Batch
	if err := g.db.Where("id = ?", batchID).First(&batch).Error; err != nil {
		return
	}
	batch.CompletedJobs++
	batch.UpdatedAt = time.Now().UTC()
	if batch.CompletedJobs >= batch.TotalJobs {
		batch.Status = database.BatchCompleted
	}
	if err := g.db.Save(&batch).Error; err != nil {
		g.logger.Warn("failed to update batch", "batch_id", batchID, "error", err)
	}
}

// dirSize sums the regular files under root. A missing root is zero.
func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Entries can vanish mid-walk; skip and keep counting.
			return nil
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}
