package space

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mantonx/convertra/internal/database"
	"github.com/mantonx/convertra/internal/events"
	"github.com/mantonx/convertra/internal/metrics"
)

// Tier selects a cleanup aggressiveness level.
type Tier string

const (
	TierScheduled  Tier = "scheduled"
	TierAggressive Tier = "aggressive"
	TierEmergency  Tier = "emergency"
	TierManual     Tier = "manual"
)

// Categories selects which cleanup categories a run processes.
type Categories struct {
	Sources         bool
	Downloads       bool
	Temp            bool
	Failed          bool
	Orphans         bool
	Logs            bool
	IgnoreRetention bool
}

// AllCategories enables every category with retention honored.
func AllCategories() Categories {
	return Categories{Sources: true, Downloads: true, Temp: true, Failed: true, Orphans: true, Logs: true}
}

// CleanupResult is the outcome of one cleanup run.
type CleanupResult struct {
	Type       Tier                  `json:"cleanupType"`
	TotalBytes int64                 `json:"totalCleanedSize"`
	TotalFiles int                   `json:"totalCleanedFiles"`
	Details    events.CleanupDetails `json:"details"`
}

// retentions holds the effective cutoff ages for one run.
type retentions struct {
	converted  time.Duration
	downloaded time.Duration
	temp       time.Duration
	failed     time.Duration
	orphan     time.Duration
	log        time.Duration
}

func (g *Governor) retentionsFor(tier Tier, cats Categories) retentions {
	cfg := g.cfg().Retention
	r := retentions{
		converted:  cfg.ConvertedAfter,
		downloaded: cfg.DownloadedAfter,
		temp:       cfg.TempAfter,
		failed:     cfg.FailedAfter,
		orphan:     cfg.OrphanAfter,
		log:        cfg.LogAfter,
	}
	switch tier {
	case TierAggressive:
		r.temp = 30 * time.Minute
		r.downloaded = 6 * time.Hour
		r.orphan = 6 * time.Hour
		r.log = 7 * 24 * time.Hour
	case TierEmergency:
		r = retentions{}
	case TierManual:
		if cats.IgnoreRetention {
			r = retentions{}
		}
	}
	return r
}

// RunCleanup executes one cleanup pass. Every category tolerates
// per-file failures and keeps going; the run publishes a single
// CleanupCompleted event with the totals.
func (g *Governor) RunCleanup(tier Tier, cats Categories) (CleanupResult, error) {
	g.cleanupMu.Lock()
	defer g.cleanupMu.Unlock()

	result := CleanupResult{Type: tier}
	ret := g.retentionsFor(tier, cats)
	now := time.Now().UTC()

	// Paths a non-terminal job still needs are never deleted.
	protected, err := g.store.PathsReferencedByActiveJobs()
	if err != nil {
		return result, err
	}

	if cats.Sources {
		bytes, count := g.cleanupCompletedSources(now.Add(-ret.converted), protected)
		result.TotalBytes += bytes
		result.TotalFiles += count
		result.Details.OriginalFiles += count
	}
	if cats.Downloads && g.downloads != nil {
		bytes, count, err := g.downloads.SweepOlderThan(now.Add(-ret.downloaded))
		if err != nil {
			g.logger.Warn("download sweep failed", "error", err)
		}
		result.TotalBytes += bytes
		result.TotalFiles += count
		result.Details.ConvertedFiles += count
		g.AdjustUsage(BucketOutputs, -bytes)
	}
	if cats.Temp {
		bytes, count := g.cleanupTemp(now.Add(-ret.temp), protected)
		result.TotalBytes += bytes
		result.TotalFiles += count
		result.Details.TempFiles += count
	}
	if cats.Failed {
		bytes, origCount, convCount := g.cleanupFailedArtifacts(now.Add(-ret.failed), protected)
		result.TotalBytes += bytes
		result.TotalFiles += origCount + convCount
		result.Details.OriginalFiles += origCount
		result.Details.ConvertedFiles += convCount
	}
	if cats.Orphans {
		bytes, count := g.cleanupOrphans(now.Add(-ret.orphan), protected)
		result.TotalBytes += bytes
		result.TotalFiles += count
		result.Details.OrphanFiles += count
	}
	if cats.Logs {
		bytes, count := g.cleanupLogs(now.Add(-ret.log))
		result.TotalBytes += bytes
		result.TotalFiles += count
		result.Details.LogFiles += count
	}

	metrics.CleanupBytes.WithLabelValues(string(tier)).Add(float64(result.TotalBytes))
	metrics.CleanupFiles.WithLabelValues(string(tier)).Add(float64(result.TotalFiles))

	g.logger.Info("cleanup finished",
		"tier", string(tier),
		"files", result.TotalFiles,
		"bytes", result.TotalBytes)

	g.bus.Broadcast(events.EventCleanupCompleted, events.CleanupCompletedData{
		CleanupType:       string(tier),
		TotalCleanedSize:  result.TotalBytes,
		TotalCleanedFiles: result.TotalFiles,
		Details:           result.Details,
	})
	return result, nil
}

// cleanupCompletedSources removes source files of completed jobs once
// the conversion-cleanup delay has elapsed.
func (g *Governor) cleanupCompletedSources(cutoff time.Time, protected map[string]struct{}) (int64, int) {
	jobs, err := g.store.ListByStatusOlderThan(database.StatusCompleted, cutoff)
	if err != nil {
		g.logger.Warn("listing completed jobs failed", "error", err)
		return 0, 0
	}

	var bytes int64
	var count int
	for _, job := range jobs {
		if job.InputPath == "" {
			continue
		}
		if _, busy := protected[job.InputPath]; busy {
			continue
		}
		if removed, size := g.removeFile(job.InputPath); removed {
			bytes += size
			count++
			g.AdjustUsage(BucketUploads, -size)
		}
		// Assembly scratch left over from chunked uploads.
		chunkDir := filepath.Join(g.cfg().Paths.UploadPath, "chunks", job.ID)
		b, c := g.removeTree(chunkDir)
		bytes += b
		count += c
		g.AdjustUsage(BucketTemp, -b)
	}
	return bytes, count
}

// cleanupTemp removes files under temp/ and uploads/chunks/ older than
// the cutoff.
func (g *Governor) cleanupTemp(cutoff time.Time, protected map[string]struct{}) (int64, int) {
	paths := g.cfg().Paths
	var bytes int64
	var count int

	for _, root := range []string{paths.TempPath, filepath.Join(paths.UploadPath, "chunks")} {
		b, c := g.removeOlderThan(root, cutoff, protected, nil)
		bytes += b
		count += c
	}
	g.AdjustUsage(BucketTemp, -bytes)
	return bytes, count
}

// cleanupFailedArtifacts removes input, partial output and chunk
// scratch of failed jobs older than the cutoff.
func (g *Governor) cleanupFailedArtifacts(cutoff time.Time, protected map[string]struct{}) (int64, int, int) {
	jobs, err := g.store.ListByStatusOlderThan(database.StatusFailed, cutoff)
	if err != nil {
		g.logger.Warn("listing failed jobs failed", "error", err)
		return 0, 0, 0
	}

	var bytes int64
	var origCount, convCount int
	for _, job := range jobs {
		if _, busy := protected[job.InputPath]; !busy && job.InputPath != "" {
			if removed, size := g.removeFile(job.InputPath); removed {
				bytes += size
				origCount++
				g.AdjustUsage(BucketUploads, -size)
			}
		}
		if _, busy := protected[job.OutputPath]; !busy && job.OutputPath != "" {
			if removed, size := g.removeFile(job.OutputPath); removed {
				bytes += size
				convCount++
				g.AdjustUsage(BucketOutputs, -size)
			}
		}
		chunkDir := filepath.Join(g.cfg().Paths.UploadPath, "chunks", job.ID)
		b, c := g.removeTree(chunkDir)
		bytes += b
		origCount += c
		g.AdjustUsage(BucketTemp, -b)
	}
	return bytes, origCount, convCount
}

// cleanupOrphans removes files in uploads/ and outputs/ that no job row
// references and that are older than the cutoff.
func (g *Governor) cleanupOrphans(cutoff time.Time, protected map[string]struct{}) (int64, int) {
	referenced, err := g.store.PathsReferencedByAnyJob()
	if err != nil {
		g.logger.Warn("listing referenced paths failed", "error", err)
		return 0, 0
	}

	paths := g.cfg().Paths
	var bytes int64
	var count int

	skipChunks := filepath.Join(paths.UploadPath, "chunks")
	b, c := g.removeOlderThan(paths.UploadPath, cutoff, protected, func(path string) bool {
		if strings.HasPrefix(path, skipChunks+string(os.PathSeparator)) {
			return false
		}
		_, known := referenced[path]
		return !known
	})
	bytes += b
	count += c
	g.AdjustUsage(BucketUploads, -b)

	b, c = g.removeOlderThan(paths.OutputPath, cutoff, protected, func(path string) bool {
		_, known := referenced[path]
		return !known
	})
	bytes += b
	count += c
	g.AdjustUsage(BucketOutputs, -b)

	return bytes, count
}

// cleanupLogs removes *.log files older than the cutoff.
func (g *Governor) cleanupLogs(cutoff time.Time) (int64, int) {
	return g.removeOlderThan(g.cfg().Paths.LogPath, cutoff, nil, func(path string) bool {
		return strings.HasSuffix(path, ".log")
	})
}

// removeOlderThan walks root and removes regular files whose mtime is
// before cutoff, subject to the protected set and an optional filter.
func (g *Governor) removeOlderThan(root string, cutoff time.Time, protected map[string]struct{}, match func(string) bool) (int64, int) {
	var bytes int64
	var count int
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if match != nil && !match(path) {
			return nil
		}
		if _, busy := protected[path]; busy {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if !info.ModTime().Before(cutoff) {
			return nil
		}
		if err := os.Remove(path); err != nil {
			g.logger.Warn("failed to remove file", "path", path, "error", err)
			return nil
		}
		bytes += info.Size()
		count++
		return nil
	})
	return bytes, count
}

// removeTree removes a whole directory, returning the bytes and file
// count it held.
func (g *Governor) removeTree(root string) (int64, int) {
	size, err := dirSize(root)
	if err != nil || size < 0 {
		size = 0
	}
	var count int
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			count++
		}
		return nil
	})
	if count == 0 && size == 0 {
		return 0, 0
	}
	if err := os.RemoveAll(root); err != nil {
		g.logger.Warn("failed to remove directory", "path", root, "error", err)
		return 0, 0
	}
	return size, count
}

// removeFile removes one file, returning whether it existed and its size.
func (g *Governor) removeFile(path string) (bool, int64) {
	info, err := os.Stat(path)
	if err != nil {
		return false, 0
	}
	if err := os.Remove(path); err != nil {
		g.logger.Warn("failed to remove file", "path", path, "error", err)
		return false, 0
	}
	return true, info.Size()
}
