package server

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mantonx/convertra/internal/database"
	"github.com/mantonx/convertra/internal/events"
	"github.com/mantonx/convertra/internal/preset"
	"github.com/mantonx/convertra/internal/space"
	"github.com/mantonx/convertra/internal/taskstore"
)

// StartConversionRequest is the POST /api/jobs body. Everything but the
// input is optional; unset options fall back to the preset.
type StartConversionRequest struct {
	InputPath string `json:"inputPath" binding:"required"`
	TaskName  string `json:"taskName"`
	Preset    string `json:"preset"`

	OutputFormat         string   `json:"outputFormat"`
	Resolution           string   `json:"resolution"`
	CustomWidth          string   `json:"customWidth"`
	CustomHeight         string   `json:"customHeight"`
	VideoCodec           string   `json:"videoCodec"`
	AudioCodec           string   `json:"audioCodec"`
	VideoQuality         string   `json:"videoQuality"`
	QualityMode          string   `json:"qualityMode"`
	AudioBitrate         string   `json:"audioBitrate"`
	AudioSampleRate      string   `json:"audioSampleRate"`
	AudioChannels        string   `json:"audioChannels"`
	FrameRate            string   `json:"frameRate"`
	EncodingPreset       string   `json:"encodingPreset"`
	Profile              string   `json:"profile"`
	StartTime            string   `json:"startTime"`
	EndTime              string   `json:"endTime"`
	DurationLimit        string   `json:"durationLimit"`
	Denoise              string   `json:"denoise"`
	ColorSpace           string   `json:"colorSpace"`
	PixelFormat          string   `json:"pixelFormat"`
	CustomParams         string   `json:"customParams"`
	HardwareAcceleration string   `json:"hardwareAcceleration"`
	VideoFilters         string   `json:"videoFilters"`
	AudioFilters         string   `json:"audioFilters"`
	Deinterlace          *bool    `json:"deinterlace"`
	TwoPass              *bool    `json:"twoPass"`
	FastStart            *bool    `json:"fastStart"`
	CopyTimestamps       *bool    `json:"copyTimestamps"`
	Priority             int      `json:"priority"`
	MaxRetries           int      `json:"maxRetries"`
	Tags                 []string `json:"tags"`
	Notes                string   `json:"notes"`
	BatchID              string   `json:"batchId"`
}

// overrides flattens the request's option fields into the job's
// override map. Only set values are recorded.
func (r *StartConversionRequest) overrides() database.OptionMap {
	m := database.OptionMap{}
	set := func(key, value string) {
		if value != "" {
			m[key] = value
		}
	}
	set("outputFormat", r.OutputFormat)
	set("resolution", r.Resolution)
	set("customWidth", r.CustomWidth)
	set("customHeight", r.CustomHeight)
	set("videoCodec", r.VideoCodec)
	set("audioCodec", r.AudioCodec)
	set("videoQuality", r.VideoQuality)
	set("qualityMode", r.QualityMode)
	set("audioBitrate", r.AudioBitrate)
	set("audioSampleRate", r.AudioSampleRate)
	set("audioChannels", r.AudioChannels)
	set("frameRate", r.FrameRate)
	set("encodingPreset", r.EncodingPreset)
	set("profile", r.Profile)
	set("startTime", r.StartTime)
	set("endTime", r.EndTime)
	set("durationLimit", r.DurationLimit)
	set("denoise", r.Denoise)
	set("colorSpace", r.ColorSpace)
	set("pixelFormat", r.PixelFormat)
	set("customParams", r.CustomParams)
	set("hardwareAcceleration", r.HardwareAcceleration)
	set("videoFilters", r.VideoFilters)
	set("audioFilters", r.AudioFilters)
	setBool := func(key string, value *bool) {
		if value != nil {
			m[key] = strconv.FormatBool(*value)
		}
	}
	setBool("deinterlace", r.Deinterlace)
	setBool("twoPass", r.TwoPass)
	setBool("fastStart", r.FastStart)
	setBool("copyTimestamps", r.CopyTimestamps)
	return m
}

// resolveInput validates the requested input file against the upload
// directory, the extension allowlist and the size cap.
func (s *Server) resolveInput(raw string) (string, int64, error) {
	cfg := s.cfg()
	path := raw
	if !filepath.IsAbs(path) {
		path = filepath.Join(cfg.Paths.UploadPath, filepath.Clean("/"+raw))
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", 0, fmt.Errorf("input file not found: %s", raw)
	}
	if info.IsDir() {
		return "", 0, fmt.Errorf("input is a directory: %s", raw)
	}
	if info.Size() > cfg.Upload.MaxFileSize {
		return "", 0, fmt.Errorf("input exceeds the %d byte limit", cfg.Upload.MaxFileSize)
	}

	ext := strings.ToLower(filepath.Ext(path))
	allowed := false
	for _, e := range cfg.Upload.AllowedExtensions {
		if ext == e {
			allowed = true
			break
		}
	}
	if !allowed {
		return "", 0, fmt.Errorf("extension %s is not allowed", ext)
	}
	return path, info.Size(), nil
}

func (s *Server) handleCreateJob(c *gin.Context) {
	var req StartConversionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "ValidationError", err.Error())
		return
	}

	presetName := req.Preset
	if presetName == "" {
		presetName = preset.DefaultName
	}
	base, ok := preset.ByName(presetName)
	if !ok {
		respondError(c, http.StatusBadRequest, "ValidationError",
			fmt.Sprintf("unknown preset %q, known presets: %s", presetName, strings.Join(preset.Names(), ", ")))
		return
	}

	inputPath, inputBytes, err := s.resolveInput(req.InputPath)
	if err != nil {
		respondError(c, http.StatusBadRequest, "ValidationError", err.Error())
		return
	}

	overrides := req.overrides()
	effective := base.Apply(overrides)

	// Admission happens before any row is written. A refused job leaves
	// no trace.
	est := s.gov.Estimator().Estimate(inputBytes, effective)
	if err := s.gov.Admit(est.TotalRequiredBytes); err != nil {
		var quotaErr *space.QuotaError
		if errors.As(err, &quotaErr) {
			respondError(c, http.StatusInsufficientStorage, "QuotaError", quotaErr.Error())
			return
		}
		respondError(c, http.StatusInternalServerError, "StorageError", err.Error())
		return
	}

	id := uuid.New().String()
	name := req.TaskName
	if name == "" {
		name = filepath.Base(inputPath)
	}
	job := &database.Job{
		ID:         id,
		Name:       name,
		InputPath:  inputPath,
		OutputPath: filepath.Join(s.cfg().Paths.OutputPath, id+"."+strings.ToLower(effective.Container)),
		InputBytes: inputBytes,
		PresetName: base.Name,
		Overrides:  overrides,
		BatchID:    req.BatchID,
	}
	if err := s.store.Create(job); err != nil {
		respondError(c, http.StatusInternalServerError, "StorageError", err.Error())
		return
	}

	s.bus.Broadcast(events.EventTaskCreated, events.TaskLifecycleData{
		TaskID:   job.ID,
		TaskName: job.Name,
	})

	respondOK(c, gin.H{
		"taskId":   job.ID,
		"taskName": job.Name,
		"estimate": est,
	}, "conversion queued")
}

func (s *Server) handleGetJob(c *gin.Context) {
	job, err := s.store.Get(c.Param("id"))
	if err != nil {
		if errors.Is(err, taskstore.ErrNotFound) {
			respondError(c, http.StatusNotFound, "NotFound", "job not found")
			return
		}
		respondError(c, http.StatusInternalServerError, "StorageError", err.Error())
		return
	}
	respondOK(c, job, "")
}

func (s *Server) handleListJobs(c *gin.Context) {
	var (
		jobs []database.Job
		err  error
	)
	switch c.Query("status") {
	case "active":
		jobs, err = s.store.ListActive()
	case "completed":
		jobs, err = s.store.List([]database.JobStatus{database.StatusCompleted}, 100)
	case "failed":
		jobs, err = s.store.List([]database.JobStatus{database.StatusFailed}, 100)
	case "":
		jobs, err = s.store.List(nil, 100)
	default:
		respondError(c, http.StatusBadRequest, "ValidationError", "unknown status filter")
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, "StorageError", err.Error())
		return
	}
	respondOK(c, jobs, "")
}

// handleCancelJob is idempotent: cancelling a terminal job reports its
// current status without error.
func (s *Server) handleCancelJob(c *gin.Context) {
	id := c.Param("id")
	job, err := s.store.Get(id)
	if err != nil {
		if errors.Is(err, taskstore.ErrNotFound) {
			respondError(c, http.StatusNotFound, "NotFound", "job not found")
			return
		}
		respondError(c, http.StatusInternalServerError, "StorageError", err.Error())
		return
	}

	if !job.Status.Terminal() {
		s.dispatcher.Cancel(id)
	}
	respondOK(c, gin.H{"taskId": id, "status": int(job.Status)}, "cancellation requested")
}

// handleDeleteJob removes a finished job from the history. Its files on
// disk stay until retention reclaims them.
func (s *Server) handleDeleteJob(c *gin.Context) {
	id := c.Param("id")
	job, err := s.store.Get(id)
	if err != nil {
		if errors.Is(err, taskstore.ErrNotFound) {
			respondError(c, http.StatusNotFound, "NotFound", "job not found")
			return
		}
		respondError(c, http.StatusInternalServerError, "StorageError", err.Error())
		return
	}
	if !job.Status.Terminal() {
		respondError(c, http.StatusConflict, "ValidationError", "job is still active, cancel it first")
		return
	}
	if err := s.store.Delete(id); err != nil {
		respondError(c, http.StatusInternalServerError, "StorageError", err.Error())
		return
	}
	respondOK(c, gin.H{"taskId": id}, "job removed")
}

func (s *Server) handleDownloadOutput(c *gin.Context) {
	id := c.Param("id")
	job, err := s.store.Get(id)
	if err != nil {
		if errors.Is(err, taskstore.ErrNotFound) {
			respondError(c, http.StatusNotFound, "NotFound", "job not found")
			return
		}
		respondError(c, http.StatusInternalServerError, "StorageError", err.Error())
		return
	}
	if job.Status != database.StatusCompleted {
		respondError(c, http.StatusConflict, "ValidationError", "job has no downloadable output yet")
		return
	}
	if _, err := os.Stat(job.OutputPath); err != nil {
		respondError(c, http.StatusGone, "IOError", "output file no longer exists")
		return
	}

	c.FileAttachment(job.OutputPath, filepath.Base(job.OutputPath))

	// The file is on its way out; start the retention clock.
	if _, err := s.tracker.Track(id, c.ClientIP(), c.Request.UserAgent()); err != nil {
		s.logger.Warn("failed to track download", "job_id", id, "error", err)
	}
}

func (s *Server) handleRunningJobs(c *gin.Context) {
	respondOK(c, s.runner.Running(), "")
}

// BatchItem describes one planned job of a batch registration.
type BatchItem struct {
	JobID      string `json:"jobId"`
	InputBytes int64  `json:"inputBytes" binding:"required"`
	Preset     string `json:"preset"`
}

func (s *Server) handleRegisterBatch(c *gin.Context) {
	var req struct {
		Items []BatchItem `json:"items" binding:"required,min=1"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "ValidationError", err.Error())
		return
	}

	jobIDs := make([]string, 0, len(req.Items))
	estimates := make([]space.Estimate, 0, len(req.Items))
	for _, item := range req.Items {
		p, ok := preset.ByName(item.Preset)
		if !ok {
			p = preset.Default()
		}
		jobIDs = append(jobIDs, item.JobID)
		estimates = append(estimates, s.gov.Estimator().Estimate(item.InputBytes, p))
	}

	batch, err := s.gov.RegisterBatch(jobIDs, estimates)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "StorageError", err.Error())
		return
	}
	respondOK(c, batch, "batch registered")
}

func (s *Server) handleSpace(c *gin.Context) {
	usage := s.gov.CurrentUsage()
	check := s.gov.CheckSpace(0)
	quota := s.cfg().Quota
	pct := 0.0
	if quota.MaxBytes > 0 {
		pct = float64(usage.TotalBytes) / float64(quota.MaxBytes) * 100
	}
	respondOK(c, gin.H{
		"usage":           usage,
		"availableBytes":  check.Available,
		"maxTotalBytes":   quota.MaxBytes,
		"reservedBytes":   quota.ReservedBytes,
		"quotaEnabled":    quota.Enabled,
		"usagePercentage": pct,
	}, "")
}

// handleCleanup runs a manual cleanup tier with per-category flags.
func (s *Server) handleCleanup(c *gin.Context) {
	var req struct {
		Sources         bool `json:"sources"`
		Downloads       bool `json:"downloads"`
		Temp            bool `json:"temp"`
		Failed          bool `json:"failed"`
		Orphans         bool `json:"orphans"`
		Logs            bool `json:"logs"`
		IgnoreRetention bool `json:"ignoreRetention"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "ValidationError", err.Error())
		return
	}

	cats := space.Categories{
		Sources:         req.Sources,
		Downloads:       req.Downloads,
		Temp:            req.Temp,
		Failed:          req.Failed,
		Orphans:         req.Orphans,
		Logs:            req.Logs,
		IgnoreRetention: req.IgnoreRetention,
	}
	if !cats.Sources && !cats.Downloads && !cats.Temp && !cats.Failed && !cats.Orphans && !cats.Logs {
		cats = space.AllCategories()
		cats.IgnoreRetention = req.IgnoreRetention
	}

	result, err := s.gov.RunCleanup(space.TierManual, cats)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "IOError", err.Error())
		return
	}
	respondOK(c, result, "cleanup finished")
}
