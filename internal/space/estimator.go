// Package space implements disk-space estimation, accounting, admission
// and the tiered cleanup that keeps the working directories under quota.
package space

import (
	"strconv"
	"strings"
	"sync"

	"github.com/mantonx/convertra/internal/preset"
)

// Estimate is the predicted disk footprint of one conversion.
type Estimate struct {
	EstimatedOutputBytes int64   `json:"estimatedOutputBytes"`
	TempBytes            int64   `json:"tempBytes"`
	TotalRequiredBytes   int64   `json:"totalRequiredBytes"`
	CompressionRatio     float64 `json:"compressionRatio"`
}

// Temp space per input byte: 1.0 chunk staging, 0.2 encoder scratch,
// 0.05 cache and logs.
const tempFactor = 1.25

const defaultRatio = 0.70

// baseRatios are starting compression ratios per codec. Calibration
// moves them toward observed outcomes.
var baseRatios = map[string]float64{
	"libx264":    0.70,
	"h264_nvenc": 0.65,
	"h264_qsv":   0.67,
	"h264_amf":   0.67,
	"libx265":    0.50,
	"hevc_nvenc": 0.48,
	"hevc_qsv":   0.50,
	"libvpx-vp9": 0.45,
	"libaom-av1": 0.38,
	"libsvtav1":  0.38,
	"mpeg4":      0.90,
	"ffv1":       2.20,
	"huffyuv":    2.50,
	"copy":       1.00,
}

// losslessCodecs extend the sanity clamp's upper bound.
var losslessCodecs = map[string]bool{
	"ffv1":    true,
	"huffyuv": true,
	"utvideo": true,
}

var formatOverhead = map[string]float64{
	"mp4":  1.02,
	"mov":  1.02,
	"mkv":  1.05,
	"webm": 1.03,
	"avi":  1.08,
	"ts":   1.06,
}

var resolutionMultiplier = map[string]float64{
	"8k":    2.0,
	"4320p": 2.0,
	"4k":    1.5,
	"2160p": 1.5,
	"1440p": 1.2,
	"1080p": 1.0,
	"720p":  0.7,
	"480p":  0.5,
	"360p":  0.4,
}

// Estimator predicts output sizes and learns from completed jobs.
type Estimator struct {
	mu     sync.RWMutex
	ratios map[string]float64
}

// NewEstimator creates an estimator seeded with the built-in ratios.
func NewEstimator() *Estimator {
	ratios := make(map[string]float64, len(baseRatios))
	for codec, ratio := range baseRatios {
		ratios[codec] = ratio
	}
	return &Estimator{ratios: ratios}
}

// Estimate predicts the disk footprint of converting inputBytes with the
// effective settings.
func (e *Estimator) Estimate(inputBytes int64, p preset.Preset) Estimate {
	if inputBytes <= 0 {
		return Estimate{CompressionRatio: defaultRatio}
	}

	ratio := e.ratio(p.VideoCodec)

	hasBitrate := false
	if bps, ok := p.BitrateBPS(); ok {
		hasBitrate = true
		// Original bitrate guess assumes a 30 minute file, floored at
		// 500 kbps after subtracting a 128 kbps audio share.
		orig := float64(inputBytes)*8/1800 - 128000
		if orig < 500000 {
			orig = 500000
		}
		scale := clamp(float64(bps)/orig, 0.2, 2.0)
		ratio *= scale
	}

	ratio *= overheadFor(p.Container)
	ratio *= resolutionFor(p.Resolution)
	if !hasBitrate {
		ratio *= qualityMultiplier(p)
	}

	out := float64(inputBytes) * ratio

	lower := 0.1 * float64(inputBytes)
	upper := 2.0 * float64(inputBytes)
	if losslessCodecs[strings.ToLower(p.VideoCodec)] {
		upper = 3.0 * float64(inputBytes)
	}
	if strings.EqualFold(p.Container, "gif") {
		upper = 5.0 * float64(inputBytes)
	}
	out = clamp(out, lower, upper)

	temp := int64(float64(inputBytes) * tempFactor)
	est := Estimate{
		EstimatedOutputBytes: int64(out),
		TempBytes:            temp,
		CompressionRatio:     out / float64(inputBytes),
	}
	est.TotalRequiredBytes = est.EstimatedOutputBytes + est.TempBytes
	return est
}

// RecordActual folds a completed conversion's real output size into the
// codec's base ratio with a 30% observation weight.
func (e *Estimator) RecordActual(codec string, inputBytes, actualOutputBytes int64) {
	if inputBytes <= 0 || actualOutputBytes <= 0 || codec == "" {
		return
	}
	observed := clamp(float64(actualOutputBytes)/float64(inputBytes), 0.05, 5.0)

	key := strings.ToLower(codec)
	e.mu.Lock()
	defer e.mu.Unlock()
	current, ok := e.ratios[key]
	if !ok {
		current = defaultRatio
	}
	e.ratios[key] = current*0.7 + observed*0.3
}

func (e *Estimator) ratio(codec string) float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if r, ok := e.ratios[strings.ToLower(codec)]; ok {
		return r
	}
	return defaultRatio
}

func overheadFor(container string) float64 {
	if m, ok := formatOverhead[strings.ToLower(container)]; ok {
		return m
	}
	return 1.02
}

func resolutionFor(resolution string) float64 {
	if m, ok := resolutionMultiplier[strings.ToLower(strings.TrimSpace(resolution))]; ok {
		return m
	}
	return 1.0
}

// qualityMultiplier maps the CRF value onto the low/medium/high/ultra
// size bands used when no explicit bitrate is requested.
func qualityMultiplier(p preset.Preset) float64 {
	crf, err := strconv.Atoi(strings.TrimSpace(p.VideoQuality))
	if err != nil {
		return 1.0
	}
	switch {
	case crf <= 18:
		return 1.4
	case crf <= 21:
		return 1.2
	case crf <= 26:
		return 1.0
	default:
		return 0.8
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
