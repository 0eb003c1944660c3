package space

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mantonx/convertra/internal/database"
	"github.com/mantonx/convertra/internal/preset"
)

const testInputBytes = int64(1 << 30) // 1 GiB

func TestEstimateWithinSanityClamp(t *testing.T) {
	e := NewEstimator()

	cases := []database.OptionMap{
		{},
		{"videoCodec": "libx265", "videoQuality": "18"},
		{"videoCodec": "libaom-av1", "resolution": "360p", "videoQuality": "35"},
		{"videoCodec": "h264_nvenc", "resolution": "8k", "videoQuality": "16", "outputFormat": "avi"},
		{"qualityMode": "bitrate", "videoQuality": "100000k"},
		{"qualityMode": "bitrate", "videoQuality": "1k"},
	}
	for _, overrides := range cases {
		p := preset.Default().Apply(overrides)
		est := e.Estimate(testInputBytes, p)
		assert.GreaterOrEqual(t, est.EstimatedOutputBytes, testInputBytes/10,
			"overrides %v below lower clamp", overrides)
		assert.LessOrEqual(t, est.EstimatedOutputBytes, 2*testInputBytes,
			"overrides %v above upper clamp", overrides)
	}
}

func TestEstimateLosslessExtendsUpperBound(t *testing.T) {
	e := NewEstimator()
	p := preset.Default().Apply(database.OptionMap{
		"videoCodec": "huffyuv",
		"resolution": "8k",
		"videoQuality": "",
	})
	p.VideoQuality = ""
	est := e.Estimate(testInputBytes, p)
	assert.Greater(t, est.EstimatedOutputBytes, 2*testInputBytes)
	assert.LessOrEqual(t, est.EstimatedOutputBytes, 3*testInputBytes)
}

func TestEstimateTempBytes(t *testing.T) {
	e := NewEstimator()
	est := e.Estimate(1000, preset.Default())
	assert.Equal(t, int64(1250), est.TempBytes)
	assert.Equal(t, est.EstimatedOutputBytes+est.TempBytes, est.TotalRequiredBytes)
}

func TestEstimateZeroInput(t *testing.T) {
	e := NewEstimator()
	est := e.Estimate(0, preset.Default())
	assert.Zero(t, est.EstimatedOutputBytes)
	assert.Zero(t, est.TotalRequiredBytes)
}

func TestEstimateBitrateScaling(t *testing.T) {
	e := NewEstimator()

	low := preset.Default().Apply(database.OptionMap{
		"qualityMode": "bitrate", "videoQuality": "500k",
	})
	high := preset.Default().Apply(database.OptionMap{
		"qualityMode": "bitrate", "videoQuality": "8000k",
	})
	lowEst := e.Estimate(testInputBytes, low)
	highEst := e.Estimate(testInputBytes, high)
	assert.Less(t, lowEst.EstimatedOutputBytes, highEst.EstimatedOutputBytes)
}

func TestRecordActualMovesRatio(t *testing.T) {
	e := NewEstimator()
	before := e.Estimate(testInputBytes, preset.Default())

	// Observe much smaller outputs than predicted.
	for i := 0; i < 10; i++ {
		e.RecordActual("libx264", testInputBytes, testInputBytes/5)
	}
	after := e.Estimate(testInputBytes, preset.Default())
	assert.Less(t, after.EstimatedOutputBytes, before.EstimatedOutputBytes)
}

func TestRecordActualIgnoresGarbage(t *testing.T) {
	e := NewEstimator()
	before := e.ratio("libx264")
	e.RecordActual("libx264", 0, 100)
	e.RecordActual("libx264", 100, 0)
	e.RecordActual("", 100, 100)
	require.Equal(t, before, e.ratio("libx264"))
}
