// Package preset holds the named encoder presets and turns a preset
// plus per-job overrides into FFmpeg argument vectors.
package preset

import (
	"strconv"
	"strings"

	"github.com/mantonx/convertra/internal/database"
)

// Preset is a named bundle of default encoder settings. Every field can
// be overridden per job; a non-empty override wins.
type Preset struct {
	Name            string
	Container       string
	VideoCodec      string
	AudioCodec      string
	QualityMode     string // "crf" or "bitrate"
	VideoQuality    string // CRF value or "NNNNk" bitrate
	AudioBitrate    string
	AudioSampleRate string
	AudioChannels   string
	EncodingPreset  string
	Profile         string
	Resolution      string
	CustomWidth     string
	CustomHeight    string
	FrameRate       string
	PixelFormat     string
	ColorSpace      string
	HardwareAccel   string
	Denoise         string
	VideoFilters    string
	AudioFilters    string
	CustomParams    string
	StartTime       string
	EndTime         string
	DurationLimit   string
	Deinterlace     bool
	FastStart       bool
	CopyTimestamps  bool
	TwoPass         bool
}

// DefaultName is the preset used when a job names none.
const DefaultName = "Fast 1080p30"

var library = []Preset{
	{
		Name:           "Fast 1080p30",
		Container:      "mp4",
		VideoCodec:     "libx264",
		AudioCodec:     "aac",
		QualityMode:    "crf",
		VideoQuality:   "23",
		AudioBitrate:   "128k",
		EncodingPreset: "fast",
		Profile:        "high",
		Resolution:     "1080p",
		FrameRate:      "30",
		PixelFormat:    "yuv420p",
		ColorSpace:     "bt709",
		FastStart:      true,
		CopyTimestamps: true,
	},
	{
		Name:           "High Quality 1080p",
		Container:      "mp4",
		VideoCodec:     "libx264",
		AudioCodec:     "aac",
		QualityMode:    "crf",
		VideoQuality:   "18",
		AudioBitrate:   "192k",
		EncodingPreset: "slow",
		Profile:        "high",
		Resolution:     "1080p",
		PixelFormat:    "yuv420p",
		ColorSpace:     "bt709",
		FastStart:      true,
		CopyTimestamps: true,
	},
	{
		Name:           "HEVC 4K",
		Container:      "mkv",
		VideoCodec:     "libx265",
		AudioCodec:     "aac",
		QualityMode:    "crf",
		VideoQuality:   "22",
		AudioBitrate:   "192k",
		EncodingPreset: "medium",
		Resolution:     "4k",
		PixelFormat:    "yuv420p10le",
		CopyTimestamps: true,
	},
	{
		Name:           "Web 720p",
		Container:      "webm",
		VideoCodec:     "libvpx-vp9",
		AudioCodec:     "libopus",
		QualityMode:    "crf",
		VideoQuality:   "31",
		AudioBitrate:   "96k",
		Resolution:     "720p",
		PixelFormat:    "yuv420p",
		CopyTimestamps: true,
	},
	{
		Name:         "Audio Only MP3",
		Container:    "mp3",
		AudioCodec:   "libmp3lame",
		AudioBitrate: "192k",
	},
}

// Default returns the default preset.
func Default() Preset {
	p, _ := ByName(DefaultName)
	return p
}

// ByName looks a preset up case-insensitively.
func ByName(name string) (Preset, bool) {
	for _, p := range library {
		if strings.EqualFold(p.Name, name) {
			return p, true
		}
	}
	return Preset{}, false
}

// Names lists all known preset names.
func Names() []string {
	names := make([]string, len(library))
	for i, p := range library {
		names[i] = p.Name
	}
	return names
}

// Apply returns a copy of the preset with the job's overrides applied.
// Non-empty override values win; booleans accept strconv.ParseBool forms.
func (p Preset) Apply(overrides database.OptionMap) Preset {
	out := p
	set := func(dst *string, key string) {
		if v, ok := overrides[key]; ok && v != "" {
			*dst = v
		}
	}
	setBool := func(dst *bool, key string) {
		if v, ok := overrides[key]; ok && v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	set(&out.Container, "outputFormat")
	set(&out.VideoCodec, "videoCodec")
	set(&out.AudioCodec, "audioCodec")
	set(&out.QualityMode, "qualityMode")
	set(&out.VideoQuality, "videoQuality")
	set(&out.AudioBitrate, "audioBitrate")
	set(&out.AudioSampleRate, "audioSampleRate")
	set(&out.AudioChannels, "audioChannels")
	set(&out.EncodingPreset, "encodingPreset")
	set(&out.Profile, "profile")
	set(&out.Resolution, "resolution")
	set(&out.CustomWidth, "customWidth")
	set(&out.CustomHeight, "customHeight")
	set(&out.FrameRate, "frameRate")
	set(&out.PixelFormat, "pixelFormat")
	set(&out.ColorSpace, "colorSpace")
	set(&out.HardwareAccel, "hardwareAcceleration")
	set(&out.Denoise, "denoise")
	set(&out.VideoFilters, "videoFilters")
	set(&out.AudioFilters, "audioFilters")
	set(&out.CustomParams, "customParams")
	set(&out.StartTime, "startTime")
	set(&out.EndTime, "endTime")
	set(&out.DurationLimit, "durationLimit")
	setBool(&out.Deinterlace, "deinterlace")
	setBool(&out.FastStart, "fastStart")
	setBool(&out.CopyTimestamps, "copyTimestamps")
	setBool(&out.TwoPass, "twoPass")
	return out
}

// QualityModeCRF and QualityModeBitrate are the recognized quality modes.
const (
	QualityModeCRF     = "crf"
	QualityModeBitrate = "bitrate"
)

// audioOnlyContainers cause -vn output with all video options suppressed.
var audioOnlyContainers = map[string]bool{
	"mp3": true, "aac": true, "flac": true, "wav": true, "ogg": true, "m4a": true,
}

// AudioOnly reports whether the effective container is audio-only.
func (p Preset) AudioOnly() bool {
	return audioOnlyContainers[strings.ToLower(p.Container)]
}

// namedResolutions maps resolution shorthands to scale dimensions.
var namedResolutions = map[string][2]int{
	"8k":    {7680, 4320},
	"4320p": {7680, 4320},
	"4k":    {3840, 2160},
	"2160p": {3840, 2160},
	"1440p": {2560, 1440},
	"1080p": {1920, 1080},
	"720p":  {1280, 720},
	"480p":  {854, 480},
	"360p":  {640, 360},
}

// dimensions resolves the output size from resolution / custom width and
// height. A zero return means "keep source size".
func (p Preset) dimensions() (int, int) {
	if p.CustomWidth != "" || p.CustomHeight != "" {
		w, _ := strconv.Atoi(p.CustomWidth)
		h, _ := strconv.Atoi(p.CustomHeight)
		return w, h
	}
	res := strings.ToLower(strings.TrimSpace(p.Resolution))
	if res == "" || res == "original" || res == "source" {
		return 0, 0
	}
	if dims, ok := namedResolutions[res]; ok {
		return dims[0], dims[1]
	}
	if w, h, ok := strings.Cut(res, "x"); ok {
		wi, _ := strconv.Atoi(w)
		hi, _ := strconv.Atoi(h)
		return wi, hi
	}
	return 0, 0
}
