package preset

import (
	"fmt"
	"strconv"
	"strings"
)

// containerFormats maps container names to the FFmpeg muxer passed to -f.
var containerFormats = map[string]string{
	"mp4":  "mp4",
	"mkv":  "matroska",
	"webm": "webm",
	"avi":  "avi",
	"mov":  "mov",
	"ts":   "mpegts",
	"mp3":  "mp3",
	"aac":  "adts",
	"m4a":  "ipod",
	"ogg":  "ogg",
	"flac": "flac",
	"wav":  "wav",
	"gif":  "gif",
}

// gpuQualityFlag maps a GPU encoder family to its constant-quality flag.
// Options here are emitted only when the codec name contains the key;
// software encoders take plain -crf.
var gpuQualityFlag = map[string]string{
	"nvenc": "-cq",
	"qsv":   "-global_quality",
	"amf":   "-qp_i",
	"vaapi": "-qp",
}

// gpuExtraOpts are encoder-family options only that family understands.
var gpuExtraOpts = map[string][]string{
	"nvenc": {"-rc", "vbr"},
	"qsv":   {"-look_ahead", "1"},
	"amf":   {"-usage", "transcoding"},
	"vaapi": {"-compression_level", "4"},
}

// hwAccelArgs maps the hardwareAcceleration option to input-side flags.
// These always precede -i.
var hwAccelArgs = map[string][]string{
	"auto":   {"-hwaccel", "auto"},
	"nvidia": {"-hwaccel", "cuda"},
	"cuda":   {"-hwaccel", "cuda"},
	"intel":  {"-hwaccel", "qsv"},
	"qsv":    {"-hwaccel", "qsv"},
	"amd":    {"-hwaccel", "vaapi", "-vaapi_device", "/dev/dri/renderD128"},
	"vaapi":  {"-hwaccel", "vaapi", "-vaapi_device", "/dev/dri/renderD128"},
}

// gpuFamily returns the GPU encoder family a codec belongs to, if any.
func gpuFamily(codec string) (string, bool) {
	lower := strings.ToLower(codec)
	for family := range gpuQualityFlag {
		if strings.Contains(lower, family) {
			return family, true
		}
	}
	return "", false
}

// Build produces the FFmpeg argument vectors for one job. The result is
// one argv per pass: a single entry normally, two when two-pass encoding
// is requested. Each argv already includes input and output paths.
// passLogPrefix keeps concurrent two-pass stats files apart; empty falls
// back to FFmpeg's default in the working directory.
func Build(p Preset, inputPath, outputPath, passLogPrefix string) ([][]string, error) {
	if p.Container == "" {
		return nil, fmt.Errorf("preset %q has no output container", p.Name)
	}
	format, ok := containerFormats[strings.ToLower(p.Container)]
	if !ok {
		return nil, fmt.Errorf("unsupported output container %q", p.Container)
	}

	if p.AudioOnly() {
		argv := buildHead(p, inputPath)
		argv = append(argv, "-vn")
		argv = append(argv, audioArgs(p)...)
		argv = append(argv, trimArgs(p)...)
		argv = append(argv, muxerArgs(p, format)...)
		argv = append(argv, customArgs(p)...)
		argv = append(argv, outputPath)
		return [][]string{argv}, nil
	}

	if p.TwoPass {
		pass1 := buildHead(p, inputPath)
		pass1 = append(pass1, videoArgs(p)...)
		pass1 = append(pass1, filterArgs(p)...)
		pass1 = append(pass1, trimArgs(p)...)
		pass1 = append(pass1, "-pass", "1")
		pass1 = append(pass1, passLogArgs(passLogPrefix)...)
		pass1 = append(pass1, "-an", "-f", "null", "/dev/null")

		pass2 := buildHead(p, inputPath)
		pass2 = append(pass2, videoArgs(p)...)
		pass2 = append(pass2, filterArgs(p)...)
		pass2 = append(pass2, audioArgs(p)...)
		pass2 = append(pass2, trimArgs(p)...)
		pass2 = append(pass2, "-pass", "2")
		pass2 = append(pass2, passLogArgs(passLogPrefix)...)
		pass2 = append(pass2, muxerArgs(p, format)...)
		pass2 = append(pass2, customArgs(p)...)
		pass2 = append(pass2, outputPath)
		return [][]string{pass1, pass2}, nil
	}

	argv := buildHead(p, inputPath)
	argv = append(argv, videoArgs(p)...)
	argv = append(argv, filterArgs(p)...)
	argv = append(argv, audioArgs(p)...)
	argv = append(argv, trimArgs(p)...)
	argv = append(argv, muxerArgs(p, format)...)
	argv = append(argv, customArgs(p)...)
	argv = append(argv, outputPath)
	return [][]string{argv}, nil
}

// buildHead emits the fixed prefix, hardware acceleration and the input.
func buildHead(p Preset, inputPath string) []string {
	argv := []string{"-y", "-progress", "pipe:2"}
	accel := strings.ToLower(strings.TrimSpace(p.HardwareAccel))
	if accel != "" && accel != "none" {
		if flags, ok := hwAccelArgs[accel]; ok {
			argv = append(argv, flags...)
		}
	}
	return append(argv, "-i", inputPath)
}

func videoArgs(p Preset) []string {
	var argv []string
	if p.VideoCodec != "" {
		argv = append(argv, "-c:v", p.VideoCodec)
	}

	family, isGPU := gpuFamily(p.VideoCodec)

	switch strings.ToLower(p.QualityMode) {
	case QualityModeBitrate:
		if p.VideoQuality != "" {
			argv = append(argv, "-b:v", p.VideoQuality)
		}
	default:
		if p.VideoQuality != "" {
			if isGPU {
				argv = append(argv, gpuQualityFlag[family], p.VideoQuality)
			} else {
				argv = append(argv, "-crf", p.VideoQuality)
			}
		}
	}

	if isGPU {
		argv = append(argv, gpuExtraOpts[family]...)
	}
	if p.EncodingPreset != "" {
		argv = append(argv, "-preset", p.EncodingPreset)
	}
	if p.Profile != "" {
		argv = append(argv, "-profile:v", p.Profile)
	}
	if p.PixelFormat != "" {
		argv = append(argv, "-pix_fmt", p.PixelFormat)
	}
	if p.ColorSpace != "" {
		argv = append(argv, "-colorspace", p.ColorSpace)
	}
	return argv
}

// filterArgs coalesces scaling, frame rate and video filters into a
// single -vf argument.
func filterArgs(p Preset) []string {
	var filters []string
	if p.Deinterlace {
		filters = append(filters, "yadif")
	}
	if p.Denoise != "" {
		filters = append(filters, p.Denoise)
	}
	if w, h := p.dimensions(); w > 0 || h > 0 {
		if w <= 0 {
			w = -2
		}
		if h <= 0 {
			h = -2
		}
		filters = append(filters, fmt.Sprintf("scale=%d:%d", w, h))
	}
	if p.FrameRate != "" {
		filters = append(filters, "fps="+p.FrameRate)
	}
	if p.VideoFilters != "" {
		filters = append(filters, p.VideoFilters)
	}
	if len(filters) == 0 {
		return nil
	}
	return []string{"-vf", strings.Join(filters, ",")}
}

func audioArgs(p Preset) []string {
	var argv []string
	if p.AudioCodec != "" {
		argv = append(argv, "-c:a", p.AudioCodec)
	}
	if p.AudioBitrate != "" {
		argv = append(argv, "-b:a", p.AudioBitrate)
	}
	if p.AudioSampleRate != "" {
		argv = append(argv, "-ar", p.AudioSampleRate)
	}
	if p.AudioChannels != "" {
		argv = append(argv, "-ac", p.AudioChannels)
	}
	if p.AudioFilters != "" {
		argv = append(argv, "-af", p.AudioFilters)
	}
	return argv
}

// passLogArgs names the two-pass stats file. Both passes must agree on
// it, and each job needs its own or concurrent encodes corrupt each
// other's statistics.
func passLogArgs(prefix string) []string {
	if prefix == "" {
		return nil
	}
	return []string{"-passlogfile", prefix}
}

func trimArgs(p Preset) []string {
	var argv []string
	if p.StartTime != "" {
		argv = append(argv, "-ss", p.StartTime)
	}
	if p.EndTime != "" {
		argv = append(argv, "-to", p.EndTime)
	}
	if p.DurationLimit != "" {
		argv = append(argv, "-t", p.DurationLimit)
	}
	return argv
}

func muxerArgs(p Preset, format string) []string {
	var argv []string
	container := strings.ToLower(p.Container)
	if p.FastStart && (container == "mp4" || container == "mov") {
		argv = append(argv, "-movflags", "+faststart")
	}
	if p.CopyTimestamps {
		argv = append(argv, "-copyts")
	}
	return append(argv, "-f", format)
}

// customArgs splits the raw customParams suffix on whitespace, honoring
// single and double quotes around values with spaces.
func customArgs(p Preset) []string {
	raw := strings.TrimSpace(p.CustomParams)
	if raw == "" {
		return nil
	}
	var (
		args    []string
		current strings.Builder
		quote   rune
	)
	for _, r := range raw {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				current.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
		case r == ' ' || r == '\t':
			if current.Len() > 0 {
				args = append(args, current.String())
				current.Reset()
			}
		default:
			current.WriteRune(r)
		}
	}
	if current.Len() > 0 {
		args = append(args, current.String())
	}
	return args
}

// BitrateBPS parses the preset's video quality as a bitrate when the
// quality mode is bitrate. Accepts "4500k", "4.5M" and bare bits/second.
func (p Preset) BitrateBPS() (int64, bool) {
	if !strings.EqualFold(p.QualityMode, QualityModeBitrate) || p.VideoQuality == "" {
		return 0, false
	}
	s := strings.ToLower(strings.TrimSpace(p.VideoQuality))
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "k"):
		mult, s = 1000, strings.TrimSuffix(s, "k")
	case strings.HasSuffix(s, "m"):
		mult, s = 1000000, strings.TrimSuffix(s, "m")
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f <= 0 {
		return 0, false
	}
	return int64(f * float64(mult)), true
}
