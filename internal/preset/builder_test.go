package preset

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mantonx/convertra/internal/database"
)

func argString(argv []string) string {
	return strings.Join(argv, " ")
}

func indexOf(argv []string, s string) int {
	for i, a := range argv {
		if a == s {
			return i
		}
	}
	return -1
}

func TestDefaultPreset(t *testing.T) {
	p := Default()
	assert.Equal(t, DefaultName, p.Name)
	assert.Equal(t, "mp4", p.Container)
	assert.Equal(t, "libx264", p.VideoCodec)
}

func TestByNameCaseInsensitive(t *testing.T) {
	p, ok := ByName("high quality 1080p")
	require.True(t, ok)
	assert.Equal(t, "High Quality 1080p", p.Name)

	_, ok = ByName("No Such Preset")
	assert.False(t, ok)
}

func TestApplyOverrides(t *testing.T) {
	p := Default().Apply(database.OptionMap{
		"outputFormat": "mkv",
		"videoCodec":   "libx265",
		"videoQuality": "20",
		"twoPass":      "true",
		"fastStart":    "false",
		"frameRate":    "",
	})
	assert.Equal(t, "mkv", p.Container)
	assert.Equal(t, "libx265", p.VideoCodec)
	assert.Equal(t, "20", p.VideoQuality)
	assert.True(t, p.TwoPass)
	assert.False(t, p.FastStart)
	assert.Equal(t, "30", p.FrameRate, "empty override must not clear the preset value")
}

func TestBuildBasicLayout(t *testing.T) {
	passes, err := Build(Default(), "/in/a.mp4", "/out/a.mp4", "")
	require.NoError(t, err)
	require.Len(t, passes, 1)
	argv := passes[0]

	assert.Equal(t, []string{"-y", "-progress", "pipe:2", "-i", "/in/a.mp4"}, argv[:5])
	assert.Equal(t, "/out/a.mp4", argv[len(argv)-1])

	s := argString(argv)
	assert.Contains(t, s, "-c:v libx264")
	assert.Contains(t, s, "-crf 23")
	assert.Contains(t, s, "-movflags +faststart")
	assert.Contains(t, s, "-copyts")
	assert.Contains(t, s, "-f mp4")
}

func TestBuildHardwareAccelPrecedesInput(t *testing.T) {
	p := Default().Apply(database.OptionMap{
		"hardwareAcceleration": "nvidia",
		"videoCodec":           "h264_nvenc",
	})
	passes, err := Build(p, "/in/a.mp4", "/out/a.mp4", "")
	require.NoError(t, err)
	argv := passes[0]

	hwIdx := indexOf(argv, "-hwaccel")
	inIdx := indexOf(argv, "-i")
	require.GreaterOrEqual(t, hwIdx, 0)
	assert.Less(t, hwIdx, inIdx, "-hwaccel must precede -i")
	assert.Equal(t, "cuda", argv[hwIdx+1])
}

func TestBuildGPUCodecOptions(t *testing.T) {
	p := Default().Apply(database.OptionMap{"videoCodec": "hevc_nvenc"})
	passes, err := Build(p, "/in/a.mp4", "/out/a.mp4", "")
	require.NoError(t, err)
	s := argString(passes[0])

	assert.Contains(t, s, "-cq 23", "GPU encoders take their own quality flag")
	assert.Contains(t, s, "-rc vbr")
	assert.NotContains(t, s, "-crf")
}

func TestBuildSoftwareCodecSkipsGPUOptions(t *testing.T) {
	passes, err := Build(Default(), "/in/a.mp4", "/out/a.mp4", "")
	require.NoError(t, err)
	s := argString(passes[0])

	assert.NotContains(t, s, "-cq")
	assert.NotContains(t, s, "-rc vbr")
	assert.NotContains(t, s, "-global_quality")
}

func TestBuildSingleVFArgument(t *testing.T) {
	p := Default().Apply(database.OptionMap{
		"deinterlace":  "true",
		"denoise":      "hqdn3d=4",
		"videoFilters": "eq=brightness=0.05",
	})
	passes, err := Build(p, "/in/a.mp4", "/out/a.mp4", "")
	require.NoError(t, err)
	argv := passes[0]

	count := 0
	var vf string
	for i, a := range argv {
		if a == "-vf" {
			count++
			vf = argv[i+1]
		}
	}
	require.Equal(t, 1, count, "all filters coalesce into one -vf")
	assert.Equal(t, "yadif,hqdn3d=4,scale=1920:1080,fps=30,eq=brightness=0.05", vf)
}

func TestBuildFastStartOnlyForMP4AndMOV(t *testing.T) {
	mkv := Default().Apply(database.OptionMap{"outputFormat": "mkv"})
	passes, err := Build(mkv, "/in/a.mp4", "/out/a.mkv", "")
	require.NoError(t, err)
	assert.NotContains(t, argString(passes[0]), "faststart")
	assert.Contains(t, argString(passes[0]), "-f matroska")

	mov := Default().Apply(database.OptionMap{"outputFormat": "mov"})
	passes, err = Build(mov, "/in/a.mp4", "/out/a.mov", "")
	require.NoError(t, err)
	assert.Contains(t, argString(passes[0]), "-movflags +faststart")
}

func TestBuildAudioOnlySuppressesVideo(t *testing.T) {
	p, ok := ByName("Audio Only MP3")
	require.True(t, ok)
	passes, err := Build(p, "/in/a.mp4", "/out/a.mp3", "")
	require.NoError(t, err)
	s := argString(passes[0])

	assert.Contains(t, s, "-vn")
	assert.Contains(t, s, "-c:a libmp3lame")
	assert.NotContains(t, s, "-c:v")
	assert.NotContains(t, s, "-vf")
	assert.NotContains(t, s, "-crf")
}

func TestBuildTrimArguments(t *testing.T) {
	p := Default().Apply(database.OptionMap{
		"startTime":     "00:01:00",
		"endTime":       "00:02:30",
		"durationLimit": "60",
	})
	passes, err := Build(p, "/in/a.mp4", "/out/a.mp4", "")
	require.NoError(t, err)
	s := argString(passes[0])

	assert.Contains(t, s, "-ss 00:01:00")
	assert.Contains(t, s, "-to 00:02:30")
	assert.Contains(t, s, "-t 60")
}

func TestBuildTwoPass(t *testing.T) {
	p := Default().Apply(database.OptionMap{"twoPass": "true"})
	passes, err := Build(p, "/in/a.mp4", "/out/a.mp4", "/tmp/convertra/job-1")
	require.NoError(t, err)
	require.Len(t, passes, 2)

	pass1 := argString(passes[0])
	assert.Contains(t, pass1, "-pass 1")
	assert.Contains(t, pass1, "-an")
	assert.Contains(t, pass1, "-f null")
	assert.Equal(t, "/dev/null", passes[0][len(passes[0])-1])
	assert.NotContains(t, pass1, "-c:a")

	pass2 := argString(passes[1])
	assert.Contains(t, pass2, "-pass 2")
	assert.Contains(t, pass2, "-c:a aac")
	assert.Equal(t, "/out/a.mp4", passes[1][len(passes[1])-1])

	// Both passes must agree on a per-job stats file.
	assert.Contains(t, pass1, "-passlogfile /tmp/convertra/job-1")
	assert.Contains(t, pass2, "-passlogfile /tmp/convertra/job-1")
}

func TestBuildTwoPassEmptyPassLogOmitsFlag(t *testing.T) {
	p := Default().Apply(database.OptionMap{"twoPass": "true"})
	passes, err := Build(p, "/in/a.mp4", "/out/a.mp4", "")
	require.NoError(t, err)
	require.Len(t, passes, 2)
	assert.NotContains(t, argString(passes[0]), "-passlogfile")
}

func TestBuildCustomParamsQuoting(t *testing.T) {
	p := Default().Apply(database.OptionMap{
		"customParams": `-metadata title="My Movie" -threads 4`,
	})
	passes, err := Build(p, "/in/a.mp4", "/out/a.mp4", "")
	require.NoError(t, err)
	argv := passes[0]

	idx := indexOf(argv, "-metadata")
	require.GreaterOrEqual(t, idx, 0)
	assert.Equal(t, "title=My Movie", argv[idx+1])
	assert.Less(t, idx, len(argv)-1, "custom params come before the output path")
}

func TestBuildUnknownContainer(t *testing.T) {
	p := Default().Apply(database.OptionMap{"outputFormat": "xyz"})
	_, err := Build(p, "/in/a.mp4", "/out/a.xyz", "")
	assert.Error(t, err)
}

func TestBuildCustomDimensions(t *testing.T) {
	p := Default().Apply(database.OptionMap{
		"customWidth":  "640",
		"customHeight": "",
		"resolution":   "",
	})
	p.CustomHeight = ""
	passes, err := Build(p, "/in/a.mp4", "/out/a.mp4", "")
	require.NoError(t, err)
	assert.Contains(t, argString(passes[0]), "scale=640:-2")
}

func TestBitrateBPS(t *testing.T) {
	p := Default().Apply(database.OptionMap{
		"qualityMode":  "bitrate",
		"videoQuality": "4500k",
	})
	bps, ok := p.BitrateBPS()
	require.True(t, ok)
	assert.Equal(t, int64(4500000), bps)

	_, ok = Default().BitrateBPS()
	assert.False(t, ok, "CRF mode has no bitrate")
}
