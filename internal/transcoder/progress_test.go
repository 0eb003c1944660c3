package transcoder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProgressSeconds(t *testing.T) {
	cases := []struct {
		line string
		want float64
		ok   bool
	}{
		{"frame=120 fps=30 time=00:01:30.50 bitrate=800k", 90.5, true},
		{"time=01:00:00.00", 3600, true},
		{"out_time_ms=5500000", 5.5, true},
		{"out_time=00:00:07.250000", 7.25, true},
		{"progress=continue", 0, false},
		{"speed=1.5x", 0, false},
		{"", 0, false},
	}
	for _, tc := range cases {
		got, ok := parseProgressSeconds(tc.line)
		require.Equal(t, tc.ok, ok, "line %q", tc.line)
		if ok {
			assert.InDelta(t, tc.want, got, 0.001, "line %q", tc.line)
		}
	}
}

func TestParseTotalSizeBytes(t *testing.T) {
	n, ok := parseTotalSizeBytes("total_size=1048576")
	require.True(t, ok)
	assert.Equal(t, int64(1048576), n)

	_, ok = parseTotalSizeBytes("out_time_ms=5500000")
	assert.False(t, ok)
}

func TestThrottleInterval(t *testing.T) {
	thr := newThrottle(200*time.Millisecond, 5, 0)
	now := time.Now()

	assert.True(t, thr.allow(now, 10, 0), "first update always passes")
	assert.False(t, thr.allow(now.Add(50*time.Millisecond), 11, 0))
	assert.True(t, thr.allow(now.Add(250*time.Millisecond), 12, 0), "interval elapsed")
}

func TestThrottlePercentStep(t *testing.T) {
	thr := newThrottle(time.Hour, 5, 0)
	now := time.Now()

	assert.True(t, thr.allow(now, 10, 0))
	assert.False(t, thr.allow(now, 13, 0))
	assert.True(t, thr.allow(now, 15, 0), "5% delta passes without waiting")
}

func TestThrottleByteStep(t *testing.T) {
	thr := newThrottle(time.Hour, 100, 1<<20)
	now := time.Now()

	assert.True(t, thr.allow(now, 1, 0))
	assert.False(t, thr.allow(now, 1, 1<<19), "half the byte step stays quiet")
	assert.True(t, thr.allow(now, 1, 1<<20), "a full byte step passes without waiting")
	assert.False(t, thr.allow(now, 1, 1<<20+1))
}

func TestThrottleZeroByteStepNeverTriggers(t *testing.T) {
	thr := newThrottle(time.Hour, 100, 0)
	now := time.Now()

	assert.True(t, thr.allow(now, 1, 0))
	assert.False(t, thr.allow(now, 1, 1<<40), "bytes are ignored when no step is configured")
}

func TestThrottleFinalAlwaysPasses(t *testing.T) {
	thr := newThrottle(time.Hour, 100, 0)
	now := time.Now()

	assert.True(t, thr.allow(now, 99, 0))
	assert.True(t, thr.allow(now, 100, 0))
}

func TestThrottleNeverGoesBackwards(t *testing.T) {
	thr := newThrottle(0, 1, 0)
	now := time.Now()

	assert.True(t, thr.allow(now, 50, 0))
	assert.False(t, thr.allow(now.Add(time.Second), 40, 0))
	assert.True(t, thr.allow(now.Add(2*time.Second), 51, 0))
}
