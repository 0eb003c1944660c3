package transcoder

import (
	"regexp"
	"strconv"
	"time"
)

// FFmpeg reports progress as key=value lines on stderr when invoked
// with -progress pipe:2. Three forms carry the current position; the
// first that matches on a line wins:
//
//	time=HH:MM:SS.cc        centisecond fraction
//	out_time_ms=N           integer microseconds, despite the name
//	out_time=HH:MM:SS.uuuu  microsecond fraction
//
// total_size=N carries the bytes written so far.
var (
	clockRe     = regexp.MustCompile(`time=(\d+):(\d+):(\d+(?:\.\d+)?)`)
	outTimeMsRe = regexp.MustCompile(`out_time_ms=(\d+)`)
	totalSizeRe = regexp.MustCompile(`total_size=(\d+)`)
)

// parseProgressSeconds extracts the current encode position from one
// stderr line.
func parseProgressSeconds(line string) (float64, bool) {
	if m := clockRe.FindStringSubmatch(line); m != nil {
		hours, _ := strconv.ParseFloat(m[1], 64)
		minutes, _ := strconv.ParseFloat(m[2], 64)
		seconds, _ := strconv.ParseFloat(m[3], 64)
		return hours*3600 + minutes*60 + seconds, true
	}
	if m := outTimeMsRe.FindStringSubmatch(line); m != nil {
		micros, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return 0, false
		}
		return micros / 1e6, true
	}
	return 0, false
}

// parseTotalSizeBytes extracts the bytes written so far from a
// total_size= progress line.
func parseTotalSizeBytes(line string) (int64, bool) {
	m := totalSizeRe.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// throttle rate-limits progress publication: one update per interval,
// per pctStep percent of change or per byteStep bytes written,
// whichever comes first. 100 always passes.
type throttle struct {
	interval time.Duration
	pctStep  int
	byteStep int64

	lastAt    time.Time
	lastPct   int
	lastBytes int64
}

func newThrottle(interval time.Duration, pctStep int, byteStep int64) *throttle {
	return &throttle{interval: interval, pctStep: pctStep, byteStep: byteStep, lastPct: -1}
}

func (t *throttle) allow(now time.Time, pct int, bytes int64) bool {
	if pct >= 100 {
		t.lastAt, t.lastPct, t.lastBytes = now, pct, bytes
		return true
	}
	if pct < t.lastPct {
		// Published progress never goes backwards.
		return false
	}
	if t.lastPct < 0 || now.Sub(t.lastAt) >= t.interval || pct-t.lastPct >= t.pctStep ||
		(t.byteStep > 0 && bytes-t.lastBytes >= t.byteStep) {
		t.lastAt, t.lastPct, t.lastBytes = now, pct, bytes
		return true
	}
	return false
}
