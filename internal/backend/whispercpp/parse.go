package whispercpp

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"dropscribe/internal/backend"
)

var (
	segmentLine  = regexp.MustCompile(`^\[(\d+):(\d{2}):(\d{2})[.,](\d{3}) --> (\d+):(\d{2}):(\d{2})[.,](\d{3})\]\s?(.*)$`)
	progressLine = regexp.MustCompile(`progress\s*=\s*(\d{1,3})\s*%`)
	languageLine = regexp.MustCompile(`auto-detected language:\s*([a-z]{2,3})`)
)

// loadedMarker is printed by whisper-cli once the model is loaded and the
// decoder starts on the first input file.
const loadedMarker = "main: processing"

// parseSegment reads one stdout segment line.
func parseSegment(line string) (backend.Segment, bool) {
	m := segmentLine.FindStringSubmatch(strings.TrimRight(line, "\r"))
	if m == nil {
		return backend.Segment{}, false
	}
	return backend.Segment{
		Start: timestamp(m[1], m[2], m[3], m[4]),
		End:   timestamp(m[5], m[6], m[7], m[8]),
		Text:  strings.TrimSpace(m[9]),
	}, true
}

// parseProgress reads a native "progress = N%" stderr line.
func parseProgress(line string) (int, bool) {
	m := progressLine.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	pct, err := strconv.Atoi(m[1])
	if err != nil || pct > 100 {
		return 0, false
	}
	return pct, true
}

func parseLanguage(line string) (string, bool) {
	m := languageLine.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	return m[1], true
}

func isLoadedLine(line string) bool {
	return strings.HasPrefix(strings.TrimSpace(line), loadedMarker)
}

func timestamp(h, m, s, ms string) time.Duration {
	hours, _ := strconv.Atoi(h)
	minutes, _ := strconv.Atoi(m)
	seconds, _ := strconv.Atoi(s)
	millis, _ := strconv.Atoi(ms)
	return time.Duration(hours)*time.Hour +
		time.Duration(minutes)*time.Minute +
		time.Duration(seconds)*time.Second +
		time.Duration(millis)*time.Millisecond
}
