package backend

import (
	"runtime"
	"sort"
	"strings"
)

// Tail keeps the last lines of a stream for error messages.
type Tail struct {
	lines []string
	max   int
}

// NewTail returns a tail holding at most max non-empty lines.
func NewTail(max int) *Tail {
	if max <= 0 {
		max = 1
	}
	return &Tail{max: max}
}

// Add records one line, dropping the oldest when full.
func (t *Tail) Add(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	if len(t.lines) == t.max {
		copy(t.lines, t.lines[1:])
		t.lines = t.lines[:len(t.lines)-1]
	}
	t.lines = append(t.lines, line)
}

func (t *Tail) String() string {
	return strings.Join(t.lines, " | ")
}

// MergeEnv overlays extra onto base for a child process environment. Keys
// are matched case-insensitively on Windows. The parent's environment is
// never modified.
func MergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		name, _, _ := strings.Cut(kv, "=")
		if overridden(extra, name) {
			continue
		}
		out = append(out, kv)
	}
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}

func overridden(m map[string]string, key string) bool {
	if _, ok := m[key]; ok {
		return true
	}
	if runtime.GOOS == "windows" {
		for k := range m {
			if strings.EqualFold(k, key) {
				return true
			}
		}
	}
	return false
}
