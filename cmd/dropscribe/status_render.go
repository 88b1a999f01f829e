package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"

	"dropscribe/internal/domain"
)

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiBlue   = "\x1b[34m"
)

const (
	statusLabelWidth = 20
	statusIndent     = "  "
)

func renderStatusLine(label string, status domain.DiagnosticStatus, message string, colorize bool) string {
	statusText := statusLabel(status)
	if message != "" {
		statusText = fmt.Sprintf("[%s] %s", statusText, message)
	} else {
		statusText = fmt.Sprintf("[%s]", statusText)
	}
	base := fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, label+":", statusText)
	if colorize {
		if color := statusColor(status); color != "" {
			return color + base + ansiReset
		}
	}
	return base
}

func statusLabel(status domain.DiagnosticStatus) string {
	switch status {
	case domain.DiagnosticStatusPass:
		return "OK"
	case domain.DiagnosticStatusWarn:
		return "WARN"
	case domain.DiagnosticStatusFail:
		return "FAIL"
	default:
		return "INFO"
	}
}

func statusColor(status domain.DiagnosticStatus) string {
	switch status {
	case domain.DiagnosticStatusPass:
		return ansiGreen
	case domain.DiagnosticStatusWarn:
		return ansiYellow
	case domain.DiagnosticStatusFail:
		return ansiRed
	default:
		return ansiBlue
	}
}

func renderSectionHeader(title string, colorize bool) []string {
	line := fmt.Sprintf("== %s ==", strings.TrimSpace(title))
	rule := strings.Repeat("-", len(line))
	if colorize {
		line = ansiBlue + line + ansiReset
		rule = ansiBlue + rule + ansiReset
	}
	return []string{line, rule}
}

// isTerminal reports whether writer is an interactive terminal.
func isTerminal(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
