package failure

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrConfiguration = errors.New("configuration error")
	ErrValidation    = errors.New("validation error")
	ErrAcquisition   = errors.New("model acquisition error")
	ErrBackendCrash  = errors.New("backend crashed")
	ErrBackendFailed = errors.New("backend failed")
)

// Kind is the wire name of a taxonomy marker.
type Kind string

const (
	KindConfiguration Kind = "configuration"
	KindValidation    Kind = "validation"
	KindAcquisition   Kind = "acquisition"
	KindCrash         Kind = "crash"
	KindBackend       Kind = "backend"
	KindCancelled     Kind = "cancelled"
)

// Wrap builds an error message that includes stage context while tagging it
// with the provided marker for later classification.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrBackendFailed
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// KindOf classifies err. Unknown errors are reported as backend failures.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, ErrConfiguration):
		return KindConfiguration
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrAcquisition):
		return KindAcquisition
	case errors.Is(err, ErrBackendCrash):
		return KindCrash
	default:
		return KindBackend
	}
}

// FromKind rebuilds a tagged error from a wire kind and message, used when
// an error crosses a process boundary. A message that already starts with
// the marker text is not prefixed twice.
func FromKind(kind Kind, message string) error {
	var marker error
	switch kind {
	case KindCancelled:
		return context.Canceled
	case KindConfiguration:
		marker = ErrConfiguration
	case KindValidation:
		marker = ErrValidation
	case KindAcquisition:
		marker = ErrAcquisition
	case KindCrash:
		marker = ErrBackendCrash
	default:
		marker = ErrBackendFailed
	}
	message = strings.TrimSpace(message)
	message = strings.TrimPrefix(message, marker.Error()+": ")
	return fmt.Errorf("%w: %s", marker, message)
}

// Describe turns a job-ending error into a human-readable message.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	detail := err.Error()
	switch KindOf(err) {
	case KindCancelled:
		return "Job cancelled"
	case KindConfiguration:
		return "Configuration error: " + detail
	case KindValidation:
		return "Invalid input: " + detail
	case KindAcquisition:
		return "Model download failed: " + detail + ". Check your network connection and try again later."
	case KindCrash:
		return "The transcription engine crashed: " + detail + "."
	default:
		return "Transcription failed: " + detail
	}
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "backend failure"
	}
	return strings.Join(parts, ": ")
}
