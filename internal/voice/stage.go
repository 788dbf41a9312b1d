// Package voice implements the realtime voice session controller.
package voice

import (
	"context"
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
)

// Stage is the lifecycle position of a controller.
type Stage int

const (
	StageIdle Stage = iota
	StageNegotiating
	StageConnected
	StageClosing
	StageError
)

func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StageNegotiating:
		return "negotiating"
	case StageConnected:
		return "connected"
	case StageClosing:
		return "closing"
	case StageError:
		return "error"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// MarshalText encodes the stage by name.
func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Start failures. Each wraps an errdefs class (or context.Canceled) so transports can map them.
var (
	ErrPermissionDenied = fmt.Errorf("microphone access not granted: %w", errdefs.ErrPermissionDenied)
	ErrCredential       = fmt.Errorf("session credential unavailable: %w", errdefs.ErrUnavailable)
	ErrCapture          = fmt.Errorf("microphone capture unavailable: %w", errdefs.ErrUnavailable)
	ErrNegotiation      = fmt.Errorf("connection negotiation failed: %w", errdefs.ErrUnavailable)
	ErrSessionActive    = fmt.Errorf("voice session already active: %w", errdefs.ErrFailedPrecondition)
	ErrAborted          = fmt.Errorf("voice session stopped during start: %w", context.Canceled)
)

// Alert is a user-visible notice.
type Alert struct {
	Title   string `json:"title"`
	Message string `json:"message"`
}

var (
	alertPermission = Alert{Title: "Permission Required", Message: "Please grant microphone access to use voice features"}
	alertStart      = Alert{Title: "Error", Message: "Failed to start voice session"}
	alertLost       = Alert{Title: "Connection lost", Message: "The voice session ended unexpectedly. Tap the microphone to start again."}
)

func alertFor(err error) (Alert, bool) {
	switch {
	case errors.Is(err, ErrAborted):
		return Alert{}, false
	case errors.Is(err, ErrPermissionDenied):
		return alertPermission, true
	default:
		return alertStart, true
	}
}

// wrapStep classifies a start step failure as class, keeping the cause.
func wrapStep(class error, step string, err error) error {
	return fmt.Errorf("%w: %s: %w", class, step, err)
}
