// Package media provides local audio capture, remote audio playback and speech synthesis.
package media

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"
)

// Opus parameters used on the wire.
const (
	SampleRate = 48000
	Channels   = 2
)

// ErrPermissionDenied is returned when the microphone cannot be used.
var ErrPermissionDenied = errors.New("microphone permission denied")

// Frame is one encoded Opus packet from the microphone.
type Frame struct {
	Data      []byte
	Duration  time.Duration
	Timestamp time.Time
}

// Capture is a live microphone stream.
type Capture interface {
	Frames() <-chan Frame
	Close() error
}

// Player accepts an Ogg/Opus stream of the assistant's voice.
type Player interface {
	Open(ctx context.Context) (io.WriteCloser, error)
}

func splitCommand(command string) (string, []string, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return "", nil, errors.New("empty command")
	}
	return fields[0], fields[1:], nil
}
