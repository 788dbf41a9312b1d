package media

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4/pkg/media/oggreader"
)

const defaultFrameDuration = 20 * time.Millisecond

// CommandMicrophone captures Ogg/Opus audio from an external command's stdout,
// e.g. ffmpeg reading ALSA.
type CommandMicrophone struct {
	command string
	device  string
	logger  *slog.Logger
}

// NewCommandMicrophone creates a microphone. device, when set, is the path whose
// accessibility stands in for the OS permission prompt.
func NewCommandMicrophone(command, device string, logger *slog.Logger) *CommandMicrophone {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandMicrophone{command: command, device: device, logger: logger}
}

// RequestPermission reports ErrPermissionDenied when the capture device is
// missing or not readable by this process.
func (m *CommandMicrophone) RequestPermission(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.device == "" {
		return nil
	}
	f, err := os.Open(m.device)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return fmt.Errorf("%w: %s", ErrPermissionDenied, m.device)
		}
		return fmt.Errorf("probe capture device: %w", err)
	}
	_ = f.Close()
	return nil
}

// Open starts the capture command.
func (m *CommandMicrophone) Open(ctx context.Context) (Capture, error) {
	name, args, err := splitCommand(m.command)
	if err != nil {
		return nil, fmt.Errorf("microphone command: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, name, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("microphone stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("microphone stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start microphone: %w", err)
	}

	c := newOggCapture(ctx, cancel, stdout, m.logger)
	go logLines(stderr, m.logger, "microphone")
	go func() {
		<-c.done
		if err := cmd.Wait(); err != nil && ctx.Err() == nil {
			m.logger.Warn("Microphone command exited", "error", err)
		}
	}()
	return c, nil
}

type oggCapture struct {
	out    chan Frame
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func newOggCapture(ctx context.Context, cancel context.CancelFunc, r io.Reader, logger *slog.Logger) *oggCapture {
	c := &oggCapture{
		out:    make(chan Frame, 32),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(c.done)
		defer close(c.out)
		if err := readOggFrames(ctx, r, c.out); err != nil && ctx.Err() == nil {
			logger.Warn("Microphone stream ended", "error", err)
		}
	}()
	return c
}

func (c *oggCapture) Frames() <-chan Frame { return c.out }

func (c *oggCapture) Close() error {
	c.once.Do(c.cancel)
	<-c.done
	return nil
}

// readOggFrames turns Ogg pages into frames, using the granule position delta
// for duration. The OpusTags page is skipped.
func readOggFrames(ctx context.Context, r io.Reader, out chan<- Frame) error {
	ogg, _, err := oggreader.NewWith(r)
	if err != nil {
		return fmt.Errorf("read ogg header: %w", err)
	}

	var lastGranule uint64
	for {
		payload, header, err := ogg.ParseNextPage()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return fmt.Errorf("read ogg page: %w", err)
		}
		if len(payload) == 0 || bytes.HasPrefix(payload, []byte("OpusTags")) {
			continue
		}

		duration := defaultFrameDuration
		if header.GranulePosition > lastGranule && lastGranule != 0 {
			samples := header.GranulePosition - lastGranule
			duration = time.Duration(float64(samples) / SampleRate * float64(time.Second))
		}
		lastGranule = header.GranulePosition

		frame := Frame{Data: payload, Duration: duration, Timestamp: time.Now()}
		select {
		case out <- frame:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func logLines(r io.Reader, logger *slog.Logger, source string) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		logger.Debug("Media command output", "source", source, "line", line)
	}
}
