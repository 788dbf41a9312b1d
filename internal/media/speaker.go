package media

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// SystemSpeaker reads text aloud with a local speech synthesizer such as espeak-ng.
// A new utterance interrupts the previous one.
type SystemSpeaker struct {
	command string
	voice   string
	rate    int
	logger  *slog.Logger

	mu      sync.Mutex
	current *utterance
	seq     uint64
}

type utterance struct {
	id     uint64
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSystemSpeaker creates a speaker. voice is the default synthesizer voice and
// rate is words per minute.
func NewSystemSpeaker(command, voice string, rate int, logger *slog.Logger) *SystemSpeaker {
	if logger == nil {
		logger = slog.Default()
	}
	return &SystemSpeaker{command: command, voice: voice, rate: rate, logger: logger}
}

// Speak synthesizes text and blocks until it finishes, is stopped or ctx ends.
// language overrides the default voice when set.
func (s *SystemSpeaker) Speak(ctx context.Context, text, language string) error {
	text = strings.TrimSpace(text)
	if text == "" || s.command == "" {
		return nil
	}
	name, base, err := splitCommand(s.command)
	if err != nil {
		return fmt.Errorf("speech command: %w", err)
	}

	args := append([]string{}, base...)
	if voice := s.voiceFor(language); voice != "" {
		args = append(args, "-v", voice)
	}
	if s.rate > 0 {
		args = append(args, "-s", strconv.Itoa(s.rate))
	}
	args = append(args, "--", text)

	ctx, cancel := context.WithCancel(ctx)
	u := s.begin(cancel)
	defer s.finish(u)

	cmd := exec.CommandContext(ctx, name, args...)
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("speak: %w", err)
	}
	return nil
}

// Speaking reports whether an utterance is in progress.
func (s *SystemSpeaker) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

// Stop interrupts the current utterance, if any, and waits for it to end.
func (s *SystemSpeaker) Stop() error {
	s.mu.Lock()
	u := s.current
	s.mu.Unlock()
	if u == nil {
		return nil
	}
	u.cancel()
	<-u.done
	return nil
}

func (s *SystemSpeaker) begin(cancel context.CancelFunc) *utterance {
	s.mu.Lock()
	prev := s.current
	s.seq++
	u := &utterance{id: s.seq, cancel: cancel, done: make(chan struct{})}
	s.current = u
	s.mu.Unlock()

	if prev != nil {
		prev.cancel()
	}
	return u
}

func (s *SystemSpeaker) finish(u *utterance) {
	u.cancel()
	s.mu.Lock()
	if s.current != nil && s.current.id == u.id {
		s.current = nil
	}
	s.mu.Unlock()
	close(u.done)
}

func (s *SystemSpeaker) voiceFor(language string) string {
	language = strings.TrimSpace(language)
	if language == "" {
		return s.voice
	}
	if code, ok := languageVoices[strings.ToLower(language)]; ok {
		return code
	}
	if len(language) <= 6 && !strings.ContainsAny(language, " ") {
		return language
	}
	s.logger.Debug("No synthesizer voice for language, using default", "language", language)
	return s.voice
}

var languageVoices = map[string]string{
	"english":   "en-IN",
	"hindi":     "hi",
	"marathi":   "mr",
	"punjabi":   "pa",
	"tamil":     "ta",
	"telugu":    "te",
	"kannada":   "kn",
	"bengali":   "bn",
	"gujarati":  "gu",
	"malayalam": "ml",
}
