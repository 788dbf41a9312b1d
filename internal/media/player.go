package media

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
)

// CommandPlayer plays the assistant's voice by piping Ogg/Opus into a command's stdin.
type CommandPlayer struct {
	command string
	logger  *slog.Logger
}

// NewCommandPlayer creates a player. An empty command discards the audio.
func NewCommandPlayer(command string, logger *slog.Logger) *CommandPlayer {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandPlayer{command: command, logger: logger}
}

// Open starts the playback command and returns its stdin.
func (p *CommandPlayer) Open(ctx context.Context) (io.WriteCloser, error) {
	if p.command == "" {
		return discardCloser{}, nil
	}
	name, args, err := splitCommand(p.command)
	if err != nil {
		return nil, fmt.Errorf("player command: %w", err)
	}

	cmd := exec.CommandContext(ctx, name, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("player stdin: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("player stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start player: %w", err)
	}
	go logLines(stderr, p.logger, "player")
	return &playerPipe{WriteCloser: stdin, cmd: cmd, ctx: ctx, logger: p.logger}, nil
}

type playerPipe struct {
	io.WriteCloser
	cmd    *exec.Cmd
	ctx    context.Context
	logger *slog.Logger
	once   sync.Once
}

func (p *playerPipe) Close() error {
	var err error
	p.once.Do(func() {
		err = p.WriteCloser.Close()
		if waitErr := p.cmd.Wait(); waitErr != nil && p.ctx.Err() == nil {
			p.logger.Debug("Player command exited", "error", waitErr)
		}
	})
	return err
}

type discardCloser struct{}

func (discardCloser) Write(p []byte) (int, error) { return len(p), nil }
func (discardCloser) Close() error                { return nil }
