package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/krishimitra/farmvoice/internal/app"
	"github.com/krishimitra/farmvoice/internal/store"
	"github.com/krishimitra/farmvoice/internal/voice"
	"github.com/spf13/cobra"
)

func (c *cli) talkCmd() *cobra.Command {
	var duration time.Duration
	cmd := &cobra.Command{
		Use:   "talk",
		Short: "Run one voice session from the terminal; press Enter or Ctrl-C to stop",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}

			return c.withStore(func(repo store.Repository) error {
				logger := slog.Default()
				eventLog, err := app.NewEventLog(c.cfg, logger)
				if err != nil {
					return err
				}
				defer func() { _ = eventLog.Close() }()

				deps := app.NewDeps(c.cfg, logger)
				ctrl, err := voice.New(deps.ControllerOptions(c.cfg, c.profile, repo, eventLog, logger))
				if err != nil {
					return err
				}
				return runTalk(ctx, ctrl, os.Stdin, c.out)
			})
		},
	}
	cmd.Flags().DurationVarP(&duration, "duration", "d", 0, "stop automatically after this long")
	return cmd
}

// talkPrinter renders controller updates as terminal lines.
type talkPrinter struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *talkPrinter) update(u voice.Update) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch u.Kind {
	case voice.UpdateStage:
		fmt.Fprintln(p.out, color.HiBlackString("[%s]", u.Stage))
	case voice.UpdateTurn:
		renderTurn(p.out, *u.Turn)
	case voice.UpdateAlert:
		fmt.Fprintf(p.out, "%s %s\n", color.RedString(u.Alert.Title+":"), u.Alert.Message)
	}
}

// runTalk drives one session until ctx ends, a line arrives on in, or the session ends by itself.
func runTalk(ctx context.Context, ctrl *voice.Controller, in io.Reader, out io.Writer) error {
	printer := &talkPrinter{out: out}
	ended := make(chan struct{}, 1)
	unsubscribe := ctrl.Subscribe(func(u voice.Update) {
		printer.update(u)
		if u.Kind == voice.UpdateStage && u.Stage == voice.StageIdle {
			select {
			case ended <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	if err := ctrl.Start(ctx); err != nil {
		return fmt.Errorf("start voice session: %w", err)
	}
	fmt.Fprintln(out, color.GreenString("Listening. Press Enter to stop."))

	enter := make(chan struct{})
	go func() {
		_, _ = bufio.NewReader(in).ReadString('\n')
		close(enter)
	}()

	select {
	case <-ctx.Done():
	case <-enter:
	case <-ended:
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ctrl.Stop(stopCtx); err != nil {
		return err
	}
	st := ctrl.Status()
	fmt.Fprintln(out, color.HiBlackString("Session ended (%s).", st.Stage))
	return nil
}
