package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/krishimitra/farmvoice/internal/config"
	"github.com/krishimitra/farmvoice/internal/identity"
	"github.com/krishimitra/farmvoice/internal/store"
	"github.com/spf13/cobra"
)

// cli holds the state shared by every subcommand.
type cli struct {
	out     io.Writer
	cfg     *config.Config
	profile string
	dbPath  string
	noColor bool
	verbose bool
}

func newRootCmd(out io.Writer) *cobra.Command {
	c := &cli{out: out}

	root := &cobra.Command{
		Use:           "voicectl",
		Short:         "Manage farm voice preferences and conversations, or talk from the terminal",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := godotenv.Load(); err != nil {
				slog.Debug("No .env file found, using environment variables")
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if c.dbPath != "" {
				cfg.DBPath = c.dbPath
			}
			c.cfg = cfg

			if !identity.ValidProfileID(c.profile) {
				return fmt.Errorf("invalid profile id %q", c.profile)
			}
			if c.noColor {
				color.NoColor = true
			}
			level := slog.LevelWarn
			if c.verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
			return nil
		},
	}
	root.SetOut(out)

	defaultProfile := os.Getenv("FARMVOICE_PROFILE")
	if defaultProfile == "" {
		defaultProfile = "default"
	}
	root.PersistentFlags().StringVarP(&c.profile, "profile", "p", defaultProfile, "profile id the data belongs to")
	root.PersistentFlags().StringVar(&c.dbPath, "db", "", "database path (overrides DB_PATH)")
	root.PersistentFlags().BoolVar(&c.noColor, "no-color", false, "disable colored output")
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "log debug output to stderr")

	root.AddCommand(c.conversationsCmd(), c.prefsCmd(), c.talkCmd())
	return root
}

// withStore opens the store for the duration of fn.
func (c *cli) withStore(fn func(store.Repository) error) error {
	repo, err := store.NewSQLite(c.cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Warn("Failed to close store", "error", closeErr)
		}
	}()
	return fn(repo)
}
