package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/krishimitra/farmvoice/internal/domain"
	"github.com/krishimitra/farmvoice/internal/store"
	"github.com/spf13/cobra"
)

const listTitleWidth = 40

func (c *cli) conversationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"conv"},
		Short:   "List, show, export and delete saved conversations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List saved conversations, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withStore(func(repo store.Repository) error {
				convs, err := repo.ListConversations(cmd.Context(), c.profile)
				if err != nil {
					return err
				}
				renderConversationList(c.out, convs)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Print one conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStore(func(repo store.Repository) error {
				conv, err := c.ownedConversation(cmd.Context(), repo, args[0])
				if err != nil {
					return err
				}
				renderConversation(c.out, conv)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete one conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStore(func(repo store.Repository) error {
				conv, err := c.ownedConversation(cmd.Context(), repo, args[0])
				if err != nil {
					return err
				}
				if err := repo.DeleteConversation(cmd.Context(), conv.ID); err != nil {
					return err
				}
				fmt.Fprintf(c.out, "Deleted %s.\n", conv.ID)
				return nil
			})
		},
	})

	var yes bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every conversation of the profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return errors.New("refusing to clear without --yes")
			}
			return c.withStore(func(repo store.Repository) error {
				n, err := repo.ClearConversations(cmd.Context(), c.profile)
				if err != nil {
					return err
				}
				fmt.Fprintf(c.out, "Deleted %d conversation(s).\n", n)
				return nil
			})
		},
	}
	clearCmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm deletion")
	cmd.AddCommand(clearCmd)

	var outPath string
	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Write the profile's conversations as JSON records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withStore(func(repo store.Repository) error {
				convs, err := repo.ListConversations(cmd.Context(), c.profile)
				if err != nil {
					return err
				}
				return writeOutput(c.out, outPath, func(w io.Writer) error {
					enc := json.NewEncoder(w)
					enc.SetIndent("", "  ")
					return enc.Encode(convs)
				})
			})
		},
	}
	exportCmd.Flags().StringVarP(&outPath, "out", "o", "", "output file (default stdout)")
	cmd.AddCommand(exportCmd)

	return cmd
}

func (c *cli) ownedConversation(ctx context.Context, repo store.Repository, id string) (*domain.Conversation, error) {
	conv, err := repo.GetConversation(ctx, id)
	if err == nil && conv.ProfileID != c.profile {
		err = store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("conversation %s: %w", id, err)
	}
	return conv, nil
}

func renderConversationList(w io.Writer, convs []*domain.Conversation) {
	if len(convs) == 0 {
		fmt.Fprintln(w, "No conversations found")
		return
	}
	fmt.Fprintln(w, color.CyanString("Conversations"))
	fmt.Fprintln(w, strings.Repeat("─", 72))
	for _, conv := range convs {
		fmt.Fprintf(w, "%s  %s  %3d  %s\n",
			color.HiBlackString(conv.ID),
			conv.UpdatedAt.Local().Format("2006-01-02 15:04"),
			len(conv.Turns),
			truncate(conv.Title, listTitleWidth),
		)
	}
}

func renderConversation(w io.Writer, conv *domain.Conversation) {
	fmt.Fprintln(w, color.CyanString(conv.Title))
	fmt.Fprintf(w, "%s  created %s\n", color.HiBlackString(conv.ID), conv.CreatedAt.Local().Format("2006-01-02 15:04"))
	fmt.Fprintln(w, strings.Repeat("─", 72))
	for _, turn := range conv.Turns {
		renderTurn(w, turn)
	}
}

func renderTurn(w io.Writer, turn domain.ConversationTurn) {
	who := color.GreenString("You")
	if turn.Role == domain.RoleAssistant {
		who = color.YellowString("Assistant")
	}
	fmt.Fprintf(w, "%s %s: %s\n", color.HiBlackString(turn.Timestamp.Local().Format("15:04:05")), who, turn.Text)
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-3]) + "..."
}

// writeOutput writes to path, or to out when path is empty.
func writeOutput(out io.Writer, path string, write func(io.Writer) error) error {
	if path == "" {
		return write(out)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := write(f); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	fmt.Fprintf(out, "Wrote %s.\n", path)
	return nil
}
