package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/krishimitra/farmvoice/internal/domain"
	"github.com/krishimitra/farmvoice/internal/store"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func (c *cli) prefsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "prefs",
		Aliases: []string{"preferences"},
		Short:   "Read and edit the farmer profile used to brief the assistant",
	}

	var format string
	getCmd := &cobra.Command{
		Use:   "get",
		Short: "Print the stored preferences",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withStore(func(repo store.Repository) error {
				prefs, err := repo.GetPreferences(cmd.Context(), c.profile)
				if err != nil {
					return err
				}
				return encodePreferences(c.out, prefs, format)
			})
		},
	}
	getCmd.Flags().StringVarP(&format, "format", "f", "yaml", "output format: yaml or json")
	cmd.AddCommand(getCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "set <key=value>...",
		Short: "Update individual fields",
		Long: "Keys: location, crops (comma separated), name, language, speech-language, experience,\n" +
			"farm-size, water-source, notifications (true/false). An empty value clears the field.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStore(func(repo store.Repository) error {
				prefs, err := repo.GetPreferences(cmd.Context(), c.profile)
				if err != nil {
					return err
				}
				for _, arg := range args {
					key, value, ok := strings.Cut(arg, "=")
					if !ok {
						return fmt.Errorf("expected key=value, got %q", arg)
					}
					if err := setPreference(prefs, strings.TrimSpace(key), strings.TrimSpace(value)); err != nil {
						return err
					}
				}
				if err := repo.SavePreferences(cmd.Context(), c.profile, prefs); err != nil {
					return err
				}
				fmt.Fprintln(c.out, "Preferences saved.")
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "import <file>",
		Short: "Replace the preferences with a YAML or JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}
			prefs, err := decodePreferences(data)
			if err != nil {
				return fmt.Errorf("parse %s: %w", args[0], err)
			}
			return c.withStore(func(repo store.Repository) error {
				if err := repo.SavePreferences(cmd.Context(), c.profile, prefs); err != nil {
					return err
				}
				fmt.Fprintf(c.out, "Imported preferences for %s.\n", c.profile)
				return nil
			})
		},
	})

	var outPath string
	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Write the preferences as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withStore(func(repo store.Repository) error {
				prefs, err := repo.GetPreferences(cmd.Context(), c.profile)
				if err != nil {
					return err
				}
				return writeOutput(c.out, outPath, func(w io.Writer) error {
					return encodePreferences(w, prefs, "yaml")
				})
			})
		},
	}
	exportCmd.Flags().StringVarP(&outPath, "out", "o", "", "output file (default stdout)")
	cmd.AddCommand(exportCmd)

	return cmd
}

func encodePreferences(w io.Writer, prefs *domain.FarmPreferences, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(prefs)
	case "yaml", "":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(prefs); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}

// decodePreferences accepts YAML, which also covers JSON exports from the app.
func decodePreferences(data []byte) (*domain.FarmPreferences, error) {
	var prefs domain.FarmPreferences
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		if err := json.Unmarshal(data, &prefs); err != nil {
			return nil, err
		}
		return &prefs, nil
	}
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&prefs); err != nil && err != io.EOF {
		return nil, err
	}
	return &prefs, nil
}

func setPreference(p *domain.FarmPreferences, key, value string) error {
	details := func() *domain.PersonalDetails {
		if p.PersonalDetails == nil {
			p.PersonalDetails = &domain.PersonalDetails{}
		}
		return p.PersonalDetails
	}

	switch key {
	case "location":
		p.Location = value
	case "crops":
		p.Crops = nil
		for _, crop := range strings.Split(value, ",") {
			if crop = strings.TrimSpace(crop); crop != "" {
				p.Crops = append(p.Crops, crop)
			}
		}
	case "name":
		details().Name = value
	case "speech-language":
		details().Language = value
	case "experience":
		details().Experience = value
	case "language":
		p.Language = value
	case "farm-size":
		p.FarmSize = value
	case "water-source":
		p.WaterSource = value
	case "notifications":
		if value == "" {
			p.NotificationsEnabled = nil
			return nil
		}
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("notifications: %w", err)
		}
		p.NotificationsEnabled = &enabled
	default:
		return fmt.Errorf("unknown preference %q", key)
	}
	return nil
}
