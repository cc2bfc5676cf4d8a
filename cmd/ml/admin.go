package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"missionline/internal/app"
	"missionline/internal/catalog"
	"missionline/internal/config"
	"missionline/internal/db"
	"missionline/internal/domain"
	"missionline/internal/repo"
)

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the workspace database and missionline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			existed := db.Exists(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				fmt.Fprintf(cmd.OutOrStdout(), "%s already exists (use --force to overwrite)\n", path)
			} else if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			c, err := openConsole(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()
			if existed {
				fmt.Fprintf(cmd.OutOrStdout(), "workspace ready: %s\n", db.Path(workspace))
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "created workspace: %s\n", db.Path(workspace))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing missionline.yml")
	return cmd
}

func progressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "progress",
		Short: "Inspect or reset saved progress",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show saved progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConsole(cmd.Context(), func(ctx context.Context, c *app.Console) error {
				var p domain.Progress
				_ = c.Do(ctx, func(c *app.Console) error {
					p = c.Store.Snapshot()
					return nil
				})
				if viper.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), p)
				}
				active := p.ActiveMissionID
				if active == "" {
					active = "-"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "active mission: %s\n", active)
				tw := newTable(cmd.OutOrStdout(), "Mission", "Completed", "Objectives done")
				for _, id := range missionIDs(p) {
					tw.AppendRow(table.Row{id, p.MissionCompleted(id), strings.Join(p.Tasks[id], ",")})
				}
				tw.Render()
				return nil
			})
		},
	})

	var yes bool
	reset := &cobra.Command{
		Use:   "reset",
		Short: "Wipe all progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("progress reset is irreversible; pass --yes to confirm")
			}
			return withConsole(cmd.Context(), func(ctx context.Context, c *app.Console) error {
				if err := c.Do(ctx, func(c *app.Console) error { return c.Session.Reset(ctx) }); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "progress reset")
				return nil
			})
		},
	}
	reset.Flags().BoolVar(&yes, "yes", false, "confirm the reset")
	cmd.AddCommand(reset)
	return cmd
}

// missionIDs lists completed missions first, then the others with recorded
// objectives.
func missionIDs(p domain.Progress) []string {
	ids := append([]string{}, p.CompletedMissionIDs...)
	for _, id := range p.MissionIDsWithTasks() {
		if !p.MissionCompleted(id) {
			ids = append(ids, id)
		}
	}
	return ids
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Mission journal",
		Long:  "The record of accepted, abandoned and completed missions, completed objectives and progress resets.",
	}
	var n int
	var kind, missionID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest journal entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConsole(cmd.Context(), func(ctx context.Context, c *app.Console) error {
				entries, err := c.Repo.LatestJournal(ctx, n, 0, repo.JournalFilter{MissionID: missionID, Kind: kind})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), entries)
				}
				tw := newTable(cmd.OutOrStdout(), "ID", "Time", "Kind", "Mission", "Objective", "Source")
				for _, e := range entries {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Kind, e.MissionID, e.ObjectiveID, e.Source})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVarP(&n, "n", "n", 20, "number of entries")
	tail.Flags().StringVar(&kind, "kind", "", "entry kind filter")
	tail.Flags().StringVar(&missionID, "mission", "", "mission id filter")
	cmd.AddCommand(tail)
	return cmd
}

func keyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage collaborator API keys",
	}
	cmd.AddCommand(keyCreateCmd())
	cmd.AddCommand(keyListCmd())
	cmd.AddCommand(keyRevokeCmd())
	return cmd
}

func keyCreateCmd() *cobra.Command {
	var collaborator, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for a collaborator",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(collaborator) == "" {
				return fmt.Errorf("--collaborator required")
			}
			return withConsole(cmd.Context(), func(ctx context.Context, c *app.Console) error {
				secret := "ml_" + strings.ReplaceAll(uuid.NewString(), "-", "")
				key := domain.APIKey{
					ID:           uuid.NewString(),
					Collaborator: collaborator,
					Name:         name,
					KeyHash:      repo.HashAPIKey(secret),
				}
				if err := c.Repo.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), map[string]string{"id": key.ID, "collaborator": collaborator, "key": secret})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "key %s for %s: %s\n(store it now, it is not shown again)\n", key.ID, collaborator, secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&collaborator, "collaborator", "", "collaborator the key acts as")
	cmd.Flags().StringVar(&name, "name", "", "label for the key")
	return cmd
}

func keyListCmd() *cobra.Command {
	var collaborator string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConsole(cmd.Context(), func(ctx context.Context, c *app.Console) error {
				keys, err := c.Repo.ListAPIKeys(ctx, collaborator)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), keys)
				}
				tw := newTable(cmd.OutOrStdout(), "ID", "Collaborator", "Name", "Created")
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.Collaborator, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&collaborator, "collaborator", "", "collaborator filter")
	return cmd
}

func keyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConsole(cmd.Context(), func(ctx context.Context, c *app.Console) error {
				if err := c.Repo.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", args[0])
				return nil
			})
		},
	}
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load mission content in every locale and report problems",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			dir := cfg.Console.ContentDir
			if v := viper.GetString("content"); v != "" {
				dir = v
			}
			src := app.ContentFS(dir)
			opts := catalog.Options{DefaultLocale: cfg.Console.DefaultLocale, KnownModules: cfg.Console.Modules}
			locales, err := catalog.Locales(src, opts)
			if err != nil {
				return err
			}
			type result struct {
				Locale   string `json:"locale"`
				Missions int    `json:"missions"`
				Error    string `json:"error,omitempty"`
			}
			var results []result
			var failed error
			for _, locale := range locales {
				missions, err := catalog.LoadMissions(src, locale, opts)
				r := result{Locale: locale, Missions: len(missions)}
				if err != nil {
					r.Error = err.Error()
					failed = errors.Join(failed, fmt.Errorf("%s: %w", locale, err))
				}
				results = append(results, r)
			}
			if viper.GetBool("json") {
				if err := printJSON(cmd.OutOrStdout(), results); err != nil {
					return err
				}
				return failed
			}
			tw := newTable(cmd.OutOrStdout(), "Locale", "Missions", "Result")
			for _, r := range results {
				status := "ok"
				if r.Error != "" {
					status = r.Error
				}
				tw.AppendRow(table.Row{r.Locale, r.Missions, status})
			}
			tw.Render()
			return failed
		},
	}
}
