package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"missionline/internal/app"
	"missionline/internal/bus"
	"missionline/internal/session"
)

func missionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mission",
		Short: "Browse and play missions",
	}
	cmd.AddCommand(missionListCmd())
	cmd.AddCommand(missionShowCmd())
	cmd.AddCommand(missionAcceptCmd())
	cmd.AddCommand(missionAbandonCmd())
	cmd.AddCommand(missionCompleteCmd())
	return cmd
}

func missionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List missions with their status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConsole(cmd.Context(), func(ctx context.Context, c *app.Console) error {
				var missions []app.MissionSummary
				_ = c.Do(ctx, func(c *app.Console) error {
					missions = c.Missions()
					return nil
				})
				if viper.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), missions)
				}
				tw := newTable(cmd.OutOrStdout(), "ID", "Title", "Status", "Modules", "Objectives")
				for _, m := range missions {
					tw.AppendRow(table.Row{m.ID, m.Title, m.Status, strings.Join(m.RequiredModules, ","), len(m.Objectives)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func missionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a mission and its objectives",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConsole(cmd.Context(), func(ctx context.Context, c *app.Console) error {
				var summary app.MissionSummary
				err := c.Do(ctx, func(c *app.Console) error {
					m, ok := c.Catalog.Get(args[0])
					if !ok {
						return fmt.Errorf("%w: %s", session.ErrUnknownMission, args[0])
					}
					summary = app.MissionSummary{Mission: m, Status: c.Session.Status(m.ID)}
					return nil
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), summary)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%s [%s]\n", summary.Title, summary.Status)
				if summary.Briefing != "" {
					fmt.Fprintln(out, strings.TrimSpace(summary.Briefing))
				}
				tw := newTable(out, "ID", "Objective", "Requires", "Trigger")
				for _, o := range summary.Objectives {
					trigger := "manual"
					if o.Trigger != nil {
						trigger = strings.TrimSpace(o.Trigger.Event + " " + o.Trigger.Target)
					}
					tw.AppendRow(table.Row{o.ID, o.Label, strings.Join(o.Requires, ","), trigger})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func missionAcceptCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "accept <id>",
		Short: "Accept a mission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConsole(cmd.Context(), func(ctx context.Context, c *app.Console) error {
				err := c.Do(ctx, func(c *app.Console) error {
					_, err := c.Session.Accept(ctx, args[0], force)
					return err
				})
				if err != nil {
					return err
				}
				return printView(cmd.OutOrStdout(), c.View())
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "replace the active mission")
	return cmd
}

func missionAbandonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "abandon",
		Short: "Abandon the active mission (completed objectives are kept)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConsole(cmd.Context(), func(ctx context.Context, c *app.Console) error {
				var abandoned string
				err := c.Do(ctx, func(c *app.Console) error {
					abandoned = c.Store.ActiveMissionID()
					return c.Session.AbandonMission(ctx)
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), map[string]any{"abandoned_mission_id": abandoned})
				}
				if abandoned == "" {
					fmt.Fprintln(cmd.OutOrStdout(), "no active mission")
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "abandoned %s\n", abandoned)
				return nil
			})
		},
	}
}

func missionCompleteCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "complete [id]",
		Short: "Complete the active mission",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConsole(cmd.Context(), func(ctx context.Context, c *app.Console) error {
				var id string
				err := c.Do(ctx, func(c *app.Console) error {
					id = c.Store.ActiveMissionID()
					if len(args) == 1 {
						id = args[0]
					}
					return c.CompleteMission(ctx, id, force)
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), map[string]any{"completed_mission_id": id})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "completed %s\n", id)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "complete even with open objectives")
	return cmd
}

func objectivesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "objectives",
		Short: "Show the live objectives of the active mission",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConsole(cmd.Context(), func(ctx context.Context, c *app.Console) error {
				return printView(cmd.OutOrStdout(), c.View())
			})
		},
	}
}

func objectiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "objective",
		Short: "Act on a single objective",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "complete <id>",
		Short: "Complete an ACTIVE objective by hand (checklist items)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConsole(cmd.Context(), func(ctx context.Context, c *app.Console) error {
				err := c.Do(ctx, func(c *app.Console) error {
					return c.Engine.MarkComplete(ctx, args[0])
				})
				if err != nil {
					return err
				}
				return printView(cmd.OutOrStdout(), c.View())
			})
		},
	})
	return cmd
}

func emitCmd() *cobra.Command {
	var data map[string]string
	cmd := &cobra.Command{
		Use:   "emit <event> [target]",
		Short: "Publish an event as if a console module performed it",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			evt := bus.Event{Name: args[0]}
			if len(args) == 2 {
				evt.Target = args[1]
			}
			if len(data) > 0 {
				evt.Data = make(map[string]any, len(data))
				for k, v := range data {
					evt.Data[k] = v
				}
			}
			return withConsole(cmd.Context(), func(ctx context.Context, c *app.Console) error {
				v, err := c.Emit(ctx, viper.GetString("source"), evt)
				if err != nil {
					return err
				}
				return printView(cmd.OutOrStdout(), v)
			})
		},
	}
	cmd.Flags().StringToStringVar(&data, "data", nil, "event data as key=value pairs")
	return cmd
}
