package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"missionline/internal/app"
	"missionline/internal/db"
	"missionline/internal/journal"
)

const rootLong = `Missionline drives the missions of the hacker console.
Core concepts:
- Mission: a briefing, a reward and an ordered list of objectives. Only one mission is active at a time.
- Objective: LOCKED until the objectives it depends on are done, then ACTIVE until its trigger fires, then COMPLETED.
- Event: what a console module reports it just did ({event, target}); 'ml emit' publishes one by hand.
- Progress: the active mission, completed missions and completed objectives, kept in the workspace database.
- Journal: the record of every accepted, abandoned and completed mission and objective; view it with 'ml log tail'.`

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "ml",
		Short:         "Missionline CLI",
		Long:          rootLong,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			return nil
		},
	}
	addPersistentFlags(root)
	registerCommands(root)
	return root
}

func main() {
	cobra.OnInitialize(initConfig)
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("MISSIONLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags(root *cobra.Command) {
	root.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	root.PersistentFlags().Bool("json", false, "output JSON")
	root.PersistentFlags().String("locale", "", "mission text locale (overrides config)")
	root.PersistentFlags().String("content", "", "mission content directory (overrides config)")
	root.PersistentFlags().String("source", "cli", "collaborator name recorded in the journal")
	for _, name := range []string{"workspace", "json", "locale", "content", "source"} {
		_ = viper.BindPFlag(name, root.PersistentFlags().Lookup(name))
	}
}

func registerCommands(root *cobra.Command) {
	root.AddCommand(initCmd())
	root.AddCommand(missionCmd())
	root.AddCommand(objectivesCmd())
	root.AddCommand(objectiveCmd())
	root.AddCommand(emitCmd())
	root.AddCommand(progressCmd())
	root.AddCommand(logCmd())
	root.AddCommand(keyCmd())
	root.AddCommand(validateCmd())
	root.AddCommand(serveCmd())
}

// withConsole opens the workspace console for one command. Journal entries
// written by fn are attributed to --source.
func withConsole(ctx context.Context, fn func(context.Context, *app.Console) error) error {
	c, err := openConsole(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(journal.WithSource(ctx, viper.GetString("source")), c)
}

func openConsole(ctx context.Context) (*app.Console, error) {
	return app.Open(ctx, app.Options{
		Workspace:  viper.GetString("workspace"),
		Locale:     viper.GetString("locale"),
		ContentDir: viper.GetString("content"),
	})
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer, header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row(header))
	return tw
}

func printView(w io.Writer, v app.View) error {
	if viper.GetBool("json") {
		return printJSON(w, v)
	}
	if v.MissionID == "" {
		fmt.Fprintln(w, "no active mission")
		return nil
	}
	tw := newTable(w, "ID", "Objective", "Status")
	for _, o := range v.Objectives {
		tw.AppendRow(table.Row{o.ID, o.Label, o.Status})
	}
	tw.SetTitle(v.MissionID)
	tw.AppendFooter(table.Row{"", "can complete", v.CanComplete})
	tw.Render()
	return nil
}
