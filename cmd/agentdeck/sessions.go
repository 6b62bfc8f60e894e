package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/m4xw311/agentdeck/console"
	"github.com/m4xw311/agentdeck/errors"
	"github.com/m4xw311/agentdeck/store"
	"github.com/spf13/cobra"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List stored sessions",
	Args:  cobra.NoArgs,
	RunE:  runSessions,
}

var deleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a stored session",
	Args:  cobra.ExactArgs(1),
	RunE:  runDelete,
}

var showVerbosity string

var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print a stored transcript",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

func init() {
	showCmd.Flags().StringVar(&showVerbosity, "tool-verbosity", "info", "Tool call detail: none, info or all")
	sessionsCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(sessionsCmd, showCmd)
}

func runSessions(cmd *cobra.Command, args []string) error {
	cfg, _, err := load(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	st, err := requireStore(cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	list, err := st.List(cmd.Context())
	if err != nil {
		return err
	}
	return printSessions(cmd.OutOrStdout(), list, time.Now())
}

func printSessions(out io.Writer, list []store.Summary, now time.Time) error {
	if len(list) == 0 {
		fmt.Fprintln(out, "No sessions found.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tAGENT\tTITLE\tSTATE\tMESSAGES\tUPDATED")
	for _, s := range list {
		title := s.Title
		if title == "" {
			title = "-"
		}
		if r := []rune(title); len(r) > 40 {
			title = string(r[:37]) + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n", s.ID, s.Agent, title, s.State, s.Messages, ago(now.Sub(s.UpdatedAt)))
	}
	return w.Flush()
}

func ago(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
	return fmt.Sprintf("%dd ago", int(d.Hours()/24))
}

func runShow(cmd *cobra.Command, args []string) error {
	verbosity, ok := console.ParseToolVerbosity(showVerbosity)
	if !ok {
		return errors.New("invalid tool verbosity '%s'. Must be 'none', 'info', or 'all'", showVerbosity)
	}
	cfg, _, err := load(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	st, err := requireStore(cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	rec, err := st.Load(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	showRecord(cmd.OutOrStdout(), rec, verbosity)
	return nil
}

func showRecord(out io.Writer, rec *store.Record, verbosity console.ToolVerbosity) {
	title := rec.Title
	if title == "" {
		title = "(untitled)"
	}
	fmt.Fprintf(out, "%s  %s\n", rec.ID, title)
	fmt.Fprintf(out, "agent: %s  cwd: %s  state: %s\n", rec.Agent, rec.Cwd, rec.State)
	if rec.StopReason != "" {
		fmt.Fprintf(out, "last stop: %s\n", rec.StopReason)
	}
	if rec.LastError != "" {
		fmt.Fprintf(out, "last error: %s\n", rec.LastError)
	}
	fmt.Fprintln(out)
	console.Transcript(out, rec.Snapshot, verbosity)
}

func runDelete(cmd *cobra.Command, args []string) error {
	cfg, _, err := load(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	st, err := requireStore(cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Delete(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted session %s\n", args[0])
	return nil
}
