package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/m4xw311/agentdeck/errors"
	"github.com/m4xw311/agentdeck/mcpcheck"
	"github.com/spf13/cobra"
)

var mcpCheckCmd = &cobra.Command{
	Use:   "mcp-check",
	Short: "Start each configured stdio MCP server and list its tools",
	Args:  cobra.NoArgs,
	RunE:  runMCPCheck,
}

func init() {
	rootCmd.AddCommand(mcpCheckCmd)
}

func runMCPCheck(cmd *cobra.Command, args []string) error {
	cfg, logger, err := load(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	if len(cfg.MCPServers) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No MCP servers configured.")
		return nil
	}
	results := mcpcheck.Check(cmd.Context(), cfg.MCPServers, logger)
	if err := printChecks(cmd.OutOrStdout(), results); err != nil {
		return err
	}
	failed := 0
	for _, r := range results {
		if !r.OK() {
			failed++
		}
	}
	if failed > 0 {
		return errors.New("%d of %d MCP servers failed", failed, len(results))
	}
	return nil
}

func printChecks(out io.Writer, results []mcpcheck.Result) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SERVER\tSTATUS\tTOOLS")
	for _, r := range results {
		switch {
		case r.Skipped:
			fmt.Fprintf(w, "%s\tskipped (remote)\t-\n", r.Name)
		case r.Err != nil:
			fmt.Fprintf(w, "%s\tfailed: %v\t-\n", r.Name, r.Err)
		default:
			tools := strings.Join(r.Tools, ", ")
			if tools == "" {
				tools = "-"
			}
			fmt.Fprintf(w, "%s\tok\t%s\n", r.Name, tools)
		}
	}
	return w.Flush()
}
