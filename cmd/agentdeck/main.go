// AgentDeck is a terminal client for agents that speak the Agent Client
// Protocol.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version  = "dev"
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "agentdeck",
	Short: "AgentDeck - a terminal client for ACP agents",
	Long: `AgentDeck launches an ACP agent, chats with it in the terminal and keeps
the transcripts.

  agentdeck run "explain this repo"       Chat with the default agent
  agentdeck run --agent claude --resume ID  Resume a stored session
  agentdeck sessions                      List stored sessions
  agentdeck show <id>                     Print a stored transcript
  agentdeck mcp-check                     Check configured MCP servers`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error (overrides the config)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
