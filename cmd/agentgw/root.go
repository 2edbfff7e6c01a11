// ABOUTME: Cobra root command wiring for the agentgw CLI
// ABOUTME: Holds the shared --addr/--api-key flags every subcommand reads

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	addr   string
	apiKey string
)

var rootCmd = &cobra.Command{
	Use:   "agentgw",
	Short: "Operator CLI for the agent gateway",
	Long:  `agentgw talks to a running agentgw-server process over HTTP and the control-plane WebSocket.`,
}

// Execute runs the root command, exiting non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&addr, "addr", "localhost:8080", "gateway host:port")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("GATEWAY_API_KEY"), "control-plane API key")
}
