// ABOUTME: Entry point for the agentgw operator TUI
// ABOUTME: Parses flags and starts the Bubbletea program against a running gateway

// Command agentgw-tui is a terminal dashboard for a running agentgw-server:
// it shows configured channels and tails the live event feed over the
// control-plane WebSocket.
package main

import (
	"flag"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
)

func main() {
	addr := flag.String("addr", "localhost:8080", "gateway host:port")
	apiKey := flag.String("api-key", os.Getenv("GATEWAY_API_KEY"), "control-plane API key")
	flag.Parse()

	if *apiKey == "" {
		fmt.Fprintln(os.Stderr, "agentgw-tui: --api-key or GATEWAY_API_KEY is required")
		os.Exit(1)
	}

	p := tea.NewProgram(newModel(*addr, *apiKey), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "agentgw-tui: %v\n", err)
		os.Exit(1)
	}
}
