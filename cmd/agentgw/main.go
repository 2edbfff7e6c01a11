// ABOUTME: Entry point for the agentgw operator CLI
// ABOUTME: Delegates to the cobra root command

// Command agentgw is the operator CLI: it talks to a running agentgw-server
// over HTTP and the control-plane WebSocket, rather than hosting anything
// itself. Use agentgw-server to run the gateway process.
package main

func main() {
	Execute()
}
