// ABOUTME: Shared wireclient dialer for CLI subcommands
// ABOUTME: Resolves addr/api-key flags into a connected client

package main

import (
	"context"

	"github.com/kilnlabs/agentgw/internal/wireclient"
)

// request opens one connection for a single round trip. A CLI invocation
// never needs to stay attached long enough to justify reusing a client.
func request(ctx context.Context, reqType string, payload any) (wireclient.Envelope, error) {
	c, err := wireclient.Dial(ctx, addr, apiKey)
	if err != nil {
		return wireclient.Envelope{}, err
	}
	defer c.Close()

	return c.Request(ctx, reqType, payload)
}
