// ABOUTME: channels subcommand: lists known channels over the wire protocol
// ABOUTME: Thin wireclient round trip against req:channels.list

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var channelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "List configured channels and their status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		resp, err := request(ctx, "channels.list", nil)
		if err != nil {
			return err
		}
		if resp.Error != nil {
			return fmt.Errorf("%s: %s", resp.Error.Kind, resp.Error.Message)
		}

		var out struct {
			Channels []struct {
				ID     string `json:"id"`
				Kind   string `json:"kind"`
				Status string `json:"status"`
			} `json:"channels"`
		}
		if err := json.Unmarshal(resp.Payload, &out); err != nil {
			return err
		}
		for _, c := range out.Channels {
			fmt.Printf("%-20s %-10s %s\n", c.ID, c.Kind, c.Status)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(channelsCmd)
}
