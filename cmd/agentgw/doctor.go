// ABOUTME: doctor subcommand: runs the gateway's built-in health audit
// ABOUTME: Thin wireclient round trip against req:doctor.audit

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Audit the gateway for configuration and policy issues",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		resp, err := request(ctx, "doctor.audit", nil)
		if err != nil {
			return err
		}
		if resp.Error != nil {
			return fmt.Errorf("%s: %s", resp.Error.Kind, resp.Error.Message)
		}

		var out struct {
			Findings []struct {
				Severity string `json:"severity"`
				Code     string `json:"code"`
				Message  string `json:"message"`
			} `json:"findings"`
		}
		if err := json.Unmarshal(resp.Payload, &out); err != nil {
			return err
		}
		if len(out.Findings) == 0 {
			fmt.Println("no findings")
			return nil
		}
		for _, f := range out.Findings {
			fmt.Printf("[%s] %s: %s\n", f.Severity, f.Code, f.Message)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}
