// ABOUTME: bootstrap subcommand: mints a fresh control-plane API key
// ABOUTME: Prints the raw key and its Argon2id hash; the gateway only ever stores the hash

package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kilnlabs/agentgw/internal/auth"
)

var (
	bootstrapName      string
	bootstrapJWTSecret string
)

// bootstrapCmd generates a fresh API key for GATEWAY_API_KEYS, and, when a
// JWT secret is supplied, a companion session token for the named
// principal. It never touches the gateway's store directly: API keys are a
// configuration concern, not a persisted entity.
var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Generate a new control-plane API key",
	RunE: func(cmd *cobra.Command, args []string) error {
		if bootstrapName == "" {
			return fmt.Errorf("--name is required")
		}

		key, err := randomKey()
		if err != nil {
			return fmt.Errorf("generating key: %w", err)
		}
		hashed, err := auth.HashAPIKey(key)
		if err != nil {
			return fmt.Errorf("hashing key: %w", err)
		}

		fmt.Printf("principal:   %s\n", bootstrapName)
		fmt.Printf("api key:     %s  (give this to the client)\n", key)
		fmt.Printf("config hash: %s\n", hashed)
		fmt.Println("add the config hash to GATEWAY_API_KEYS on the gateway process; the gateway never sees the raw key.")

		if bootstrapJWTSecret != "" {
			verifier := auth.NewJWTVerifier([]byte(bootstrapJWTSecret))
			token, err := verifier.Generate(bootstrapName, 24*time.Hour)
			if err != nil {
				return fmt.Errorf("generating token: %w", err)
			}
			fmt.Printf("jwt token:   %s\n", token)
		}
		return nil
	},
}

func randomKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func init() {
	bootstrapCmd.Flags().StringVarP(&bootstrapName, "name", "n", "", "principal display name")
	bootstrapCmd.Flags().StringVar(&bootstrapJWTSecret, "jwt-secret", "", "also mint a session token signed with this secret")
	rootCmd.AddCommand(bootstrapCmd)
}
