package cli

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/relaycode-dev/relaycode/internal/api"
)

// TokenCommand groups the admin API credential helpers.
func TokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage admin API credentials",
	}
	cmd.AddCommand(tokenGenerateCommand())
	cmd.AddCommand(tokenHashKeyCommand())
	return cmd
}

func tokenGenerateCommand() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Issue a short-lived bearer token for the admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.API.JWTSecret == "" {
				return errors.New("api.jwt_secret is not set; add it to config.yaml or export RELAYCODE_API_SECRET")
			}

			tokens := api.NewTokenManager(cfg.API.JWTSecret, time.Duration(cfg.API.TokenTTLMinutes)*time.Minute)
			token, err := tokens.Issue(name)
			if err != nil {
				return fmt.Errorf("failed to issue token: %w", err)
			}

			fmt.Println(labelStyle.Render("Admin API token") + mutedStyle.Render(fmt.Sprintf(" (valid for %d minutes)", cfg.API.TokenTTLMinutes)))
			fmt.Println(token)
			fmt.Println()
			fmt.Println("Usage in API requests:")
			fmt.Println("Authorization: Bearer", token)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "admin", "Subject name embedded in the token")
	return cmd
}

func tokenHashKeyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-key [key]",
		Short: "Hash a static admin key for api.admin_key_hash",
		Long: `Hash a long-lived admin key so it can be stored in the configuration.
Without an argument a fresh random key is generated and printed alongside
its hash. Only the hash goes into config.yaml; the key itself is shown once.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var key string
			if len(args) == 1 {
				key = args[0]
			}
			if key == "" {
				raw := make([]byte, 32)
				if _, err := rand.Read(raw); err != nil {
					return fmt.Errorf("failed to generate key: %w", err)
				}
				key = "rlk-" + base64.RawURLEncoding.EncodeToString(raw)
				fmt.Println(labelStyle.Render("Generated admin key") + mutedStyle.Render(" (shown once, store it safely)"))
				fmt.Println(key)
				fmt.Println()
			}

			hash, err := api.HashKey(key)
			if err != nil {
				return fmt.Errorf("failed to hash key: %w", err)
			}

			fmt.Println("Put this under api.admin_key_hash in config.yaml:")
			fmt.Println(hash)
			return nil
		},
	}
}
