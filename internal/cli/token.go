package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"collabtext/internal/auth"
)

var (
	tokenUsername string
	tokenTTL      time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token [user-id]",
	Short: "Mint a signed access token",
	Long: `Mints an HS256 token for user-id with the configured jwt_secret. Intended
for development and scripted tests; production tokens come from the auth service.`,
	Args: cobra.ExactArgs(1),
	RunE: runToken,
}

func init() {
	tokenCmd.Flags().StringVarP(&tokenUsername, "username", "u", "", "Display name carried in the token")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime")
	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, args []string) error {
	if cfg.JWTSecret == "" {
		return errors.New("jwt_secret is not configured")
	}
	if tokenTTL <= 0 {
		return errors.New("--ttl must be positive")
	}
	username := tokenUsername
	if username == "" {
		username = args[0]
	}
	tok, err := auth.NewVerifier(cfg.JWTSecret).Issue(args[0], username, tokenTTL)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), tok)
	return nil
}
