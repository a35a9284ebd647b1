package bridge

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloudtolocalllm/bridge/api/pkg/auth"
)

func newTokenCommand() *cobra.Command {
	var (
		secret   string
		tenantID string
		ttl      time.Duration
	)

	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a tunnel token",
		Long:  "Signs a tunnel token for one tenant with the relay's shared secret. Only useful when the relay runs in token auth mode.",
		RunE: func(*cobra.Command, []string) error {
			if secret == "" {
				return fmt.Errorf("--secret is required")
			}
			if tenantID == "" {
				return fmt.Errorf("--tenant is required")
			}
			token, err := auth.IssueTunnelToken(secret, tenantID, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}

	tokenCmd.Flags().StringVar(&secret, "secret", "", "shared secret the relay verifies with")
	tokenCmd.Flags().StringVar(&tenantID, "tenant", "", "tenant identity to embed as the subject")
	tokenCmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")

	return tokenCmd
}
