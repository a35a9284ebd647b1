package bridge

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/cloudtolocalllm/bridge/api/pkg/auth"
	"github.com/cloudtolocalllm/bridge/api/pkg/config"
	"github.com/cloudtolocalllm/bridge/api/pkg/relay"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the cloud relay",
		Long:  "Accepts tunnel connections from agents and forwards frontend requests through them.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd)
		},
	}
}

func serve(cmd *cobra.Command) error {
	cfg, err := config.LoadRelayConfig()
	if err != nil {
		return fmt.Errorf("failed to load relay config: %v", err)
	}
	setupLogging(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer cancel()

	verifier, err := auth.NewTokenVerifier(ctx, cfg.Auth)
	if err != nil {
		return err
	}

	server := relay.NewServer(&cfg, verifier)
	return server.ListenAndServe(ctx)
}
