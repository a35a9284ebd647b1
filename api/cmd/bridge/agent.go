package bridge

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/cloudtolocalllm/bridge/api/pkg/agent"
	"github.com/cloudtolocalllm/bridge/api/pkg/config"
)

func newAgentCommand() *cobra.Command {
	agentCmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the local agent",
		Long:  "Connects the local LLM runtime to the cloud relay over an outbound tunnel and serves the loopback control API.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runAgent(cmd)
		},
	}

	agentCmd.AddCommand(newLoginCommand())
	agentCmd.AddCommand(newLogoutCommand())

	return agentCmd
}

func runAgent(cmd *cobra.Command) error {
	cfg, err := config.LoadAgentConfig()
	if err != nil {
		return fmt.Errorf("failed to load agent config: %v", err)
	}
	setupLogging(cfg.LogLevel)

	a, err := agent.New(cfg)
	if err != nil {
		return err
	}

	// Main goroutine waits until killed with ctrl+c
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer cancel()

	return a.Run(ctx)
}

func newLoginCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Log in via the browser and store tokens",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadAgentConfig()
			if err != nil {
				return fmt.Errorf("failed to load agent config: %v", err)
			}
			setupLogging(cfg.LogLevel)

			a, err := agent.New(cfg)
			if err != nil {
				return err
			}
			if err := a.Login(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("logged in")
			return nil
		},
	}
}

func newLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Discard stored tokens",
		RunE: func(*cobra.Command, []string) error {
			cfg, err := config.LoadAgentConfig()
			if err != nil {
				return fmt.Errorf("failed to load agent config: %v", err)
			}

			a, err := agent.New(cfg)
			if err != nil {
				return err
			}
			return a.Logout()
		},
	}
}
