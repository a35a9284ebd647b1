package bridge

import (
	"context"
	"os"

	"github.com/spf13/cobra"
)

var Fatal = FatalErrorHandler

func NewRootCmd() *cobra.Command {
	RootCmd := &cobra.Command{
		Use:   getCommandLineExecutable(),
		Short: "CloudToLocalLLM bridge",
		Long:  `Tunnel between a cloud web frontend and a local LLM runtime`,
	}

	RootCmd.AddCommand(newAgentCommand())
	RootCmd.AddCommand(newServeCommand())
	RootCmd.AddCommand(newTokenCommand())
	RootCmd.AddCommand(newVersionCommand())

	return RootCmd
}

func Execute() {
	RootCmd := NewRootCmd()
	RootCmd.SetContext(context.Background())
	RootCmd.SetOutput(os.Stdout)

	if err := RootCmd.Execute(); err != nil {
		Fatal(RootCmd, err.Error(), 1)
	}
}
