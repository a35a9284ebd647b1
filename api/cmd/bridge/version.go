package bridge

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cloudtolocalllm/bridge/api/pkg/version"
)

func newVersionCommand() *cobra.Command {
	var versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(*cobra.Command, []string) {
			fmt.Println(version.Get())
		},
	}
	return versionCmd
}
