package cli

import "github.com/spf13/cobra"

// NewRootCommand assembles the ns-session command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "ns-session",
		Short:        "Reconstruct peer-to-peer sessions from network contact records",
		SilenceUsage: true,
	}
	AddGlobalFlags(root)
	root.AddCommand(
		NewAnalyzeCommand(),
		NewParseCommand(),
		NewCaptureCommand(),
		NewEngineCommand(),
		NewAPICommand(),
		NewVersionCommand(),
	)
	return root
}
