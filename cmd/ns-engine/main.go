package main

import "Go2NetSession/internal/cli"

func main() {
	cmd := cli.NewEngineCommand()
	cmd.Use = "ns-engine"
	cmd.SilenceUsage = true
	cli.AddGlobalFlags(cmd)
	cmd.AddCommand(cli.NewVersionCommand())
	cli.Execute(cmd)
}
