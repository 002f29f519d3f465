package main

import "Go2NetSession/internal/cli"

func main() {
	cmd := cli.NewAPICommand()
	cmd.Use = "ns-api"
	cmd.SilenceUsage = true
	cli.AddGlobalFlags(cmd)
	cmd.AddCommand(cli.NewVersionCommand())
	cli.Execute(cmd)
}
