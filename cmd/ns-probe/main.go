package main

import "Go2NetSession/internal/cli"

func main() {
	cmd := cli.NewCaptureCommand()
	cmd.Use = "ns-probe"
	cmd.SilenceUsage = true
	cli.AddGlobalFlags(cmd)
	cmd.AddCommand(cli.NewVersionCommand())
	cli.Execute(cmd)
}
