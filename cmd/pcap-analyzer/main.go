package main

import "Go2NetSession/internal/cli"

func main() {
	cmd := cli.NewPcapAnalyzerCommand()
	cmd.SilenceUsage = true
	cli.AddGlobalFlags(cmd)
	cli.Execute(cmd)
}
