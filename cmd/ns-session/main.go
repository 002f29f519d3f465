package main

import "Go2NetSession/internal/cli"

func main() {
	cli.Execute(cli.NewRootCommand())
}
