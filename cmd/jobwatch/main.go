package main

import (
	"os"

	"genwatch/cmd/jobwatch/commands"
)

func main() {
	if err := commands.NewCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
