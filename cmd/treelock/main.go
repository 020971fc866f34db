package main

import (
	"os"

	"github.com/quietfield/treelock/client"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(client.ExitCode(err))
	}
}
