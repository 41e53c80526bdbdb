package main

import (
	"os"

	"github.com/loopline/loopline/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
