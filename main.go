package main

import (
	"os"

	"github.com/ordo-agent/ordo/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
