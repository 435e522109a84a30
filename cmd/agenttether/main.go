// Package main is the entry point for the agenttether CLI.
package main

import (
	"os"

	"github.com/AgentTether/AgentTether/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
