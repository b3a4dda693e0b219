// Package main is the entry point for the chatgate CLI.
package main

import (
	"os"

	"github.com/KafClaw/chatgate/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
