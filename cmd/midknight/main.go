// Package main is the entry point for the MidKnight bot.
package main

import (
	"os"

	"github.com/MidknightMantra/MidKnight/internal/adapters/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
