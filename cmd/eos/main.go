// Package main is the entry point for the eos application.
package main

import (
	"os"

	"github.com/easyott/eos/cmd/eos/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
