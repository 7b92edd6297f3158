// Package main is the entry point for the nvrcore recording daemon.
package main

import (
	"os"

	"github.com/opensensor/nvrcore/cmd/nvrcore/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
