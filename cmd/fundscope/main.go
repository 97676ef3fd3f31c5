// Package main implements the fundscope binary.
package main

import (
	"fmt"
	"os"

	"github.com/fundscope/fundscope/internal/cli"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	cli.Version = version
	cli.Commit = commit
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
