package main

import (
	"fmt"
	"os"

	"github.com/MergHQ/netsync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "netsyncsim:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
