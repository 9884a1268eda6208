// Command projmgr runs and drives the projection lifecycle coordinator.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/projmgr/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
