// Command offlinesync runs and inspects the offline-first sync engine.
package main

import (
	"fmt"
	"os"

	"github.com/kimhsiao/offlinesync/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
