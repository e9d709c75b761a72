// Command bulk-analysis runs bulk analysis jobs and hosts the session server.
package main

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/bulk-analysis/internal/cli"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	if err := cli.BuildCLI().Execute(); err != nil {
		os.Exit(1)
	}
}
