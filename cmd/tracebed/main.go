// Command tracebed runs multi-process test suites against a pub/sub
// middleware and reports their verdicts.
package main

import (
	"os"

	"github.com/roach88/tracebed/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
