// Command noetl is the entry point for the NoETL execution core: register,
// run, exec, status, and serve subcommands rooted at internal/cli.
package main

import (
	"os"

	"noetl.io/noetl/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
