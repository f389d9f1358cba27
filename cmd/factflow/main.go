// Command factflow runs the claim verification server and its admin tools.
package main

import (
	"os"

	"github.com/kilupskalvis/factflow/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
