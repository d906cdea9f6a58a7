// Command cadence manages configuration and stored conversations of a
// cadence runtime.
package main

import (
	"fmt"
	"os"

	"cadence/internal/cli"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
