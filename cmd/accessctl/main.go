// Command accessctl classifies images offline with the same pipeline as the
// HTTP service.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "accessctl:", err)
		os.Exit(1)
	}
}
