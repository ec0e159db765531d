// Command xtpc builds and exercises PC/XT machines from the command line.
package main

import (
	"fmt"
	"os"

	"github.com/tebeka/atexit"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "xtpc: %v\n", err)
		atexit.Exit(1)
	}
	atexit.Exit(0)
}
