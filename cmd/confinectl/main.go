// Package main implements confinectl, a diagnostic tool for the confine
// library.
//
// confinectl exercises the confinement wrappers in-process and shows how the
// library is configured in the current environment:
//
//	confinectl scenarios            # run the reference scenarios
//	confinectl scenarios --metrics  # ... and dump the library metrics
//	confinectl config               # print the effective configuration
//	confinectl version              # print version information
package main

import (
	"fmt"
	"os"

	"github.com/kolkov/confine/cmd/confinectl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
