// Package main is the entry point for vtrace.
package main

import (
	"fmt"
	"os"

	"firestige.xyz/vtrace/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
