// Package main provides kilnctl, the operator CLI for the kilnpilot relay.
package main

import (
	"fmt"
	"os"
)

const Version = "0.1.0"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
