// Package main is the entry point for kioskctl, the operator tool for the
// update agent's local API.
package main

import (
	"os"

	"appfleet/cmd/kioskctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
