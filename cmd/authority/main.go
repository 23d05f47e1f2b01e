// Command authority runs and administers the governance plane: the envelope
// ledger, replay verifier, runtime gate, territory resolver and control-plane
// version ledger.
package main

import (
	"io"
	"os"
)

func main() {
	os.Exit(Run(os.Args[1:], os.Stdout, os.Stderr))
}

// Exit codes returned by Run.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitUsage   = 2
)

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	cmd := NewRootCommand(stdout, stderr)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		_, _ = io.WriteString(stderr, "Error: "+err.Error()+"\n")
		if isUsageError(err) {
			return ExitUsage
		}
		return ExitFailure
	}
	return ExitOK
}
