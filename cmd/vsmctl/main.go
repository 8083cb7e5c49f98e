// Command vsmctl is a command-line client for a vsmbus server.
//
// Usage:
//
//	vsmctl [--server http://localhost:8080] [--api-key KEY] <command>
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "vsmctl: %v\n", err)
		os.Exit(1)
	}
}
