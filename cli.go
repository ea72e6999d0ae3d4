package main

import "fmt"

// Version is the build identifier reported by the version subcommand.
const Version = "0.1.0"

// RunCLI handles subcommand execution. Returns true if a subcommand was
// handled.
func RunCLI(args []string) bool {
	if len(args) == 0 || args[0] != "version" {
		return false
	}
	fmt.Printf("draco-go %s\n", Version)
	return true
}
