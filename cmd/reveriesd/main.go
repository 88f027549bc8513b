// reveriesd is the persistent memory and cognition daemon described by
// spec §1: it wakes, hydrates its episodic graph, runs a background
// monologue between conversations, and consolidates raw experience into
// episodes on a schedule.
//
// Usage:
//
//	reveriesd wake
package main

import (
	"os"

	"github.com/reveries/reveries/cmd/reveriesd/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
