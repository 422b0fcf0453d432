// Package main provides the parley server and its tooling.
//
// Usage:
//
//	parley [command] [flags]
//
// Commands:
//
//	serve     - Run the voice conversation server
//	check     - Validate a configuration file and its providers
//	profiles  - List the built-in barge-in gate profiles
//
// Configuration:
//
//	parley reads a YAML file (default ./config.yaml). Secrets may come from
//	the environment or a .env file using the PARLEY_ prefix, e.g.
//	PARLEY_LLM_API_KEY.
package main

import (
	"fmt"
	"os"

	"github.com/MrWong99/parley/cmd/parley/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
