package main

import (
	"fmt"
	"os"
)

// Version is set via -ldflags at build time.
var Version = "dev"

// isTerminal returns true if stdin is a terminal (not piped).
func isTerminal() bool {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) != 0
}

func main() {
	args := os.Args
	// No args with piped stdin: an MCP client launched us.
	if len(args) < 2 && !isTerminal() {
		args = append(args, "mcp")
	}

	app := newCLIApp(os.Stdin, os.Stdout, os.Stderr)
	if err := app.Run(args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitCode(err))
	}
}
