// Package main implements the aprsgate command: the admin gateway for an
// APRS daemon, and tools to inspect its state from the shell.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
)

// Build information, set with -ldflags at release time.
var (
	Version   = "0.1.0"
	BuildTime = "dev"
)

const appName = "aprsgate"

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	root := newRootCommand()
	root.SetArgs(args)
	return root.Execute()
}
