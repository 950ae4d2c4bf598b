// Package main is the entry point for lossmon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"firestige.xyz/lossmon/cmd"
)

func main() {
	// A reader closing stdout must surface as EPIPE on write, not kill us.
	signal.Ignore(syscall.SIGPIPE)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cmd.Execute(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
