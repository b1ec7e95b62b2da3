// ./main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/xkilldash9x/passup/cmd"
	"github.com/xkilldash9x/passup/internal/observability"
)

const panicLogFile = "panic.log"

func main() {
	defer handlePanic()

	// Set up a context that listens for interrupt signals (SIGINT, SIGTERM) for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	err := cmd.Execute(ctx)
	// A signal cancels ctx; commands may surface that as a deadline or a plain failure.
	if err != nil && ctx.Err() != nil && !errors.Is(err, context.Canceled) {
		err = fmt.Errorf("%w: %w", context.Canceled, err)
	}
	stop()

	if err != nil && !errors.Is(err, cmd.ErrExecutionsFailed) {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	observability.Sync()
	os.Exit(cmd.ExitCode(err))
}

// handlePanic writes the stack to panic.log before exiting.
func handlePanic() {
	r := recover()
	if r == nil {
		return
	}
	observability.Sync()

	panicMessage := fmt.Sprintf("panic: %v\n\n%s", r, debug.Stack())
	if err := os.WriteFile(panicLogFile, []byte(panicMessage), 0o600); err != nil {
		fmt.Fprintf(os.Stderr, "CRITICAL: Failed to write panic log: %v\n", err)
		fmt.Fprintf(os.Stderr, "Panic details:\n%s\n", panicMessage)
	} else {
		fmt.Fprintf(os.Stderr, "passup crashed; details logged to %s\n", panicLogFile)
	}
	os.Exit(cmd.ExitUsage)
}
