package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/basket/taskinbox/internal/task"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

// run executes one CLI invocation and returns the process exit code:
// 0 on success (including ignored duplicate reports), 1 on errors and 2 on
// usage errors.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := &app{stderr: stderr}
	defer a.close()

	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	fmt.Fprintf(stderr, "taskinbox: %v\n", err)
	if isUsageError(err) {
		fmt.Fprintln(stderr, "Run 'taskinbox --help' for usage.")
		return 2
	}
	return 1
}

// usageError marks bad invocations (exit code 2). Input the store rejects
// as task.ErrInvalidArgument counts too.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func usagef(format string, args ...any) error {
	return usageError{err: fmt.Errorf(format, args...)}
}

func isUsageError(err error) bool {
	var ue usageError
	if errors.As(err, &ue) || errors.Is(err, task.ErrInvalidArgument) {
		return true
	}
	// cobra reports these as plain errors.
	msg := err.Error()
	for _, prefix := range []string{
		"unknown command",
		"unknown flag",
		"unknown shorthand flag",
		"required flag",
		"flag needs an argument",
		"invalid argument",
		"accepts ",
		"requires at least",
	} {
		if strings.HasPrefix(msg, prefix) {
			return true
		}
	}
	return false
}
