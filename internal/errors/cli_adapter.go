package errors

import (
	"fmt"
	"log/slog"
	"os"
)

// CLIErrorAdapter formats an error for terminal output and maps it to a
// process exit code, used by cmd/ekaci's top-level error handling.
type CLIErrorAdapter struct {
	Verbose bool
	Logger  *slog.Logger
}

// NewCLIErrorAdapter builds a CLIErrorAdapter bound to logger.
func NewCLIErrorAdapter(logger *slog.Logger, verbose bool) *CLIErrorAdapter {
	return &CLIErrorAdapter{Verbose: verbose, Logger: logger}
}

// ExitCodeFor maps an error's Kind to a process exit code.
func (a *CLIErrorAdapter) ExitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	switch GetKind(err) {
	case KindConfig:
		return 2
	case KindSubprocess:
		return 3
	case KindStore:
		return 4
	case KindTransport:
		return 5
	case KindInvariant:
		return 6
	default:
		return 1
	}
}

// FormatError renders err for a human reading stderr, including the cause
// chain when Verbose is set.
func (a *CLIErrorAdapter) FormatError(err error) string {
	if err == nil {
		return ""
	}
	var ee *EkaciError
	if asEkaci(err, &ee) {
		if a.Verbose {
			return ee.Error()
		}
		return ee.Message
	}
	return err.Error()
}

// HandleError logs err at error level, prints it to stderr, and exits the
// process with the code ExitCodeFor derives from its Kind. Intended to be called once from main.
func (a *CLIErrorAdapter) HandleError(err error) {
	if err == nil {
		return
	}
	a.Logger.Error("fatal error", slog.String("error", a.FormatError(err)))
	fmt.Fprintln(os.Stderr, a.FormatError(err))
	os.Exit(a.ExitCodeFor(err))
}
