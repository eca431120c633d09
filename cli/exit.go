package cli

import (
	"errors"
	"fmt"
)

// Process exit codes returned by rowflow commands.
const (
	exitSuccess      = 0
	exitValidation   = 1 // graph invalid or planning failed
	exitRuntime      = 2 // init failure, failed or stopped run
	exitFileNotFound = 3
	exitInputParse   = 4 // bad flag, variable or env value
	exitStore        = 5
	exitWrongSchema  = 6
	exitTimeout      = 10
)

// ExitError carries the process exit code for a failed command. RunE
// functions return it and main turns it into os.Exit.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	return e.Message
}

func exitError(code int, format string, args ...any) *ExitError {
	return &ExitError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ExitCode maps a command error to a process exit code. Errors that do
// not carry a code, such as cobra's own flag errors, map to 1.
func ExitCode(err error) int {
	if err == nil {
		return exitSuccess
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return exitValidation
}
