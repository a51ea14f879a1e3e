package cli

import (
	"errors"
	"fmt"

	"github.com/mrinal-mann/Knugget-new/api"
	"github.com/mrinal-mann/Knugget-new/session"
)

// Exit codes reported to the shell.
const (
	exitSuccess = 0
	exitConfig  = 1
	exitRuntime = 2
	exitAuth    = 3
	exitInput   = 4
	exitTimeout = 10
)

// ExitError is an error that carries a specific process exit code.
// Cobra's RunE returns this to signal the desired exit code to main.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	return e.Message
}

// exitError creates a new ExitError with the given code and formatted message.
func exitError(code int, format string, args ...any) *ExitError {
	return &ExitError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// serviceError converts a failed client operation into an ExitError,
// using the user-facing message for the failure kind rather than the
// raw transport error.
func serviceError(action string, err error) error {
	if errors.Is(err, session.ErrNotAuthenticated) {
		return exitError(exitAuth, "%s: not signed in (run `knugget login` first)", action)
	}
	var apiErr *api.Error
	if errors.As(err, &apiErr) {
		code := exitRuntime
		switch apiErr.Kind {
		case api.KindAuthRequired, api.KindSessionExpired, api.KindInvalidCredentials:
			code = exitAuth
		case api.KindTimeout:
			code = exitTimeout
		}
		return exitError(code, "%s: %s", action, api.UserMessage(err))
	}
	return exitError(exitRuntime, "%s: %v", action, err)
}
