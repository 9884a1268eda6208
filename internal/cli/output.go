package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/roach88/projmgr/internal/manager"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // The coordinator refused or failed the command, or a scenario failed
	ExitCommandError = 2 // Command error (bad flags, unreadable definitions, database not found)
)

// CLI-local error codes. Coordinator failures use the coordinator's own
// codes (NOT_FOUND, DELETE_FAILED, ...).
const (
	ErrCodeGeneric    = "E001" // Generic/unknown error
	ErrCodeLoadFailed = "E004" // Definitions could not be loaded
	ErrCodeInvalidDef = "E101" // A projection definition is invalid
)

// ExitError represents an error with a specific exit code.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // verbose/diagnostic output; defaults to Writer
	Verbose   bool
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status    string    `json:"status"` // "ok" or "error"
	Data      any       `json:"data,omitempty"`
	Error     *CLIError `json:"error,omitempty"`
	CommandID string    `json:"command_id,omitempty"`
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Success outputs a successful result in the configured format.
func (f *OutputFormatter) Success(data any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "ok",
			Data:   data,
		})
	}

	fmt.Fprintln(f.Writer, data)
	return nil
}

// Reply outputs a coordinator reply. text renders the success case in
// text mode.
func (f *OutputFormatter) Reply(r manager.Reply, text func(io.Writer)) error {
	if r.Err != nil {
		return f.CommandError(r.CommandID, r.Err)
	}
	if f.Format == "json" {
		var data any = r.Status
		if r.Command == "list" {
			data = r.Statuses
		}
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status:    "ok",
			Data:      data,
			CommandID: r.CommandID,
		})
	}
	text(f.Writer)
	return nil
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error: &CLIError{
				Code:    code,
				Message: message,
				Details: details,
			},
		})
	}

	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// DeleteDetails describes how far a failed delete got.
type DeleteDetails struct {
	Step      string   `json:"step"`
	Completed []string `json:"completed"`
}

// CommandError reports a failed coordinator command and returns the
// ExitError the command should return.
func (f *OutputFormatter) CommandError(commandID string, err error) error {
	code := string(manager.Code(err))
	if code == "" {
		code = ErrCodeGeneric
	}

	var details any
	var cmdErr *manager.CommandError
	if errors.As(err, &cmdErr) && cmdErr.Step != "" {
		details = DeleteDetails{Step: cmdErr.Step, Completed: cmdErr.Completed}
	}

	if f.Format == "json" {
		if encErr := json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status:    "error",
			Error:     &CLIError{Code: code, Message: err.Error(), Details: details},
			CommandID: commandID,
		}); encErr != nil {
			return encErr
		}
	} else {
		fmt.Fprintf(f.Writer, "Error [%s]: %v\n", code, err)
		if manager.IsRetryable(err) {
			fmt.Fprintln(f.Writer, "The command may be retried.")
		}
	}
	return WrapExitError(ExitFailure, code, err)
}

// VerboseLog outputs a message only if verbose mode is enabled.
// When format is JSON, verbose logs go to ErrWriter to avoid corrupting
// JSON output.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.GetErrWriter(), format+"\n", args...)
}

// GetErrWriter returns ErrWriter if set, otherwise Writer.
func (f *OutputFormatter) GetErrWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}

func newFormatter(opts *RootOptions, out, errOut io.Writer) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    out,
		ErrWriter: errOut,
		Verbose:   opts.Verbose,
	}
}
