// Package apperr defines the error taxonomy shared by every adw entry point
// and maps it onto process exit codes.
package apperr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error for reporting and exit-code purposes.
type Kind int

const (
	KindInternal Kind = iota
	KindUserInput
	KindTemplate
	KindAgent
	KindPhase
	KindCancelled
)

// Exit codes returned by adw commands.
const (
	ExitOK        = 0
	ExitFailure   = 1
	ExitUnknown   = 2
	ExitTemplate  = 3
	ExitAgent     = 4
	ExitCancelled = 130
)

func (k Kind) String() string {
	switch k {
	case KindUserInput:
		return "user input"
	case KindTemplate:
		return "template"
	case KindAgent:
		return "agent"
	case KindPhase:
		return "phase"
	case KindCancelled:
		return "cancelled"
	default:
		return "internal"
	}
}

// Error carries a Kind alongside the underlying cause. Hint is a usage line
// shown to the user for KindUserInput errors.
type Error struct {
	Kind Kind
	Op   string
	Err  error
	Hint string
}

func (e *Error) Error() string {
	msg := e.Kind.String() + " error"
	if e.Op != "" {
		msg = e.Op
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// UserInput wraps err as an unknown-run / bad-flag error with a usage hint.
func UserInput(op string, err error, hint string) error {
	return &Error{Kind: KindUserInput, Op: op, Err: err, Hint: hint}
}

// Template wraps err as a template error.
func Template(op string, err error) error {
	return &Error{Kind: KindTemplate, Op: op, Err: err}
}

// Agent wraps err as an assistant failure. transcript is appended to the
// message so the user can inspect the raw event stream.
func Agent(op string, err error, transcript string) error {
	if transcript != "" {
		err = fmt.Errorf("%w (transcript: %s)", err, transcript)
	}
	return &Error{Kind: KindAgent, Op: op, Err: err}
}

// Phase wraps err as a phase invariant violation. These are reported as
// warnings and never change the exit code by themselves.
func Phase(op string, err error) error {
	return &Error{Kind: KindPhase, Op: op, Err: err}
}

// Cancelled reports a user interrupt.
func Cancelled(op string) error {
	return &Error{Kind: KindCancelled, Op: op, Err: context.Canceled}
}

// KindOf returns the Kind of err, treating bare context cancellation as
// KindCancelled and anything unclassified as KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindInternal
}

// HintOf returns the usage hint attached to err, if any.
func HintOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Hint
	}
	return ""
}

// ExitCode maps err to the documented process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch KindOf(err) {
	case KindUserInput:
		return ExitUnknown
	case KindTemplate:
		return ExitTemplate
	case KindAgent:
		return ExitAgent
	case KindPhase:
		return ExitOK
	case KindCancelled:
		return ExitCancelled
	default:
		return ExitFailure
	}
}
