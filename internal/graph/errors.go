package graph

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidGraph = errors.New("invalid workflow graph")
	ErrCycle        = errors.New("workflow contains cyclic dependencies")
)

// ValidationError describes why a task graph was rejected. Kind is one of
// ErrInvalidGraph or ErrCycle so callers can match it with errors.Is.
type ValidationError struct {
	Kind  error
	Msg   string
	Cycle []string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

func (e *ValidationError) Unwrap() error { return e.Kind }

func invalidf(format string, args ...any) error {
	return &ValidationError{Kind: ErrInvalidGraph, Msg: fmt.Sprintf(format, args...)}
}

func cycleError(path []string) error {
	return &ValidationError{
		Kind:  ErrCycle,
		Msg:   strings.Join(path, " -> "),
		Cycle: path,
	}
}
