package models

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyArtifact     = errors.New("input artifact missing or empty")
	ErrUnsupportedFormat = errors.New("unsupported format")
	ErrUnknownModel      = errors.New("unknown model")
	ErrInvalidParameter  = errors.New("invalid parameter")
	ErrNotFound          = errors.New("job not found")
	ErrNotReady          = errors.New("job result not ready")
	ErrDuplicateJob      = errors.New("job already exists")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrShuttingDown      = errors.New("runner is shutting down")
)

// EnhancementError reports a failure inside an enhancer.
type EnhancementError struct {
	Op  string
	Err error
}

func (e *EnhancementError) Error() string {
	if e.Err == nil {
		return "enhance: " + e.Op
	}
	return fmt.Sprintf("enhance: %s: %v", e.Op, e.Err)
}

func (e *EnhancementError) Unwrap() error {
	return e.Err
}

// Enhancement wraps err as an EnhancementError unless it already is one.
func Enhancement(op string, err error) error {
	if err == nil {
		return nil
	}
	var ee *EnhancementError
	if errors.As(err, &ee) {
		return err
	}
	return &EnhancementError{Op: op, Err: err}
}
