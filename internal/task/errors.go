package task

import (
	"context"
	"errors"
)

var (
	ErrRevoked       = errors.New("task revoked")
	ErrSoftTimeLimit = errors.New("soft time limit exceeded")
	ErrHardTimeLimit = errors.New("hard time limit exceeded")
	ErrWorkerLost    = errors.New("worker lost while running task")
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying; the worker fails the task at once.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type revokeCheckKey struct{}

// RevokeCheck reports whether the task currently running in ctx was revoked.
type RevokeCheck func(ctx context.Context) bool

func WithRevokeCheck(ctx context.Context, check RevokeCheck) context.Context {
	return context.WithValue(ctx, revokeCheckKey{}, check)
}

// CheckRevoked is polled by handlers at natural boundaries (between pages,
// between stages). It returns ErrRevoked once the task has been revoked, or
// the cancellation cause if the worker gave up on the handler.
func CheckRevoked(ctx context.Context) error {
	if ctx.Err() != nil {
		if cause := context.Cause(ctx); cause != nil {
			return cause
		}
		return ctx.Err()
	}
	if check, ok := ctx.Value(revokeCheckKey{}).(RevokeCheck); ok && check(ctx) {
		return ErrRevoked
	}
	return nil
}
