package engine

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	"journeyline/internal/domain"
	"journeyline/internal/repo"
)

// ValidationError rejects a request before any store access.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

type NotFoundError struct {
	Kind string
	Key  string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.Key)
}

// ErrDuplicateAssignment is wrapped by the ConflictError returned for a double booking.
var ErrDuplicateAssignment = errors.New("duplicate assignment")

// ConflictError reports a failed precondition. Callers may retry with fresh state.
type ConflictError struct {
	Reason string
	Err    error
}

func (e ConflictError) Error() string {
	return "conflict: " + e.Reason
}

func (e ConflictError) Unwrap() error {
	return e.Err
}

type StageBlockedError struct {
	Stage           domain.Stage
	BlockingTaskIDs []string
}

func (e StageBlockedError) Error() string {
	return fmt.Sprintf("stage %s has %d open blocking task(s)", e.Stage, len(e.BlockingTaskIDs))
}

// DependencyError means the backing store was unreachable or too slow. It is retryable.
type DependencyError struct {
	Op  string
	Err error
}

func (e DependencyError) Error() string {
	return fmt.Sprintf("%s: store unavailable: %v", e.Op, e.Err)
}

func (e DependencyError) Unwrap() error {
	return e.Err
}

// ConsistencyWarning is a post-condition that did not hold after an otherwise
// successful operation. It travels in results, never as an error.
type ConsistencyWarning struct {
	Op     string `json:"op"`
	Detail string `json:"detail"`
}

func notFound(kind, key string, err error) error {
	if errors.Is(err, repo.ErrNotFound) {
		return NotFoundError{Kind: kind, Key: key}
	}
	return err
}

func isTyped(err error) bool {
	var (
		v  ValidationError
		nf NotFoundError
		c  ConflictError
		sb StageBlockedError
		d  DependencyError
	)
	return errors.As(err, &v) || errors.As(err, &nf) || errors.As(err, &c) || errors.As(err, &sb) || errors.As(err, &d)
}

// classify maps raw store errors onto the taxonomy. Typed errors pass through.
func classify(op string, err error) error {
	if err == nil || isTyped(err) {
		return err
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return NotFoundError{Kind: op, Key: "?"}
	case repo.IsUniqueViolation(err):
		return ConflictError{Reason: "unique constraint violated", Err: err}
	case transient(err):
		return DependencyError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func transient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) ||
		errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "connection refused")
}

// IsRetryable reports whether err is worth retrying with the same input.
func IsRetryable(err error) bool {
	var d DependencyError
	var c ConflictError
	return errors.As(err, &d) || errors.As(err, &c)
}
