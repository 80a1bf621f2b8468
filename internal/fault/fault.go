// Package fault defines the error taxonomy shared by every cairn component.
//
// Four classes, four propagation rules:
//   - ConfigError: required key/placeholder missing or invalid. Fatal, never
//     defaulted away.
//   - NotFoundError: a root or artifact that policy requires is absent. Fatal
//     unless the call site has an explicit fallback.
//   - TransientError: lock contention or a network hiccup. Retry a bounded
//     number of times, then escalate.
//   - ConflictError: programmer error (rebasing an already-remote path,
//     committing a reservation that was never reserved). Always fatal.
package fault

import (
	"errors"
	"fmt"
	"strings"
)

type ConfigError struct {
	Key     string
	Message string
}

func (e *ConfigError) Error() string {
	if strings.TrimSpace(e.Key) == "" {
		return "configuration error: " + e.Message
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Key, e.Message)
}

// Config reports a missing or invalid configuration key, placeholder, or
// required input section. key names the offending entry so operators see the
// specific key, never a generic failure.
func Config(key string, format string, args ...any) error {
	return &ConfigError{Key: strings.TrimSpace(key), Message: fmt.Sprintf(format, args...)}
}

type NotFoundError struct {
	Path    string
	Message string
}

func (e *NotFoundError) Error() string {
	if strings.TrimSpace(e.Path) == "" {
		return "not found: " + e.Message
	}
	return fmt.Sprintf("not found: %s: %s", e.Path, e.Message)
}

// NotFound reports an absent path or artifact that the caller required.
func NotFound(path string, format string, args ...any) error {
	return &NotFoundError{Path: path, Message: fmt.Sprintf(format, args...)}
}

type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	if e.Err == nil {
		return e.Op + ": transient failure"
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Retryable marks the class for callers that branch on retryability without
// naming the concrete type.
func (e *TransientError) Retryable() bool { return true }

// Transient wraps err as a retryable condition attributed to op.
func Transient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

type ConflictError struct {
	Op      string
	Message string
}

func (e *ConflictError) Error() string {
	if strings.TrimSpace(e.Op) == "" {
		return "conflict: " + e.Message
	}
	return fmt.Sprintf("conflict: %s: %s", e.Op, e.Message)
}

// Conflict reports a caller bug: an operation whose preconditions can only be
// violated by incorrect calling code, not by runtime state drift.
func Conflict(op string, format string, args ...any) error {
	return &ConflictError{Op: op, Message: fmt.Sprintf(format, args...)}
}

func IsConfig(err error) bool {
	var e *ConfigError
	return errors.As(err, &e)
}

func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

func IsTransient(err error) bool {
	var e *TransientError
	return errors.As(err, &e)
}

func IsConflict(err error) bool {
	var e *ConflictError
	return errors.As(err, &e)
}
