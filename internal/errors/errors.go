package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"time"
)

// Config errors

type ErrConfigNotFound struct {
	Path string
}

func (e *ErrConfigNotFound) Error() string {
	return fmt.Sprintf("config file not found: %s", e.Path)
}

type ErrConfigParse struct {
	Err error
}

func (e *ErrConfigParse) Error() string {
	return fmt.Sprintf("failed to parse YAML: %v", e.Err)
}

func (e *ErrConfigParse) Unwrap() error {
	return e.Err
}

type ErrConfigValidation struct {
	Err error
}

func (e *ErrConfigValidation) Error() string {
	return fmt.Sprintf("config validation failed: %v", e.Err)
}

func (e *ErrConfigValidation) Unwrap() error {
	return e.Err
}

// Database errors

type ErrDatabaseOpen struct {
	Path string
	Err  error
}

func (e *ErrDatabaseOpen) Error() string {
	return fmt.Sprintf("failed to open database %s: %v", e.Path, e.Err)
}

func (e *ErrDatabaseOpen) Unwrap() error {
	return e.Err
}

type ErrDatabaseMigration struct {
	Version int64
	Err     error
}

func (e *ErrDatabaseMigration) Error() string {
	return fmt.Sprintf("database migration %d failed: %v", e.Version, e.Err)
}

func (e *ErrDatabaseMigration) Unwrap() error {
	return e.Err
}

type ErrDatabaseQuery struct {
	Operation string
	Err       error
}

func (e *ErrDatabaseQuery) Error() string {
	return fmt.Sprintf("database query failed for operation %s: %v", e.Operation, e.Err)
}

func (e *ErrDatabaseQuery) Unwrap() error {
	return e.Err
}

// Sync errors

// ErrAuth means no usable access token could be produced. Status is the
// token endpoint's HTTP status when one was received.
type ErrAuth struct {
	Reason string
	Status int
	Err    error
}

func (e *ErrAuth) Error() string {
	msg := "authentication failed"
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

func (e *ErrAuth) Unwrap() error {
	return e.Err
}

// ErrUpstream is a failed call to the upstream API for a single item or listing.
// RetryAfter carries upstream's requested back-off on a 429.
type ErrUpstream struct {
	Op         string
	ItemID     string
	Status     int
	RetryAfter time.Duration
	Err        error
}

func (e *ErrUpstream) Error() string {
	target := e.Op
	if e.ItemID != "" {
		target = fmt.Sprintf("%s %s", e.Op, e.ItemID)
	}
	if e.Status != 0 {
		return fmt.Sprintf("upstream %s returned status %d", target, e.Status)
	}
	return fmt.Sprintf("upstream %s failed: %v", target, e.Err)
}

func (e *ErrUpstream) Unwrap() error {
	return e.Err
}

// RateLimited reports whether upstream rejected the call for quota reasons.
func (e *ErrUpstream) RateLimited() bool {
	return e.Status == http.StatusTooManyRequests
}

// Timeout reports whether the call ran past its deadline.
func (e *ErrUpstream) Timeout() bool {
	return stderrors.Is(e.Err, context.DeadlineExceeded)
}

// ErrStore is a durable store failure that survived the retry budget.
type ErrStore struct {
	Backend  string
	Op       string
	Dataset  string
	Attempts int
	Err      error
}

func (e *ErrStore) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("%s store %s %s failed after %d attempts: %v", e.Backend, e.Op, e.Dataset, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s store %s %s failed: %v", e.Backend, e.Op, e.Dataset, e.Err)
}

func (e *ErrStore) Unwrap() error {
	return e.Err
}

type ErrUnknownDataset struct {
	Name string
}

func (e *ErrUnknownDataset) Error() string {
	return fmt.Sprintf("unknown dataset: %s", e.Name)
}

type ErrNoCredentials struct {
	Backend string
}

func (e *ErrNoCredentials) Error() string {
	return fmt.Sprintf("no credentials stored in %s backend", e.Backend)
}

// Server errors

type ErrServerStart struct {
	Addr string
	Err  error
}

func (e *ErrServerStart) Error() string {
	return fmt.Sprintf("failed to start server on %s: %v", e.Addr, e.Err)
}

func (e *ErrServerStart) Unwrap() error {
	return e.Err
}

type ErrServerShutdown struct {
	Err error
}

func (e *ErrServerShutdown) Error() string {
	return fmt.Sprintf("server shutdown failed: %v", e.Err)
}

func (e *ErrServerShutdown) Unwrap() error {
	return e.Err
}

// Filesystem errors

type ErrDirectoryCreate struct {
	Path string
	Err  error
}

func (e *ErrDirectoryCreate) Error() string {
	return fmt.Sprintf("failed to create directory %s: %v", e.Path, e.Err)
}

func (e *ErrDirectoryCreate) Unwrap() error {
	return e.Err
}

type ErrFileRead struct {
	Path string
	Err  error
}

func (e *ErrFileRead) Error() string {
	return fmt.Sprintf("failed to read file %s: %v", e.Path, e.Err)
}

func (e *ErrFileRead) Unwrap() error {
	return e.Err
}

type ErrFileWrite struct {
	Path string
	Err  error
}

func (e *ErrFileWrite) Error() string {
	return fmt.Sprintf("failed to write file %s: %v", e.Path, e.Err)
}

func (e *ErrFileWrite) Unwrap() error {
	return e.Err
}

// IsAuth reports whether err carries an *ErrAuth.
func IsAuth(err error) bool {
	var target *ErrAuth
	return stderrors.As(err, &target)
}

// IsStore reports whether err carries an *ErrStore.
func IsStore(err error) bool {
	var target *ErrStore
	return stderrors.As(err, &target)
}
