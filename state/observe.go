package state

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Logger defines a standard interface for structured, leveled logging,
// compatible with the standard library's slog.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// NopLogger discards everything.
type NopLogger struct{}

func (NopLogger) Debug(string, ...any) {}
func (NopLogger) Info(string, ...any)  {}
func (NopLogger) Warn(string, ...any)  {}
func (NopLogger) Error(string, ...any) {}

// Observer receives synchronizer lifecycle signals, typically to feed metrics.
type Observer interface {
	Refreshed(component string, took time.Duration, err error)
	Discarded(component string)
	ActionDone(component, action string, err error)
}

// NopObserver ignores every signal.
type NopObserver struct{}

func (NopObserver) Refreshed(string, time.Duration, error) {}
func (NopObserver) Discarded(string)                       {}
func (NopObserver) ActionDone(string, string, error)       {}

// ActionError reports a failed user-initiated transaction.
type ActionError struct {
	Component string
	Action    string
	Account   common.Address
	Err       error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("%s %s for %s: %v", e.Component, e.Action, e.Account.Hex(), e.Err)
}

func (e *ActionError) Unwrap() error {
	return e.Err
}

// SyncError reports a failed read of one synchronized slice.
type SyncError struct {
	Component string
	Err       error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("%s sync: %v", e.Component, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}
