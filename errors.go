package farmsync

import (
	"errors"
	"fmt"

	"github.com/Iwinswap/iwinswap-farm-sync/state"
)

// SyncError records a failed background read of one synchronizer.
type SyncError = state.SyncError

// ActionError reports a failed user-initiated transaction.
type ActionError = state.ActionError

// ConfigError indicates that the system could not be assembled from its
// configuration.
type ConfigError struct {
	Component string
	Err       error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuring %s: %v", e.Component, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// determineErrorType maps an error to the label used by the errors_total metric.
func determineErrorType(err error) string {
	var (
		configErr *ConfigError
		actionErr *ActionError
		syncErr   *SyncError
	)
	switch {
	case errors.As(err, &configErr):
		return "config"
	case errors.Is(err, state.ErrInFlight):
		return "in_flight"
	case errors.As(err, &actionErr):
		return "action"
	case errors.As(err, &syncErr):
		return "sync"
	default:
		return "unknown"
	}
}
