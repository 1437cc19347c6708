package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrConnectorRequired  = sterrors.New("transitflow: connection simulator is required")
	ErrTopicsRequired     = sterrors.New("transitflow: topic manager is required")
	ErrQueueRequired      = sterrors.New("transitflow: offline queue is required")
	ErrMonitorRequired    = sterrors.New("transitflow: performance monitor is required")
	ErrLocationRequired   = sterrors.New("transitflow: location source is required")
	ErrRouteRequired      = sterrors.New("transitflow: route id is required")
	ErrBusRequired        = sterrors.New("transitflow: bus id is required")
	ErrClientRequired     = sterrors.New("transitflow: client id is required")
	ErrDelivererRequired  = sterrors.New("transitflow: deliverer is required")
	ErrPublisherRequired  = sterrors.New("transitflow: publisher is required")
	ErrSubscriberRequired = sterrors.New("transitflow: subscriber is required")
	ErrRendererRequired   = sterrors.New("transitflow: notification renderer is required")
	ErrTopicRequired      = sterrors.New("transitflow: topic is required")
	ErrConfigRequired     = sterrors.New("transitflow: configuration is required")
	ErrLoggerRequired     = sterrors.New("transitflow: logger is required")
	ErrUnknownEntity      = sterrors.New("transitflow: unknown simulated entity")
	ErrAlreadyRunning     = sterrors.New("transitflow: already running")
	ErrNotRunning         = sterrors.New("transitflow: not running")
	ErrUnknownStatusStore = sterrors.New("transitflow: unknown status store driver")
)

// ConfigValidationError reports an invalid configuration value.
type ConfigValidationError struct {
	Field string
	Err   error
}

func (e ConfigValidationError) Error() string {
	if e.Field == "" {
		return "transitflow: invalid configuration: " + e.Err.Error()
	}
	return fmt.Sprintf("transitflow: invalid configuration %s: %v", e.Field, e.Err)
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError wraps err, returning nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// FieldError reports a problem with a single named configuration field.
func FieldError(field string, format string, args ...any) error {
	return ConfigValidationError{Field: field, Err: fmt.Errorf(format, args...)}
}
