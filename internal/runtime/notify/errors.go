package notify

import (
	"context"
	"errors"
)

var (
	// ErrRendererUnavailable is returned while the renderer's breaker is open.
	ErrRendererUnavailable = errors.New("transitflow: notification renderer unavailable")
	// ErrTooLarge is returned when an encoded notification exceeds what the
	// transport accepts.
	ErrTooLarge = errors.New("transitflow: notification exceeds transport message size")
)

// UnprocessableNotificationError marks messages that can never be rendered:
// undecodable payloads and notifications failing Validate.
type UnprocessableNotificationError struct {
	Payload string
	Err     error
}

func (e *UnprocessableNotificationError) Error() string {
	return "unprocessable notification: " + e.Err.Error() + " payload: " + e.Payload
}

func (e *UnprocessableNotificationError) Unwrap() error { return e.Err }

// IsUnprocessable reports whether err wraps an UnprocessableNotificationError.
func IsUnprocessable(err error) bool {
	var target *UnprocessableNotificationError
	return errors.As(err, &target)
}

// retryable excludes failures another attempt cannot fix.
func retryable(err error) bool {
	return !IsUnprocessable(err) && !errors.Is(err, ErrRendererUnavailable) && !errors.Is(err, context.Canceled)
}

// poisonable sends everything to the poison queue except shutdown
// cancellations, which are nacked so a durable broker redelivers them.
func poisonable(err error) bool {
	return !errors.Is(err, context.Canceled)
}
