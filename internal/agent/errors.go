package agent

import (
	"errors"
	"fmt"
)

// ErrEmptySnapshot is returned when every enabled category failed to collect.
var ErrEmptySnapshot = errors.New("no category could be collected")

// RegistrationError is fatal: the agent exits and the operator must re-run
// configuration.
type RegistrationError struct {
	StatusCode int
	Err        error
}

func (e *RegistrationError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("registration failed (HTTP %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("registration failed: %v", e.Err)
}

func (e *RegistrationError) Unwrap() error { return e.Err }

// TransmitError is a failed send. The loop retries on the next interval.
type TransmitError struct {
	StatusCode int
	Err        error
}

func (e *TransmitError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transmit failed (HTTP %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transmit failed: %v", e.Err)
}

func (e *TransmitError) Unwrap() error { return e.Err }

// IsRegistrationError reports whether err is a *RegistrationError.
func IsRegistrationError(err error) bool {
	var re *RegistrationError
	return errors.As(err, &re)
}

// IsTransmitError reports whether err is a *TransmitError.
func IsTransmitError(err error) bool {
	var te *TransmitError
	return errors.As(err, &te)
}
