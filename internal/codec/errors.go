package codec

import (
	"errors"
	"fmt"
)

// Reason classifies a decode failure.
type Reason string

const (
	ReasonMalformed      Reason = "malformed"
	ReasonVersion        Reason = "unsupported_version"
	ReasonAuthentication Reason = "authentication_failed"
)

// DecodeError is returned for any token that cannot be opened.
type DecodeError struct {
	Reason Reason
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Reason, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsDecodeError reports whether err is a *DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}
