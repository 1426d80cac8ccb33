package ingest

import (
	"errors"
	"fmt"

	"github.com/bc-dunia/satori/internal/types"
)

// ErrorKind categorizes an ingestion failure for the caller.
type ErrorKind int

const (
	KindAuth ErrorKind = iota
	KindDecode
	KindValidation
	KindInternal
)

func (k ErrorKind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindDecode:
		return "decode"
	case KindValidation:
		return "validation"
	default:
		return "internal"
	}
}

// Error is returned by Ingest and Register. Nothing has been persisted when
// one is returned.
type Error struct {
	Kind    ErrorKind
	NodeID  string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Fields returns the offending fields of a validation failure.
func (e *Error) Fields() []types.FieldError {
	var ve *types.ValidationError
	if errors.As(e.Cause, &ve) {
		return ve.Fields
	}
	return nil
}

func newAuthError(nodeID, msg string) *Error {
	return &Error{Kind: KindAuth, NodeID: nodeID, Message: msg}
}

func newDecodeError(nodeID string, cause error) *Error {
	return &Error{Kind: KindDecode, NodeID: nodeID, Message: "payload could not be decoded", Cause: cause}
}

func newValidationError(nodeID string, cause error) *Error {
	return &Error{Kind: KindValidation, NodeID: nodeID, Message: "payload failed validation", Cause: cause}
}

func newInternalError(nodeID, msg string, cause error) *Error {
	return &Error{Kind: KindInternal, NodeID: nodeID, Message: msg, Cause: cause}
}

// AsError extracts an *Error from err.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func isKind(err error, kind ErrorKind) bool {
	e, ok := AsError(err)
	return ok && e.Kind == kind
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool { return isKind(err, KindAuth) }

// IsDecode reports whether err is a transport decode failure.
func IsDecode(err error) bool { return isKind(err, KindDecode) }

// IsValidation reports whether err is a schema violation.
func IsValidation(err error) bool { return isKind(err, KindValidation) }

// IsInternal reports whether err is a server-side failure.
func IsInternal(err error) bool { return isKind(err, KindInternal) }
