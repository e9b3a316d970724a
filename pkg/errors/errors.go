package errors

import (
	"errors"
	"fmt"
)

// Code identifies the class of a failure
type Code string

const (
	CodeWebRTCSupport        Code = "ERR_WEBRTC_SUPPORT"
	CodePeerConnection       Code = "ERR_PC_CONSTRUCTOR"
	CodeSignaling            Code = "ERR_SIGNALING"
	CodeDataChannel          Code = "ERR_DATA_CHANNEL"
	CodeAddICECandidate      Code = "ERR_ADD_ICE_CANDIDATE"
	CodeSetRemoteDescription Code = "ERR_SET_REMOTE_DESCRIPTION"
	CodeSetLocalDescription  Code = "ERR_SET_LOCAL_DESCRIPTION"
	CodeCreateOffer          Code = "ERR_CREATE_OFFER"
	CodeCreateAnswer         Code = "ERR_CREATE_ANSWER"
	CodeICEConnectionFailure Code = "ERR_ICE_CONNECTION_FAILURE"
	CodeDestroyed            Code = "ERR_DESTROYED"
	CodeWritePending         Code = "ERR_WRITE_PENDING"
	CodeRelay                Code = "ERR_RELAY"
	CodeUnauthorized         Code = "ERR_UNAUTHORIZED"
	CodeRateLimit            Code = "ERR_RATE_LIMIT"
	CodeUnavailable          Code = "ERR_UNAVAILABLE"
	CodeInvalidInput         Code = "ERR_INVALID_INPUT"
)

// Error is a coded error with optional cause and context
type Error struct {
	Code    Code
	Message string
	Cause   error
	Context map[string]interface{}
}

// Error implements error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports a match on code, so sentinels compare equal to wrapped copies
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
}

// WithContext adds context to the error
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates a coded error
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an existing error. A nil cause yields nil.
func Wrap(err error, code Code, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Cause: err}
}

// Get extracts the first *Error from the chain
func Get(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// CodeOf returns the code of the first *Error in the chain, or ""
func CodeOf(err error) Code {
	if e := Get(err); e != nil {
		return e.Code
	}
	return ""
}

// HasCode reports whether err carries the given code
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// Is mirrors the standard library so callers need a single import
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As mirrors the standard library so callers need a single import
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
