// Package mterr defines the error taxonomy shared by the handshake, framing
// and secret chat layers.
package mterr

import (
	"fmt"

	"github.com/go-faster/errors"
)

type (
	// SecurityError reports a cryptographic or protocol invariant violated by
	// untrusted input. It always rejects the current attempt.
	SecurityError struct {
		Reason string
	}

	// RPCError is a structured error returned by the peer for a call.
	RPCError struct {
		Code    int
		Message string
	}

	// TransportError wraps a send or receive failure at the transport
	// boundary.
	TransportError struct {
		Op  string
		Err error
	}

	// ConfigurationError reports missing or invalid local settings. It is
	// never retried.
	ConfigurationError struct {
		Reason string
	}
)

// ErrAuthFailed is returned after the key exchange exhausted its attempts.
var ErrAuthFailed = Security("Auth Failed")

func Security(reason string) error {
	return &SecurityError{Reason: reason}
}

func Securityf(format string, args ...any) error {
	return &SecurityError{Reason: fmt.Sprintf(format, args...)}
}

func (e *SecurityError) Error() string {
	return "security: " + e.Reason
}

// Is makes errors.Is match any SecurityError with the same reason.
func (e *SecurityError) Is(target error) bool {
	t, ok := target.(*SecurityError)
	return ok && t.Reason == e.Reason
}

func RPC(code int, message string) error {
	return &RPCError{Code: code, Message: message}
}

func (e *RPCError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("rpc error code %d", e.Code)
	}
	return fmt.Sprintf("rpc error code %d: %s", e.Code, e.Message)
}

func Transport(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransportError{Op: op, Err: err}
}

func (e *TransportError) Error() string {
	return "transport " + e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func Configuration(reason string) error {
	return &ConfigurationError{Reason: reason}
}

func Configurationf(format string, args ...any) error {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}

func (e *ConfigurationError) Error() string {
	return "configuration: " + e.Reason
}

// IsSecurity reports whether err is or wraps a SecurityError.
func IsSecurity(err error) bool {
	var e *SecurityError
	return errors.As(err, &e)
}

// IsConfiguration reports whether err is or wraps a ConfigurationError.
func IsConfiguration(err error) bool {
	var e *ConfigurationError
	return errors.As(err, &e)
}

// AsRPC extracts an RPCError from err.
func AsRPC(err error) (*RPCError, bool) {
	var e *RPCError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
