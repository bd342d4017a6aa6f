// Package cqlerr defines the classified error kinds shared by every
// internal package so none of them needs to import the public cqlio
// package (which in turn re-exports these kinds). User-visible
// string forms are prefixed "cql-io: " for diagnostic traceability.
package cqlerr

import (
	"fmt"

	"github.com/cql-io/cqlio/frame"
)

// Kind classifies an Error. Errors are classified by kind, not by
// Go type.
type Kind int

const (
	// Configuration
	KindUnsupportedCompression Kind = iota
	KindInvalidCacheSize
	KindConfigError

	// Connection
	KindConnectionClosed
	KindConnectTimeout
	KindResponseTimeout

	// Host selection
	KindNoHostAvailable
	KindHostsBusy

	// Protocol
	KindParseError
	KindUnexpectedResponse
	KindInternalError

	// Auth
	KindAuthenticationRequired
	KindAuthenticationMechanismUnsupported
	KindUnexpectedAuthenticationChallenge

	// Fatal / cache
	KindHashCollision

	// Server ERROR response. Every ERROR frame a request receives is
	// returned to the caller as an *Error of this kind; it is not
	// converted back into a response.
	KindServer
)

func (k Kind) String() string {
	switch k {
	case KindUnsupportedCompression:
		return "UnsupportedCompression"
	case KindInvalidCacheSize:
		return "InvalidCacheSize"
	case KindConfigError:
		return "ConfigError"
	case KindConnectionClosed:
		return "ConnectionClosed"
	case KindConnectTimeout:
		return "ConnectTimeout"
	case KindResponseTimeout:
		return "ResponseTimeout"
	case KindNoHostAvailable:
		return "NoHostAvailable"
	case KindHostsBusy:
		return "HostsBusy"
	case KindParseError:
		return "ParseError"
	case KindUnexpectedResponse:
		return "UnexpectedResponse"
	case KindInternalError:
		return "InternalError"
	case KindAuthenticationRequired:
		return "AuthenticationRequired"
	case KindAuthenticationMechanismUnsupported:
		return "AuthenticationMechanismUnsupported"
	case KindUnexpectedAuthenticationChallenge:
		return "UnexpectedAuthenticationChallenge"
	case KindHashCollision:
		return "HashCollision"
	case KindServer:
		return "Server"
	default:
		return "Unknown"
	}
}

// Error is the concrete type behind every classified error kind.
type Error struct {
	Kind Kind

	// Addr is the affected host, when applicable (Connection kinds,
	// UnexpectedResponse).
	Addr string

	// Reason carries a free-form detail for ParseError/InternalError.
	Reason string

	// Mechanism carries the SASL mechanism name for Auth kinds.
	Mechanism string

	// Response carries the unexpected response's opcode/description
	// for UnexpectedResponse.
	Response string

	// Server is populated for KindServer, carrying the server's own
	// error taxonomy.
	Server *frame.ServerError

	// Wrapped is an optional underlying cause (e.g. the *net.OpError
	// behind a ConnectTimeout).
	Wrapped error
}

func New(kind Kind) *Error { return &Error{Kind: kind} }

func (e *Error) WithAddr(addr string) *Error {
	e.Addr = addr
	return e
}

func (e *Error) WithReason(reason string) *Error {
	e.Reason = reason
	return e
}

func (e *Error) WithMechanism(m string) *Error {
	e.Mechanism = m
	return e
}

func (e *Error) WithResponse(r string) *Error {
	e.Response = r
	return e
}

func (e *Error) WithServer(se *frame.ServerError) *Error {
	e.Server = se
	return e
}

func (e *Error) WithWrapped(err error) *Error {
	e.Wrapped = err
	return e
}

func (e *Error) Error() string {
	msg := "cql-io: " + e.Kind.String()
	if e.Addr != "" {
		msg += " (" + e.Addr + ")"
	}
	if e.Mechanism != "" {
		msg += ": mechanism " + e.Mechanism
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Response != "" {
		msg += ": " + e.Response
	}
	if e.Server != nil {
		msg += ": " + e.Server.Message
	}
	if e.Wrapped != nil {
		msg += ": " + e.Wrapped.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Wrapped }

// Is lets errors.Is(err, cqlerr.New(KindX)) match any *Error sharing
// the same Kind, regardless of the other fields.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// IsKind reports whether err is a *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	return e.Kind == kind
}

// Retryable reports whether a *Error wrapping a server error should be
// locally rethrown inside withRetries to engage the retry policy.
func (e *Error) Retryable() bool {
	return e.Kind == KindServer && e.Server != nil && e.Server.Code.Retryable()
}

func Fatalf(format string, args ...interface{}) *Error {
	return New(KindInternalError).WithReason(fmt.Sprintf(format, args...))
}
