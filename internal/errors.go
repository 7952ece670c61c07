package internal

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// ErrorKind classifies a connection-level failure for the host.
type ErrorKind string

const (
	// KindNetwork covers transport failures and unexpected redirect loops.
	KindNetwork ErrorKind = "network"
	// KindAuthFailed covers bad credentials and invalid/expired grants with
	// no recoverable retry.
	KindAuthFailed ErrorKind = "authentication_failed"
	// KindAuthorizationPending is the expected transient state of the
	// device-code flow. It is not a failure.
	KindAuthorizationPending ErrorKind = "authorization_pending"
	// KindProtocol covers malformed or unexpected server payloads. Protocol
	// errors are logged and the offending event dropped, never fatal.
	KindProtocol ErrorKind = "protocol"
	// KindUserCancelled covers an abandoned interactive auth prompt.
	KindUserCancelled ErrorKind = "user_cancelled"
)

// ConnError is the error type surfaced from the session core to the host.
type ConnError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *ConnError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ConnError) Unwrap() error { return e.Err }

func NetworkError(err error, format string, args ...interface{}) *ConnError {
	return &ConnError{Kind: KindNetwork, Message: fmt.Sprintf(format, args...), Err: err}
}

func AuthFailed(err error, format string, args ...interface{}) *ConnError {
	return &ConnError{Kind: KindAuthFailed, Message: fmt.Sprintf(format, args...), Err: err}
}

func ProtocolError(err error, format string, args ...interface{}) *ConnError {
	return &ConnError{Kind: KindProtocol, Message: fmt.Sprintf(format, args...), Err: err}
}

func UserCancelled(format string, args ...interface{}) *ConnError {
	return &ConnError{Kind: KindUserCancelled, Message: fmt.Sprintf(format, args...)}
}

// ErrAuthorizationPending is returned by the device-code token poll while the
// user has not yet approved the sign-in.
var ErrAuthorizationPending = &ConnError{Kind: KindAuthorizationPending, Message: "authorization pending"}

// KindOf extracts the ErrorKind from err, defaulting to KindNetwork for
// plain transport errors.
func KindOf(err error) ErrorKind {
	var ce *ConnError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindNetwork
}

// Assert that the expression is true, similar to assert() in C. If expr is false, print or panic.
//
// If expr is false and TEAMSBRIDGE_DEBUG=1 then the program panics.
// If expr is false and TEAMSBRIDGE_DEBUG is unset or not '1' then the program logs an error along
// with a field which contains the file/line number of the caller/assertion of Assert.
// Assert should be used to verify invariants which should never be broken during normal functioning
// of the program, and shouldn't be used to log a normal error e.g network errors.
func Assert(msg string, expr bool) {
	if expr {
		return
	}
	if os.Getenv("TEAMSBRIDGE_DEBUG") == "1" {
		panic(fmt.Sprintf("assert: %s", msg))
	}
	l := logger.Error()
	_, file, line, ok := runtime.Caller(1)
	if ok {
		l = l.Str("assertion", fmt.Sprintf("%s:%d", file, line))
	}
	_, file, line, ok = runtime.Caller(2)
	if ok {
		l = l.Str("caller", fmt.Sprintf("%s:%d", file, line))
	}
	l.Msg("assertion failed: " + msg)
}
