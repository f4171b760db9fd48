package common

import (
	"errors"
	"fmt"
	"time"
)

// --------------------------------------------------------------------------
// Error Kinds
// --------------------------------------------------------------------------

var (
	// ErrConnect means no healthy connection could be obtained or created
	ErrConnect = errors.New("connect to remote failed")
	// ErrSendRequest means the transport accepted the call but could not transmit it
	ErrSendRequest = errors.New("send request failed")
	// ErrTimeout means no response arrived before the deadline
	ErrTimeout = errors.New("wait response timeout")
	// ErrTooManyRequests means the admission ceiling for async or one-way requests was reached
	ErrTooManyRequests = errors.New("too many requests")

	// ErrConnectionClosed is returned when sending on a closed connection
	ErrConnectionClosed = errors.New("connection closed")
	// ErrClientShutdown is returned once the client has been shut down
	ErrClientShutdown = errors.New("client is shut down")
	// ErrOpaqueInUse is returned when a request reuses the opaque of a request still waiting for its response
	ErrOpaqueInUse = errors.New("opaque in use by a pending request")
)

// RemotingError carries one of the error kinds above together with the remote address
type RemotingError struct {
	Kind  error
	Addr  string
	Info  string
	Cause error
}

func (e *RemotingError) Error() string {
	msg := e.Kind.Error()
	if e.Addr != "" {
		msg += " <" + e.Addr + ">"
	}
	if e.Info != "" {
		msg += ": " + e.Info
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *RemotingError) Unwrap() error {
	return e.Cause
}

func (e *RemotingError) Is(target error) bool {
	return target == e.Kind
}

// --------------------------------------------------------------------------
// Error Factory Functions
// --------------------------------------------------------------------------

// NewConnectError creates an error of kind ErrConnect
func NewConnectError(addr string, cause error) error {
	return &RemotingError{Kind: ErrConnect, Addr: addr, Cause: cause}
}

// NewSendRequestError creates an error of kind ErrSendRequest
func NewSendRequestError(addr string, cause error) error {
	return &RemotingError{Kind: ErrSendRequest, Addr: addr, Cause: cause}
}

// NewTimeoutError creates an error of kind ErrTimeout
func NewTimeoutError(addr string, timeout time.Duration, cause error) error {
	return &RemotingError{Kind: ErrTimeout, Addr: addr, Info: fmt.Sprintf("after %s", timeout), Cause: cause}
}

// NewTooManyRequestsError creates an error of kind ErrTooManyRequests
func NewTooManyRequestsError(info string) error {
	return &RemotingError{Kind: ErrTooManyRequests, Info: info}
}
