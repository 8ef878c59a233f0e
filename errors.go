package mgo

import "fmt"

// ProtocolError wraps a server reply with ok:0, carrying the server's
// error code and message.
type ProtocolError struct {
	Code    int32
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("mgo: server error %d: %s", e.Code, e.Message)
}

// StateError is returned when a request is made against a Session in a
// state that does not permit it (see the transition table in §4.1).
type StateError struct {
	State   transactionState
	Request string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("mgo: %s not allowed in state %s", e.Request, e.State)
}

// NetworkError wraps a transport failure encountered while issuing
// commitTransaction (AbortTransaction suppresses its command errors and
// never returns one). The session's state still transitions as documented
// on CommitTransaction; the caller must consult the returned error to learn
// the command may not have reached the server.
type NetworkError struct {
	Cause error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("mgo: network error during transaction command: %v", e.Cause)
}

func (e *NetworkError) Unwrap() error {
	return e.Cause
}

// WriteConcernError is returned when commitTransaction replies with a
// write-concern failure. The transaction state still transitions to
// transaction_committed; the write itself may not be durable.
type WriteConcernError struct {
	Code    int32
	Message string
}

func (e *WriteConcernError) Error() string {
	return fmt.Sprintf("mgo: write concern error %d: %s", e.Code, e.Message)
}

// ErrNoSessionSupport names the condition of a server whose wire version
// does not support sessions (< 6, pre-3.6). Ordinary commands degrade
// silently instead (BindCommand passes them through unmodified), and
// StartTransaction reports the condition as a *StateError; no function in
// this package returns ErrNoSessionSupport itself.
var ErrNoSessionSupport = fmt.Errorf("mgo: server does not support sessions (wire version < 6)")

// CheckoutRetryableError is returned by a Topology when the caller should
// back off and retry checkout, e.g. following a topology reconnect.
type CheckoutRetryableError struct {
	Reason string
}

func (e *CheckoutRetryableError) Error() string {
	return fmt.Sprintf("mgo: checkout retryable: %s", e.Reason)
}

// CallbackFailureError wraps the error (or recovered panic) returned by a
// WithTransaction callback. The original Go stack is discarded; Cause
// preserves the underlying value for errors.As/errors.Is.
type CallbackFailureError struct {
	Cause   error
	Panicked bool
}

func (e *CallbackFailureError) Error() string {
	if e.Panicked {
		return fmt.Sprintf("mgo: transaction callback panicked: %v", e.Cause)
	}
	return fmt.Sprintf("mgo: transaction callback failed: %v", e.Cause)
}

func (e *CallbackFailureError) Unwrap() error {
	return e.Cause
}
