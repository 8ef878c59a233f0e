package mgo

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
)

// Kind selects which class of server a Topology should select a connection
// from when checking out a session.
type Kind int

const (
	// ReadKind selects a server suitable for read operations per the
	// caller's read preference.
	ReadKind Kind = iota
	// WriteKind selects a server capable of accepting writes (required
	// for any session that may start a transaction).
	WriteKind
)

func (k Kind) String() string {
	if k == WriteKind {
		return "write"
	}
	return "read"
}

// Conn is an opaque handle to a specific server connection, pinned for the
// life of a Session. The core never inspects it beyond Addr/Close; framing,
// auth, and compression live entirely in the external wire layer.
type Conn interface {
	Addr() string
	Close() error
}

// CommandRunner sends a single command document to a database over a pinned
// connection and returns the raw server reply. It stands in for the wire
// protocol layer, which is out of scope here.
type CommandRunner interface {
	RunCommand(ctx context.Context, conn Conn, db string, cmd bson.D) (bson.Raw, error)
}

// ServerDescription is the minimal server metadata the core needs to decide
// whether to decorate commands with session fields.
type ServerDescription struct {
	WireVersion int
}

// Topology stands in for SDAM, server selection, and connection pooling. A
// real driver's topology package satisfies this interface without
// modification.
type Topology interface {
	CommandRunner

	// CheckoutConnection selects a server matching kind and pins a
	// connection to it. It may return a CheckoutRetryableError to signal
	// the caller should back off and retry.
	CheckoutConnection(ctx context.Context, kind Kind) (Conn, *ServerDescription, error)

	// CheckinConnection releases a previously checked-out connection back
	// to the pool.
	CheckinConnection(conn Conn)
}

// transactionState is the session's transaction lifecycle phase.
type transactionState int

const (
	noTransaction transactionState = iota
	startingTransaction
	transactionInProgress
	transactionCommitted
	transactionAborted
)

func (s transactionState) String() string {
	switch s {
	case noTransaction:
		return "no_transaction"
	case startingTransaction:
		return "starting_transaction"
	case transactionInProgress:
		return "transaction_in_progress"
	case transactionCommitted:
		return "transaction_committed"
	case transactionAborted:
		return "transaction_aborted"
	default:
		return "unknown"
	}
}
