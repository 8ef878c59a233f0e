package mgo

import "time"

// SessionOptions carries the options recognized at session creation time.
type SessionOptions struct {
	// Session reuses a pre-existing session instead of checking out a new
	// one, for the start-implicit-session path.
	Session *Session

	// CausalConsistency enables afterClusterTime injection on reads.
	// Defaults to false.
	CausalConsistency bool

	// DefaultWriteConcern and DefaultReadConcern seed a transaction's
	// commit/abort write concern and its read concern when
	// TransactionOptions leaves them unset. The read concern level is sent
	// on a transaction's first command only when neither the command nor
	// causal consistency supplies a readConcern; it is not merged with
	// afterClusterTime.
	DefaultWriteConcern *WriteConcern
	DefaultReadConcern  *ReadConcern
}

// TransactionOptions carries the per-transaction options accepted by
// StartTransaction and WithTransaction.
type TransactionOptions struct {
	WriteConcern *WriteConcern
	ReadConcern  *ReadConcern

	// MaxCommitTimeMS becomes maxTimeMS on the commitTransaction command.
	MaxCommitTimeMS *int64

	// Deadline bounds WithTransaction's overall wall-clock budget. Zero
	// means DefaultWithTransactionDeadline.
	Deadline time.Duration
}

// DefaultWithTransactionDeadline is the wall-clock cap WithTransaction
// enforces on a callback when the caller does not set a Deadline.
const DefaultWithTransactionDeadline = 120 * time.Second

// WriteConcern composes the w/j/wtimeout options into the writeConcern
// document attached to commit/abort.
type WriteConcern struct {
	W        interface{} // int or string ("majority"), nil means unset
	J        *bool
	WTimeout time.Duration
}

// Acknowledged reports whether this write concern requires the server to
// confirm the write, gating whether UpdateSession advances operationTime
// from the resulting reply.
func (wc *WriteConcern) Acknowledged() bool {
	if wc == nil {
		return true // server default write concerns are acknowledged
	}
	if w, ok := wc.W.(int); ok {
		return w != 0
	}
	return true
}

// ReadConcern is the caller-supplied readConcern prior to afterClusterTime
// injection; Level is e.g. "majority", "local", "snapshot".
type ReadConcern struct {
	Level string
}
