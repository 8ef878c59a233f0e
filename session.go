package mgo

import (
	"context"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Session is the single-owner, long-lived per-logical-session state
// machine: it tracks the transaction lifecycle (no_transaction ->
// starting_transaction -> transaction_in_progress -> committed/aborted) for
// one borrowed ServerSession. All operations on a Session are linearized by
// its internal mutex: concurrency across sessions is unconstrained,
// concurrency within one session is serialized.
type Session struct {
	// conn is pinned for the session's entire life; never reassigned
	// after Checkout.
	conn Conn
	top  Topology
	kind Kind

	registry *Registry

	implicit bool
	causal   bool

	wireVersion int

	defaultWC *WriteConcern
	defaultRC *ReadConcern

	mu            sync.Mutex
	serverSess    *ServerSession
	operationTime *primitive.Timestamp
	recoveryToken bson.Raw
	state         transactionState
	txnOpts       TransactionOptions
	dirty         bool // true once a transaction failed to commit cleanly
	ended         bool
}

// StartTransaction transitions a Session from {no_transaction,
// transaction_committed, transaction_aborted} into starting_transaction,
// incrementing the borrowed ServerSession's txn_num exactly once. It is a
// StateError to call this from starting_transaction or
// transaction_in_progress, and a StateError outright on a pre-3.6 server.
func (s *Session) StartTransaction(opts TransactionOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.wireVersion < 6 {
		return &StateError{State: s.state, Request: "start_transaction"}
	}

	if s.ended {
		return &StateError{State: s.state, Request: "start_transaction"}
	}
	switch s.state {
	case noTransaction, transactionCommitted, transactionAborted:
	default:
		return &StateError{State: s.state, Request: "start_transaction"}
	}

	s.serverSess.nextTxnNum()
	s.state = startingTransaction
	s.dirty = true // cleared only on a clean commit
	s.txnOpts = mergeTransactionOptions(opts, s.defaultWC, s.defaultRC)

	logger().Debugw("transaction starting", "txn_number", s.serverSess.TxnNum())
	return nil
}

func mergeTransactionOptions(opts TransactionOptions, defaultWC *WriteConcern, defaultRC *ReadConcern) TransactionOptions {
	if opts.WriteConcern == nil {
		opts.WriteConcern = defaultWC
	}
	if opts.ReadConcern == nil {
		opts.ReadConcern = defaultRC
	}
	if opts.Deadline == 0 {
		opts.Deadline = DefaultWithTransactionDeadline
	}
	return opts
}

// CommitTransaction commits the current transaction. From
// starting_transaction this is a vacuous commit: no network command is
// sent. From transaction_in_progress it issues commitTransaction against
// admin on the pinned connection.
//
// If the network round-trip fails, the state still transitions to
// transaction_committed before the error is returned to the caller -- this
// may be surprising (commit-failed does not remain re-commitable) but is
// the documented, intentional behavior.
func (s *Session) CommitTransaction(ctx context.Context) error {
	s.mu.Lock()
	state := s.state
	txnNum := int64(0)
	if s.serverSess != nil {
		txnNum = s.serverSess.TxnNum()
	}
	s.mu.Unlock()

	switch state {
	case startingTransaction:
		s.mu.Lock()
		s.state = transactionCommitted
		s.dirty = false
		s.mu.Unlock()
		logger().Infow("transaction committed (vacuous)", "txn_number", txnNum)
		return nil

	case transactionInProgress:
		cmd := buildCommitCommand(s, txnNum)
		ctx, span := startCommandSpan(ctx, "commitTransaction", txnNum)
		reply, err := s.top.RunCommand(ctx, s.conn, "admin", cmd)

		s.mu.Lock()
		s.state = transactionCommitted
		if err == nil {
			s.dirty = false
		}
		s.mu.Unlock()

		if err != nil {
			endCommandSpan(span, err)
			logger().Warnw("commitTransaction network error", "txn_number", txnNum, "error", err)
			return &NetworkError{Cause: err}
		}
		endCommandSpan(span, nil)

		if wcErr := writeConcernErrorFromReply(reply); wcErr != nil {
			logger().Warnw("commitTransaction write concern error", "txn_number", txnNum)
			advanceFromReply(s, reply)
			return wcErr
		}
		if protoErr := protocolErrorFromReply(reply); protoErr != nil {
			advanceFromReply(s, reply)
			return protoErr
		}
		advanceFromReply(s, reply)
		logger().Infow("transaction committed", "txn_number", txnNum)
		return nil

	case transactionCommitted:
		return nil // idempotent no-op

	default:
		return &StateError{State: state, Request: "commit_transaction"}
	}
}

// AbortTransaction aborts the current transaction. Command errors are
// always suppressed: aborting must never mask the original failure that
// prompted the abort.
func (s *Session) AbortTransaction(ctx context.Context) error {
	s.mu.Lock()
	state := s.state
	txnNum := int64(0)
	if s.serverSess != nil {
		txnNum = s.serverSess.TxnNum()
	}
	s.mu.Unlock()

	switch state {
	case startingTransaction:
		s.mu.Lock()
		s.state = transactionAborted
		s.dirty = false
		s.mu.Unlock()
		return nil

	case transactionInProgress:
		cmd := buildAbortCommand(s, txnNum)
		ctx, span := startCommandSpan(ctx, "abortTransaction", txnNum)
		reply, err := s.top.RunCommand(ctx, s.conn, "admin", cmd)
		endCommandSpan(span, err)
		if err != nil {
			logger().Debugw("abortTransaction error suppressed", "txn_number", txnNum, "error", err)
		} else {
			advanceFromReply(s, reply)
		}

		s.mu.Lock()
		s.state = transactionAborted
		s.dirty = false
		s.mu.Unlock()
		return nil

	case transactionAborted:
		return nil

	default:
		return &StateError{State: state, Request: "abort_transaction"}
	}
}

// AdvanceOperationTime advances the session's tracked cluster operationTime
// if ts is strictly after the current value. It never blocks on I/O and is
// safe to call concurrently; concurrent advances converge to the same
// maximum regardless of arrival order.
func (s *Session) AdvanceOperationTime(ts primitive.Timestamp) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.operationTime == nil || timestampBefore(*s.operationTime, ts) {
		s.operationTime = &ts
	}
}

func timestampBefore(a, b primitive.Timestamp) bool {
	if a.T != b.T {
		return a.T < b.T
	}
	return a.I < b.I
}

// Connection returns the connection pinned to this session.
func (s *Session) Connection() Conn {
	return s.conn
}

// Kind reports whether this session was checked out against a read or
// write server.
func (s *Session) Kind() Kind {
	return s.kind
}

// ServerSessionHandle returns the borrowed ServerSession and whether this
// Session is implicit.
func (s *Session) ServerSessionHandle() (*ServerSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverSess, s.implicit
}

func (s *Session) setRecoveryToken(rt bson.Raw) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recoveryToken = rt
}

// RecoveryToken returns the most recent recoveryToken a commitTransaction
// or abortTransaction reply attached to this session, for sharded
// transactions that need to hand it back on a subsequent commit/abort
// retry. The second return value is false if no server reply has carried
// one yet.
func (s *Session) RecoveryToken() (bson.Raw, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recoveryToken, s.recoveryToken != nil
}

// State returns the current transaction state; exposed for tests and
// diagnostics, not part of the decorator's decision path (which reads the
// field directly under the same lock).
func (s *Session) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.String()
}

// EndSession detaches the borrowed ServerSession for return to the
// registry and marks the session unusable for further requests. If a
// transaction was left in_progress, it is aborted best-effort first.
func EndSession(ctx context.Context, top Topology, s *Session) error {
	s.mu.Lock()
	inProgress := s.state == transactionInProgress
	s.mu.Unlock()

	if inProgress {
		_ = s.AbortTransaction(ctx)
		logger().Warnw("ending session with in-progress transaction; aborted", "kind", s.kind.String(), "implicit", s.implicit)
	}

	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return nil
	}
	s.ended = true
	ss := s.serverSess
	dirty := s.dirty
	s.serverSess = nil
	s.mu.Unlock()

	if s.registry != nil && ss != nil {
		s.registry.Return(ss, dirty)
	}
	if s.top != nil {
		s.top.CheckinConnection(s.conn)
	}
	return nil
}

// EndImplicitSession ends the session only if it was created implicitly.
// Calling this on an explicit session is not an error -- it returns
// (false, nil), a uniform "no checkin needed" sentinel the caller can check
// without a type switch on error.
func EndImplicitSession(ctx context.Context, top Topology, s *Session) (bool, error) {
	if !s.implicit {
		return false, nil
	}
	if err := EndSession(ctx, top, s); err != nil {
		return false, err
	}
	return true, nil
}

// Terminate runs the abnormal-termination path: if the session's owner is
// dropped, cancelled, or crashes while a transaction is in progress,
// attempt exactly one best-effort abortTransaction before releasing
// resources. Safe to call from a defer.
func (s *Session) Terminate(ctx context.Context) {
	s.mu.Lock()
	inProgress := s.state == transactionInProgress
	s.mu.Unlock()
	if inProgress {
		_ = s.AbortTransaction(ctx)
	}
	_ = EndSession(ctx, s.top, s)
}
