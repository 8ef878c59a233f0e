package mgo

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ServerSession is a server-assigned logical session identity, lent to at
// most one Session at a time.
type ServerSession struct {
	// ID is the 16-byte UUIDv4 session identifier, immutable after
	// creation, encoded as BSON binary subtype 4 for the lsid.id field.
	ID primitive.Binary

	mu      sync.Mutex
	txnNum  int64
	lastUse time.Time
}

func newServerSession(clock *coarseTimeProvider) *ServerSession {
	id := uuid.New()
	return &ServerSession{
		ID:      primitive.Binary{Subtype: 0x04, Data: id[:]},
		lastUse: clock.Now(),
	}
}

// TxnNum returns the current transaction counter.
func (ss *ServerSession) TxnNum() int64 {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.txnNum
}

// nextTxnNum increments and returns the new transaction counter. Called
// exactly once per entry into starting_transaction; the counter is strictly
// increasing and is never repeated or skipped backward for a given
// ServerSession.
func (ss *ServerSession) nextTxnNum() int64 {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.txnNum++
	return ss.txnNum
}

func (ss *ServerSession) touch(clock *coarseTimeProvider) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.lastUse = clock.Now()
}

// LastUse returns the timestamp of the most recent checkin. Registry.borrow
// compares it against the registry's sessionTimeout to drop idle sessions.
func (ss *ServerSession) LastUse() time.Time {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.lastUse
}

// Registry owns the pool of server-assigned session identities shared
// process-wide. It is safe for concurrent checkout/checkin.
type Registry struct {
	clock *coarseTimeProvider

	mu       sync.Mutex
	freeList []*ServerSession // LIFO stack, most-recently-returned first

	// sessionTimeout bounds how long a free ServerSession may sit idle
	// before the registry discards it rather than reusing it, mirroring
	// the server's logicalSessionTimeoutMinutes minus a safety margin.
	// Consumer-supplied; zero disables expiry (the consumer's external
	// pool is responsible for that policy).
	sessionTimeout time.Duration

	// checkoutBackoff governs the retry delay when Topology signals a
	// transient reconnect is in progress (CheckoutRetryableError).
	checkoutBackoff func() backoff.BackOff
	maxRetries      uint64
}

// NewRegistry creates a Registry with a default ~1s constant retry backoff.
func NewRegistry(sessionTimeout time.Duration) *Registry {
	return &Registry{
		clock:          newcoarseTimeProvider(time.Second),
		sessionTimeout: sessionTimeout,
		checkoutBackoff: func() backoff.BackOff {
			return backoff.NewConstantBackOff(time.Second)
		},
		maxRetries: 5,
	}
}

// Close stops the registry's background clock. Safe to call once, after
// all sessions have ended.
func (r *Registry) Close() {
	r.clock.Close()
}

func (r *Registry) borrow() *ServerSession {
	r.mu.Lock()
	defer r.mu.Unlock()

	for len(r.freeList) > 0 {
		n := len(r.freeList) - 1
		ss := r.freeList[n]
		r.freeList = r.freeList[:n]
		if r.sessionTimeout > 0 && r.clock.Now().Sub(ss.LastUse()) >= r.sessionTimeout {
			continue // expired; drop it and keep looking
		}
		return ss
	}
	return newServerSession(r.clock)
}

// Return hands a ServerSession back to the free list with an updated
// LastUse. discard, when true, drops the session instead of making it
// available for reuse -- the caller's signal that it was used inside a
// transaction that did not commit cleanly.
func (r *Registry) Return(ss *ServerSession, discard bool) {
	ss.touch(r.clock)
	if discard {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.freeList = append(r.freeList, ss)
}

// Checkout selects a server per kind, pins a connection to it, and lends a
// ServerSession. It retries on CheckoutRetryableError with the registry's
// configured backoff.
//
// implicit marks the returned Session as one EndImplicitSession is allowed
// to end on the caller's behalf; it is independent of whether opts.Session
// short-circuits the checkout.
func (r *Registry) Checkout(ctx context.Context, top Topology, kind Kind, implicit bool, opts SessionOptions) (*Session, error) {
	ctx, span := startCheckoutSpan(ctx, kind)
	defer span.End()

	if opts.Session != nil {
		return opts.Session, nil
	}

	var conn Conn
	var desc *ServerDescription
	op := func() error {
		c, d, err := top.CheckoutConnection(ctx, kind)
		if err != nil {
			if _, retryable := err.(*CheckoutRetryableError); retryable {
				logger().Debugw("checkout retrying", "kind", kind.String(), "reason", err.Error())
				return err
			}
			return backoff.Permanent(err)
		}
		conn, desc = c, d
		return nil
	}

	bo := backoff.WithMaxRetries(r.checkoutBackoff(), r.maxRetries)
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		endCommandSpan(span, err)
		return nil, err
	}

	ss := r.borrow()
	sess := &Session{
		conn:         conn,
		serverSess:   ss,
		implicit:     implicit,
		causal:       opts.CausalConsistency,
		wireVersion:  desc.WireVersion,
		defaultWC:    opts.DefaultWriteConcern,
		defaultRC:    opts.DefaultReadConcern,
		top:          top,
		registry:     r,
		kind:         kind,
		state:        noTransaction,
	}
	endCommandSpan(span, nil)
	logger().Debugw("session checked out", "kind", sess.kind.String(), "implicit", implicit)
	return sess, nil
}
