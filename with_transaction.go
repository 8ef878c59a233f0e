package mgo

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// WithTransaction checks out a session, starts a transaction, runs fn, and
// commits or aborts depending on its outcome, ending the session afterward.
//
// The callback's result is committed on success; on error or panic the
// transaction is aborted and the session ended, and the error is returned
// to the caller (panics are recovered and converted to a
// CallbackFailureError -- the Go stack is not propagated, only the
// recovered value).
//
// The overall wall-clock budget is bounded via context.WithTimeout, using
// opts.Deadline when set or DefaultWithTransactionDeadline otherwise.
func WithTransaction(
	ctx context.Context,
	top Topology,
	fn func(ctx context.Context, s *Session) (interface{}, error),
	sessOpts SessionOptions,
	txnOpts TransactionOptions,
) (result interface{}, err error) {
	deadline := txnOpts.Deadline
	if deadline == 0 {
		deadline = DefaultWithTransactionDeadline
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	registry := sessOpts.registryOrDefault()
	sess, err := registry.Checkout(ctx, top, WriteKind, true, sessOpts)
	if err != nil {
		return nil, err
	}
	defer func() { _, _ = EndImplicitSession(ctx, top, sess) }()

	if err := sess.StartTransaction(txnOpts); err != nil {
		return nil, err
	}

	result, err = runCallback(ctx, sess, fn)

	if err != nil {
		if abortErr := sess.AbortTransaction(ctx); abortErr != nil {
			logger().Warnw("with_transaction: abort after callback failure also errored", "error", abortErr)
		}
		if cf, ok := err.(*CallbackFailureError); ok && cf.Panicked {
			return nil, cf // already converted by runCallback
		}
		return nil, &CallbackFailureError{Cause: err}
	}

	if commitErr := sess.CommitTransaction(ctx); commitErr != nil {
		return nil, commitErr
	}
	return result, nil
}

// runCallback invokes fn, translating a recovered panic into an error
// instead of letting it escape the transaction runner.
func runCallback(ctx context.Context, s *Session, fn func(context.Context, *Session) (interface{}, error)) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			cause, ok := r.(error)
			if !ok {
				cause = fmt.Errorf("%v", r)
			}
			err = &CallbackFailureError{Cause: cause, Panicked: true}
		}
	}()
	return fn(ctx, s)
}

// registryOrDefault lets WithTransaction be called either with a
// pre-existing session (SessionOptions.Session set) or fresh, without
// requiring every caller to carry a *Registry around explicitly.
func (o SessionOptions) registryOrDefault() *Registry {
	if o.Session != nil && o.Session.registry != nil {
		return o.Session.registry
	}
	return defaultRegistry()
}

var (
	sharedRegistry     *Registry
	sharedRegistryOnce sync.Once
)

func defaultRegistry() *Registry {
	sharedRegistryOnce.Do(func() {
		sharedRegistry = NewRegistry(30 * time.Minute)
	})
	return sharedRegistry
}
