package mgo

// mgo - MongoDB driver for Go
//
// Copyright (c) 2010-2012 - Gustavo Niemeyer <gustavo@niemeyer.net>
// transaction.go (c) 2018 Russell Miller/The Home Depot <russell_j_miller@homedepot.com>
//
// All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are met:
//
// 1. Redistributions of source code must retain the above copyright notice, this
//    list of conditions and the following disclaimer.
// 2. Redistributions in binary form must reproduce the above copyright notice,
//    this list of conditions and the following disclaimer in the documentation
//    and/or other materials provided with the distribution.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS" AND
// ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT OWNER OR CONTRIBUTORS BE LIABLE FOR
// ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL DAMAGES
// (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR SERVICES;
// LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER CAUSED AND
// ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY, OR TORT
// (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE OF THIS
// SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

import "context"

// Transaction is a thin, stateless-beyond-bookkeeping handle around a
// Session's transaction state machine, for callers that prefer an object
// with Start/Commit/Abort methods over calling the Session methods
// directly. The transaction is started explicitly via Start and finished
// when either Commit or Abort is called. If the session is dropped out
// from under it, the transaction will be left aborted per Session.Terminate.
type Transaction struct {
	session  *Session
	started  bool
	finished bool
}

// NewTransaction creates a new Transaction handle bound to s. It does not
// start the transaction; call Start.
func NewTransaction(s *Session) Transaction {
	return Transaction{session: s}
}

// Start begins the transaction on the bound session.
func (t *Transaction) Start(opts TransactionOptions) error {
	if err := t.session.StartTransaction(opts); err != nil {
		return err
	}
	t.started = true
	return nil
}

// Commit commits and finalizes the transaction.
func (t *Transaction) Commit(ctx context.Context) error {
	err := t.session.CommitTransaction(ctx)
	t.finished = true
	return err
}

// Abort aborts and closes the transaction.
func (t *Transaction) Abort(ctx context.Context) error {
	err := t.session.AbortTransaction(ctx)
	t.finished = true
	return err
}

// Finished reports whether Commit or Abort has been called.
func (t *Transaction) Finished() bool {
	return t.finished
}
