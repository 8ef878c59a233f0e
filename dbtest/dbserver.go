// Package dbtest provides an in-memory test double for driving the session
// and transaction state machine without a real MongoDB deployment.
//
// It is adapted from the classic mgo driver's DBServer, which spawned a
// real mongod process for the test suite's lifetime. That isn't needed
// here: this core never touches the wire, so Fake implements mgo.Topology
// and mgo.CommandRunner directly, scripted to answer commitTransaction,
// abortTransaction, and arbitrary CRUD commands the way a real server
// would. The "bring up a throwaway server, wipe it between tests, tear it
// down at the end" shape is preserved; only the transport underneath it
// changed.
package dbtest

import (
	"context"
	"fmt"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"gopkg.in/tomb.v2"

	mgo "github.com/oceanfloor-labs/mgotxn"
)

// CommandHandler answers one scripted command, returning the raw server
// reply (or an error standing in for a network failure).
type CommandHandler func(cmd bson.D) (bson.Raw, error)

// Fake is an in-memory mgo.Topology + mgo.CommandRunner double.
//
// Before use, set WireVersion to control whether the decorator treats it as
// a sessions-capable deployment (>= 6) or a legacy one. Script specific
// command responses with Handle; anything unscripted gets a default
// {ok: 1} reply so tests that only care about decoration, not server
// behavior, don't need to script every command.
type Fake struct {
	WireVersion int

	mu               sync.Mutex
	handlers         map[string]CommandHandler
	commandLog       []bson.D
	failNextCheckout bool
	conns            map[*fakeConn]bool
	tomb             tomb.Tomb
	started          bool
}

// NewFake creates a Fake pre-configured with sessions support (wire version
// 6, MongoDB 3.6+).
func NewFake() *Fake {
	return &Fake{
		WireVersion: 6,
		handlers:    map[string]CommandHandler{},
		conns:       map[*fakeConn]bool{},
	}
}

// Start begins the background lifecycle goroutine. It's optional: Fake
// works perfectly well without it, but tests that want to exercise
// Session.Terminate's best-effort-abort-on-drop path alongside a live
// "server" benefit from a tomb to synchronize shutdown against, the same
// role gopkg.in/tomb.v2 played in the original DBServer.
func (f *Fake) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started {
		return
	}
	f.started = true
	f.tomb.Go(func() error {
		<-f.tomb.Dying()
		return nil
	})
}

// Stop tears down the background goroutine, if started. All sessions must
// have called EndSession before or while Stop runs.
func (f *Fake) Stop() {
	f.mu.Lock()
	started := f.started
	f.mu.Unlock()
	if !started {
		return
	}
	f.tomb.Kill(nil)
	<-f.tomb.Dead()
}

// Handle scripts the reply for one top-level command name (e.g.
// "commitTransaction", "find", "insert"). The handler replaces any
// previously registered handler for the same name.
func (f *Fake) Handle(cmdName string, h CommandHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[cmdName] = h
}

// FailNextCheckout makes the next CheckoutConnection call return a
// CheckoutRetryableError, simulating a topology mid-reconnect.
func (f *Fake) FailNextCheckout() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNextCheckout = true
}

// CommandLog returns every command dispatched through RunCommand so far, in
// order, for assertions about what was actually sent to "the server."
func (f *Fake) CommandLog() []bson.D {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]bson.D, len(f.commandLog))
	copy(out, f.commandLog)
	return out
}

type fakeConn struct {
	addr string
}

func (c *fakeConn) Addr() string { return c.addr }
func (c *fakeConn) Close() error { return nil }

// CheckoutConnection implements mgo.Topology.
func (f *Fake) CheckoutConnection(ctx context.Context, kind mgo.Kind) (mgo.Conn, *mgo.ServerDescription, error) {
	f.mu.Lock()
	if f.failNextCheckout {
		f.failNextCheckout = false
		f.mu.Unlock()
		return nil, nil, &mgo.CheckoutRetryableError{Reason: "fake topology mid-reconnect"}
	}
	conn := &fakeConn{addr: fmt.Sprintf("fake:%d", len(f.conns)+1)}
	f.conns[conn] = true
	wv := f.WireVersion
	f.mu.Unlock()
	return conn, &mgo.ServerDescription{WireVersion: wv}, nil
}

// CheckinConnection implements mgo.Topology.
func (f *Fake) CheckinConnection(conn mgo.Conn) {
	fc, ok := conn.(*fakeConn)
	if !ok {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.conns, fc)
}

// RunCommand implements mgo.CommandRunner, dispatching to a scripted
// handler when one is registered for the command's first field name, or
// else returning a default {ok: 1} acknowledgement.
func (f *Fake) RunCommand(ctx context.Context, conn mgo.Conn, db string, cmd bson.D) (bson.Raw, error) {
	if len(cmd) == 0 {
		return nil, fmt.Errorf("dbtest: empty command")
	}
	name := cmd[0].Key

	f.mu.Lock()
	f.commandLog = append(f.commandLog, cmd)
	handler := f.handlers[name]
	f.mu.Unlock()

	if handler != nil {
		return handler(cmd)
	}

	raw, err := bson.Marshal(bson.D{{Key: "ok", Value: 1}})
	if err != nil {
		return nil, err
	}
	return bson.Raw(raw), nil
}
