package mgo

// bulk.go (c) 2010-2012 Gustavo Niemeyer <gustavo@niemeyer.net>, adapted.
//
// The Bulk type is ported from the classic mgo driver; instead of writing
// straight to a socket it now routes every queued operation through
// BindCommand, so a single Bulk.Run exercises the command decorator against
// a realistic multi-document write command under whatever transaction
// state the bound Session is in.

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
)

// Bulk represents an operation that can be prepared with several
// orthogonal changes before being delivered to the server.
//
// Relevant documentation:
//
//	http://blog.mongodb.org/post/84922794768/mongodbs-new-bulk-api
type Bulk struct {
	sess       *Session
	db         string
	collection string
	ordered    bool
	actions    []bulkAction
}

type bulkOp int

const (
	bulkInsert bulkOp = iota + 1
	bulkUpdate
)

type bulkUpdateDoc struct {
	Q     interface{}
	U     interface{}
	Multi bool
}

type bulkAction struct {
	op      bulkOp
	docs    []interface{}
	updates []bulkUpdateDoc
}

// bulkError holds an error returned from running a Bulk operation.
type bulkError struct {
	err error
}

func (e *bulkError) Error() string {
	return e.err.Error()
}

func (e *bulkError) Unwrap() error {
	return e.err
}

// BulkResult holds the results for a bulk operation.
type BulkResult struct {
	// Be conservative while we understand exactly how to report these
	// results in a useful and convenient way, and also how to emulate
	// them with prior servers.
	private bool
}

// NewBulk returns a value to prepare the execution of a bulk write against
// db.collection, bound to sess (so every queued operation is decorated
// exactly as a single write issued directly through sess would be).
func NewBulk(sess *Session, db, collection string) *Bulk {
	return &Bulk{sess: sess, db: db, collection: collection, ordered: true}
}

// Unordered puts the bulk operation in unordered mode.
//
// In unordered mode the individual operations may be sent out of order,
// which means latter operations may proceed even if prior ones have
// failed.
func (b *Bulk) Unordered() {
	b.ordered = false
}

func (b *Bulk) action(op bulkOp) *bulkAction {
	if len(b.actions) > 0 && b.actions[len(b.actions)-1].op == op {
		return &b.actions[len(b.actions)-1]
	}
	if !b.ordered {
		for i := range b.actions {
			if b.actions[i].op == op {
				return &b.actions[i]
			}
		}
	}
	b.actions = append(b.actions, bulkAction{op: op})
	return &b.actions[len(b.actions)-1]
}

// Insert queues up the provided documents for insertion.
func (b *Bulk) Insert(docs ...interface{}) {
	action := b.action(bulkInsert)
	action.docs = append(action.docs, docs...)
}

// Update queues up the provided pairs of updating instructions. The first
// element of each pair selects which documents must be updated, and the
// second element defines how to update it. Each pair matches exactly one
// document for updating at most.
func (b *Bulk) Update(pairs ...interface{}) {
	if len(pairs)%2 != 0 {
		panic("Bulk.Update requires an even number of parameters")
	}
	action := b.action(bulkUpdate)
	for i := 0; i < len(pairs); i += 2 {
		selector := pairs[i]
		if selector == nil {
			selector = bson.D{}
		}
		action.updates = append(action.updates, bulkUpdateDoc{Q: selector, U: pairs[i+1]})
	}
}

// UpdateAll queues up the provided pairs of updating instructions. The
// first element of each pair selects which documents must be updated, and
// the second element defines how to update it. Each pair updates all
// documents matching the selector.
func (b *Bulk) UpdateAll(pairs ...interface{}) {
	if len(pairs)%2 != 0 {
		panic("Bulk.UpdateAll requires an even number of parameters")
	}
	action := b.action(bulkUpdate)
	for i := 0; i < len(pairs); i += 2 {
		selector := pairs[i]
		if selector == nil {
			selector = bson.D{}
		}
		action.updates = append(action.updates, bulkUpdateDoc{Q: selector, U: pairs[i+1], Multi: true})
	}
}

// Run runs all the operations queued up, each routed through the bound
// session's command decorator.
func (b *Bulk) Run(ctx context.Context) (*BulkResult, error) {
	var result BulkResult
	var berr bulkError
	var failed bool
	for i := range b.actions {
		action := &b.actions[i]
		var ok bool
		switch action.op {
		case bulkInsert:
			ok = b.runInsert(ctx, action, &berr)
		case bulkUpdate:
			ok = b.runUpdate(ctx, action, &berr)
		default:
			panic("unknown bulk operation")
		}
		if !ok {
			failed = true
			if b.ordered {
				break
			}
		}
	}
	if failed {
		return nil, &berr
	}
	return &result, nil
}

func (b *Bulk) runInsert(ctx context.Context, action *bulkAction, berr *bulkError) bool {
	cmd := bson.D{
		{Key: "insert", Value: b.collection},
		{Key: "documents", Value: action.docs},
		{Key: "ordered", Value: b.ordered},
	}
	if _, err := b.dispatch(ctx, cmd); err != nil {
		berr.err = err
		return false
	}
	return true
}

func (b *Bulk) runUpdate(ctx context.Context, action *bulkAction, berr *bulkError) bool {
	updates := make([]interface{}, 0, len(action.updates))
	for _, u := range action.updates {
		updates = append(updates, bson.D{
			{Key: "q", Value: u.Q},
			{Key: "u", Value: u.U},
			{Key: "multi", Value: u.Multi},
		})
	}
	cmd := bson.D{
		{Key: "update", Value: b.collection},
		{Key: "updates", Value: updates},
		{Key: "ordered", Value: b.ordered},
	}
	_, err := b.dispatch(ctx, cmd)
	if err != nil {
		berr.err = &bulkError{err}
		return false
	}
	return true
}

func (b *Bulk) dispatch(ctx context.Context, cmd bson.D) (bson.Raw, error) {
	conn, decorated, err := BindCommand(b.sess, cmd)
	if err != nil {
		return nil, err
	}
	reply, err := b.sess.top.RunCommand(ctx, conn, b.db, decorated)
	if err != nil {
		return nil, err
	}
	// Each reply advances the causal-consistency clock the same way a
	// commit/abort reply does, unless the session's default write concern
	// is unacknowledged, so a subsequent read on this session (or a
	// causally consistent sibling) observes it.
	reply = UpdateSession(b.sess, reply, b.sess.defaultWC)
	if protoErr := protocolErrorFromReply(reply); protoErr != nil {
		return reply, protoErr
	}
	return reply, nil
}
