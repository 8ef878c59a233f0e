package mgo

import (
	"github.com/samber/lo"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// BindCommand decorates cmd with session metadata according to the current
// transaction state. It never blocks and never issues network I/O. A nil
// session returns cmd unchanged.
func BindCommand(s *Session, cmd bson.D) (Conn, bson.D, error) {
	if s == nil {
		return nil, cmd, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended {
		return s.conn, cmd, &StateError{State: s.state, Request: "bind_session"}
	}

	if s.wireVersion < 6 {
		// Degrades silently for ordinary operations; StartTransaction
		// itself already rejects pre-3.6 servers with a hard error.
		return s.conn, cmd, nil
	}

	lsid := bson.D{{Key: "id", Value: s.serverSess.ID}}

	switch s.state {
	case noTransaction, transactionCommitted, transactionAborted:
		out := stripKeys(cmd) // no-op here, kept for symmetry/readability
		out = append(out, bson.E{Key: "lsid", Value: lsid})
		rc := computeReadConcern(cmd, s.causal, s.operationTime)
		if rc != nil {
			out = setOrAppendReadConcern(out, rc)
		}
		return s.conn, out, nil

	case startingTransaction:
		out := stripKeys(cmd, "writeConcern")
		out = append(out,
			bson.E{Key: "lsid", Value: lsid},
			bson.E{Key: "txnNumber", Value: s.serverSess.TxnNum()},
			bson.E{Key: "startTransaction", Value: true},
			bson.E{Key: "autocommit", Value: false},
		)
		rc := computeReadConcern(cmd, s.causal, s.operationTime)
		if rc == nil && s.txnOpts.ReadConcern != nil {
			rc = bson.D{{Key: "level", Value: s.txnOpts.ReadConcern.Level}}
		}
		if rc != nil {
			out = setOrAppendReadConcern(out, rc)
		}
		s.state = transactionInProgress
		return s.conn, out, nil

	case transactionInProgress:
		out := stripKeys(cmd, "writeConcern", "readConcern")
		out = append(out,
			bson.E{Key: "lsid", Value: lsid},
			bson.E{Key: "txnNumber", Value: s.serverSess.TxnNum()},
			bson.E{Key: "autocommit", Value: false},
		)
		return s.conn, out, nil

	default:
		return s.conn, cmd, &StateError{State: s.state, Request: "bind_session"}
	}
}

// stripKeys returns a copy of cmd with the named top-level keys removed,
// filtered with samber/lo's Reject rather than a hand-rolled loop (the
// corpus's preferred shape for this exact "drop entries matching a
// predicate" operation).
func stripKeys(cmd bson.D, drop ...string) bson.D {
	if len(drop) == 0 {
		return append(bson.D{}, cmd...)
	}
	dropSet := lo.SliceToMap(drop, func(k string) (string, struct{}) { return k, struct{}{} })
	kept := lo.Reject([]bson.E(cmd), func(e bson.E, _ int) bool {
		_, found := dropSet[e.Key]
		return found
	})
	return bson.D(kept)
}

// computeReadConcern implements causal consistency: if it is off, or no
// operationTime has been observed yet, the caller's readConcern passes
// through unchanged (nil meaning "nothing to add"). Otherwise it injects
// afterClusterTime, keeping the caller's other readConcern fields. The
// result is always a bson.D: a bson.D keeps its key order, while a bson.M's
// fields are copied in map iteration order.
func computeReadConcern(cmd bson.D, causal bool, opTime *primitive.Timestamp) bson.D {
	caller := lookupReadConcern(cmd)
	if !causal || opTime == nil {
		return caller
	}
	if caller == nil {
		return bson.D{{Key: "afterClusterTime", Value: *opTime}}
	}
	out := make(bson.D, 0, len(caller)+1)
	replaced := false
	for _, e := range caller {
		if e.Key == "afterClusterTime" {
			out = append(out, bson.E{Key: "afterClusterTime", Value: *opTime})
			replaced = true
			continue
		}
		out = append(out, e)
	}
	if !replaced {
		out = append(out, bson.E{Key: "afterClusterTime", Value: *opTime})
	}
	return out
}

func lookupReadConcern(cmd bson.D) bson.D {
	for _, e := range cmd {
		if e.Key != "readConcern" {
			continue
		}
		switch v := e.Value.(type) {
		case bson.D:
			return v
		case bson.M:
			out := make(bson.D, 0, len(v))
			for k, val := range v {
				out = append(out, bson.E{Key: k, Value: val})
			}
			return out
		}
	}
	return nil
}

func setOrAppendReadConcern(cmd bson.D, rc bson.D) bson.D {
	for i, e := range cmd {
		if e.Key == "readConcern" {
			cmd[i].Value = rc
			return cmd
		}
	}
	return append(cmd, bson.E{Key: "readConcern", Value: rc})
}

// buildCommitCommand assembles the commitTransaction envelope, with
// nil-filtering: an option not provided is omitted, never sent as null.
func buildCommitCommand(s *Session, txnNum int64) bson.D {
	cmd := bson.D{
		{Key: "commitTransaction", Value: 1},
		{Key: "lsid", Value: bson.D{{Key: "id", Value: s.serverSess.ID}}},
		{Key: "txnNumber", Value: txnNum},
		{Key: "autocommit", Value: false},
	}
	if wc := writeConcernDocument(s.txnOpts.WriteConcern); wc != nil {
		cmd = append(cmd, bson.E{Key: "writeConcern", Value: wc})
	}
	if s.txnOpts.MaxCommitTimeMS != nil {
		cmd = append(cmd, bson.E{Key: "maxTimeMS", Value: *s.txnOpts.MaxCommitTimeMS})
	}
	return cmd
}

// buildAbortCommand assembles the abortTransaction envelope; same shape as
// commit minus maxTimeMS.
func buildAbortCommand(s *Session, txnNum int64) bson.D {
	cmd := bson.D{
		{Key: "abortTransaction", Value: 1},
		{Key: "lsid", Value: bson.D{{Key: "id", Value: s.serverSess.ID}}},
		{Key: "txnNumber", Value: txnNum},
		{Key: "autocommit", Value: false},
	}
	if wc := writeConcernDocument(s.txnOpts.WriteConcern); wc != nil {
		cmd = append(cmd, bson.E{Key: "writeConcern", Value: wc})
	}
	return cmd
}

func writeConcernDocument(wc *WriteConcern) bson.D {
	if wc == nil {
		return nil
	}
	var doc bson.D
	if wc.W != nil {
		doc = append(doc, bson.E{Key: "w", Value: wc.W})
	}
	if wc.J != nil {
		doc = append(doc, bson.E{Key: "j", Value: *wc.J})
	}
	if wc.WTimeout > 0 {
		doc = append(doc, bson.E{Key: "wtimeout", Value: wc.WTimeout.Milliseconds()})
	}
	if len(doc) == 0 {
		return nil
	}
	return doc
}
