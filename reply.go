package mgo

import (
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// protocolErrorFromReply reports a ProtocolError when the reply's ok field
// is 0. A reply missing ok, or with ok != 0, is not an error from this
// function's point of view.
func protocolErrorFromReply(reply bson.Raw) error {
	if reply == nil {
		return nil
	}
	okVal, err := reply.LookupErr("ok")
	if err != nil {
		return nil
	}
	if okVal.AsInt32() != 0 {
		return nil
	}

	code := int32(0)
	if codeVal, err := reply.LookupErr("code"); err == nil {
		code = codeVal.AsInt32()
	}
	msg := ""
	if msgVal, err := reply.LookupErr("errmsg"); err == nil {
		msg, _ = msgVal.StringValueOK()
	}
	return &ProtocolError{Code: code, Message: msg}
}

// writeConcernErrorFromReply extracts a writeConcernError sub-document if
// the server attached one to an otherwise successful reply.
func writeConcernErrorFromReply(reply bson.Raw) error {
	if reply == nil {
		return nil
	}
	wceVal, err := reply.LookupErr("writeConcernError")
	if err != nil {
		return nil
	}
	wceDoc, ok := wceVal.DocumentOK()
	if !ok {
		return nil
	}
	code := int32(0)
	if codeVal, err := wceDoc.LookupErr("code"); err == nil {
		code = codeVal.AsInt32()
	}
	msg := ""
	if msgVal, err := wceDoc.LookupErr("errmsg"); err == nil {
		msg, _ = msgVal.StringValueOK()
	}
	return &WriteConcernError{Code: code, Message: msg}
}

// advanceFromReply advances the session's operationTime from a commit/abort
// reply and, when present, stashes the opaque recoveryToken the server
// attached to it. The recoveryToken only ever needs to be handed back to a
// future commitTransaction/abortTransaction on a sharded cluster; this
// driver core never inspects its contents, only preserves the most recent
// one for the caller to retrieve.
func advanceFromReply(s *Session, reply bson.Raw) {
	if reply == nil {
		return
	}
	if opTimeVal, err := reply.LookupErr("operationTime"); err == nil {
		if t, i, ok := opTimeVal.TimestampOK(); ok {
			s.AdvanceOperationTime(primitive.Timestamp{T: t, I: i})
		}
	}
	if rtVal, err := reply.LookupErr("recoveryToken"); err == nil {
		if rtDoc, ok := rtVal.DocumentOK(); ok {
			s.setRecoveryToken(rtDoc)
		}
	}
}

// UpdateSession advances a session's operationTime from an arbitrary
// command reply, but only when the write that produced it was acknowledged
// -- an unacknowledged write's reply carries no meaningful operationTime to
// advance to. It returns reply unchanged, so callers can slot it into a
// read-reply pipeline without special-casing the session update.
func UpdateSession(s *Session, reply bson.Raw, wc *WriteConcern) bson.Raw {
	if s == nil || !wc.Acknowledged() {
		return reply
	}
	advanceFromReply(s, reply)
	return reply
}
