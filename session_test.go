package mgo

import (
	"context"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestStartTransaction_AllowedStatesAndTxnNumIncrement(t *testing.T) {
	s := newTestSession(t, 6)

	require.NoError(t, s.StartTransaction(TransactionOptions{}))
	assert.Equal(t, startingTransaction, s.state)
	assert.Equal(t, int64(1), s.serverSess.TxnNum())

	// starting_transaction rejects a second start_transaction.
	err := s.StartTransaction(TransactionOptions{})
	require.Error(t, err)
	var stateErr *StateError
	assert.ErrorAs(t, err, &stateErr)

	require.NoError(t, s.CommitTransaction(context.Background()))
	assert.Equal(t, transactionCommitted, s.state)

	// transaction_committed allows starting again, incrementing txn_num.
	require.NoError(t, s.StartTransaction(TransactionOptions{}))
	assert.Equal(t, int64(2), s.serverSess.TxnNum())
}

func TestCommitTransaction_VacuousFromStarting(t *testing.T) {
	s := newTestSession(t, 6)
	require.NoError(t, s.StartTransaction(TransactionOptions{}))
	require.NoError(t, s.CommitTransaction(context.Background()))
	assert.Equal(t, transactionCommitted, s.state)
	assert.Equal(t, int64(1), s.serverSess.TxnNum())
}

func TestCommitTransaction_DoubleCommitIsNoop(t *testing.T) {
	s := newTestSession(t, 6)
	require.NoError(t, s.StartTransaction(TransactionOptions{}))
	require.NoError(t, s.CommitTransaction(context.Background()))
	require.NoError(t, s.CommitTransaction(context.Background()))
	assert.Equal(t, transactionCommitted, s.state)
}

func TestCommitTransaction_CapturesRecoveryToken(t *testing.T) {
	s := newTestSession(t, 6)
	s.top = &recoveryTokenTopology{}
	require.NoError(t, s.StartTransaction(TransactionOptions{}))
	_, _, err := BindCommand(s, bson.D{{Key: "insert", Value: "dogs"}})
	require.NoError(t, err)

	_, ok := s.RecoveryToken()
	assert.False(t, ok, "no recoveryToken observed yet")

	require.NoError(t, s.CommitTransaction(context.Background()))

	rt, ok := s.RecoveryToken()
	require.True(t, ok)
	recoveryID, found := docValue(bsonRawToD(t, rt), "recoveryShardId")
	require.True(t, found)
	assert.Equal(t, "shard0001", recoveryID)
}

type recoveryTokenTopology struct{}

func (recoveryTokenTopology) RunCommand(ctx context.Context, conn Conn, db string, cmd bson.D) (bson.Raw, error) {
	raw, _ := bson.Marshal(bson.D{
		{Key: "ok", Value: 1},
		{Key: "recoveryToken", Value: bson.D{{Key: "recoveryShardId", Value: "shard0001"}}},
	})
	return bson.Raw(raw), nil
}
func (recoveryTokenTopology) CheckoutConnection(ctx context.Context, kind Kind) (Conn, *ServerDescription, error) {
	return &stubConn{}, &ServerDescription{WireVersion: 6}, nil
}
func (recoveryTokenTopology) CheckinConnection(Conn) {}

func bsonRawToD(t *testing.T, raw bson.Raw) bson.D {
	t.Helper()
	var out bson.D
	require.NoError(t, bson.Unmarshal(raw, &out))
	return out
}

func TestCommitTransaction_NoTransactionIsStateError(t *testing.T) {
	s := newTestSession(t, 6)
	err := s.CommitTransaction(context.Background())
	require.Error(t, err)
	var stateErr *StateError
	assert.ErrorAs(t, err, &stateErr)
}

func TestAbortTransaction_FromStarting(t *testing.T) {
	s := newTestSession(t, 6)
	require.NoError(t, s.StartTransaction(TransactionOptions{}))
	require.NoError(t, s.AbortTransaction(context.Background()))
	assert.Equal(t, transactionAborted, s.state)
}

// AdvanceOperationTime is idempotent and commutative under max.
func TestAdvanceOperationTime_MonotonicAndCommutative(t *testing.T) {
	s := newTestSession(t, 6)
	t1 := primitive.Timestamp{T: 10, I: 0}
	t2 := primitive.Timestamp{T: 20, I: 0}

	s.AdvanceOperationTime(t2)
	s.AdvanceOperationTime(t1) // earlier: ignored
	assert.Equal(t, t2, *s.operationTime)

	s2 := newTestSession(t, 6)
	s2.AdvanceOperationTime(t1)
	s2.AdvanceOperationTime(t2)
	assert.Equal(t, t2, *s2.operationTime)
}

func TestEndSession_AbortsInProgressTransaction(t *testing.T) {
	s := newTestSession(t, 6)
	require.NoError(t, s.StartTransaction(TransactionOptions{}))
	_, _, err := BindCommand(s, nil)
	require.NoError(t, err)
	require.Equal(t, transactionInProgress, s.state)

	require.NoError(t, EndSession(context.Background(), s.top, s))
	assert.Equal(t, transactionAborted, s.state)
	assert.Nil(t, s.serverSess)
}

func TestEndImplicitSession_NoopOnExplicitSession(t *testing.T) {
	s := newTestSession(t, 6)
	s.implicit = false
	ended, err := EndImplicitSession(context.Background(), s.top, s)
	require.NoError(t, err)
	assert.False(t, ended)
	assert.False(t, s.ended)
}

func TestEndImplicitSession_EndsImplicitSession(t *testing.T) {
	s := newTestSession(t, 6)
	s.implicit = true
	ended, err := EndImplicitSession(context.Background(), s.top, s)
	require.NoError(t, err)
	assert.True(t, ended)
	assert.True(t, s.ended)
}

func TestServerSessionHandle(t *testing.T) {
	s := newTestSession(t, 6)
	s.implicit = true
	ss, implicit := s.ServerSessionHandle()
	assert.Same(t, s.serverSess, ss)
	assert.True(t, implicit)
}

func TestRegistry_CheckoutRetriesOnTransientError(t *testing.T) {
	top := &retryingTopology{failures: 2}
	r := NewRegistry(time.Minute)
	defer r.Close()
	r.checkoutBackoff = func() backoff.BackOff {
		return backoff.NewConstantBackOff(time.Millisecond)
	}

	sess, err := r.Checkout(context.Background(), top, WriteKind, true, SessionOptions{})
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, 3, top.attempts) // 2 failures then a success
}

type retryingTopology struct {
	failures int
	attempts int
}

func (t *retryingTopology) RunCommand(ctx context.Context, conn Conn, db string, cmd bson.D) (bson.Raw, error) {
	return nil, nil
}

func (t *retryingTopology) CheckoutConnection(ctx context.Context, kind Kind) (Conn, *ServerDescription, error) {
	t.attempts++
	if t.attempts <= t.failures {
		return nil, nil, &CheckoutRetryableError{Reason: "reconnecting"}
	}
	return &stubConn{addr: "fake:1"}, &ServerDescription{WireVersion: 6}, nil
}

func (t *retryingTopology) CheckinConnection(Conn) {}
