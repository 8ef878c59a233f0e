package mgo_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	mgo "github.com/oceanfloor-labs/mgotxn"
	"github.com/oceanfloor-labs/mgotxn/dbtest"
)

func docValue(doc bson.D, key string) (interface{}, bool) {
	for _, e := range doc {
		if e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}

// A two-phase transaction's commitTransaction is issued against admin with
// the exact envelope {commitTransaction:1, lsid, txnNumber:1,
// autocommit:false, writeConcern:{w:1}}.
func TestWithTransaction_CommitsAgainstAdmin(t *testing.T) {
	fake := dbtest.NewFake()
	fake.Start()
	defer fake.Stop()

	wc := &mgo.WriteConcern{W: 1}
	sessOpts := mgo.SessionOptions{DefaultWriteConcern: wc}

	result, err := mgo.WithTransaction(
		context.Background(),
		fake,
		func(ctx context.Context, s *mgo.Session) (interface{}, error) {
			conn, cmd, err := mgo.BindCommand(s, bson.D{
				{Key: "insert", Value: "dogs"},
				{Key: "documents", Value: []interface{}{bson.D{{Key: "name", Value: "Greta"}}}},
			})
			require.NoError(t, err)
			_, err = fake.RunCommand(ctx, conn, "test", cmd)
			require.NoError(t, err)
			return "ok", nil
		},
		sessOpts,
		mgo.TransactionOptions{},
	)
	require.NoError(t, err)
	assert.Equal(t, "ok", result)

	log := fake.CommandLog()
	require.Len(t, log, 2, "insert, then commitTransaction")

	commitCmd := log[1]
	_, isCommit := docValue(commitCmd, "commitTransaction")
	require.True(t, isCommit)

	txnNumber, ok := docValue(commitCmd, "txnNumber")
	require.True(t, ok)
	assert.Equal(t, int64(1), txnNumber)

	autocommit, ok := docValue(commitCmd, "autocommit")
	require.True(t, ok)
	assert.Equal(t, false, autocommit)

	_, hasLsid := docValue(commitCmd, "lsid")
	assert.True(t, hasLsid)

	wcVal, ok := docValue(commitCmd, "writeConcern")
	require.True(t, ok)
	w, ok := docValue(wcVal.(bson.D), "w")
	require.True(t, ok)
	assert.Equal(t, 1, w)
}

// A callback error aborts the transaction and never commits.
func TestWithTransaction_AbortsOnCallbackError(t *testing.T) {
	fake := dbtest.NewFake()
	fake.Start()
	defer fake.Stop()

	boom := errors.New("boom")
	_, err := mgo.WithTransaction(
		context.Background(),
		fake,
		func(ctx context.Context, s *mgo.Session) (interface{}, error) {
			conn, cmd, bindErr := mgo.BindCommand(s, bson.D{{Key: "insert", Value: "dogs"}})
			require.NoError(t, bindErr)
			_, runErr := fake.RunCommand(ctx, conn, "test", cmd)
			require.NoError(t, runErr)
			return nil, boom
		},
		mgo.SessionOptions{},
		mgo.TransactionOptions{},
	)
	require.Error(t, err)
	var cbErr *mgo.CallbackFailureError
	require.ErrorAs(t, err, &cbErr)
	assert.False(t, cbErr.Panicked)
	assert.Same(t, boom, errors.Unwrap(cbErr))

	log := fake.CommandLog()
	require.Len(t, log, 2, "insert, then abortTransaction")
	_, isAbort := docValue(log[1], "abortTransaction")
	assert.True(t, isAbort)
	for _, cmd := range log {
		_, isCommit := docValue(cmd, "commitTransaction")
		assert.False(t, isCommit, "no commitTransaction may appear after an aborted callback")
	}
}

// Abnormal termination attempts exactly one abortTransaction.
func TestSessionTerminate_AbortsInProgressTransactionExactlyOnce(t *testing.T) {
	fake := dbtest.NewFake()
	fake.Start()
	defer fake.Stop()

	registry := mgo.NewRegistry(time.Minute)
	defer registry.Close()

	sess, err := registry.Checkout(context.Background(), fake, mgo.WriteKind, false, mgo.SessionOptions{})
	require.NoError(t, err)
	require.NoError(t, sess.StartTransaction(mgo.TransactionOptions{}))

	conn, cmd, err := mgo.BindCommand(sess, bson.D{{Key: "insert", Value: "dogs"}})
	require.NoError(t, err)
	_, err = fake.RunCommand(context.Background(), conn, "test", cmd)
	require.NoError(t, err)
	require.Equal(t, "transaction_in_progress", sess.State())

	sess.Terminate(context.Background())
	assert.Equal(t, "transaction_aborted", sess.State())

	abortCount := 0
	for _, c := range fake.CommandLog() {
		if _, ok := docValue(c, "abortTransaction"); ok {
			abortCount++
		}
	}
	assert.Equal(t, 1, abortCount)

	// Terminating again must not dispatch a second abortTransaction.
	sess.Terminate(context.Background())
	abortCount = 0
	for _, c := range fake.CommandLog() {
		if _, ok := docValue(c, "abortTransaction"); ok {
			abortCount++
		}
	}
	assert.Equal(t, 1, abortCount)
}

// The registry retries checkout through a topology that is momentarily
// mid-reconnect before handing back a usable session.
func TestRegistryCheckout_SurvivesOneFailedCheckoutAgainstFake(t *testing.T) {
	fake := dbtest.NewFake()
	fake.Start()
	defer fake.Stop()
	fake.FailNextCheckout()

	registry := mgo.NewRegistry(time.Minute)
	defer registry.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := registry.Checkout(ctx, fake, mgo.ReadKind, true, mgo.SessionOptions{})
	require.NoError(t, err)
	require.NotNil(t, sess)
}
