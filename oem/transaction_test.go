package oem_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/datastore/apiv1/datastorepb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kapiche/gcloudoem/internal/fakeconn"
	"github.com/kapiche/gcloudoem/oem"
)

func TestTransaction_Lifecycle(t *testing.T) {
	conn := newConn(t)
	ctx := context.Background()

	txn, err := oem.NewTransaction(oem.IsolationSnapshot)
	require.NoError(t, err)
	assert.Equal(t, oem.StatusInitial, txn.Status())
	assert.NotEmpty(t, txn.CorrelationID())

	require.NoError(t, txn.Begin(ctx))
	assert.Equal(t, oem.StatusInProgress, txn.Status())
	assert.Equal(t, []byte("txn-1"), txn.ID())

	require.NoError(t, txn.Put(ctx, &Person{FirstName: "Ann"}))
	require.NoError(t, txn.Commit(ctx))
	assert.Equal(t, oem.StatusFinished, txn.Status())
	assert.Nil(t, txn.ID())

	require.Len(t, conn.Commits, 1)
	assert.Equal(t, []byte("txn-1"), conn.Commits[0].Txn)

	require.ErrorIs(t, txn.Begin(ctx), oem.ErrTransactionState)
	require.ErrorIs(t, txn.Commit(ctx), oem.ErrTransactionState)
	require.ErrorIs(t, txn.Rollback(ctx), oem.ErrTransactionState)
	require.ErrorIs(t, txn.Put(ctx, &Person{FirstName: "Bob"}), oem.ErrUsage)
	assert.Equal(t, 1, conn.Begins)
}

func TestTransaction_BeginTwice(t *testing.T) {
	newConn(t)
	ctx := context.Background()
	txn, err := oem.NewTransaction(oem.IsolationSerializable)
	require.NoError(t, err)

	require.NoError(t, txn.Begin(ctx))
	require.ErrorIs(t, txn.Begin(ctx), oem.ErrTransactionState)
}

func TestTransaction_RollbackTombstones(t *testing.T) {
	conn := newConn(t)
	ctx := context.Background()
	txn, err := oem.NewTransaction(oem.IsolationSnapshot)
	require.NoError(t, err)

	require.NoError(t, txn.Begin(ctx))
	require.NoError(t, txn.Put(ctx, &Person{FirstName: "Ann"}))
	require.NoError(t, txn.Rollback(ctx))

	assert.Equal(t, oem.StatusAborted, txn.Status())
	assert.Nil(t, txn.ID())
	assert.Equal(t, [][]byte{[]byte("txn-1")}, conn.Rollbacks)
	assert.Empty(t, conn.Commits)
	require.ErrorIs(t, txn.Begin(ctx), oem.ErrTransactionState)
}

func TestTransaction_DoOnTerminalTransaction(t *testing.T) {
	tests := []struct {
		name   string
		finish func(ctx context.Context, txn *oem.Transaction) error
	}{
		{"aborted", func(ctx context.Context, txn *oem.Transaction) error { return txn.Rollback(ctx) }},
		{"finished", func(ctx context.Context, txn *oem.Transaction) error { return txn.Commit(ctx) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := newConn(t)
			ctx := context.Background()
			txn, err := oem.NewTransaction(oem.IsolationSnapshot)
			require.NoError(t, err)
			require.NoError(t, txn.Begin(ctx))
			require.NoError(t, tt.finish(ctx, txn))
			status := txn.Status()

			ran := false
			err = txn.Do(ctx, func(context.Context) error {
				ran = true
				return nil
			})
			require.ErrorIs(t, err, oem.ErrTransactionState)
			assert.False(t, ran)
			assert.Equal(t, status, txn.Status())
			assert.Equal(t, 1, conn.Begins)
		})
	}
}

func TestTransaction_RollbackBeforeBegin(t *testing.T) {
	conn := newConn(t)
	txn, err := oem.NewTransaction(oem.IsolationSnapshot)
	require.NoError(t, err)

	require.NoError(t, txn.Rollback(context.Background()))
	assert.Equal(t, oem.StatusAborted, txn.Status())
	assert.Empty(t, conn.Rollbacks)
}

func TestTransaction_StageRequiresBegin(t *testing.T) {
	newConn(t)
	txn, err := oem.NewTransaction(oem.IsolationSnapshot)
	require.NoError(t, err)

	require.ErrorIs(t, txn.Create(context.Background(), &Person{FirstName: "Ann"}), oem.ErrTransactionState)
}

func TestTransaction_AutoIDBackfill(t *testing.T) {
	conn := newConn(t)
	ctx := context.Background()
	txn, err := oem.NewTransaction(oem.IsolationSnapshot)
	require.NoError(t, err)
	require.NoError(t, txn.Begin(ctx))

	people := []*Person{{FirstName: "A"}, {FirstName: "B"}, {FirstName: "C"}}
	named := &Person{FirstName: "Named"}
	named.SetEntityKey(oem.NameKey("Person", "named", nil))

	require.NoError(t, txn.Create(ctx, people[0]))
	require.NoError(t, txn.Put(ctx, named))
	require.NoError(t, txn.Create(ctx, people[1]))
	require.NoError(t, txn.Create(ctx, people[2]))

	for _, p := range people {
		require.NotNil(t, p.EntityKey())
		assert.True(t, p.EntityKey().Incomplete())
	}

	require.NoError(t, txn.Commit(ctx))

	want := []int64{1001, 1002, 1003}
	for i, p := range people {
		assert.Equal(t, want[i], p.EntityKey().ID(), p.FirstName)
		assert.False(t, p.EntityKey().Incomplete())
	}
	assert.Equal(t, "named", named.EntityKey().Name())

	// The staged insert carried the incomplete key.
	insert := conn.Commits[0].Mutations[0].GetInsert()
	require.NotNil(t, insert)
	assert.Nil(t, insert.GetKey().GetPath()[0].GetIdType())
	assert.NotNil(t, conn.Commits[0].Mutations[1].GetUpsert())
}

func TestTransaction_AutoIDMismatchIsProtocolError(t *testing.T) {
	tests := []struct {
		name string
		resp *datastorepb.CommitResponse
	}{
		{
			name: "too few results",
			resp: &datastorepb.CommitResponse{MutationResults: []*datastorepb.MutationResult{
				{Key: fakeconn.Key(testDataset, "Person", 1)},
			}},
		},
		{
			name: "missing key",
			resp: &datastorepb.CommitResponse{MutationResults: []*datastorepb.MutationResult{
				{Key: fakeconn.Key(testDataset, "Person", 1)}, {},
			}},
		},
		{
			name: "incomplete key",
			resp: &datastorepb.CommitResponse{MutationResults: []*datastorepb.MutationResult{
				{Key: fakeconn.Key(testDataset, "Person", 1)}, {Key: fakeconn.Key(testDataset, "Person")},
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := newConn(t)
			conn.CommitResponses = []*datastorepb.CommitResponse{tt.resp}
			ctx := context.Background()

			txn, err := oem.NewTransaction(oem.IsolationSnapshot)
			require.NoError(t, err)
			require.NoError(t, txn.Begin(ctx))
			a, b := &Person{FirstName: "A"}, &Person{FirstName: "B"}
			require.NoError(t, txn.Create(ctx, a))
			require.NoError(t, txn.Create(ctx, b))

			require.ErrorIs(t, txn.Commit(ctx), oem.ErrProtocol)
			assert.True(t, a.EntityKey().Incomplete(), "no key is assigned when any result is bad")
			assert.True(t, b.EntityKey().Incomplete())
		})
	}
}

func TestTransaction_EncodesEntity(t *testing.T) {
	conn := newConn(t)
	ctx := context.Background()
	joined := time.Date(2021, 6, 1, 12, 0, 0, 1500, time.FixedZone("X", 3600))

	p := &Person{
		FirstName: "Ann",
		Age:       30,
		Height:    1.7,
		Active:    true,
		Tags:      []string{"a", "b"},
		Joined:    joined,
		Manager:   oem.IDKey("Person", 9, nil),
		Notes:     []byte("hello hello hello hello"),
		Avatar:    []byte{1, 2, 3},
		Prefs:     map[string]string{"theme": "dark"},
		Skipped:   "ignored",
	}
	require.NoError(t, oem.RunInTransaction(ctx, oem.IsolationSnapshot, func(ctx context.Context) error {
		return oem.CurrentTransaction(ctx).Put(ctx, p)
	}))

	require.Len(t, conn.Commits, 1)
	pb := conn.Commits[0].Mutations[0].GetUpsert()
	require.NotNil(t, pb)
	props := pb.GetProperties()

	assert.Equal(t, testDataset, pb.GetKey().GetPartitionId().GetProjectId())
	assert.Equal(t, "Ann", props["first_name"].GetStringValue())
	assert.Equal(t, int64(30), props["age"].GetIntegerValue())
	assert.Equal(t, 1.7, props["height"].GetDoubleValue())
	assert.True(t, props["active"].GetBooleanValue())
	assert.Equal(t, joined.UTC().Truncate(time.Microsecond), props["joined"].GetTimestampValue().AsTime())
	assert.Equal(t, int64(9), props["manager"].GetKeyValue().GetPath()[0].GetId())
	assert.Equal(t, "", props["last_name"].GetStringValue())
	assert.NotContains(t, props, "Skipped")

	tags := props["tags"]
	assert.False(t, tags.GetExcludeFromIndexes())
	require.Len(t, tags.GetArrayValue().GetValues(), 2)
	assert.Equal(t, "b", tags.GetArrayValue().GetValues()[1].GetStringValue())

	assert.True(t, props["notes"].GetExcludeFromIndexes())
	assert.NotEqual(t, p.Notes, props["notes"].GetBlobValue())
	assert.True(t, props["avatar"].GetExcludeFromIndexes())
	assert.True(t, props["prefs"].GetExcludeFromIndexes())
	assert.JSONEq(t, `{"theme":"dark"}`, string(props["prefs"].GetBlobValue()))

	// Read it back through Get and compare.
	got := &Person{}
	require.NoError(t, oem.Get(ctx, nil, p.EntityKey(), got))
	assert.Equal(t, p.FirstName, got.FirstName)
	assert.Equal(t, p.Tags, got.Tags)
	assert.Equal(t, p.Notes, got.Notes)
	assert.Equal(t, p.Avatar, got.Avatar)
	assert.Equal(t, p.Prefs, got.Prefs)
	assert.True(t, p.Manager.Equal(got.Manager))
	assert.True(t, joined.Truncate(time.Microsecond).Equal(got.Joined))
	assert.Empty(t, got.Skipped)
}

func TestTransaction_NilReferenceIsNull(t *testing.T) {
	conn := newConn(t)
	require.NoError(t, oem.Save(context.Background(), &Person{FirstName: "Ann"}))

	props := conn.Commits[0].Mutations[0].GetUpsert().GetProperties()
	assert.NotNil(t, props["manager"].GetValueType().(*datastorepb.Value_NullValue))
}

func TestTransaction_ValidationFailsBeforeStaging(t *testing.T) {
	conn := newConn(t)
	ctx := context.Background()
	txn, err := oem.NewTransaction(oem.IsolationSnapshot)
	require.NoError(t, err)
	require.NoError(t, txn.Begin(ctx))

	require.ErrorIs(t, txn.Put(ctx, &Person{}), oem.ErrValidation)
	require.ErrorIs(t, txn.Put(ctx, &Pet{Species: "dragon"}), oem.ErrValidation)

	wrongKind := &Person{FirstName: "Ann"}
	wrongKind.SetEntityKey(oem.IDKey("Animal", 1, nil))
	require.ErrorIs(t, txn.Put(ctx, wrongKind), oem.ErrInvalidKey)

	require.NoError(t, txn.Commit(ctx))
	assert.Empty(t, conn.Commits[0].Mutations)
}

func TestTransaction_Delete(t *testing.T) {
	conn := newConn(t)
	ctx := context.Background()
	txn, err := oem.NewTransaction(oem.IsolationSnapshot)
	require.NoError(t, err)
	require.NoError(t, txn.Begin(ctx))

	require.ErrorIs(t, txn.Delete(ctx, oem.NewKey("Person", nil)), oem.ErrInvalidKey)
	require.ErrorIs(t, txn.Delete(ctx, nil), oem.ErrInvalidKey)
	require.NoError(t, txn.Delete(ctx, oem.IDKey("Person", 5, nil)))
	require.NoError(t, txn.Commit(ctx))

	del := conn.Commits[0].Mutations[0].GetDelete()
	require.NotNil(t, del)
	assert.Equal(t, int64(5), del.GetPath()[0].GetId())
}

func TestTransaction_IsolationNone(t *testing.T) {
	conn := newConn(t)
	ctx := context.Background()
	txn, err := oem.NewTransaction(oem.IsolationNone)
	require.NoError(t, err)

	p := &Person{FirstName: "Ann"}
	require.NoError(t, txn.Create(ctx, p))
	assert.Equal(t, int64(1001), p.EntityKey().ID())
	require.NoError(t, txn.Delete(ctx, p.EntityKey()))

	require.NoError(t, txn.Begin(ctx))
	require.NoError(t, txn.Commit(ctx))

	assert.Zero(t, conn.Begins)
	require.Len(t, conn.Commits, 2)
	for _, c := range conn.Commits {
		assert.Nil(t, c.Txn)
		assert.Len(t, c.Mutations, 1)
	}
	assert.Equal(t, oem.StatusFinished, txn.Status())
}

func TestTransaction_DoRollsBackOnError(t *testing.T) {
	conn := newConn(t)
	txn, err := oem.NewTransaction(oem.IsolationSnapshot)
	require.NoError(t, err)
	boom := errors.New("boom")

	err = txn.Do(context.Background(), func(ctx context.Context) error {
		assert.Same(t, txn, oem.CurrentTransaction(ctx))
		if err := oem.Save(ctx, &Person{FirstName: "Ann"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, oem.StatusAborted, txn.Status())
	assert.Nil(t, txn.ID())
	assert.Empty(t, conn.Commits)
	assert.Len(t, conn.Rollbacks, 1)
}

func TestTransaction_DoJoinsRollbackError(t *testing.T) {
	conn := newConn(t)
	rbErr := errors.New("rollback failed")
	conn.RollbackErr = rbErr
	boom := errors.New("boom")

	err := oem.RunInTransaction(context.Background(), oem.IsolationSnapshot, func(context.Context) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.ErrorIs(t, err, rbErr)
}

func TestTransaction_DoRollsBackOnPanic(t *testing.T) {
	conn := newConn(t)
	txn, err := oem.NewTransaction(oem.IsolationSnapshot)
	require.NoError(t, err)

	assert.PanicsWithValue(t, "kaboom", func() {
		_ = txn.Do(context.Background(), func(context.Context) error {
			panic("kaboom")
		})
	})
	assert.Equal(t, oem.StatusAborted, txn.Status())
	assert.Len(t, conn.Rollbacks, 1)
}

func TestTransaction_DoCommits(t *testing.T) {
	conn := newConn(t)
	p := &Person{FirstName: "Ann"}

	err := oem.RunInTransaction(context.Background(), oem.IsolationSnapshot, func(ctx context.Context) error {
		return oem.Save(ctx, p)
	})
	require.NoError(t, err)
	require.Len(t, conn.Commits, 1)
	assert.Len(t, conn.Commits[0].Mutations, 1)
	assert.Equal(t, int64(1001), p.EntityKey().ID())
}

func TestTransaction_CommitFailureAborts(t *testing.T) {
	conn := newConn(t)
	boom := errors.New("unavailable")
	conn.CommitErr = boom
	ctx := context.Background()

	txn, err := oem.NewTransaction(oem.IsolationSnapshot)
	require.NoError(t, err)
	err = txn.Do(ctx, func(ctx context.Context) error {
		return oem.Save(ctx, &Person{FirstName: "Ann"})
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, oem.StatusAborted, txn.Status())
}

func TestTransaction_BeginFailureLeavesInitial(t *testing.T) {
	conn := newConn(t)
	boom := errors.New("denied")
	conn.BeginErr = boom

	txn, err := oem.NewTransaction(oem.IsolationSnapshot)
	require.NoError(t, err)
	require.ErrorIs(t, txn.Begin(context.Background()), boom)
	assert.Equal(t, oem.StatusInitial, txn.Status())
}

func TestTransaction_NestingRestoresOuter(t *testing.T) {
	newConn(t)
	ctx := context.Background()
	assert.Nil(t, oem.CurrentTransaction(ctx))

	err := oem.RunInTransaction(ctx, oem.IsolationSnapshot, func(outerCtx context.Context) error {
		outer := oem.CurrentTransaction(outerCtx)
		require.NotNil(t, outer)

		err := oem.RunInTransaction(outerCtx, oem.IsolationSerializable, func(innerCtx context.Context) error {
			inner := oem.CurrentTransaction(innerCtx)
			assert.NotSame(t, outer, inner)
			assert.Equal(t, oem.IsolationSerializable, inner.Isolation())
			return nil
		})
		require.NoError(t, err)

		assert.Same(t, outer, oem.CurrentTransaction(outerCtx))
		return nil
	})
	require.NoError(t, err)
}

func TestNewTransaction_NoConnection(t *testing.T) {
	_, err := oem.NewTransaction(oem.IsolationSnapshot)
	require.ErrorIs(t, err, oem.ErrNoConnection)

	conn := fakeconn.New(testDataset, "ns")
	txn, err := oem.NewTransaction(oem.IsolationSnapshot, oem.WithConnection(conn))
	require.NoError(t, err)
	require.NoError(t, txn.Begin(context.Background()))
	assert.Equal(t, 1, conn.Begins)
}

func TestTransaction_NamespaceOnKeys(t *testing.T) {
	conn := fakeconn.New(testDataset, "tenant-a")
	ctx := context.Background()
	err := oem.RunInTransaction(ctx, oem.IsolationSnapshot, func(ctx context.Context) error {
		return oem.Save(ctx, &Person{FirstName: "Ann"})
	}, oem.WithConnection(conn))
	require.NoError(t, err)

	key := conn.Commits[0].Mutations[0].GetUpsert().GetKey()
	assert.Equal(t, "tenant-a", key.GetPartitionId().GetNamespaceId())
}

func TestIsolation_String(t *testing.T) {
	assert.Equal(t, "NONE", oem.IsolationNone.String())
	assert.Equal(t, "SNAPSHOT", oem.IsolationSnapshot.String())
	assert.Equal(t, "SERIALIZABLE", oem.IsolationSerializable.String())
	assert.Equal(t, "Isolation(7)", oem.Isolation(7).String())
}
