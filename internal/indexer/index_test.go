package indexer_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iggydv12/replicaset/internal/indexer"
	"github.com/iggydv12/replicaset/internal/ledger"
	"github.com/iggydv12/replicaset/internal/profile"
	"github.com/iggydv12/replicaset/internal/registry"
)

func setupIndex(t *testing.T, delay time.Duration) (*ledger.MemoryLedger, *indexer.LedgerIndex) {
	t.Helper()
	reg, err := registry.NewStatic([]registry.Provider{
		{SpID: 1, Endpoint: "https://cn1", OwnerID: "op1", Type: registry.ServiceContentNode},
		{SpID: 2, Endpoint: "https://cn2", OwnerID: "op2", Type: registry.ServiceContentNode},
		{SpID: 3, Endpoint: "https://cn3", OwnerID: "op3", Type: registry.ServiceContentNode},
	}, nil)
	require.NoError(t, err)

	l := ledger.NewMemoryLedger()
	_, err = l.CreateUser(context.Background(), profile.UserProfile{UserID: 5, Handle: "h", Name: "n"})
	require.NoError(t, err)
	return l, indexer.NewLedgerIndex(l, registry.NewSpIDCache(reg, registry.ServiceContentNode), delay)
}

func TestLedgerIndexLagsBehindHead(t *testing.T) {
	l, idx := setupIndex(t, 40*time.Millisecond)
	ctx := context.Background()

	res, err := l.WriteField(ctx, 5, profile.FieldCreatorNodeEndpoint, "https://cn1,https://cn2,https://cn3")
	require.NoError(t, err)

	_, err = idx.UserReplicaSet(ctx, 5, res.BlockNumber)
	assert.ErrorIs(t, err, indexer.ErrBlockNotIndexed)

	got, err := indexer.WaitForReplicaSet(ctx, indexer.NewWaiter(10*time.Millisecond, time.Second), idx, 5, res.BlockNumber, []int64{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, got.SpIDs())
	assert.GreaterOrEqual(t, got.BlockNumber, res.BlockNumber)
}

func TestWaitForReplicaSetMismatchIsPermanent(t *testing.T) {
	l, idx := setupIndex(t, 0)
	ctx := context.Background()

	res, err := l.WriteField(ctx, 5, profile.FieldCreatorNodeEndpoint, "https://cn2,https://cn1,https://cn3")
	require.NoError(t, err)

	start := time.Now()
	_, err = indexer.WaitForReplicaSet(ctx, indexer.NewWaiter(10*time.Millisecond, 5*time.Second), idx, 5, res.BlockNumber, []int64{1, 2, 3})
	var me *indexer.MismatchError
	require.True(t, errors.As(err, &me))
	assert.Equal(t, []int64{2, 1, 3}, me.Observed)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWaitForReplicaSetTimesOut(t *testing.T) {
	_, idx := setupIndex(t, 0)
	_, err := indexer.WaitForReplicaSet(context.Background(), indexer.NewWaiter(10*time.Millisecond, 50*time.Millisecond), idx, 5, 100, []int64{1, 2, 3})
	var te *indexer.ConvergenceTimeoutError
	require.True(t, errors.As(err, &te))
	assert.ErrorIs(t, err, indexer.ErrBlockNotIndexed)
}
