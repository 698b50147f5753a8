package store

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrewreder/paygate/go-api/x402"
)

func openBolt(t *testing.T) (*BoltLedger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settlements.db")
	ledger, err := OpenBoltLedger(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ledger.Close() })
	return ledger, path
}

func TestBoltLedgerInsertOnce(t *testing.T) {
	t.Parallel()
	ledger, _ := openBolt(t)
	ctx := context.Background()

	row := testRow()
	got, err := ledger.TryInsert(ctx, row)
	require.NoError(t, err)
	assert.Equal(t, x402.Inserted, got)
	assert.EqualValues(t, 1, row.ID)
	assert.False(t, row.CreatedAt.IsZero())

	got, err = ledger.TryInsert(ctx, testRow())
	require.NoError(t, err)
	assert.Equal(t, x402.AlreadyExists, got)

	exists, err := ledger.Exists(ctx, testNonce)
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = ledger.Exists(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, exists)

	stored, err := ledger.Get(ctx, testNonce)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, row.Payer, stored.Payer)
	assert.Equal(t, "5txsig", stored.Transaction)
	assert.True(t, stored.Amount.Equal(row.Amount))
	assert.Equal(t, row.Proof, stored.Proof)

	missing, err := ledger.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, missing)

	assert.NoError(t, ledger.Ping(ctx))
}

func TestBoltLedgerConcurrentInsert(t *testing.T) {
	t.Parallel()
	ledger, _ := openBolt(t)

	const n = 16
	var inserted, duplicates atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := ledger.TryInsert(context.Background(), testRow())
			if !assert.NoError(t, err) {
				return
			}
			if got == x402.Inserted {
				inserted.Add(1)
			} else {
				duplicates.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, inserted.Load())
	assert.EqualValues(t, n-1, duplicates.Load())
}

func TestBoltLedgerTransactionOnce(t *testing.T) {
	t.Parallel()
	ledger, _ := openBolt(t)
	ctx := context.Background()

	_, err := ledger.TryInsert(ctx, testRow())
	require.NoError(t, err)

	tests := []struct {
		name        string
		nonce       string
		transaction string
		network     x402.Network
		want        x402.InsertResult
	}{
		{name: "same transaction under a new nonce", nonce: "n2", transaction: "5txsig", network: x402.NetworkSolana, want: x402.AlreadyExists},
		{name: "same signature on another network", nonce: "n3", transaction: "5txsig", network: x402.NetworkBase, want: x402.Inserted},
		{name: "no transaction", nonce: "n4", want: x402.Inserted},
		{name: "second row without transaction", nonce: "n5", want: x402.Inserted},
	}
	for _, tt := range tests {
		row := testRow()
		row.Nonce = tt.nonce
		row.Transaction = tt.transaction
		if tt.network != "" {
			row.Network = tt.network
		}
		got, err := ledger.TryInsert(ctx, row)
		require.NoError(t, err, tt.name)
		assert.Equal(t, tt.want, got, tt.name)
	}

	// Sweeping the settlement frees its transaction.
	n, err := ledger.DeleteExpired(ctx, testTime.Add(x402.DefaultLedgerRetention+1))
	require.NoError(t, err)
	assert.EqualValues(t, 4, n)
	row := testRow()
	row.Nonce = "n6"
	got, err := ledger.TryInsert(ctx, row)
	require.NoError(t, err)
	assert.Equal(t, x402.Inserted, got)
}

func TestBoltLedgerDeleteExpired(t *testing.T) {
	t.Parallel()
	ledger, _ := openBolt(t)
	ctx := context.Background()

	old := testRow()
	old.Nonce = "old"
	old.Transaction = "5oldtx"
	old.ExpiresAt = testTime
	_, err := ledger.TryInsert(ctx, old)
	require.NoError(t, err)
	_, err = ledger.TryInsert(ctx, testRow())
	require.NoError(t, err)

	n, err := ledger.DeleteExpired(ctx, testTime.Add(1))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	exists, err := ledger.Exists(ctx, "old")
	require.NoError(t, err)
	assert.False(t, exists)
	exists, err = ledger.Exists(ctx, testNonce)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestBoltLedgerPersists(t *testing.T) {
	t.Parallel()
	ledger, path := openBolt(t)
	ctx := context.Background()

	_, err := ledger.TryInsert(ctx, testRow())
	require.NoError(t, err)
	require.NoError(t, ledger.Close())

	reopened, err := OpenBoltLedger(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.TryInsert(ctx, testRow())
	require.NoError(t, err)
	assert.Equal(t, x402.AlreadyExists, got)

	// Sequence keeps counting after reopen.
	next := testRow()
	next.Nonce = "second"
	next.Transaction = "5secondtx"
	_, err = reopened.TryInsert(ctx, next)
	require.NoError(t, err)
	assert.EqualValues(t, 2, next.ID)
}

func TestOpenBoltLedgerBadPath(t *testing.T) {
	t.Parallel()

	_, err := OpenBoltLedger(filepath.Join(t.TempDir(), "missing", "settlements.db"))
	assert.ErrorContains(t, err, "open bolt ledger")
}
