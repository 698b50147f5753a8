package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrewreder/paygate/go-api/x402"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestMemoryNonceStore(t *testing.T) {
	t.Parallel()
	clock := &manualClock{now: testTime}
	s := NewMemoryNonceStore()
	s.now = clock.Now
	ctx := context.Background()

	require.NoError(t, s.Issue(ctx, testNonce, testMeta(), time.Minute))
	assert.ErrorIs(t, s.Issue(ctx, testNonce, testMeta(), time.Minute), x402.ErrNonceExists)

	meta, err := s.Peek(ctx, testNonce)
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, "/wallet/abc/balance", meta.Resource)

	clock.Advance(time.Minute)
	meta, err = s.Peek(ctx, testNonce)
	require.NoError(t, err)
	assert.Nil(t, meta)

	require.NoError(t, s.Issue(ctx, testNonce, testMeta(), time.Minute))
	require.NoError(t, s.Consume(ctx, testNonce))
	meta, err = s.Peek(ctx, testNonce)
	require.NoError(t, err)
	assert.Nil(t, meta)
	assert.NoError(t, s.Consume(ctx, "never-issued"))
}

func TestMemoryValidationCache(t *testing.T) {
	t.Parallel()
	clock := &manualClock{now: testTime}
	c := NewMemoryValidationCache()
	c.now = clock.Now
	ctx := context.Background()

	result := testResult("/wallet/abc/balance")
	require.NoError(t, c.Put(ctx, result, time.Minute))

	// Mutating the caller's copy does not leak into the cache.
	result.Payer = "changed"
	got, err := c.Get(ctx, testNonce, "/wallet/abc/balance")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "HN7cABqLq46Es1jh92dQQisAq662SmxELLLsHHe4YWrH", got.Payer)

	other, err := c.Get(ctx, testNonce, "/wallet/xyz/balance")
	require.NoError(t, err)
	assert.Nil(t, other)

	clock.Advance(time.Minute)
	got, err = c.Get(ctx, testNonce, "/wallet/abc/balance")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryLedger(t *testing.T) {
	t.Parallel()
	l := NewMemoryLedger()
	ctx := context.Background()

	row := testRow()
	got, err := l.TryInsert(ctx, row)
	require.NoError(t, err)
	assert.Equal(t, x402.Inserted, got)
	assert.EqualValues(t, 1, row.ID)

	got, err = l.TryInsert(ctx, testRow())
	require.NoError(t, err)
	assert.Equal(t, x402.AlreadyExists, got)

	exists, err := l.Exists(ctx, testNonce)
	require.NoError(t, err)
	assert.True(t, exists)

	expired := testRow()
	expired.Nonce = "expired"
	expired.Transaction = "5expiredtx"
	expired.ExpiresAt = testTime
	_, err = l.TryInsert(ctx, expired)
	require.NoError(t, err)
	assert.Equal(t, 2, l.Len())

	n, err := l.DeleteExpired(ctx, testTime.Add(time.Second))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	assert.Equal(t, 1, l.Len())
}

func TestMemoryLedgerTransactionOnce(t *testing.T) {
	t.Parallel()
	l := NewMemoryLedger()
	ctx := context.Background()

	_, err := l.TryInsert(ctx, testRow())
	require.NoError(t, err)

	tests := []struct {
		name        string
		nonce       string
		transaction string
		want        x402.InsertResult
	}{
		{name: "same transaction under a new nonce", nonce: "n2", transaction: "5txsig", want: x402.AlreadyExists},
		{name: "different transaction", nonce: "n3", transaction: "5othertx", want: x402.Inserted},
		{name: "no transaction", nonce: "n4", want: x402.Inserted},
		{name: "second row without transaction", nonce: "n5", want: x402.Inserted},
	}
	for _, tt := range tests {
		row := testRow()
		row.Nonce = tt.nonce
		row.Transaction = tt.transaction
		got, err := l.TryInsert(ctx, row)
		require.NoError(t, err, tt.name)
		assert.Equal(t, tt.want, got, tt.name)
	}
	assert.Equal(t, 4, l.Len())
}

func TestMemoryLedgerConcurrentInsert(t *testing.T) {
	t.Parallel()
	l := NewMemoryLedger()

	var wg sync.WaitGroup
	results := make([]x402.InsertResult, 32)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = l.TryInsert(context.Background(), testRow())
		}(i)
	}
	wg.Wait()

	var inserted int
	for _, r := range results {
		if r == x402.Inserted {
			inserted++
		}
	}
	assert.Equal(t, 1, inserted)
	assert.Equal(t, 1, l.Len())
}
