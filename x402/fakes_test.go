package x402

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

// fakeClock is a settable clock shared by the fakes and the engine under test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(at time.Time) *fakeClock { return &fakeClock{now: at} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type nonceEntry struct {
	meta    NonceMetadata
	expires time.Time
}

type fakeNonces struct {
	clock *fakeClock

	mu         sync.Mutex
	entries    map[string]nonceEntry
	lastTTL    time.Duration
	issueErr   error
	peekErr    error
	consumed   []string
	consumeErr error
}

func newFakeNonces(clock *fakeClock) *fakeNonces {
	return &fakeNonces{clock: clock, entries: make(map[string]nonceEntry)}
}

func (f *fakeNonces) Issue(_ context.Context, nonce string, meta NonceMetadata, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.issueErr != nil {
		return f.issueErr
	}
	if e, ok := f.entries[nonce]; ok && f.clock.Now().Before(e.expires) {
		return ErrNonceExists
	}
	f.lastTTL = ttl
	f.entries[nonce] = nonceEntry{meta: meta, expires: f.clock.Now().Add(ttl)}
	return nil
}

func (f *fakeNonces) Peek(_ context.Context, nonce string) (*NonceMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.peekErr != nil {
		return nil, f.peekErr
	}
	e, ok := f.entries[nonce]
	if !ok || !f.clock.Now().Before(e.expires) {
		return nil, nil
	}
	meta := e.meta
	return &meta, nil
}

func (f *fakeNonces) Consume(_ context.Context, nonce string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.consumed = append(f.consumed, nonce)
	if f.consumeErr != nil {
		return f.consumeErr
	}
	delete(f.entries, nonce)
	return nil
}

type cacheEntry struct {
	result  ValidatedPayment
	expires time.Time
}

type fakeCache struct {
	clock *fakeClock

	mu      sync.Mutex
	entries map[string]cacheEntry
	lastTTL time.Duration
	getErr  error
	putErr  error
	puts    int
}

func newFakeCache(clock *fakeClock) *fakeCache {
	return &fakeCache{clock: clock, entries: make(map[string]cacheEntry)}
}

func (f *fakeCache) Get(_ context.Context, nonce, resource string) (*ValidatedPayment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	e, ok := f.entries[nonce+"|"+resource]
	if !ok || !f.clock.Now().Before(e.expires) {
		return nil, nil
	}
	result := e.result
	return &result, nil
}

func (f *fakeCache) Put(_ context.Context, result *ValidatedPayment, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	if f.putErr != nil {
		return f.putErr
	}
	f.lastTTL = ttl
	f.entries[result.Proof.Nonce+"|"+result.Resource] = cacheEntry{result: *result, expires: f.clock.Now().Add(ttl)}
	return nil
}

func (f *fakeCache) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

// fakeLedger enforces nonce and transaction uniqueness under a mutex, like the
// unique indexes would.
type fakeLedger struct {
	mu        sync.Mutex
	rows      map[string]SettlementRow
	insertErr error
	existsErr error
	// existsAfterInsertErr answers Exists once TryInsert has failed.
	existsAfterInsertErr bool
	failedInsert         bool
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{rows: make(map[string]SettlementRow)}
}

func (f *fakeLedger) TryInsert(_ context.Context, row *SettlementRow) (InsertResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		f.failedInsert = true
		return Inserted, f.insertErr
	}
	if _, ok := f.rows[row.Nonce]; ok {
		return AlreadyExists, nil
	}
	for _, existing := range f.rows {
		if row.Transaction != "" && existing.Network == row.Network && existing.Transaction == row.Transaction {
			return AlreadyExists, nil
		}
	}
	f.rows[row.Nonce] = *row
	return Inserted, nil
}

func (f *fakeLedger) Exists(_ context.Context, nonce string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failedInsert {
		return f.existsAfterInsertErr, nil
	}
	if f.existsErr != nil {
		return false, f.existsErr
	}
	_, ok := f.rows[nonce]
	return ok, nil
}

func (f *fakeLedger) Row(nonce string) (SettlementRow, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[nonce]
	return row, ok
}

// stubStrategy accepts or rejects every proof and counts its calls.
type stubStrategy struct {
	mode    Mode
	fail    *Error
	tx      string
	calls   atomic.Int32
	barrier *sync.WaitGroup
	clock   *fakeClock
}

func (s *stubStrategy) Mode() Mode { return s.mode }

func (s *stubStrategy) Validate(_ context.Context, proof *PaymentProof, _ decimal.Decimal, resource string) (*ValidatedPayment, error) {
	s.calls.Add(1)
	if s.barrier != nil {
		s.barrier.Done()
		s.barrier.Wait()
	}
	result := baseResult(proof, resource, s.clock.Now(), DefaultValidationCacheTTL)
	if s.fail != nil {
		return reject(result, s.fail)
	}
	result.Valid = true
	result.Transaction = s.tx
	return result, nil
}
