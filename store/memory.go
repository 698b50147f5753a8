package store

import (
	"context"
	"sync"
	"time"

	"github.com/andrewreder/paygate/go-api/x402"
)

// MemoryNonceStore is a process-local NonceStore for single-instance and test use.
type MemoryNonceStore struct {
	mu      sync.Mutex
	entries map[string]memoryNonce
	now     func() time.Time
}

type memoryNonce struct {
	meta      x402.NonceMetadata
	expiresAt time.Time
}

func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{entries: make(map[string]memoryNonce), now: time.Now}
}

func (s *MemoryNonceStore) Issue(_ context.Context, nonce string, meta x402.NonceMetadata, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if e, ok := s.entries[nonce]; ok && now.Before(e.expiresAt) {
		return x402.ErrNonceExists
	}
	s.entries[nonce] = memoryNonce{meta: meta, expiresAt: now.Add(ttl)}
	return nil
}

func (s *MemoryNonceStore) Peek(_ context.Context, nonce string) (*x402.NonceMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[nonce]
	if !ok {
		return nil, nil
	}
	if !s.now().Before(e.expiresAt) {
		delete(s.entries, nonce)
		return nil, nil
	}
	meta := e.meta
	return &meta, nil
}

func (s *MemoryNonceStore) Consume(_ context.Context, nonce string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, nonce)
	return nil
}

// MemoryValidationCache is a process-local ValidationCache.
type MemoryValidationCache struct {
	mu      sync.Mutex
	entries map[string]memoryValidation
	now     func() time.Time
}

type memoryValidation struct {
	result    x402.ValidatedPayment
	expiresAt time.Time
}

func NewMemoryValidationCache() *MemoryValidationCache {
	return &MemoryValidationCache{entries: make(map[string]memoryValidation), now: time.Now}
}

func (c *MemoryValidationCache) Get(_ context.Context, nonce, resource string) (*x402.ValidatedPayment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := validationKey(nonce, resource)
	e, ok := c.entries[key]
	if !ok {
		return nil, nil
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		return nil, nil
	}
	result := e.result
	return &result, nil
}

func (c *MemoryValidationCache) Put(_ context.Context, result *x402.ValidatedPayment, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[validationKey(result.Proof.Nonce, result.Resource)] = memoryValidation{
		result:    *result,
		expiresAt: c.now().Add(ttl),
	}
	return nil
}

// MemoryLedger is a process-local Settlement Ledger. It gives exactly-one-winner
// semantics within one process only.
type MemoryLedger struct {
	mu     sync.Mutex
	rows   map[string]x402.SettlementRow
	txs    map[string]string
	nextID int64
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{rows: make(map[string]x402.SettlementRow), txs: make(map[string]string)}
}

func (l *MemoryLedger) TryInsert(_ context.Context, row *x402.SettlementRow) (x402.InsertResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.rows[row.Nonce]; ok {
		return x402.AlreadyExists, nil
	}
	txKey := string(transactionKey(row))
	if _, ok := l.txs[txKey]; ok {
		return x402.AlreadyExists, nil
	}
	l.nextID++
	row.ID = l.nextID
	row.CreatedAt = time.Now().UTC()
	l.rows[row.Nonce] = *row
	if txKey != "" {
		l.txs[txKey] = row.Nonce
	}
	return x402.Inserted, nil
}

func (l *MemoryLedger) Exists(_ context.Context, nonce string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.rows[nonce]
	return ok, nil
}

func (l *MemoryLedger) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var n int64
	for nonce, row := range l.rows {
		if row.ExpiresAt.Before(before) {
			delete(l.rows, nonce)
			delete(l.txs, string(transactionKey(&row)))
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored rows.
func (l *MemoryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.rows)
}
