package x402

import (
	"context"
	"errors"
	"time"
)

// ErrNonceExists is returned by NonceStore.Issue when the nonce is already registered.
var ErrNonceExists = errors.New("nonce already issued")

// NonceStore is a time-bounded, single-use token registry.
//
// Peek returns (nil, nil) when the nonce is absent. Absence covers never issued,
// expired and already consumed alike.
type NonceStore interface {
	Issue(ctx context.Context, nonce string, meta NonceMetadata, ttl time.Duration) error
	Peek(ctx context.Context, nonce string) (*NonceMetadata, error)
	Consume(ctx context.Context, nonce string) error
}

// ValidationCache remembers validation results per (nonce, resource path).
// Get returns (nil, nil) on a miss.
type ValidationCache interface {
	Get(ctx context.Context, nonce, resource string) (*ValidatedPayment, error)
	Put(ctx context.Context, result *ValidatedPayment, ttl time.Duration) error
}

// InsertResult reports the outcome of Ledger.TryInsert.
type InsertResult int

const (
	Inserted InsertResult = iota
	AlreadyExists
)

func (r InsertResult) String() string {
	if r == AlreadyExists {
		return "already_exists"
	}
	return "inserted"
}

// Ledger is the append-only settlement record. Storage must enforce nonce
// uniqueness, and uniqueness of (network, transaction) for rows that carry a
// transaction. TryInsert reports AlreadyExists on either conflict.
type Ledger interface {
	TryInsert(ctx context.Context, row *SettlementRow) (InsertResult, error)
	Exists(ctx context.Context, nonce string) (bool, error)
}

// Sweeper deletes settlement rows whose retention has elapsed.
type Sweeper interface {
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}
