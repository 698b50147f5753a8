package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "github.com/boltdb/bolt"

	"github.com/andrewreder/paygate/go-api/x402"
)

const (
	settlementsBucket  = "settlements"
	transactionsBucket = "settlement_transactions"
)

// BoltLedger is a single-node Settlement Ledger in an embedded BoltDB file.
// Uniqueness holds because every insert runs in one read-write transaction and
// bolt serializes writers. A second bucket maps network|transaction to nonce.
type BoltLedger struct {
	db *bolt.DB
}

// OpenBoltLedger opens (or creates) the database at path and ensures the buckets exist.
func OpenBoltLedger(path string) (*BoltLedger, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt ledger: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{settlementsBucket, transactionsBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create settlement buckets: %w", err)
	}
	return &BoltLedger{db: db}, nil
}

// Close releases the file lock.
func (l *BoltLedger) Close() error {
	return l.db.Close()
}

func (l *BoltLedger) TryInsert(_ context.Context, row *x402.SettlementRow) (x402.InsertResult, error) {
	result := x402.Inserted
	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(settlementsBucket))
		txs := tx.Bucket([]byte(transactionsBucket))
		txKey := transactionKey(row)
		if b.Get([]byte(row.Nonce)) != nil || (txKey != nil && txs.Get(txKey) != nil) {
			result = x402.AlreadyExists
			return nil
		}

		id, err := b.NextSequence()
		if err != nil {
			return err
		}
		stored := *row
		stored.ID = int64(id)
		stored.CreatedAt = time.Now().UTC()
		data, err := json.Marshal(stored)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(row.Nonce), data); err != nil {
			return err
		}
		if txKey != nil {
			if err := txs.Put(txKey, []byte(row.Nonce)); err != nil {
				return err
			}
		}
		row.ID, row.CreatedAt = stored.ID, stored.CreatedAt
		return nil
	})
	if err != nil {
		return x402.Inserted, fmt.Errorf("insert settlement: %w", err)
	}
	return result, nil
}

func (l *BoltLedger) Exists(_ context.Context, nonce string) (bool, error) {
	var exists bool
	err := l.db.View(func(tx *bolt.Tx) error {
		exists = tx.Bucket([]byte(settlementsBucket)).Get([]byte(nonce)) != nil
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("check settlement: %w", err)
	}
	return exists, nil
}

// Get returns the stored row for nonce, or nil.
func (l *BoltLedger) Get(_ context.Context, nonce string) (*x402.SettlementRow, error) {
	var row *x402.SettlementRow
	err := l.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(settlementsBucket)).Get([]byte(nonce))
		if v == nil {
			return nil
		}
		row = new(x402.SettlementRow)
		return json.Unmarshal(v, row)
	})
	if err != nil {
		return nil, fmt.Errorf("get settlement: %w", err)
	}
	return row, nil
}

func (l *BoltLedger) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	var deleted int64
	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(settlementsBucket))
		txs := tx.Bucket([]byte(transactionsBucket))
		var expired, expiredTxs [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var row x402.SettlementRow
			if err := json.Unmarshal(v, &row); err != nil {
				return err
			}
			if row.ExpiresAt.Before(before) {
				expired = append(expired, append([]byte(nil), k...))
				if txKey := transactionKey(&row); txKey != nil {
					expiredTxs = append(expiredTxs, txKey)
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		for _, k := range expiredTxs {
			if err := txs.Delete(k); err != nil {
				return err
			}
		}
		deleted = int64(len(expired))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("sweep settlements: %w", err)
	}
	return deleted, nil
}

// Ping reports whether the database file is usable.
func (l *BoltLedger) Ping(_ context.Context) error {
	return l.db.View(func(tx *bolt.Tx) error {
		for _, name := range []string{settlementsBucket, transactionsBucket} {
			if tx.Bucket([]byte(name)) == nil {
				return fmt.Errorf("bucket %s missing", name)
			}
		}
		return nil
	})
}

func transactionKey(row *x402.SettlementRow) []byte {
	if row.Transaction == "" {
		return nil
	}
	return []byte(string(row.Network) + "|" + row.Transaction)
}
