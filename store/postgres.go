package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/andrewreder/paygate/go-api/x402"
)

const uniqueViolation = "23505"

// Schema creates the settlement table. Nonce uniqueness is the replay guard; the
// partial index makes each settled transaction redeemable once per network.
const Schema = `
CREATE TABLE IF NOT EXISTS payment_settlements (
	id            BIGSERIAL PRIMARY KEY,
	nonce         TEXT        NOT NULL UNIQUE,
	payer         TEXT        NOT NULL,
	amount        NUMERIC     NOT NULL,
	currency      TEXT        NOT NULL,
	network       TEXT        NOT NULL,
	resource_path TEXT        NOT NULL,
	proof         JSONB       NOT NULL,
	tx_hash       TEXT,
	verified_at   TIMESTAMPTZ NOT NULL,
	expires_at    TIMESTAMPTZ NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS payment_settlements_payer_idx ON payment_settlements (payer);
CREATE INDEX IF NOT EXISTS payment_settlements_created_at_idx ON payment_settlements (created_at);
CREATE INDEX IF NOT EXISTS payment_settlements_expires_at_idx ON payment_settlements (expires_at);
CREATE UNIQUE INDEX IF NOT EXISTS payment_settlements_tx_idx ON payment_settlements (network, tx_hash)
	WHERE tx_hash IS NOT NULL;
`

const (
	insertSettlementSQL = `INSERT INTO payment_settlements
	(nonce, payer, amount, currency, network, resource_path, proof, tx_hash, verified_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT DO NOTHING
RETURNING id`
	existsSettlementSQL = `SELECT EXISTS (SELECT 1 FROM payment_settlements WHERE nonce = $1)`
	sweepSettlementSQL  = `DELETE FROM payment_settlements WHERE expires_at < $1`
)

// OpenPostgres opens a pgx-backed pool and pings it.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// PostgresLedger is the Settlement Ledger on PostgreSQL.
type PostgresLedger struct {
	db *sql.DB
}

func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

// Migrate applies Schema.
func (l *PostgresLedger) Migrate(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("migrate settlements: %w", err)
	}
	return nil
}

func (l *PostgresLedger) TryInsert(ctx context.Context, row *x402.SettlementRow) (x402.InsertResult, error) {
	var txHash sql.NullString
	if row.Transaction != "" {
		txHash = sql.NullString{String: row.Transaction, Valid: true}
	}
	err := l.db.QueryRowContext(ctx, insertSettlementSQL,
		row.Nonce,
		row.Payer,
		row.Amount.String(),
		string(row.Currency),
		string(row.Network),
		row.Resource,
		string(row.Proof),
		txHash,
		row.VerifiedAt,
		row.ExpiresAt,
	).Scan(&row.ID)

	switch {
	case err == nil:
		return x402.Inserted, nil
	case errors.Is(err, sql.ErrNoRows):
		// A nonce or transaction conflict returns no row.
		return x402.AlreadyExists, nil
	case isUniqueViolation(err):
		return x402.AlreadyExists, nil
	default:
		return x402.Inserted, fmt.Errorf("insert settlement: %w", err)
	}
}

func (l *PostgresLedger) Exists(ctx context.Context, nonce string) (bool, error) {
	var exists bool
	if err := l.db.QueryRowContext(ctx, existsSettlementSQL, nonce).Scan(&exists); err != nil {
		return false, fmt.Errorf("check settlement: %w", err)
	}
	return exists, nil
}

func (l *PostgresLedger) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, sweepSettlementSQL, before)
	if err != nil {
		return 0, fmt.Errorf("sweep settlements: %w", err)
	}
	return res.RowsAffected()
}

// Ping reports whether the database is reachable.
func (l *PostgresLedger) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
