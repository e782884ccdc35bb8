// Package sqlite provides the reference implementations of the payment,
// transaction, and event repositories on an embedded SQLite database. The
// monitors only depend on the repository contracts; a deployment backed by
// a server database swaps this package without touching the core.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// schema is applied on every open; all statements are idempotent. The
// unique index on (chain, tx_hash, address) is the write-side guard that
// keeps the match-and-detect routine idempotent under replays.
const schema = `
CREATE TABLE IF NOT EXISTS payments (
	id            TEXT PRIMARY KEY,
	merchant_id   TEXT NOT NULL,
	order_id      TEXT NOT NULL,
	chain         TEXT NOT NULL,
	address       TEXT NOT NULL,
	shielded      INTEGER NOT NULL DEFAULT 0,
	amount        TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'pending',
	confirmations INTEGER NOT NULL DEFAULT 0,
	tx_hash       TEXT,
	detected_at   TIMESTAMP,
	confirmed_at  TIMESTAMP,
	expires_at    TIMESTAMP,
	created_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_payments_chain_status ON payments (chain, status);
CREATE INDEX IF NOT EXISTS idx_payments_chain_address ON payments (chain, address);

CREATE TABLE IF NOT EXISTS transactions (
	id            TEXT PRIMARY KEY,
	payment_id    TEXT NOT NULL REFERENCES payments (id),
	chain         TEXT NOT NULL,
	tx_hash       TEXT NOT NULL,
	address       TEXT NOT NULL,
	amount        TEXT NOT NULL,
	confirmations INTEGER NOT NULL DEFAULT 0,
	block_height  INTEGER,
	block_hash    TEXT NOT NULL DEFAULT '',
	shielded      INTEGER NOT NULL DEFAULT 0,
	memo          TEXT NOT NULL DEFAULT '',
	detected_at   TIMESTAMP NOT NULL,
	confirmed_at  TIMESTAMP
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_chain_hash_address
	ON transactions (chain, tx_hash, address);
CREATE INDEX IF NOT EXISTS idx_transactions_chain_confirmations
	ON transactions (chain, confirmations);

CREATE TABLE IF NOT EXISTS events (
	id              TEXT PRIMARY KEY,
	merchant_id     TEXT NOT NULL,
	payment_id      TEXT NOT NULL,
	type            TEXT NOT NULL,
	payload         TEXT NOT NULL,
	delivery_status TEXT NOT NULL DEFAULT 'pending',
	created_at      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_events_delivery_status ON events (delivery_status);
`

// client wraps the database handle shared by the repository
// implementations in this package.
type client struct {
	db *sql.DB
}

// paymentStore implements monitor.PaymentRepository.
type paymentStore struct {
	db *sql.DB
}

// transactionStore implements monitor.TransactionRepository.
type transactionStore struct {
	db *sql.DB
}

// eventStore implements monitor.EventRepository.
type eventStore struct {
	db *sql.DB
}

// Payments returns the payment repository backed by this database.
func (c *client) Payments() *paymentStore {
	return &paymentStore{db: c.db}
}

// Transactions returns the transaction repository backed by this database.
func (c *client) Transactions() *transactionStore {
	return &transactionStore{db: c.db}
}

// Events returns the event repository backed by this database.
func (c *client) Events() *eventStore {
	return &eventStore{db: c.db}
}

// Close releases the underlying database handle.
func (c *client) Close() error {
	return c.db.Close()
}

// NewClient opens (or creates) the database at path, applies the schema,
// and verifies connectivity.
func NewClient(ctx context.Context, path string) (*client, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_loc=UTC")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &client{db: db}, nil
}
