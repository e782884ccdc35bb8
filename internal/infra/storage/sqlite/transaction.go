package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/blockpond/paywatch/internal/monitor"
	"github.com/blockpond/paywatch/internal/pkg/types"

	sqlite3 "github.com/mattn/go-sqlite3"
)

const transactionColumns = `id, payment_id, chain, tx_hash, address, amount,
	confirmations, block_height, block_hash, shielded, memo, detected_at, confirmed_at`

// scanTransaction reads one transaction-record row.
func scanTransaction(row interface{ Scan(...any) error }) (monitor.Transaction, error) {
	var (
		t           monitor.Transaction
		amount      string
		blockHeight sql.NullInt64
		confirmedAt sql.NullTime
	)

	err := row.Scan(
		&t.ID, &t.PaymentID, &t.Chain, &t.TxHash, &t.Address, &amount,
		&t.Confirmations, &blockHeight, &t.BlockHash, &t.Shielded, &t.Memo, &t.DetectedAt, &confirmedAt,
	)
	if err != nil {
		return monitor.Transaction{}, err
	}

	if t.Amount, err = types.AmountFromString(amount); err != nil {
		return monitor.Transaction{}, fmt.Errorf("transaction %s: %w", t.ID, err)
	}

	if blockHeight.Valid {
		t.BlockHeight = &blockHeight.Int64
	}
	if confirmedAt.Valid {
		t.ConfirmedAt = &confirmedAt.Time
	}

	return t, nil
}

// Create inserts a new transaction record. The unique index on
// (chain, tx_hash, address) turns a replayed sighting into
// monitor.ErrTransactionExists.
func (s *transactionStore) Create(ctx context.Context, tx monitor.Transaction) error {
	var blockHeight any
	if tx.BlockHeight != nil {
		blockHeight = *tx.BlockHeight
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transactions (`+transactionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.PaymentID, tx.Chain, tx.TxHash, tx.Address, tx.Amount.String(),
		tx.Confirmations, blockHeight, tx.BlockHash, tx.Shielded, tx.Memo, tx.DetectedAt.UTC(), nil,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return fmt.Errorf("%w: (%s, %s, %s)", monitor.ErrTransactionExists, tx.Chain, tx.TxHash, tx.Address)
		}

		return err
	}

	return nil
}

// FindByTxHash returns every record for the given transaction hash.
func (s *transactionStore) FindByTxHash(ctx context.Context, chain monitor.Chain, txHash string) ([]monitor.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE chain = ? AND tx_hash = ?`
	return s.queryTransactions(ctx, query, chain, txHash)
}

// FindByAddress returns every record paying the given address.
func (s *transactionStore) FindByAddress(ctx context.Context, chain monitor.Chain, address string) ([]monitor.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE chain = ? AND address = ?`
	return s.queryTransactions(ctx, query, chain, address)
}

// FindUnconfirmed returns the chain's records still below the threshold.
func (s *transactionStore) FindUnconfirmed(ctx context.Context, chain monitor.Chain, threshold int64) ([]monitor.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions
		WHERE chain = ? AND confirmations < ?`
	return s.queryTransactions(ctx, query, chain, threshold)
}

// queryTransactions runs a multi-row transaction query.
func (s *transactionStore) queryTransactions(ctx context.Context, query string, args ...any) ([]monitor.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transactions []monitor.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}

		transactions = append(transactions, t)
	}

	return transactions, rows.Err()
}

// UpdateConfirmations records a fresh confirmation count and fills in the
// block fields when they are known. Block fields already present are kept;
// only the reorg rewrite replaces them.
func (s *transactionStore) UpdateConfirmations(ctx context.Context, chain monitor.Chain, txHash string, confirmations int64, blockHash string, blockHeight *int64) error {
	var height any
	if blockHeight != nil {
		height = *blockHeight
	}

	_, err := s.db.ExecContext(ctx,
		`UPDATE transactions SET
			confirmations = ?,
			block_hash = CASE WHEN block_hash = '' THEN ? ELSE block_hash END,
			block_height = COALESCE(block_height, ?)
		WHERE chain = ? AND tx_hash = ?`,
		confirmations, blockHash, height, chain, txHash,
	)
	return err
}

// Delete removes a record orphaned by a reorganization.
func (s *transactionStore) Delete(ctx context.Context, chain monitor.Chain, txHash, address string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM transactions WHERE chain = ? AND tx_hash = ? AND address = ?`,
		chain, txHash, address,
	)
	return err
}

// Compile-time assertion that transactionStore implements the TransactionRepository interface.
var _ monitor.TransactionRepository = new(transactionStore)
