package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/blockpond/paywatch/internal/monitor"
	"github.com/blockpond/paywatch/internal/pkg/types"
)

const paymentColumns = `id, merchant_id, order_id, chain, address, shielded, amount,
	status, confirmations, tx_hash, detected_at, confirmed_at, expires_at, created_at`

// scanPayment reads one payment row.
func scanPayment(row interface{ Scan(...any) error }) (monitor.Payment, error) {
	var (
		p           monitor.Payment
		amount      string
		txHash      sql.NullString
		detectedAt  sql.NullTime
		confirmedAt sql.NullTime
		expiresAt   sql.NullTime
	)

	err := row.Scan(
		&p.ID, &p.MerchantID, &p.OrderID, &p.Chain, &p.Address, &p.Shielded, &amount,
		&p.Status, &p.Confirmations, &txHash, &detectedAt, &confirmedAt, &expiresAt, &p.CreatedAt,
	)
	if err != nil {
		return monitor.Payment{}, err
	}

	if p.Amount, err = types.AmountFromString(amount); err != nil {
		return monitor.Payment{}, fmt.Errorf("payment %s: %w", p.ID, err)
	}

	p.TxID = txHash.String
	if detectedAt.Valid {
		p.DetectedAt = &detectedAt.Time
	}
	if confirmedAt.Valid {
		p.ConfirmedAt = &confirmedAt.Time
	}
	if expiresAt.Valid {
		p.ExpiresAt = expiresAt.Time
	}

	return p, nil
}

// FindByID returns the payment with the given identifier.
func (s *paymentStore) FindByID(ctx context.Context, id string) (monitor.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = ?`

	p, err := scanPayment(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return monitor.Payment{}, monitor.ErrPaymentNotFound
	}

	return p, err
}

// FindByAddress returns the payment expecting funds at the given address.
func (s *paymentStore) FindByAddress(ctx context.Context, chain monitor.Chain, address string) (monitor.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments
		WHERE chain = ? AND address = ?
		ORDER BY created_at DESC LIMIT 1`

	p, err := scanPayment(s.db.QueryRowContext(ctx, query, chain, address))
	if errors.Is(err, sql.ErrNoRows) {
		return monitor.Payment{}, monitor.ErrPaymentNotFound
	}

	return p, err
}

// FindNonTerminalByChain returns every payment the core still acts on.
func (s *paymentStore) FindNonTerminalByChain(ctx context.Context, chain monitor.Chain) ([]monitor.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments
		WHERE chain = ? AND status IN (?, ?)`

	rows, err := s.db.QueryContext(ctx, query, chain, monitor.StatusPending, monitor.StatusDetected)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []monitor.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}

		payments = append(payments, p)
	}

	return payments, rows.Err()
}

// currentState reads the status and linked hash used to classify a guarded
// update that matched no rows.
func (s *paymentStore) currentState(ctx context.Context, id string) (monitor.PaymentStatus, string, error) {
	var (
		status monitor.PaymentStatus
		txHash sql.NullString
	)

	err := s.db.QueryRowContext(ctx, `SELECT status, tx_hash FROM payments WHERE id = ?`, id).
		Scan(&status, &txHash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", monitor.ErrPaymentNotFound
	}

	return status, txHash.String, err
}

// MarkDetected transitions pending -> detected, guarded on the current
// status. Re-applying the same transition reports applied = false with a
// nil error; any other state is a conflict.
func (s *paymentStore) MarkDetected(ctx context.Context, id, txHash string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE payments SET status = ?, tx_hash = ?, detected_at = ? WHERE id = ? AND status = ?`,
		monitor.StatusDetected, txHash, at.UTC(), id, monitor.StatusPending,
	)
	if err != nil {
		return false, err
	}

	if n, err := res.RowsAffected(); err != nil {
		return false, err
	} else if n > 0 {
		return true, nil
	}

	status, linked, err := s.currentState(ctx, id)
	if err != nil {
		return false, err
	}

	if (status == monitor.StatusDetected || status == monitor.StatusConfirmed) && linked == txHash {
		return false, nil
	}

	return false, fmt.Errorf("%w: payment %s is %s", monitor.ErrStatusConflict, id, status)
}

// MarkConfirmed transitions detected -> confirmed, guarded on the current
// status.
func (s *paymentStore) MarkConfirmed(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE payments SET status = ?, confirmed_at = ? WHERE id = ? AND status = ?`,
		monitor.StatusConfirmed, at.UTC(), id, monitor.StatusDetected,
	)
	if err != nil {
		return false, err
	}

	if n, err := res.RowsAffected(); err != nil {
		return false, err
	} else if n > 0 {
		return true, nil
	}

	status, _, err := s.currentState(ctx, id)
	if err != nil {
		return false, err
	}

	if status == monitor.StatusConfirmed {
		return false, nil
	}

	return false, fmt.Errorf("%w: payment %s is %s", monitor.ErrStatusConflict, id, status)
}

// MarkExpired transitions pending -> expired, guarded on the current
// status.
func (s *paymentStore) MarkExpired(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE payments SET status = ? WHERE id = ? AND status = ?`,
		monitor.StatusExpired, id, monitor.StatusPending,
	)
	if err != nil {
		return false, err
	}

	if n, err := res.RowsAffected(); err != nil {
		return false, err
	} else if n > 0 {
		return true, nil
	}

	status, _, err := s.currentState(ctx, id)
	if err != nil {
		return false, err
	}

	if status == monitor.StatusExpired {
		return false, nil
	}

	return false, fmt.Errorf("%w: payment %s is %s", monitor.ErrStatusConflict, id, status)
}

// ClearDetection reverts detected -> pending and unlinks the transaction
// hash, for the reorg rewrite.
func (s *paymentStore) ClearDetection(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE payments SET status = ?, tx_hash = NULL, detected_at = NULL, confirmations = 0
			WHERE id = ? AND status = ?`,
		monitor.StatusPending, id, monitor.StatusDetected,
	)
	if err != nil {
		return false, err
	}

	if n, err := res.RowsAffected(); err != nil {
		return false, err
	} else if n > 0 {
		return true, nil
	}

	status, _, err := s.currentState(ctx, id)
	if err != nil {
		return false, err
	}

	if status == monitor.StatusPending {
		return false, nil
	}

	return false, fmt.Errorf("%w: payment %s is %s", monitor.ErrStatusConflict, id, status)
}

// SetConfirmations records the current confirmation count. The count never
// regresses for a confirmed payment.
func (s *paymentStore) SetConfirmations(ctx context.Context, id string, confirmations int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE payments SET confirmations = ?
			WHERE id = ? AND NOT (status = ? AND confirmations > ?)`,
		confirmations, id, monitor.StatusConfirmed, confirmations,
	)
	return err
}

// Compile-time assertion that paymentStore implements the PaymentRepository interface.
var _ monitor.PaymentRepository = new(paymentStore)
