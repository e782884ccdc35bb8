package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/blockpond/paywatch/internal/pkg/logger"
	"github.com/blockpond/paywatch/internal/pkg/types"

	"github.com/google/uuid"
)

// defaultReorgMissLimit is how many consecutive confirmation sweeps must
// fail to find a linked transaction before the detector treats it as
// orphaned by a reorganization.
const defaultReorgMissLimit = 3

// Observation is a single sighting of an output paying a watched address,
// produced by either chain's intake path. BlockHeight is nil for mempool
// sightings.
type Observation struct {
	TxHash        string
	Address       string
	Amount        types.Amount
	Confirmations int64
	BlockHeight   *int64
	BlockHash     string
	Shielded      bool
	Memo          string
}

// TxStatus is the chain's current view of a transaction as needed by the
// confirmation sweep. Confirmations is 0 while the transaction sits in the
// mempool and -1 when the node no longer knows it.
type TxStatus struct {
	Confirmations int64
	BlockHash     string
}

// ConfirmationSource is the view of the chain the confirmation sweep
// needs. Both chain RPC clients satisfy it through thin adapters in the
// chain monitor packages.
type ConfirmationSource interface {
	GetBlockCount(ctx context.Context) (int64, error)
	TransactionStatus(ctx context.Context, txHash string) (TxStatus, error)
}

// Detector drives the payment state machine for one chain: it records
// matched transactions, advances payments through detected and confirmed,
// expires overdue pending payments, and emits one outbound event row per
// transition it performs. Every entry point is idempotent, so replaying
// notifications or overlapping a sweep with the intake path cannot
// duplicate records or events.
type Detector struct {
	chain        Chain
	threshold    int64
	payments     PaymentRepository
	transactions TransactionRepository
	events       EventRepository

	// misses counts consecutive confirmation sweeps in which a linked
	// transaction came back unknown, keyed by tx hash. In-memory only: a
	// restart resets the reorg suspicion window, which is the
	// conservative direction.
	missLimit int
	missMu    sync.Mutex
	misses    map[string]int
}

// DetectorOption configures a Detector.
type DetectorOption func(*Detector)

// WithReorgMissLimit overrides how many consecutive misses mark a linked
// transaction as orphaned. Default: 3.
func WithReorgMissLimit(n int) DetectorOption {
	return func(d *Detector) {
		d.missLimit = n
	}
}

// NewDetector builds a Detector for one chain with the given confirmation
// threshold and repositories.
func NewDetector(chain Chain, threshold int64, payments PaymentRepository, transactions TransactionRepository, events EventRepository, opts ...DetectorOption) *Detector {
	d := &Detector{
		chain:        chain,
		threshold:    threshold,
		payments:     payments,
		transactions: transactions,
		events:       events,
		missLimit:    defaultReorgMissLimit,
		misses:       make(map[string]int),
	}
	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Threshold returns the configured confirmation threshold.
func (d *Detector) Threshold() int64 {
	return d.threshold
}

// emit writes one outbound event row for a transition just performed.
func (d *Detector) emit(ctx context.Context, p Payment, eventType EventType, payload EventPayload) error {
	payload.PaymentID = p.ID
	payload.OrderID = p.OrderID
	payload.Timestamp = time.Now().UTC()

	body, err := payload.Encode()
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", eventType, err)
	}

	return d.events.Create(ctx, p.MerchantID, p.ID, eventType, body)
}

// Observe runs the match-and-detect routine for one sighting. A cache hit
// brought the observation here; the repository lookup re-validates it
// since the cache can be stale. The routine is idempotent: replaying the
// same (payment, tx, address) sighting changes nothing.
func (d *Detector) Observe(ctx context.Context, obs Observation) error {
	p, err := d.payments.FindByAddress(ctx, d.chain, obs.Address)
	if err != nil {
		if errors.Is(err, ErrPaymentNotFound) {
			logger.Debug(ctx, "observation for unknown address, cache stale",
				"chain", d.chain,
				"address", obs.Address,
				"tx_hash", obs.TxHash,
			)
			return nil
		}

		return fmt.Errorf("find payment by address: %w", err)
	}

	if !p.Status.Watchable() {
		return nil
	}

	now := time.Now().UTC()

	record := Transaction{
		ID:            uuid.Must(uuid.NewV7()).String(),
		PaymentID:     p.ID,
		Chain:         d.chain,
		TxHash:        obs.TxHash,
		Address:       obs.Address,
		Amount:        obs.Amount,
		Confirmations: obs.Confirmations,
		BlockHeight:   obs.BlockHeight,
		BlockHash:     obs.BlockHash,
		Shielded:      obs.Shielded,
		Memo:          obs.Memo,
		DetectedAt:    now,
	}

	if err := d.transactions.Create(ctx, record); err != nil {
		if errors.Is(err, ErrTransactionExists) {
			return nil
		}

		return fmt.Errorf("create transaction record: %w", err)
	}

	applied, err := d.payments.MarkDetected(ctx, p.ID, obs.TxHash, now)
	if err != nil {
		if errors.Is(err, ErrStatusConflict) {
			// A different transaction already detected this payment. The
			// record above still stands so downstream can reconcile the
			// extra funds.
			logger.Warn(ctx, "additional transaction for already-detected payment",
				"chain", d.chain,
				"payment_id", p.ID,
				"tx_hash", obs.TxHash,
			)
			return nil
		}

		return fmt.Errorf("mark payment detected: %w", err)
	}

	if !applied {
		return nil
	}

	logger.Info(ctx, "payment detected",
		"chain", d.chain,
		"payment_id", p.ID,
		"tx_hash", obs.TxHash,
		"amount", obs.Amount.String(),
		"shielded", obs.Shielded,
	)

	return d.emit(ctx, p, EventPaymentDetected, EventPayload{
		TxID:          obs.TxHash,
		Amount:        obs.Amount,
		Confirmations: obs.Confirmations,
		Shielded:      obs.Shielded,
		Memo:          obs.Memo,
	})
}

// UpdateConfirmations sweeps every below-threshold transaction record on
// the chain, refreshes its confirmation count from the node, and promotes
// payments that crossed the threshold. Transient failures skip the record;
// the next sweep retries.
func (d *Detector) UpdateConfirmations(ctx context.Context, src ConfirmationSource) error {
	tip, err := src.GetBlockCount(ctx)
	if err != nil {
		return fmt.Errorf("read chain tip: %w", err)
	}

	records, err := d.transactions.FindUnconfirmed(ctx, d.chain, d.threshold)
	if err != nil {
		return fmt.Errorf("list unconfirmed transactions: %w", err)
	}

	for _, record := range records {
		if err := ctx.Err(); err != nil {
			return err
		}

		status, err := src.TransactionStatus(ctx, record.TxHash)
		if err != nil {
			logger.Warn(ctx, "confirmation lookup failed",
				"chain", d.chain,
				"tx_hash", record.TxHash,
				"error", err,
			)
			continue
		}

		if status.Confirmations < 0 {
			d.registerMiss(ctx, record)
			continue
		}
		d.clearMiss(record.TxHash)

		if err := d.applyStatus(ctx, record, status, tip); err != nil {
			logger.Error(ctx, "confirmation update failed",
				"chain", d.chain,
				"tx_hash", record.TxHash,
				"payment_id", record.PaymentID,
				"error", err,
			)
		}
	}

	return nil
}

// applyStatus folds one fresh TxStatus into the transaction record and its
// payment.
func (d *Detector) applyStatus(ctx context.Context, record Transaction, status TxStatus, tip int64) error {
	blockHeight := record.BlockHeight
	if blockHeight == nil && status.Confirmations > 0 {
		h := tip - status.Confirmations + 1
		blockHeight = &h
	}

	blockHash := record.BlockHash
	if blockHash == "" {
		blockHash = status.BlockHash
	}

	if status.Confirmations != record.Confirmations || blockHash != record.BlockHash {
		err := d.transactions.UpdateConfirmations(ctx, d.chain, record.TxHash, status.Confirmations, blockHash, blockHeight)
		if err != nil {
			return fmt.Errorf("update transaction confirmations: %w", err)
		}
	}

	p, err := d.payments.FindByID(ctx, record.PaymentID)
	if err != nil {
		return fmt.Errorf("find payment: %w", err)
	}

	if !p.Status.Watchable() {
		return nil
	}

	if status.Confirmations != p.Confirmations {
		if err := d.payments.SetConfirmations(ctx, p.ID, status.Confirmations); err != nil {
			return fmt.Errorf("set payment confirmations: %w", err)
		}
	}

	if status.Confirmations < d.threshold {
		return nil
	}

	// A crash between record creation and MarkDetected can leave the
	// payment pending with the record in place; catch it up before
	// confirming so the state machine never skips a step.
	if p.Status == StatusPending {
		now := time.Now().UTC()
		applied, err := d.payments.MarkDetected(ctx, p.ID, record.TxHash, now)
		if err != nil && !errors.Is(err, ErrStatusConflict) {
			return fmt.Errorf("mark payment detected: %w", err)
		}
		if applied {
			if err := d.emit(ctx, p, EventPaymentDetected, EventPayload{
				TxID:          record.TxHash,
				Amount:        record.Amount,
				Confirmations: status.Confirmations,
				Shielded:      record.Shielded,
				Memo:          record.Memo,
			}); err != nil {
				return err
			}
		}
	}

	applied, err := d.payments.MarkConfirmed(ctx, p.ID, time.Now().UTC())
	if err != nil {
		if errors.Is(err, ErrStatusConflict) {
			return nil
		}

		return fmt.Errorf("mark payment confirmed: %w", err)
	}

	if !applied {
		return nil
	}

	logger.Info(ctx, "payment confirmed",
		"chain", d.chain,
		"payment_id", p.ID,
		"tx_hash", record.TxHash,
		"confirmations", status.Confirmations,
	)

	return d.emit(ctx, p, EventPaymentConfirmed, EventPayload{
		TxID:          record.TxHash,
		Amount:        record.Amount,
		Confirmations: status.Confirmations,
		Shielded:      record.Shielded,
		Memo:          record.Memo,
	})
}

// registerMiss records that the node no longer knows a linked transaction.
// After missLimit consecutive sweeps the transaction is treated as
// orphaned: the payment is unlinked and reset to pending so a replacement
// transaction can be detected. A payment that already reached confirmed is
// never rolled back; downstream is alerted with a payment.failed event and
// remains the authority.
func (d *Detector) registerMiss(ctx context.Context, record Transaction) {
	d.missMu.Lock()
	d.misses[record.TxHash]++
	misses := d.misses[record.TxHash]
	d.missMu.Unlock()

	logger.Warn(ctx, "linked transaction missing from chain",
		"chain", d.chain,
		"tx_hash", record.TxHash,
		"payment_id", record.PaymentID,
		"consecutive_misses", misses,
	)

	if misses < d.missLimit {
		return
	}

	if err := d.handleSuspectedReorg(ctx, record); err != nil {
		logger.Error(ctx, "reorg handling failed",
			"chain", d.chain,
			"tx_hash", record.TxHash,
			"error", err,
		)
		return
	}

	d.clearMiss(record.TxHash)
}

// clearMiss resets the consecutive-miss counter for a transaction.
func (d *Detector) clearMiss(txHash string) {
	d.missMu.Lock()
	delete(d.misses, txHash)
	d.missMu.Unlock()
}

// handleSuspectedReorg performs the reorg rewrite for a vanished
// transaction.
func (d *Detector) handleSuspectedReorg(ctx context.Context, record Transaction) error {
	p, err := d.payments.FindByID(ctx, record.PaymentID)
	if err != nil {
		return fmt.Errorf("find payment: %w", err)
	}

	switch {
	case p.Status == StatusConfirmed:
		err := d.emit(ctx, p, EventPaymentFailed, EventPayload{
			TxID:          record.TxHash,
			Amount:        record.Amount,
			Confirmations: -1,
			Shielded:      record.Shielded,
			Reason:        "confirmed transaction missing after suspected reorg",
		})
		if err != nil {
			return err
		}

	case p.Status == StatusDetected && p.TxID == record.TxHash:
		applied, err := d.payments.ClearDetection(ctx, p.ID)
		if err != nil && !errors.Is(err, ErrStatusConflict) {
			return fmt.Errorf("clear detection: %w", err)
		}
		if applied {
			logger.Warn(ctx, "payment reset to pending after suspected reorg",
				"chain", d.chain,
				"payment_id", p.ID,
				"tx_hash", record.TxHash,
			)
		}
	}

	if err := d.transactions.Delete(ctx, d.chain, record.TxHash, record.Address); err != nil {
		return fmt.Errorf("delete orphaned transaction record: %w", err)
	}

	return nil
}

// ExpireOverdue transitions pending payments whose expiry has passed.
// A payment that has been detected is never expired, even if its
// confirmation arrives after the deadline.
func (d *Detector) ExpireOverdue(ctx context.Context, now time.Time) error {
	payments, err := d.payments.FindNonTerminalByChain(ctx, d.chain)
	if err != nil {
		return fmt.Errorf("list non-terminal payments: %w", err)
	}

	for _, p := range payments {
		if p.Status != StatusPending || p.ExpiresAt.IsZero() || !p.ExpiresAt.Before(now) {
			continue
		}

		applied, err := d.payments.MarkExpired(ctx, p.ID, now)
		if err != nil {
			if errors.Is(err, ErrStatusConflict) {
				continue
			}

			logger.Error(ctx, "expiry failed", "chain", d.chain, "payment_id", p.ID, "error", err)
			continue
		}

		if !applied {
			continue
		}

		logger.Info(ctx, "payment expired", "chain", d.chain, "payment_id", p.ID)

		err = d.emit(ctx, p, EventPaymentExpired, EventPayload{
			Amount:        p.Amount,
			Confirmations: 0,
		})
		if err != nil {
			logger.Error(ctx, "expiry event failed", "chain", d.chain, "payment_id", p.ID, "error", err)
		}
	}

	return nil
}
