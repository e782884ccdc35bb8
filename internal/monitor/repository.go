package monitor

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrPaymentNotFound is returned when no payment matches the lookup.
	ErrPaymentNotFound = errors.New("payment not found")

	// ErrTransactionExists is returned by TransactionRepository.Create
	// when a record for the same (chain, tx hash, address) already exists.
	ErrTransactionExists = errors.New("transaction record already exists")

	// ErrStatusConflict is returned by guarded payment updates when the
	// payment is not in the status the transition requires and the call
	// is not a repeat of an already-applied transition.
	ErrStatusConflict = errors.New("payment status conflict")

	// ErrNoCursor is returned by CursorStore.GetCursor when no cursor has
	// been persisted yet for the chain.
	ErrNoCursor = errors.New("no cursor stored for chain")
)

// PaymentRepository is the view of payment persistence the core requires.
// All write operations must be idempotent under repeated calls with the
// same input: re-applying a transition that already happened with the same
// arguments returns nil, while a conflicting transition returns
// ErrStatusConflict.
type PaymentRepository interface {
	// FindByID returns the payment with the given identifier, or
	// ErrPaymentNotFound.
	FindByID(ctx context.Context, id string) (Payment, error)

	// FindByAddress returns the payment expecting funds at the given
	// address on the given chain, or ErrPaymentNotFound.
	FindByAddress(ctx context.Context, chain Chain, address string) (Payment, error)

	// FindNonTerminalByChain returns every payment on the chain still in
	// a status the core acts on (pending or detected).
	FindNonTerminalByChain(ctx context.Context, chain Chain) ([]Payment, error)

	// MarkDetected transitions the payment from pending to detected,
	// linking the transaction hash and stamping the detection time. The
	// update is guarded on status = pending. It reports whether this call
	// performed the transition: false with a nil error means the same
	// transition was already applied (same tx hash), so the caller must
	// not emit a second event for it.
	MarkDetected(ctx context.Context, id, txHash string, at time.Time) (bool, error)

	// MarkConfirmed transitions the payment from detected to confirmed,
	// stamping the confirmation time. Guarded on status = detected, with
	// the same applied/already-applied reporting as MarkDetected.
	MarkConfirmed(ctx context.Context, id string, at time.Time) (bool, error)

	// MarkExpired transitions the payment from pending to expired.
	// Guarded on status = pending: a payment that has been detected is
	// never expired.
	MarkExpired(ctx context.Context, id string, at time.Time) (bool, error)

	// ClearDetection reverts a detected payment to pending and unlinks
	// its transaction hash, for use when the linked transaction vanished
	// from the chain. Guarded on status = detected.
	ClearDetection(ctx context.Context, id string) (bool, error)

	// SetConfirmations records the current confirmation count.
	SetConfirmations(ctx context.Context, id string, confirmations int64) error
}

// TransactionRepository is the view of transaction-record persistence the
// core requires.
type TransactionRepository interface {
	// Create inserts a new transaction record, failing with
	// ErrTransactionExists when a record for the same
	// (chain, tx hash, address) is already present.
	Create(ctx context.Context, tx Transaction) error

	// FindByTxHash returns every record for the given transaction hash on
	// the chain (one per paid address).
	FindByTxHash(ctx context.Context, chain Chain, txHash string) ([]Transaction, error)

	// FindByAddress returns every record paying the given address on the
	// chain.
	FindByAddress(ctx context.Context, chain Chain, address string) ([]Transaction, error)

	// FindUnconfirmed returns the chain's records whose confirmation
	// count is still below the threshold.
	FindUnconfirmed(ctx context.Context, chain Chain, threshold int64) ([]Transaction, error)

	// UpdateConfirmations records a new confirmation count and, when
	// known, the block hash and height. Block fields already set are only
	// overwritten by the reorg path.
	UpdateConfirmations(ctx context.Context, chain Chain, txHash string, confirmations int64, blockHash string, blockHeight *int64) error

	// Delete removes a record whose transaction vanished from the chain.
	// This is the explicit reorg-handling rewrite; nothing else removes
	// transaction records.
	Delete(ctx context.Context, chain Chain, txHash, address string) error
}

// EventRepository persists outbound notification events. Rows are created
// once per state transition and never mutated by the core; the external
// dispatcher owns delivery.
type EventRepository interface {
	Create(ctx context.Context, merchantID, paymentID string, eventType EventType, payload []byte) error
}

// CursorStore persists the highest block height fully processed per chain
// so a restart resumes scanning instead of skipping blocks.
type CursorStore interface {
	// GetCursor returns the stored height, or ErrNoCursor.
	GetCursor(ctx context.Context, chain Chain) (int64, error)

	// SetCursor records height as fully processed. Implementations
	// overwrite any previous value.
	SetCursor(ctx context.Context, chain Chain, height int64) error
}

// ViewingKey is the read-only capability for a shielded address together
// with the height at which the key became valid. Scanning from any later
// height can silently miss payments.
type ViewingKey struct {
	Key      string
	Birthday int64
}

// WalletService supplies viewing keys for shielded addresses. The wallet
// collaborator owns key material; the core only reads.
type WalletService interface {
	ViewingKeyForAddress(ctx context.Context, address string) (ViewingKey, error)
}

// ImportedKeyStore tracks which shielded addresses have had their viewing
// key imported into the node wallet, so refreshes and restarts do not
// re-trigger costly rescans.
type ImportedKeyStore interface {
	IsImported(ctx context.Context, chain Chain, address string) (bool, error)
	MarkImported(ctx context.Context, chain Chain, address string) error
}
