// Package monitor holds the chain-agnostic core of the payment watchers:
// the domain model, the narrow contracts required from the persistence
// layer, the address cache, and the detection engine both chain monitors
// drive. The chain-specific intake loops live in the subpackages.
package monitor

import (
	"encoding/json"
	"time"

	"github.com/blockpond/paywatch/internal/pkg/types"
)

// Chain tags the two supported chain families.
type Chain string

const (
	ChainBitcoin Chain = "btc"
	ChainZcash   Chain = "zec"
)

// PaymentStatus is the lifecycle state of a payment. The core only ever
// drives pending -> detected -> confirmed (plus pending -> expired);
// every other state belongs to downstream services and is opaque here.
type PaymentStatus string

const (
	StatusPending   PaymentStatus = "pending"
	StatusDetected  PaymentStatus = "detected"
	StatusConfirmed PaymentStatus = "confirmed"
	StatusExpired   PaymentStatus = "expired"
	StatusFailed    PaymentStatus = "failed"
)

// Watchable reports whether the core is allowed to act on a payment in
// this status. Anything else is ignored, including states owned by
// downstream services that the core does not know about.
func (s PaymentStatus) Watchable() bool {
	return s == StatusPending || s == StatusDetected
}

// Payment is a merchant-originated request to receive a fixed amount on
// one chain at one address.
type Payment struct {
	ID            string
	MerchantID    string
	OrderID       string
	Chain         Chain
	Address       string
	Shielded      bool
	Amount        types.Amount
	Status        PaymentStatus
	Confirmations int64
	TxID          string // linked transaction hash, empty until detected
	DetectedAt    *time.Time
	ConfirmedAt   *time.Time
	ExpiresAt     time.Time
	CreatedAt     time.Time
}

// Transaction records a specific on-chain transaction paying a specific
// payment. At most one record exists per (chain, tx hash, address).
type Transaction struct {
	ID            string
	PaymentID     string
	Chain         Chain
	TxHash        string
	Address       string
	Amount        types.Amount
	Confirmations int64
	BlockHeight   *int64 // nil while the transaction sits in the mempool
	BlockHash     string
	Shielded      bool
	Memo          string
	DetectedAt    time.Time
	ConfirmedAt   *time.Time
}

// EventType enumerates the outbound notification kinds the core emits.
type EventType string

const (
	EventPaymentDetected  EventType = "payment.detected"
	EventPaymentConfirmed EventType = "payment.confirmed"
	EventPaymentExpired   EventType = "payment.expired"
	EventPaymentFailed    EventType = "payment.failed"
)

// EventPayload is the JSON body attached to an outbound event row. It
// carries the minimum set of fields downstream consumers need; delivery
// is owned entirely by the external dispatcher.
type EventPayload struct {
	PaymentID     string       `json:"payment_id"`
	OrderID       string       `json:"order_id"`
	TxID          string       `json:"txid,omitempty"`
	Amount        types.Amount `json:"amount"`
	Confirmations int64        `json:"confirmations"`
	Shielded      bool         `json:"is_shielded,omitempty"`
	Memo          string       `json:"memo,omitempty"`
	Reason        string       `json:"reason,omitempty"`
	Timestamp     time.Time    `json:"timestamp"`
}

// Encode renders the payload as the JSON document stored on the event row.
func (p EventPayload) Encode() ([]byte, error) {
	return json.Marshal(p)
}
