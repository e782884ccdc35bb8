package sqlite

import (
	"context"

	"github.com/blockpond/paywatch/internal/monitor"

	"github.com/google/uuid"
)

// Create appends one outbound event row. Rows are written once and never
// mutated here; the delivery dispatcher owns delivery_status.
func (s *eventStore) Create(ctx context.Context, merchantID, paymentID string, eventType monitor.EventType, payload []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (id, merchant_id, payment_id, type, payload) VALUES (?, ?, ?, ?, ?)`,
		uuid.Must(uuid.NewV7()).String(), merchantID, paymentID, eventType, string(payload),
	)
	return err
}

// Compile-time assertion that eventStore implements the EventRepository interface.
var _ monitor.EventRepository = new(eventStore)
