package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// memPaymentRepo is an in-memory PaymentRepository mirroring the guard
// semantics of the SQL implementation.
type memPaymentRepo struct {
	mu       sync.Mutex
	payments map[string]*Payment
}

var _ PaymentRepository = (*memPaymentRepo)(nil)

func newMemPaymentRepo(payments ...Payment) *memPaymentRepo {
	repo := &memPaymentRepo{payments: make(map[string]*Payment)}
	for _, p := range payments {
		cp := p
		repo.payments[p.ID] = &cp
	}
	return repo
}

func (r *memPaymentRepo) get(id string) (Payment, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.payments[id]
	if !ok {
		return Payment{}, false
	}
	return *p, true
}

func (r *memPaymentRepo) FindByID(ctx context.Context, id string) (Payment, error) {
	p, ok := r.get(id)
	if !ok {
		return Payment{}, ErrPaymentNotFound
	}
	return p, nil
}

func (r *memPaymentRepo) FindByAddress(ctx context.Context, chain Chain, address string) (Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range r.payments {
		if p.Chain == chain && p.Address == address {
			return *p, nil
		}
	}
	return Payment{}, ErrPaymentNotFound
}

func (r *memPaymentRepo) FindNonTerminalByChain(ctx context.Context, chain Chain) ([]Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Payment
	for _, p := range r.payments {
		if p.Chain == chain && p.Status.Watchable() {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (r *memPaymentRepo) MarkDetected(ctx context.Context, id, txHash string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.payments[id]
	if !ok {
		return false, ErrPaymentNotFound
	}

	if p.Status == StatusPending {
		p.Status = StatusDetected
		p.TxID = txHash
		p.DetectedAt = &at
		return true, nil
	}

	if (p.Status == StatusDetected || p.Status == StatusConfirmed) && p.TxID == txHash {
		return false, nil
	}

	return false, fmt.Errorf("%w: payment %s is %s", ErrStatusConflict, id, p.Status)
}

func (r *memPaymentRepo) MarkConfirmed(ctx context.Context, id string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.payments[id]
	if !ok {
		return false, ErrPaymentNotFound
	}

	if p.Status == StatusDetected {
		p.Status = StatusConfirmed
		p.ConfirmedAt = &at
		return true, nil
	}

	if p.Status == StatusConfirmed {
		return false, nil
	}

	return false, fmt.Errorf("%w: payment %s is %s", ErrStatusConflict, id, p.Status)
}

func (r *memPaymentRepo) MarkExpired(ctx context.Context, id string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.payments[id]
	if !ok {
		return false, ErrPaymentNotFound
	}

	if p.Status == StatusPending {
		p.Status = StatusExpired
		return true, nil
	}

	if p.Status == StatusExpired {
		return false, nil
	}

	return false, fmt.Errorf("%w: payment %s is %s", ErrStatusConflict, id, p.Status)
}

func (r *memPaymentRepo) ClearDetection(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.payments[id]
	if !ok {
		return false, ErrPaymentNotFound
	}

	if p.Status == StatusDetected {
		p.Status = StatusPending
		p.TxID = ""
		p.DetectedAt = nil
		p.Confirmations = 0
		return true, nil
	}

	if p.Status == StatusPending {
		return false, nil
	}

	return false, fmt.Errorf("%w: payment %s is %s", ErrStatusConflict, id, p.Status)
}

func (r *memPaymentRepo) SetConfirmations(ctx context.Context, id string, confirmations int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.payments[id]; ok {
		p.Confirmations = confirmations
	}
	return nil
}

// memTxRepo is an in-memory TransactionRepository enforcing the
// (chain, tx hash, address) uniqueness constraint.
type memTxRepo struct {
	mu      sync.Mutex
	records map[string]*Transaction
}

var _ TransactionRepository = (*memTxRepo)(nil)

func newMemTxRepo() *memTxRepo {
	return &memTxRepo{records: make(map[string]*Transaction)}
}

func txKey(chain Chain, txHash, address string) string {
	return fmt.Sprintf("%s|%s|%s", chain, txHash, address)
}

func (r *memTxRepo) Create(ctx context.Context, tx Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := txKey(tx.Chain, tx.TxHash, tx.Address)
	if _, exists := r.records[key]; exists {
		return ErrTransactionExists
	}

	cp := tx
	r.records[key] = &cp
	return nil
}

func (r *memTxRepo) FindByTxHash(ctx context.Context, chain Chain, txHash string) ([]Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Transaction
	for _, t := range r.records {
		if t.Chain == chain && t.TxHash == txHash {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (r *memTxRepo) FindByAddress(ctx context.Context, chain Chain, address string) ([]Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Transaction
	for _, t := range r.records {
		if t.Chain == chain && t.Address == address {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (r *memTxRepo) FindUnconfirmed(ctx context.Context, chain Chain, threshold int64) ([]Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Transaction
	for _, t := range r.records {
		if t.Chain == chain && t.Confirmations < threshold {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (r *memTxRepo) UpdateConfirmations(ctx context.Context, chain Chain, txHash string, confirmations int64, blockHash string, blockHeight *int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range r.records {
		if t.Chain != chain || t.TxHash != txHash {
			continue
		}

		t.Confirmations = confirmations
		if t.BlockHash == "" {
			t.BlockHash = blockHash
		}
		if t.BlockHeight == nil {
			t.BlockHeight = blockHeight
		}
	}
	return nil
}

func (r *memTxRepo) Delete(ctx context.Context, chain Chain, txHash, address string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.records, txKey(chain, txHash, address))
	return nil
}

func (r *memTxRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// recordedEvent captures one EventRepository.Create call.
type recordedEvent struct {
	MerchantID string
	PaymentID  string
	Type       EventType
	Payload    []byte
}

// memEventRepo is an in-memory EventRepository capturing emissions.
type memEventRepo struct {
	mu     sync.Mutex
	events []recordedEvent
}

var _ EventRepository = (*memEventRepo)(nil)

func newMemEventRepo() *memEventRepo {
	return &memEventRepo{}
}

func (r *memEventRepo) Create(ctx context.Context, merchantID, paymentID string, eventType EventType, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, recordedEvent{
		MerchantID: merchantID,
		PaymentID:  paymentID,
		Type:       eventType,
		Payload:    payload,
	})
	return nil
}

func (r *memEventRepo) ofType(eventType EventType) []recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []recordedEvent
	for _, e := range r.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// memCursorStore is an in-memory CursorStore.
type memCursorStore struct {
	mu      sync.Mutex
	cursors map[Chain]int64
	history []int64
}

var _ CursorStore = (*memCursorStore)(nil)

func newMemCursorStore() *memCursorStore {
	return &memCursorStore{cursors: make(map[Chain]int64)}
}

func (s *memCursorStore) GetCursor(ctx context.Context, chain Chain) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	height, ok := s.cursors[chain]
	if !ok {
		return 0, ErrNoCursor
	}
	return height, nil
}

func (s *memCursorStore) SetCursor(ctx context.Context, chain Chain, height int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cursors[chain] = height
	s.history = append(s.history, height)
	return nil
}

// fakeConfirmationSource serves canned per-transaction statuses.
type fakeConfirmationSource struct {
	tip      int64
	statuses map[string]TxStatus
}

var _ ConfirmationSource = (*fakeConfirmationSource)(nil)

func (f *fakeConfirmationSource) GetBlockCount(ctx context.Context) (int64, error) {
	return f.tip, nil
}

func (f *fakeConfirmationSource) TransactionStatus(ctx context.Context, txHash string) (TxStatus, error) {
	if status, ok := f.statuses[txHash]; ok {
		return status, nil
	}
	return TxStatus{Confirmations: -1}, nil
}

// fakeBlockSource serves canned blocks by height.
type fakeBlockSource struct {
	tip    int64
	blocks map[int64]Block
}

var _ BlockSource = (*fakeBlockSource)(nil)

func (f *fakeBlockSource) GetBlockCount(ctx context.Context) (int64, error) {
	return f.tip, nil
}

func (f *fakeBlockSource) BlockAtHeight(ctx context.Context, height int64) (Block, error) {
	block, ok := f.blocks[height]
	if !ok {
		return Block{}, fmt.Errorf("no block at height %d", height)
	}
	return block, nil
}
