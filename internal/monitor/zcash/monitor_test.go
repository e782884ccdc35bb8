package zcash

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	zecrpc "github.com/blockpond/paywatch/internal/infra/blockchain/zcash"
	"github.com/blockpond/paywatch/internal/monitor"
	"github.com/blockpond/paywatch/internal/pkg/logger"
	"github.com/blockpond/paywatch/internal/pkg/resilience/retry"
	"github.com/blockpond/paywatch/internal/pkg/transport/jsonrpc"
	"github.com/blockpond/paywatch/internal/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	// Initialize logger for tests to prevent nil pointer dereference
	_ = logger.Init(logger.WithLevel("error"))
}

// fakeConn is a scripted jsonrpc.Client keyed by method name.
type fakeConn struct {
	mu        sync.Mutex
	responses map[string]string
	errs      map[string]error
	params    map[string][]any
	calls     []string
}

var _ jsonrpc.Client = (*fakeConn)(nil)

func newFakeConn() *fakeConn {
	return &fakeConn{
		responses: make(map[string]string),
		errs:      make(map[string]error),
		params:    make(map[string][]any),
	}
}

func (f *fakeConn) Call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, method)
	f.params[method] = params
	if err, ok := f.errs[method]; ok {
		return nil, err
	}

	return json.RawMessage(f.responses[method]), nil
}

func (f *fakeConn) callCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, m := range f.calls {
		if m == method {
			n++
		}
	}
	return n
}

func newTestRPC(conn *fakeConn) *zecrpc.Client {
	return zecrpc.NewClient(conn, retry.WithAttempts(1), retry.WithDelay(time.Millisecond))
}

// stubPayments covers only the repository methods these tests reach; the
// embedded interface panics on anything else, which would mark a test gap.
type stubPayments struct {
	monitor.PaymentRepository

	mu       sync.Mutex
	payments map[string]*monitor.Payment
}

func newStubPayments(payments ...monitor.Payment) *stubPayments {
	s := &stubPayments{payments: make(map[string]*monitor.Payment)}
	for _, p := range payments {
		cp := p
		s.payments[p.ID] = &cp
	}
	return s
}

func (s *stubPayments) FindNonTerminalByChain(ctx context.Context, chain monitor.Chain) ([]monitor.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []monitor.Payment
	for _, p := range s.payments {
		if p.Chain == chain && p.Status.Watchable() {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *stubPayments) FindByAddress(ctx context.Context, chain monitor.Chain, address string) (monitor.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.payments {
		if p.Chain == chain && p.Address == address {
			return *p, nil
		}
	}
	return monitor.Payment{}, monitor.ErrPaymentNotFound
}

func (s *stubPayments) MarkDetected(ctx context.Context, id, txHash string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.payments[id]
	if p.Status != monitor.StatusPending {
		if p.TxID == txHash {
			return false, nil
		}
		return false, monitor.ErrStatusConflict
	}

	p.Status = monitor.StatusDetected
	p.TxID = txHash
	return true, nil
}

// stubTxRepo records created transactions with the uniqueness guard.
type stubTxRepo struct {
	monitor.TransactionRepository

	mu      sync.Mutex
	created []monitor.Transaction
}

func (s *stubTxRepo) Create(ctx context.Context, tx monitor.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.created {
		if existing.Chain == tx.Chain && existing.TxHash == tx.TxHash && existing.Address == tx.Address {
			return monitor.ErrTransactionExists
		}
	}

	s.created = append(s.created, tx)
	return nil
}

// stubEvents counts emitted events by type.
type stubEvents struct {
	monitor.EventRepository

	mu     sync.Mutex
	counts map[monitor.EventType]int
}

func newStubEvents() *stubEvents {
	return &stubEvents{counts: make(map[monitor.EventType]int)}
}

func (s *stubEvents) Create(ctx context.Context, merchantID, paymentID string, eventType monitor.EventType, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counts[eventType]++
	return nil
}

// stubKeyStore is an in-memory ImportedKeyStore.
type stubKeyStore struct {
	mu       sync.Mutex
	imported map[string]struct{}
}

var _ monitor.ImportedKeyStore = (*stubKeyStore)(nil)

func newStubKeyStore() *stubKeyStore {
	return &stubKeyStore{imported: make(map[string]struct{})}
}

func (s *stubKeyStore) IsImported(ctx context.Context, chain monitor.Chain, address string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.imported[address]
	return ok, nil
}

func (s *stubKeyStore) MarkImported(ctx context.Context, chain monitor.Chain, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.imported[address] = struct{}{}
	return nil
}

// stubWallet serves viewing keys from a map.
type stubWallet struct {
	keys map[string]monitor.ViewingKey
}

var _ monitor.WalletService = (*stubWallet)(nil)

func (s *stubWallet) ViewingKeyForAddress(ctx context.Context, address string) (monitor.ViewingKey, error) {
	vk, ok := s.keys[address]
	if !ok {
		return monitor.ViewingKey{}, monitor.ErrPaymentNotFound
	}
	return vk, nil
}

func shieldedPayment(id, address string) monitor.Payment {
	a, _ := types.AmountFromString("0.10000000")
	return monitor.Payment{
		ID:         id,
		MerchantID: "merchant-1",
		OrderID:    "order-" + id,
		Chain:      monitor.ChainZcash,
		Address:    address,
		Shielded:   true,
		Amount:     a,
		Status:     monitor.StatusPending,
		ExpiresAt:  time.Now().Add(time.Hour),
	}
}

// newTestMonitor wires a Monitor with the given collaborators and a cache
// already holding the payments' addresses.
func newTestMonitor(t *testing.T, conn *fakeConn, payments *stubPayments, transactions *stubTxRepo, events *stubEvents, wallet monitor.WalletService, keys monitor.ImportedKeyStore) *Monitor {
	t.Helper()

	detector := monitor.NewDetector(monitor.ChainZcash, 6, payments, transactions, events)
	m := New(Config{}, newTestRPC(conn), detector, nil, payments, wallet, keys)

	require.NoError(t, m.refreshCache(t.Context()))
	return m
}

func TestMonitor_ImportViewingKeys(t *testing.T) {
	t.Run("imports at the key birthday", func(t *testing.T) {
		conn := newFakeConn()
		conn.responses["z_importviewingkey"] = `null`

		keys := newStubKeyStore()
		wallet := &stubWallet{keys: map[string]monitor.ViewingKey{
			"zs1addr": {Key: "zxviews1...", Birthday: 1200000},
		}}

		m := newTestMonitor(t, conn, newStubPayments(shieldedPayment("p1", "zs1addr")), &stubTxRepo{}, newStubEvents(), wallet, keys)

		m.importViewingKeys(t.Context())

		assert.Equal(t, []any{"zxviews1...", "whenkeyisnew", int64(1200000)}, conn.params["z_importviewingkey"])

		imported, err := keys.IsImported(t.Context(), monitor.ChainZcash, "zs1addr")
		require.NoError(t, err)
		assert.True(t, imported)
	})

	t.Run("unknown birthday falls back to a bounded lookback with rescan", func(t *testing.T) {
		conn := newFakeConn()
		conn.responses["z_importviewingkey"] = `null`
		conn.responses["getblockcount"] = `2400000`

		wallet := &stubWallet{keys: map[string]monitor.ViewingKey{
			"zs1addr": {Key: "zxviews1...", Birthday: 0},
		}}

		m := newTestMonitor(t, conn, newStubPayments(shieldedPayment("p1", "zs1addr")), &stubTxRepo{}, newStubEvents(), wallet, newStubKeyStore())

		m.importViewingKeys(t.Context())

		require.Contains(t, conn.params, "z_importviewingkey")
		params := conn.params["z_importviewingkey"]
		assert.Equal(t, "yes", params[1])
		assert.Equal(t, int64(2400000-10000), params[2])
	})

	t.Run("does not re-import known keys", func(t *testing.T) {
		conn := newFakeConn()
		conn.responses["z_importviewingkey"] = `null`

		keys := newStubKeyStore()
		require.NoError(t, keys.MarkImported(t.Context(), monitor.ChainZcash, "zs1addr"))

		wallet := &stubWallet{keys: map[string]monitor.ViewingKey{
			"zs1addr": {Key: "zxviews1...", Birthday: 1200000},
		}}

		m := newTestMonitor(t, conn, newStubPayments(shieldedPayment("p1", "zs1addr")), &stubTxRepo{}, newStubEvents(), wallet, keys)

		m.importViewingKeys(t.Context())
		m.importViewingKeys(t.Context())

		assert.Zero(t, conn.callCount("z_importviewingkey"))
	})

	t.Run("a failed import is retried on the next pass", func(t *testing.T) {
		conn := newFakeConn()
		conn.errs["z_importviewingkey"] = jsonrpc.ErrTransport

		keys := newStubKeyStore()
		wallet := &stubWallet{keys: map[string]monitor.ViewingKey{
			"zs1addr": {Key: "zxviews1...", Birthday: 1200000},
		}}

		m := newTestMonitor(t, conn, newStubPayments(shieldedPayment("p1", "zs1addr")), &stubTxRepo{}, newStubEvents(), wallet, keys)

		m.importViewingKeys(t.Context())

		imported, err := keys.IsImported(t.Context(), monitor.ChainZcash, "zs1addr")
		require.NoError(t, err)
		assert.False(t, imported)

		// Node recovered: the next pass succeeds.
		delete(conn.errs, "z_importviewingkey")
		conn.responses["z_importviewingkey"] = `null`

		m.importViewingKeys(t.Context())

		imported, err = keys.IsImported(t.Context(), monitor.ChainZcash, "zs1addr")
		require.NoError(t, err)
		assert.True(t, imported)
	})
}

func TestMonitor_ScanShielded(t *testing.T) {
	t.Run("detects a shielded payment with its memo", func(t *testing.T) {
		memoHex, err := zecrpc.EncodeMemo("order-42")
		require.NoError(t, err)

		conn := newFakeConn()
		conn.responses["z_listreceivedbyaddress"] = `[
			{"txid": "tx1", "amount": 0.1, "memo": "` + memoHex + `", "confirmations": 1, "change": false, "outindex": 0}
		]`
		conn.responses["getrawtransaction"] = `{"txid": "tx1", "blockhash": "hash100", "confirmations": 1}`

		payments := newStubPayments(shieldedPayment("p1", "zs1addr"))
		transactions := &stubTxRepo{}
		events := newStubEvents()

		m := newTestMonitor(t, conn, payments, transactions, events, &stubWallet{}, newStubKeyStore())

		require.NoError(t, m.scanShielded(t.Context()))

		require.Len(t, transactions.created, 1)
		record := transactions.created[0]
		assert.True(t, record.Shielded)
		assert.Equal(t, "order-42", record.Memo)
		assert.Equal(t, "0.10000000", record.Amount.String())
		assert.Equal(t, "hash100", record.BlockHash)

		p, err := payments.FindByAddress(t.Context(), monitor.ChainZcash, "zs1addr")
		require.NoError(t, err)
		assert.Equal(t, monitor.StatusDetected, p.Status)
		assert.Equal(t, 1, events.counts[monitor.EventPaymentDetected])
	})

	t.Run("skips change entries", func(t *testing.T) {
		conn := newFakeConn()
		conn.responses["z_listreceivedbyaddress"] = `[
			{"txid": "tx1", "amount": 0.05, "memo": "", "confirmations": 1, "change": true, "outindex": 1}
		]`

		transactions := &stubTxRepo{}
		m := newTestMonitor(t, conn, newStubPayments(shieldedPayment("p1", "zs1addr")), transactions, newStubEvents(), &stubWallet{}, newStubKeyStore())

		require.NoError(t, m.scanShielded(t.Context()))

		assert.Empty(t, transactions.created)
	})

	t.Run("replayed entries stay idempotent", func(t *testing.T) {
		conn := newFakeConn()
		conn.responses["z_listreceivedbyaddress"] = `[
			{"txid": "tx1", "amount": 0.1, "memo": "", "confirmations": 1, "change": false, "outindex": 0}
		]`
		conn.responses["getrawtransaction"] = `{"txid": "tx1", "confirmations": 1}`

		transactions := &stubTxRepo{}
		events := newStubEvents()
		m := newTestMonitor(t, conn, newStubPayments(shieldedPayment("p1", "zs1addr")), transactions, events, &stubWallet{}, newStubKeyStore())

		require.NoError(t, m.scanShielded(t.Context()))
		require.NoError(t, m.scanShielded(t.Context()))

		assert.Len(t, transactions.created, 1)
		assert.Equal(t, 1, events.counts[monitor.EventPaymentDetected])
	})
}

func TestMonitor_ScanTransparent(t *testing.T) {
	t.Run("feeds unspent outputs through detection", func(t *testing.T) {
		payment := shieldedPayment("p1", "t1addr")
		payment.Shielded = false

		conn := newFakeConn()
		conn.responses["getblockcount"] = `2400000`
		conn.responses["listunspent"] = `[
			{"txid": "tx1", "vout": 0, "address": "t1addr", "amount": 0.1, "confirmations": 3}
		]`

		payments := newStubPayments(payment)
		transactions := &stubTxRepo{}

		m := newTestMonitor(t, conn, payments, transactions, newStubEvents(), &stubWallet{}, newStubKeyStore())

		require.NoError(t, m.scanTransparent(t.Context()))

		require.Len(t, transactions.created, 1)
		record := transactions.created[0]
		assert.False(t, record.Shielded)
		require.NotNil(t, record.BlockHeight)
		assert.EqualValues(t, 2400000-3+1, *record.BlockHeight)

		p, err := payments.FindByAddress(t.Context(), monitor.ChainZcash, "t1addr")
		require.NoError(t, err)
		assert.Equal(t, monitor.StatusDetected, p.Status)
	})
}
