// Package bitcoin runs the event-driven monitor for the bitcoin-family
// chain. Real-time intake comes from the node's ZMQ notification stream;
// correctness never depends on it, because a periodic reconciliation sweep
// replays the same cursor-driven block scan that startup catch-up uses.
package bitcoin

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	btcrpc "github.com/blockpond/paywatch/internal/infra/blockchain/bitcoin"
	"github.com/blockpond/paywatch/internal/infra/eventstream/zmq"
	"github.com/blockpond/paywatch/internal/monitor"
	"github.com/blockpond/paywatch/internal/pkg/logger"
)

// ErrAlreadyStarted is returned if Start is called more than once.
var ErrAlreadyStarted = errors.New("bitcoin monitor already started")

// Config carries the tunables of the bitcoin-family monitor.
type Config struct {
	ReconcileInterval    time.Duration // default 10s
	CacheRefreshInterval time.Duration // default 60s
	CatchUpMaxBlocks     int64         // default 500
	ShutdownGrace        time.Duration // default 10s
}

// withDefaults fills zero fields with the documented defaults.
func (c Config) withDefaults() Config {
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = 10 * time.Second
	}
	if c.CacheRefreshInterval <= 0 {
		c.CacheRefreshInterval = time.Minute
	}
	if c.CatchUpMaxBlocks <= 0 {
		c.CatchUpMaxBlocks = 500
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 10 * time.Second
	}
	return c
}

// chainSource adapts the RPC client to the scanner and sweep interfaces
// declared by the monitor core.
type chainSource struct {
	rpc *btcrpc.Client
}

var (
	_ monitor.BlockSource        = chainSource{}
	_ monitor.ConfirmationSource = chainSource{}
)

func (s chainSource) GetBlockCount(ctx context.Context) (int64, error) {
	return s.rpc.GetBlockCount(ctx)
}

func (s chainSource) BlockAtHeight(ctx context.Context, height int64) (monitor.Block, error) {
	hash, err := s.rpc.GetBlockHash(ctx, height)
	if err != nil {
		return monitor.Block{}, err
	}

	block, err := s.rpc.GetBlock(ctx, hash)
	if err != nil {
		return monitor.Block{}, err
	}

	return mapBlock(block), nil
}

func (s chainSource) TransactionStatus(ctx context.Context, txHash string) (monitor.TxStatus, error) {
	status, err := s.rpc.TransactionStatus(ctx, txHash)
	if err != nil {
		return monitor.TxStatus{}, err
	}

	return monitor.TxStatus{Confirmations: status.Confirmations, BlockHash: status.BlockHash}, nil
}

// mapBlock reduces a node block to the form the scanner matches against.
func mapBlock(b btcrpc.Block) monitor.Block {
	txs := make([]monitor.BlockTx, len(b.Tx))
	for i, tx := range b.Tx {
		txs[i] = mapTransaction(tx)
	}

	return monitor.Block{
		Hash:   b.Hash,
		Height: b.Height,
		Txs:    txs,
	}
}

// mapTransaction flattens a decoded transaction's outputs to
// (address, amount) pairs, one per destination address.
func mapTransaction(tx btcrpc.RawTransaction) monitor.BlockTx {
	outputs := make([]monitor.TxOutput, 0, len(tx.Vout))
	for _, out := range tx.Vout {
		for _, addr := range out.Addresses() {
			outputs = append(outputs, monitor.TxOutput{Address: addr, Amount: out.Value})
		}
	}

	return monitor.BlockTx{Hash: tx.Txid, Outputs: outputs}
}

// Monitor is the bitcoin-family payment monitor.
type Monitor struct {
	cfg      Config
	rpc      *btcrpc.Client
	stream   *zmq.Subscriber
	payments monitor.PaymentRepository
	detector *monitor.Detector
	scanner  *monitor.Scanner
	cache    *monitor.AddressCache
	source   chainSource

	mu        sync.Mutex
	isStarted bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	// advanceCh coalesces new-block notifications into at most one
	// pending advance; the reconciliation tick covers anything missed.
	advanceCh chan struct{}
}

// New wires a Monitor. The detector must be built for monitor.ChainBitcoin
// and the subscriber must point at the same node as the RPC client.
func New(cfg Config, rpc *btcrpc.Client, stream *zmq.Subscriber, detector *monitor.Detector, cursors monitor.CursorStore, payments monitor.PaymentRepository) *Monitor {
	cfg = cfg.withDefaults()

	m := &Monitor{
		cfg:       cfg,
		rpc:       rpc,
		stream:    stream,
		payments:  payments,
		detector:  detector,
		cache:     monitor.NewAddressCache(),
		source:    chainSource{rpc: rpc},
		advanceCh: make(chan struct{}, 1),
	}
	m.scanner = monitor.NewScanner(monitor.ChainBitcoin, m.source, detector, cursors, m.cache, cfg.CatchUpMaxBlocks)

	return m
}

// Start connects to the node, rebuilds the address cache, catches up from
// the persistent cursor, subscribes to the event stream, and launches the
// periodic sweeps. Failures before the subscription are fatal: the monitor
// refuses to start on a node or repository it cannot read.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isStarted {
		return ErrAlreadyStarted
	}

	info, err := m.rpc.GetBlockchainInfo(ctx)
	if err != nil {
		return fmt.Errorf("bitcoin monitor: connect node: %w", err)
	}

	logger.Info(ctx, "bitcoin monitor starting",
		"node_chain", info.Chain,
		"tip", info.Blocks,
		"confirmation_threshold", m.detector.Threshold(),
	)

	if err := m.refreshCache(ctx); err != nil {
		return fmt.Errorf("bitcoin monitor: load address cache: %w", err)
	}

	if err := m.catchUp(ctx); err != nil {
		return fmt.Errorf("bitcoin monitor: catch-up: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)

	m.stream.Handle(zmq.TopicRawTx, m.handleRawTx)
	m.stream.Handle(zmq.TopicHashBlock, m.handleHashBlock)
	if err := m.stream.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("bitcoin monitor: subscribe event stream: %w", err)
	}

	m.wg.Add(2)
	go m.reconcileLoop(ctx)
	go m.refreshLoop(ctx)

	m.cancel = cancel
	m.isStarted = true
	return nil
}

// Close stops the event stream and the periodic sweeps, waiting up to the
// configured grace period for in-flight handlers to finish.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.isStarted {
		return
	}

	m.cancel()
	m.stream.Close()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(m.cfg.ShutdownGrace):
		logger.Warn(context.Background(), "bitcoin monitor shutdown grace elapsed")
	}

	m.isStarted = false
	m.cancel = nil
}

// Healthy reports whether the push stream is inside its reconnect budget.
// The reconciliation sweep keeps detection correct either way.
func (m *Monitor) Healthy() bool {
	return m.stream.Healthy()
}

// catchUp scans the mempool and the block gap between the stored cursor
// and the current tip, so nothing that arrived while the process was down
// is missed.
func (m *Monitor) catchUp(ctx context.Context) error {
	if err := m.scanMempool(ctx); err != nil {
		return err
	}

	for {
		caughtUp, err := m.scanner.AdvanceToTip(ctx)
		if err != nil {
			return err
		}
		if caughtUp {
			return nil
		}
	}
}

// scanMempool matches every mempool transaction against the address cache.
func (m *Monitor) scanMempool(ctx context.Context) error {
	snap := m.cache.Snapshot()
	if snap.Empty() {
		return nil
	}

	txids, err := m.rpc.GetRawMempool(ctx)
	if err != nil {
		return fmt.Errorf("list mempool: %w", err)
	}

	for _, txid := range txids {
		if err := ctx.Err(); err != nil {
			return err
		}

		tx, err := m.rpc.GetRawTransaction(ctx, txid)
		if err != nil {
			// The transaction may have left the mempool between the two
			// calls; that is not a failure of the scan.
			logger.Debug(ctx, "mempool transaction fetch failed", "txid", txid, "error", err)
			continue
		}

		if err := m.observeUnconfirmed(ctx, snap, tx); err != nil {
			return err
		}
	}

	return nil
}

// observeUnconfirmed feeds every matching output of an unconfirmed
// transaction into the detector as a zero-confirmation sighting.
func (m *Monitor) observeUnconfirmed(ctx context.Context, snap *monitor.CacheSnapshot, tx btcrpc.RawTransaction) error {
	for _, out := range tx.Vout {
		for _, addr := range out.Addresses() {
			if !snap.ContainsTransparent(addr) {
				continue
			}

			obs := monitor.Observation{
				TxHash:        tx.Txid,
				Address:       addr,
				Amount:        out.Value,
				Confirmations: tx.Confirmations,
				BlockHash:     tx.BlockHash,
			}

			if err := m.detector.Observe(ctx, obs); err != nil {
				return err
			}
		}
	}

	return nil
}

// handleRawTx processes a raw-transaction notification: decode via the
// node, match outputs against the cache, and re-fetch the full transaction
// for inclusion metadata before recording the sighting.
func (m *Monitor) handleRawTx(ctx context.Context, payload []byte) error {
	snap := m.cache.Snapshot()
	if snap.Empty() {
		return nil
	}

	decoded, err := m.rpc.DecodeRawTransaction(ctx, hex.EncodeToString(payload))
	if err != nil {
		return fmt.Errorf("decode notified transaction: %w", err)
	}

	matched := false
	for _, out := range decoded.Vout {
		for _, addr := range out.Addresses() {
			if snap.ContainsTransparent(addr) {
				matched = true
			}
		}
	}
	if !matched {
		return nil
	}

	// The notification carries no inclusion state, so ask the node; fall
	// back to the decoded form when it does not know the hash yet.
	tx, err := m.rpc.GetRawTransaction(ctx, decoded.Txid)
	if err != nil {
		tx = decoded
	}

	return m.observeUnconfirmed(ctx, snap, tx)
}

// handleHashBlock reacts to a new-block notification. The payload is only
// a trigger: block contents are always re-fetched through the cursor scan.
func (m *Monitor) handleHashBlock(ctx context.Context, payload []byte) error {
	select {
	case m.advanceCh <- struct{}{}:
	default:
	}
	return nil
}

// reconcileLoop is the periodic reconciliation sweep plus the responder to
// new-block triggers. Either way the same work runs: advance the cursor
// scan, refresh confirmations, expire overdue payments.
func (m *Monitor) reconcileLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.advanceCh:
		case <-ticker.C:
		}

		m.reconcile(ctx)
	}
}

// reconcile runs one sweep; failures are logged and retried next tick.
func (m *Monitor) reconcile(ctx context.Context) {
	if _, err := m.scanner.AdvanceToTip(ctx); err != nil {
		logger.Warn(ctx, "bitcoin block scan failed", "error", err)
	}

	if err := m.detector.UpdateConfirmations(ctx, m.source); err != nil {
		logger.Warn(ctx, "bitcoin confirmation sweep failed", "error", err)
	}

	if err := m.detector.ExpireOverdue(ctx, time.Now().UTC()); err != nil {
		logger.Warn(ctx, "bitcoin expiry sweep failed", "error", err)
	}
}

// refreshLoop periodically replaces the address cache from the payment
// repository.
func (m *Monitor) refreshLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.CacheRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.refreshCache(ctx); err != nil {
				logger.Warn(ctx, "bitcoin address cache refresh failed", "error", err)
			}
		}
	}
}

// refreshCache rebuilds the snapshot from the repository and swaps it in.
func (m *Monitor) refreshCache(ctx context.Context) error {
	payments, err := m.payments.FindNonTerminalByChain(ctx, monitor.ChainBitcoin)
	if err != nil {
		return err
	}

	snap := monitor.BuildSnapshot(payments)
	m.cache.Replace(snap)

	logger.Debug(ctx, "bitcoin address cache refreshed", "addresses", len(snap.Transparent))
	return nil
}
