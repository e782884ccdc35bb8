// Package zcash runs the poll-driven monitor for the zcash-family chain.
// The node publishes no push notifications, so a periodic tick drives the
// cursor scan, the transparent unspent-output scan, and the shielded
// received-notes scan. Shielded visibility depends on viewing keys being
// imported into the node wallet; the import step anchors every key at its
// birthday so payments that arrived before the import are never lost.
package zcash

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	zecrpc "github.com/blockpond/paywatch/internal/infra/blockchain/zcash"
	"github.com/blockpond/paywatch/internal/monitor"
	"github.com/blockpond/paywatch/internal/pkg/logger"
)

// ErrAlreadyStarted is returned if Start is called more than once.
var ErrAlreadyStarted = errors.New("zcash monitor already started")

// listUnspentMaxConf is the upper confirmation bound passed to
// listunspent, effectively "no upper bound".
const listUnspentMaxConf = 9999999

// Config carries the tunables of the zcash-family monitor.
type Config struct {
	PollInterval         time.Duration // default 15s
	CacheRefreshInterval time.Duration // default 60s
	CatchUpMaxBlocks     int64         // default 500
	ViewingKeyLookback   int64         // default 10000 blocks
	ShutdownGrace        time.Duration // default 10s
}

// withDefaults fills zero fields with the documented defaults.
func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 15 * time.Second
	}
	if c.CacheRefreshInterval <= 0 {
		c.CacheRefreshInterval = time.Minute
	}
	if c.CatchUpMaxBlocks <= 0 {
		c.CatchUpMaxBlocks = 500
	}
	if c.ViewingKeyLookback <= 0 {
		c.ViewingKeyLookback = 10000
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 10 * time.Second
	}
	return c
}

// chainSource adapts the RPC client to the scanner and sweep interfaces
// declared by the monitor core.
type chainSource struct {
	rpc *zecrpc.Client
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

	txs := make([]monitor.BlockTx, len(block.Tx))
	for i, tx := range block.Tx {
		outputs := make([]monitor.TxOutput, 0, len(tx.Vout))
		for _, out := range tx.Vout {
			for _, addr := range out.Addresses() {
				outputs = append(outputs, monitor.TxOutput{Address: addr, Amount: out.Value})
			}
		}
		txs[i] = monitor.BlockTx{Hash: tx.Txid, Outputs: outputs}
	}

	return monitor.Block{Hash: block.Hash, Height: block.Height, Txs: txs}, nil
}

func (s chainSource) TransactionStatus(ctx context.Context, txHash string) (monitor.TxStatus, error) {
	status, err := s.rpc.TransactionStatus(ctx, txHash)
	if err != nil {
		return monitor.TxStatus{}, err
	}

	return monitor.TxStatus{Confirmations: status.Confirmations, BlockHash: status.BlockHash}, nil
}

// Monitor is the zcash-family payment monitor.
type Monitor struct {
	cfg          Config
	rpc          *zecrpc.Client
	payments     monitor.PaymentRepository
	wallet       monitor.WalletService
	importedKeys monitor.ImportedKeyStore
	detector     *monitor.Detector
	scanner      *monitor.Scanner
	cache        *monitor.AddressCache
	source       chainSource

	mu        sync.Mutex
	isStarted bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	// imported tracks addresses whose viewing key was confirmed imported
	// during this process lifetime, saving a store round-trip per refresh.
	importedMu sync.Mutex
	imported   map[string]struct{}
}

// New wires a Monitor. The detector must be built for monitor.ChainZcash.
func New(cfg Config, rpc *zecrpc.Client, detector *monitor.Detector, cursors monitor.CursorStore, payments monitor.PaymentRepository, wallet monitor.WalletService, importedKeys monitor.ImportedKeyStore) *Monitor {
	cfg = cfg.withDefaults()

	m := &Monitor{
		cfg:          cfg,
		rpc:          rpc,
		payments:     payments,
		wallet:       wallet,
		importedKeys: importedKeys,
		detector:     detector,
		cache:        monitor.NewAddressCache(),
		source:       chainSource{rpc: rpc},
		imported:     make(map[string]struct{}),
	}
	m.scanner = monitor.NewScanner(monitor.ChainZcash, m.source, detector, cursors, m.cache, cfg.CatchUpMaxBlocks)

	return m
}

// Start connects to the node, rebuilds the address cache, imports missing
// viewing keys, catches up from the persistent cursor, and launches the
// polling and cache-refresh loops.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isStarted {
		return ErrAlreadyStarted
	}

	info, err := m.rpc.GetBlockchainInfo(ctx)
	if err != nil {
		return fmt.Errorf("zcash monitor: connect node: %w", err)
	}

	logger.Info(ctx, "zcash monitor starting",
		"node_chain", info.Chain,
		"tip", info.Blocks,
		"confirmation_threshold", m.detector.Threshold(),
	)

	if err := m.refreshCache(ctx); err != nil {
		return fmt.Errorf("zcash monitor: load address cache: %w", err)
	}

	m.importViewingKeys(ctx)

	for {
		caughtUp, err := m.scanner.AdvanceToTip(ctx)
		if err != nil {
			return fmt.Errorf("zcash monitor: catch-up: %w", err)
		}
		if caughtUp {
			break
		}
	}

	ctx, cancel := context.WithCancel(ctx)

	m.wg.Add(2)
	go m.pollLoop(ctx)
	go m.refreshLoop(ctx)

	m.cancel = cancel
	m.isStarted = true
	return nil
}

// Close stops the polling loops, waiting up to the configured grace period
// for the tick in flight to finish.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.isStarted {
		return
	}

	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(m.cfg.ShutdownGrace):
		logger.Warn(context.Background(), "zcash monitor shutdown grace elapsed")
	}

	m.isStarted = false
	m.cancel = nil
}

// pollLoop drives the poll tick at the configured interval.
func (m *Monitor) pollLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.poll(ctx)
		}
	}
}

// poll runs one tick: cursor scan, transparent scan, shielded scan,
// confirmation sweep, expiry sweep. Each stage's failure is logged and the
// remaining stages still run; the next tick retries everything.
func (m *Monitor) poll(ctx context.Context) {
	if _, err := m.scanner.AdvanceToTip(ctx); err != nil {
		logger.Warn(ctx, "zcash block scan failed", "error", err)
	}

	if err := m.scanTransparent(ctx); err != nil {
		logger.Warn(ctx, "zcash transparent scan failed", "error", err)
	}

	if err := m.scanShielded(ctx); err != nil {
		logger.Warn(ctx, "zcash shielded scan failed", "error", err)
	}

	if err := m.detector.UpdateConfirmations(ctx, m.source); err != nil {
		logger.Warn(ctx, "zcash confirmation sweep failed", "error", err)
	}

	if err := m.detector.ExpireOverdue(ctx, time.Now().UTC()); err != nil {
		logger.Warn(ctx, "zcash expiry sweep failed", "error", err)
	}
}

// scanTransparent lists unspent outputs for every watched transparent
// address, including zero-confirmation mempool outputs, and feeds them
// into the detector.
func (m *Monitor) scanTransparent(ctx context.Context) error {
	snap := m.cache.Snapshot()
	if len(snap.Transparent) == 0 {
		return nil
	}

	tip, err := m.rpc.GetBlockCount(ctx)
	if err != nil {
		return fmt.Errorf("read chain tip: %w", err)
	}

	for address := range snap.Transparent {
		if err := ctx.Err(); err != nil {
			return err
		}

		outputs, err := m.rpc.ListUnspent(ctx, 0, listUnspentMaxConf, []string{address})
		if err != nil {
			logger.Warn(ctx, "listunspent failed", "address", address, "error", err)
			continue
		}

		for _, out := range outputs {
			var blockHeight *int64
			if out.Confirmations > 0 {
				h := tip - out.Confirmations + 1
				blockHeight = &h
			}

			obs := monitor.Observation{
				TxHash:        out.Txid,
				Address:       out.Address,
				Amount:        out.Amount,
				Confirmations: out.Confirmations,
				BlockHeight:   blockHeight,
			}

			if err := m.detector.Observe(ctx, obs); err != nil {
				return err
			}
		}
	}

	return nil
}

// scanShielded lists the notes received by every watched shielded address.
// Amounts come from the decrypted note entries; transaction outputs are
// encrypted on chain and carry nothing matchable.
func (m *Monitor) scanShielded(ctx context.Context) error {
	snap := m.cache.Snapshot()
	if len(snap.Shielded) == 0 {
		return nil
	}

	for address := range snap.Shielded {
		if err := ctx.Err(); err != nil {
			return err
		}

		received, err := m.rpc.ZListReceivedByAddress(ctx, address, 0)
		if err != nil {
			logger.Warn(ctx, "z_listreceivedbyaddress failed", "address", address, "error", err)
			continue
		}

		for _, entry := range received {
			if entry.Change {
				continue
			}

			memo, err := zecrpc.DecodeMemo(entry.Memo)
			if err != nil {
				logger.Warn(ctx, "memo decode failed", "txid", entry.Txid, "error", err)
				memo = ""
			}

			// Inclusion metadata comes from the transaction lookup; the
			// received entry only carries the confirmation count.
			var blockHash string
			if tx, err := m.rpc.GetRawTransaction(ctx, entry.Txid); err == nil {
				blockHash = tx.BlockHash
			}

			obs := monitor.Observation{
				TxHash:        entry.Txid,
				Address:       address,
				Amount:        entry.Amount,
				Confirmations: entry.Confirmations,
				BlockHash:     blockHash,
				Shielded:      true,
				Memo:          memo,
			}

			if err := m.detector.Observe(ctx, obs); err != nil {
				return err
			}
		}
	}

	return nil
}

// importViewingKeys submits the viewing key of every watched shielded
// address that has not been imported yet. A key with a known birthday is
// anchored there; an unknown birthday falls back to a bounded lookback
// with a forced rescan. Importing at the current tip would silently lose
// anything that arrived between address issuance and import. Failed
// imports stay out of the imported set so the next refresh retries them.
func (m *Monitor) importViewingKeys(ctx context.Context) {
	snap := m.cache.Snapshot()
	if len(snap.Shielded) == 0 {
		return
	}

	for address := range snap.Shielded {
		if m.isImported(ctx, address) {
			continue
		}

		if err := m.importKey(ctx, address); err != nil {
			logger.Warn(ctx, "viewing key import failed", "address", address, "error", err)
			continue
		}

		m.markImported(ctx, address)
	}
}

// isImported checks the process-lifetime set first, then the persistent
// store.
func (m *Monitor) isImported(ctx context.Context, address string) bool {
	m.importedMu.Lock()
	_, ok := m.imported[address]
	m.importedMu.Unlock()
	if ok {
		return true
	}

	imported, err := m.importedKeys.IsImported(ctx, monitor.ChainZcash, address)
	if err != nil {
		logger.Warn(ctx, "imported-key lookup failed", "address", address, "error", err)
		return false
	}

	if imported {
		m.importedMu.Lock()
		m.imported[address] = struct{}{}
		m.importedMu.Unlock()
	}

	return imported
}

// importKey fetches the viewing key and submits it to the node.
func (m *Monitor) importKey(ctx context.Context, address string) error {
	vk, err := m.wallet.ViewingKeyForAddress(ctx, address)
	if err != nil {
		return fmt.Errorf("fetch viewing key: %w", err)
	}

	startHeight := vk.Birthday
	rescan := zecrpc.RescanWhenKeyIsNew

	if startHeight <= 0 {
		tip, err := m.rpc.GetBlockCount(ctx)
		if err != nil {
			return fmt.Errorf("read chain tip: %w", err)
		}

		startHeight = tip - m.cfg.ViewingKeyLookback
		if startHeight < 0 {
			startHeight = 0
		}
		rescan = zecrpc.RescanYes
	}

	if err := m.rpc.ZImportViewingKey(ctx, vk.Key, rescan, startHeight); err != nil {
		return fmt.Errorf("import viewing key: %w", err)
	}

	logger.Info(ctx, "viewing key imported",
		"address", address,
		"start_height", startHeight,
		"rescan", string(rescan),
	)
	return nil
}

// markImported records a successful import in both the process-lifetime
// set and the persistent store.
func (m *Monitor) markImported(ctx context.Context, address string) {
	m.importedMu.Lock()
	m.imported[address] = struct{}{}
	m.importedMu.Unlock()

	if err := m.importedKeys.MarkImported(ctx, monitor.ChainZcash, address); err != nil {
		logger.Warn(ctx, "imported-key persist failed", "address", address, "error", err)
	}
}

// refreshLoop periodically replaces the address cache and imports keys for
// any newly appearing shielded addresses.
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
				logger.Warn(ctx, "zcash address cache refresh failed", "error", err)
				continue
			}

			m.importViewingKeys(ctx)
		}
	}
}

// refreshCache rebuilds the snapshot from the repository and swaps it in.
func (m *Monitor) refreshCache(ctx context.Context) error {
	payments, err := m.payments.FindNonTerminalByChain(ctx, monitor.ChainZcash)
	if err != nil {
		return err
	}

	snap := monitor.BuildSnapshot(payments)
	m.cache.Replace(snap)

	logger.Debug(ctx, "zcash address cache refreshed",
		"transparent", len(snap.Transparent),
		"shielded", len(snap.Shielded),
	)
	return nil
}
