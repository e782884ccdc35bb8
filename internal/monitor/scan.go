package monitor

import (
	"context"
	"errors"
	"fmt"

	"github.com/blockpond/paywatch/internal/pkg/logger"
	"github.com/blockpond/paywatch/internal/pkg/types"
)

// TxOutput is one destination of a block transaction, reduced to what
// matching needs.
type TxOutput struct {
	Address string
	Amount  types.Amount
}

// BlockTx is a transaction inside a scanned block.
type BlockTx struct {
	Hash    string
	Outputs []TxOutput
}

// Block is a scanned block reduced to what matching needs. The chain
// monitor packages map their node's block representation into this form.
type Block struct {
	Hash   string
	Height int64
	Txs    []BlockTx
}

// BlockSource supplies blocks by height for the cursor scan.
type BlockSource interface {
	GetBlockCount(ctx context.Context) (int64, error)
	BlockAtHeight(ctx context.Context, height int64) (Block, error)
}

// Scanner advances a chain's persistent cursor block by block, feeding
// every output that pays a watched transparent address into the detector.
// The cursor is written after each fully processed block, never before, so
// a crash re-scans at most the block in flight and no block is skipped.
type Scanner struct {
	chain       Chain
	source      BlockSource
	detector    *Detector
	cursors     CursorStore
	cache       *AddressCache
	maxPerSweep int64
}

// NewScanner builds a Scanner. maxPerSweep bounds how many blocks one
// AdvanceToTip call processes; the next tick resumes where it stopped.
func NewScanner(chain Chain, source BlockSource, detector *Detector, cursors CursorStore, cache *AddressCache, maxPerSweep int64) *Scanner {
	return &Scanner{
		chain:       chain,
		source:      source,
		detector:    detector,
		cursors:     cursors,
		cache:       cache,
		maxPerSweep: maxPerSweep,
	}
}

// AdvanceToTip scans blocks from the stored cursor up to the current chain
// tip (bounded per call) and advances the cursor. It reports whether the
// cursor reached the tip observed at the start of the call; false means
// the per-sweep bound stopped the scan early and another call is needed.
// On the very first run, with no cursor stored, it anchors the cursor at
// the current tip without scanning backwards; there is nothing older than
// the service itself.
func (s *Scanner) AdvanceToTip(ctx context.Context) (bool, error) {
	tip, err := s.source.GetBlockCount(ctx)
	if err != nil {
		return false, fmt.Errorf("read chain tip: %w", err)
	}

	cursor, err := s.cursors.GetCursor(ctx, s.chain)
	if err != nil {
		if !errors.Is(err, ErrNoCursor) {
			return false, fmt.Errorf("load cursor: %w", err)
		}

		logger.Info(ctx, "no cursor stored, anchoring at tip", "chain", s.chain, "tip", tip)
		return true, s.cursors.SetCursor(ctx, s.chain, tip)
	}

	if cursor >= tip {
		return true, nil
	}

	end := tip
	if s.maxPerSweep > 0 && end-cursor > s.maxPerSweep {
		end = cursor + s.maxPerSweep
	}

	for height := cursor + 1; height <= end; height++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		if err := s.scanBlock(ctx, height, tip); err != nil {
			return false, fmt.Errorf("scan block %d: %w", height, err)
		}

		if err := s.cursors.SetCursor(ctx, s.chain, height); err != nil {
			return false, fmt.Errorf("advance cursor to %d: %w", height, err)
		}
	}

	if end < tip {
		logger.Info(ctx, "block scan bounded, resuming next sweep",
			"chain", s.chain,
			"scanned_to", end,
			"tip", tip,
		)
		return false, nil
	}

	return true, nil
}

// scanBlock matches one block's outputs against the current address
// snapshot and feeds hits into the detector.
func (s *Scanner) scanBlock(ctx context.Context, height, tip int64) error {
	block, err := s.source.BlockAtHeight(ctx, height)
	if err != nil {
		return err
	}

	snap := s.cache.Snapshot()
	if snap.Empty() {
		return nil
	}

	confirmations := tip - height + 1

	for _, tx := range block.Txs {
		for _, out := range tx.Outputs {
			if !snap.ContainsTransparent(out.Address) {
				continue
			}

			blockHeight := height
			obs := Observation{
				TxHash:        tx.Hash,
				Address:       out.Address,
				Amount:        out.Amount,
				Confirmations: confirmations,
				BlockHeight:   &blockHeight,
				BlockHash:     block.Hash,
			}

			if err := s.detector.Observe(ctx, obs); err != nil {
				return err
			}
		}
	}

	return nil
}
