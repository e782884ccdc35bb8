// Package bitcoin implements the RPC surface the monitors require from a
// bitcoind-compatible node. All calls go through the shared JSON-RPC client
// and are retried with exponential backoff, except for node errors that are
// terminal (unknown method, invalid parameters, not-found outcomes).
package bitcoin

import (
	"context"
	"encoding/json"

	"github.com/blockpond/paywatch/internal/pkg/resilience/retry"
	"github.com/blockpond/paywatch/internal/pkg/transport/jsonrpc"
)

// Client talks to a bitcoind-compatible node. It is safe for concurrent use.
type Client struct {
	conn  jsonrpc.Client
	retry retry.Retry
}

// NewClient builds a Client on top of the given JSON-RPC connection.
// Calls are retried per the provided policy; terminal node errors
// (jsonrpc.IsTerminal) abort retries immediately.
func NewClient(conn jsonrpc.Client, opts ...retry.Option) *Client {
	opts = append(opts, retry.WithRetryIf(func(err error) bool {
		return !jsonrpc.IsTerminal(err)
	}))

	return &Client{
		conn:  conn,
		retry: retry.New(opts...),
	}
}

// call performs a retried JSON-RPC call and decodes the result into out.
// Pass a nil out to discard the result payload.
func (c *Client) call(ctx context.Context, out any, method string, params ...any) error {
	return c.retry.Execute(ctx, func() error {
		data, err := c.conn.Call(ctx, method, params...)
		if err != nil {
			return err
		}

		if out == nil {
			return nil
		}

		return json.Unmarshal(data, out)
	})
}

// GetBlockCount returns the height of the node's current chain tip.
func (c *Client) GetBlockCount(ctx context.Context) (int64, error) {
	var height int64
	return height, c.call(ctx, &height, "getblockcount")
}

// GetBlockHash returns the hash of the block at the given height.
func (c *Client) GetBlockHash(ctx context.Context, height int64) (string, error) {
	var hash string
	return hash, c.call(ctx, &hash, "getblockhash", height)
}

// GetBlock retrieves the block with the given hash, including every
// transaction fully decoded (verbosity 2).
func (c *Client) GetBlock(ctx context.Context, hash string) (Block, error) {
	var block Block
	return block, c.call(ctx, &block, "getblock", hash, 2)
}

// GetBlockchainInfo returns the node's view of the chain state.
func (c *Client) GetBlockchainInfo(ctx context.Context) (BlockchainInfo, error) {
	var info BlockchainInfo
	return info, c.call(ctx, &info, "getblockchaininfo")
}

// ValidateAddress asks the node whether the given address is well formed
// for its network.
func (c *Client) ValidateAddress(ctx context.Context, address string) (AddressInfo, error) {
	var info AddressInfo
	return info, c.call(ctx, &info, "validateaddress", address)
}

// GetRawTransaction fetches a transaction by id. With verbose set it
// returns the decoded form including outputs, block hash, and confirmation
// count; jsonrpc terminal errors surface when the node does not know the
// transaction.
func (c *Client) GetRawTransaction(ctx context.Context, txid string) (RawTransaction, error) {
	var tx RawTransaction
	return tx, c.call(ctx, &tx, "getrawtransaction", txid, true)
}

// DecodeRawTransaction decodes a serialized transaction hex string without
// requiring the node to know about the transaction.
func (c *Client) DecodeRawTransaction(ctx context.Context, rawHex string) (RawTransaction, error) {
	var tx RawTransaction
	return tx, c.call(ctx, &tx, "decoderawtransaction", rawHex)
}

// GetRawMempool returns the txids currently in the node's mempool.
func (c *Client) GetRawMempool(ctx context.Context) ([]string, error) {
	var txids []string
	return txids, c.call(ctx, &txids, "getrawmempool")
}

// GetMempoolEntry returns mempool metadata for the given txid. A terminal
// not-found node error means the transaction is not in the mempool.
func (c *Client) GetMempoolEntry(ctx context.Context, txid string) (MempoolEntry, error) {
	var entry MempoolEntry
	return entry, c.call(ctx, &entry, "getmempoolentry", txid)
}

// IsInMempool reports whether the given txid is currently in the mempool.
func (c *Client) IsInMempool(ctx context.Context, txid string) (bool, error) {
	_, err := c.GetMempoolEntry(ctx, txid)
	if err != nil {
		if jsonrpc.IsTerminal(err) {
			return false, nil
		}

		return false, err
	}

	return true, nil
}

// TxStatus summarizes a transaction's inclusion state. Confirmations is
// zero while the transaction sits in the mempool and -1 when the node does
// not know it at all (dropped, or orphaned by a reorg).
type TxStatus struct {
	Confirmations int64
	BlockHash     string
}

// TransactionStatus looks up the current inclusion state of the given
// txid, falling back to a mempool probe when the node's transaction index
// does not know the hash.
func (c *Client) TransactionStatus(ctx context.Context, txid string) (TxStatus, error) {
	tx, err := c.GetRawTransaction(ctx, txid)
	if err == nil {
		return TxStatus{Confirmations: tx.Confirmations, BlockHash: tx.BlockHash}, nil
	}

	if !jsonrpc.IsTerminal(err) {
		return TxStatus{}, err
	}

	inMempool, err := c.IsInMempool(ctx, txid)
	if err != nil {
		return TxStatus{}, err
	}
	if inMempool {
		return TxStatus{}, nil
	}

	return TxStatus{Confirmations: -1}, nil
}

// GetConfirmations returns the number of confirmations for the given txid:
// zero while the transaction sits in the mempool, and -1 when the node does
// not know the transaction at all.
func (c *Client) GetConfirmations(ctx context.Context, txid string) (int64, error) {
	status, err := c.TransactionStatus(ctx, txid)
	if err != nil {
		return 0, err
	}

	return status.Confirmations, nil
}
