// Package zcash implements the RPC surface the monitors require from a
// zcashd-compatible node. It layers the shielded-pool calls on top of the
// bitcoin-family surface, which zcashd exposes unchanged for transparent
// addresses.
package zcash

import (
	"context"
	"encoding/json"

	"github.com/blockpond/paywatch/internal/infra/blockchain/bitcoin"
	"github.com/blockpond/paywatch/internal/pkg/resilience/retry"
	"github.com/blockpond/paywatch/internal/pkg/transport/jsonrpc"
	"github.com/blockpond/paywatch/internal/pkg/types"
)

// RescanPolicy controls whether z_importviewingkey triggers a wallet rescan.
type RescanPolicy string

const (
	RescanYes          RescanPolicy = "yes"
	RescanNo           RescanPolicy = "no"
	RescanWhenKeyIsNew RescanPolicy = "whenkeyisnew"
)

// Client talks to a zcashd-compatible node. The embedded bitcoin.Client
// serves every transparent-pool call; the shielded-pool calls live here.
type Client struct {
	*bitcoin.Client

	conn  jsonrpc.Client
	retry retry.Retry
}

// NewClient builds a Client on top of the given JSON-RPC connection, with
// the same retry policy applied to transparent and shielded calls alike.
func NewClient(conn jsonrpc.Client, opts ...retry.Option) *Client {
	retryOpts := append(opts, retry.WithRetryIf(func(err error) bool {
		return !jsonrpc.IsTerminal(err)
	}))

	return &Client{
		Client: bitcoin.NewClient(conn, opts...),
		conn:   conn,
		retry:  retry.New(retryOpts...),
	}
}

// call performs a retried JSON-RPC call and decodes the result into out.
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

// UnspentOutput is one entry of a listunspent response.
type UnspentOutput struct {
	Txid          string       `json:"txid"`
	Vout          uint32       `json:"vout"`
	Address       string       `json:"address"`
	Amount        types.Amount `json:"amount"`
	Confirmations int64        `json:"confirmations"`
	Spendable     bool         `json:"spendable"`
}

// ListUnspent returns the unspent transparent outputs paying any of the
// given addresses, with confirmation counts between minConf and maxConf.
func (c *Client) ListUnspent(ctx context.Context, minConf, maxConf int64, addresses []string) ([]UnspentOutput, error) {
	var outputs []UnspentOutput
	return outputs, c.call(ctx, &outputs, "listunspent", minConf, maxConf, addresses)
}

// ShieldedReceived is one entry of a z_listreceivedbyaddress response.
// The amount comes from the note plaintext the viewing key decrypted;
// transaction outputs themselves are encrypted on chain. Memo is the raw
// 512-byte memo field hex-encoded.
type ShieldedReceived struct {
	Txid          string       `json:"txid"`
	Amount        types.Amount `json:"amount"`
	Memo          string       `json:"memo"`
	Confirmations int64        `json:"confirmations"`
	Change        bool         `json:"change"`
	OutIndex      uint32       `json:"outindex"`
}

// ZListReceivedByAddress lists the notes received by the given shielded
// address with at least minConf confirmations (zero includes the mempool).
// The node requires the address's viewing key to have been imported.
func (c *Client) ZListReceivedByAddress(ctx context.Context, address string, minConf int64) ([]ShieldedReceived, error) {
	var received []ShieldedReceived
	return received, c.call(ctx, &received, "z_listreceivedbyaddress", address, minConf)
}

// ShieldedAddressInfo is the z_validateaddress response.
type ShieldedAddressInfo struct {
	IsValid bool   `json:"isvalid"`
	Address string `json:"address"`
	Type    string `json:"address_type"`
}

// ZValidateAddress asks the node whether the given shielded address is
// well formed for its network.
func (c *Client) ZValidateAddress(ctx context.Context, address string) (ShieldedAddressInfo, error) {
	var info ShieldedAddressInfo
	return info, c.call(ctx, &info, "z_validateaddress", address)
}

// ZImportViewingKey imports a read-only viewing key into the node wallet,
// scanning the chain from startHeight per the rescan policy. Importing a
// key the wallet already holds is a no-op on the node side, so the call is
// safe to repeat.
func (c *Client) ZImportViewingKey(ctx context.Context, key string, rescan RescanPolicy, startHeight int64) error {
	return c.call(ctx, nil, "z_importviewingkey", key, string(rescan), startHeight)
}
