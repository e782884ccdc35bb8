package bitcoin

import "github.com/blockpond/paywatch/internal/pkg/types"

// BlockchainInfo is the subset of the getblockchaininfo response the
// monitors rely on.
type BlockchainInfo struct {
	Chain         string `json:"chain"`
	Blocks        int64  `json:"blocks"`
	Headers       int64  `json:"headers"`
	BestBlockHash string `json:"bestblockhash"`
}

// AddressInfo is the validateaddress response.
type AddressInfo struct {
	IsValid      bool   `json:"isvalid"`
	Address      string `json:"address"`
	ScriptPubKey string `json:"scriptPubKey"`
}

// ScriptPubKey describes the locking script of a transaction output.
// Modern nodes report a single "address" field; older ones report an
// "addresses" array. Both are kept so Addresses() can merge them.
type ScriptPubKey struct {
	Asm           string   `json:"asm"`
	Hex           string   `json:"hex"`
	Type          string   `json:"type"`
	Address       string   `json:"address"`
	AddressesList []string `json:"addresses"`
}

// Output is a single transaction output with its exact decimal value.
type Output struct {
	Value        types.Amount `json:"value"`
	N            uint32       `json:"n"`
	ScriptPubKey ScriptPubKey `json:"scriptPubKey"`
}

// Addresses returns every destination address the output pays to,
// regardless of which response field the node used to report them.
func (o Output) Addresses() []string {
	if o.ScriptPubKey.Address != "" {
		return []string{o.ScriptPubKey.Address}
	}

	return o.ScriptPubKey.AddressesList
}

// RawTransaction is a decoded transaction as returned by getrawtransaction
// (verbose) or decoderawtransaction. Block fields are empty while the
// transaction is unconfirmed, and Confirmations is absent (zero) for a
// transaction still in the mempool.
type RawTransaction struct {
	Txid          string   `json:"txid"`
	Hash          string   `json:"hash"`
	BlockHash     string   `json:"blockhash"`
	Confirmations int64    `json:"confirmations"`
	Time          int64    `json:"time"`
	BlockTime     int64    `json:"blocktime"`
	Vout          []Output `json:"vout"`
}

// Block is a decoded block as returned by getblock at verbosity 2, with
// every transaction expanded.
type Block struct {
	Hash              string           `json:"hash"`
	Height            int64            `json:"height"`
	Time              int64            `json:"time"`
	Confirmations     int64            `json:"confirmations"`
	PreviousBlockHash string           `json:"previousblockhash"`
	Tx                []RawTransaction `json:"tx"`
}

// MempoolEntry is the subset of getmempoolentry the monitors use.
type MempoolEntry struct {
	Time   int64 `json:"time"`
	Height int64 `json:"height"`
}
