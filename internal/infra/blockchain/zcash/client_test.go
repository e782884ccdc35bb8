package zcash

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/blockpond/paywatch/internal/pkg/resilience/retry"
	"github.com/blockpond/paywatch/internal/pkg/transport/jsonrpc"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn is a scripted jsonrpc.Client keyed by method name.
type fakeConn struct {
	mu        sync.Mutex
	responses map[string]string
	errs      map[string]error
	params    map[string][]any
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

	f.params[method] = params
	if err, ok := f.errs[method]; ok {
		return nil, err
	}

	return json.RawMessage(f.responses[method]), nil
}

func fastRetry() []retry.Option {
	return []retry.Option{retry.WithAttempts(2), retry.WithDelay(time.Millisecond)}
}

func TestClient_ListUnspent(t *testing.T) {
	t.Run("parses entries with exact amounts", func(t *testing.T) {
		conn := newFakeConn()
		conn.responses["listunspent"] = `[
			{"txid": "tx1", "vout": 0, "address": "t1addr", "amount": 0.005, "confirmations": 2, "spendable": false}
		]`
		client := NewClient(conn, fastRetry()...)

		outputs, err := client.ListUnspent(t.Context(), 0, 9999999, []string{"t1addr"})

		require.NoError(t, err)
		assert.Equal(t, []any{int64(0), int64(9999999), []string{"t1addr"}}, conn.params["listunspent"])
		require.Len(t, outputs, 1)
		assert.Equal(t, "t1addr", outputs[0].Address)
		assert.Equal(t, "0.00500000", outputs[0].Amount.String())
		assert.EqualValues(t, 2, outputs[0].Confirmations)
	})
}

func TestClient_ZListReceivedByAddress(t *testing.T) {
	t.Run("parses received notes with memo hex", func(t *testing.T) {
		memoHex, err := EncodeMemo("order-42")
		require.NoError(t, err)

		conn := newFakeConn()
		conn.responses["z_listreceivedbyaddress"] = `[
			{"txid": "tx1", "amount": 0.1, "memo": "` + memoHex + `", "confirmations": 1, "change": false, "outindex": 0}
		]`
		client := NewClient(conn, fastRetry()...)

		received, err := client.ZListReceivedByAddress(t.Context(), "zs1addr", 0)

		require.NoError(t, err)
		assert.Equal(t, []any{"zs1addr", int64(0)}, conn.params["z_listreceivedbyaddress"])
		require.Len(t, received, 1)
		assert.Equal(t, "0.10000000", received[0].Amount.String())

		memo, err := DecodeMemo(received[0].Memo)
		require.NoError(t, err)
		assert.Equal(t, "order-42", memo)
	})
}

func TestClient_ZImportViewingKey(t *testing.T) {
	t.Run("submits key, rescan policy, and start height", func(t *testing.T) {
		conn := newFakeConn()
		conn.responses["z_importviewingkey"] = `null`
		client := NewClient(conn, fastRetry()...)

		err := client.ZImportViewingKey(t.Context(), "zxviews1...", RescanWhenKeyIsNew, 1234567)

		require.NoError(t, err)
		assert.Equal(t, []any{"zxviews1...", "whenkeyisnew", int64(1234567)}, conn.params["z_importviewingkey"])
	})
}

func TestClient_TransparentSurface(t *testing.T) {
	t.Run("inherits the bitcoin-family methods", func(t *testing.T) {
		conn := newFakeConn()
		conn.responses["getblockcount"] = `2400000`
		client := NewClient(conn, fastRetry()...)

		height, err := client.GetBlockCount(t.Context())

		require.NoError(t, err)
		assert.EqualValues(t, 2400000, height)
	})
}
