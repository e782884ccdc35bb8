package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/blockpond/paywatch/internal/monitor"

	"github.com/redis/go-redis/v9"
)

// cursorKeyPrefix is the namespace prefix for the per-chain scan cursors.
const cursorKeyPrefix = "paywatch"

// cursorKey constructs the Redis key storing the highest fully processed
// block height for a chain. The format is:
//
//	"paywatch:cursor:<chain>"
func cursorKey(chain monitor.Chain) string {
	return fmt.Sprintf("%s:cursor:%s", cursorKeyPrefix, chain)
}

// GetCursor returns the stored block height for the chain, or
// monitor.ErrNoCursor when none has been persisted yet.
func (c *client) GetCursor(ctx context.Context, chain monitor.Chain) (int64, error) {
	val, err := c.conn.Get(ctx, cursorKey(chain)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			err = monitor.ErrNoCursor
		}

		return 0, err
	}

	height, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed cursor %q for chain %s: %w", val, chain, err)
	}

	return height, nil
}

// SetCursor records height as the chain's highest fully processed block.
// The key has no expiration; the cursor must survive restarts.
func (c *client) SetCursor(ctx context.Context, chain monitor.Chain, height int64) error {
	return c.conn.Set(ctx, cursorKey(chain), strconv.FormatInt(height, 10), 0).Err()
}

// Compile-time assertion that client implements the CursorStore interface.
var _ monitor.CursorStore = new(client)
