package redis

import (
	"context"
	"fmt"

	"github.com/blockpond/paywatch/internal/monitor"
)

// importedKeysKey constructs the Redis key of the set holding shielded
// addresses whose viewing key has been imported into the node wallet.
// The format is:
//
//	"paywatch:viewingkeys:imported:<chain>"
func importedKeysKey(chain monitor.Chain) string {
	return fmt.Sprintf("%s:viewingkeys:imported:%s", cursorKeyPrefix, chain)
}

// IsImported reports whether the address's viewing key has already been
// imported into the node wallet.
func (c *client) IsImported(ctx context.Context, chain monitor.Chain, address string) (bool, error) {
	return c.conn.SIsMember(ctx, importedKeysKey(chain), address).Result()
}

// MarkImported records a successful viewing-key import. Adding an address
// already in the set is a no-op, which keeps repeated imports harmless.
func (c *client) MarkImported(ctx context.Context, chain monitor.Chain, address string) error {
	return c.conn.SAdd(ctx, importedKeysKey(chain), address).Err()
}

// Compile-time assertion that client implements the ImportedKeyStore interface.
var _ monitor.ImportedKeyStore = new(client)
