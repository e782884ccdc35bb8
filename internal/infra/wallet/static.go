// Package wallet adapts the external wallet collaborator. The production
// deployment talks to the wallet service that issued the addresses; this
// package ships a static implementation fed by a JSON export of viewing
// keys, which is also what integration environments use.
package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/blockpond/paywatch/internal/monitor"
)

// ErrViewingKeyNotFound is returned when no viewing key is known for the
// requested address.
var ErrViewingKeyNotFound = errors.New("wallet: no viewing key for address")

// keyEntry is one record of the exported viewing-key file.
type keyEntry struct {
	Key      string `json:"key"`
	Birthday int64  `json:"birthday"`
}

// StaticService serves viewing keys from an in-memory table.
type StaticService struct {
	keys map[string]keyEntry
}

var _ monitor.WalletService = (*StaticService)(nil)

// NewStaticService builds a service over the given address -> key table.
func NewStaticService(keys map[string]monitor.ViewingKey) *StaticService {
	table := make(map[string]keyEntry, len(keys))
	for addr, vk := range keys {
		table[addr] = keyEntry{Key: vk.Key, Birthday: vk.Birthday}
	}

	return &StaticService{keys: table}
}

// LoadStaticService reads a viewing-key export file of the form
//
//	{"<address>": {"key": "zxviews...", "birthday": 1234567}, ...}
//
// An empty path yields an empty service: shielded payments then fail key
// lookup until keys are provided, which is visible in the logs.
func LoadStaticService(path string) (*StaticService, error) {
	if path == "" {
		return &StaticService{keys: map[string]keyEntry{}}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read viewing keys file: %w", err)
	}

	var keys map[string]keyEntry
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("parse viewing keys file: %w", err)
	}

	return &StaticService{keys: keys}, nil
}

// ViewingKeyForAddress returns the viewing key and birthday for a shielded
// address, or ErrViewingKeyNotFound.
func (s *StaticService) ViewingKeyForAddress(ctx context.Context, address string) (monitor.ViewingKey, error) {
	entry, ok := s.keys[address]
	if !ok {
		return monitor.ViewingKey{}, fmt.Errorf("%w: %s", ErrViewingKeyNotFound, address)
	}

	return monitor.ViewingKey{Key: entry.Key, Birthday: entry.Birthday}, nil
}
