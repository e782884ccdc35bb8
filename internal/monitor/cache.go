package monitor

import (
	"sync/atomic"

	"github.com/blockpond/paywatch/internal/pkg/types"
)

// CacheSnapshot is an immutable view of the addresses belonging to
// payments the core still acts on. Readers treat a snapshot as frozen;
// the refresh path builds a fresh one and swaps it in atomically, so the
// intake hot path never observes partial state.
type CacheSnapshot struct {
	// Transparent holds the plain destination addresses.
	Transparent types.Set[string]

	// Shielded maps each shielded address to the payment expecting funds
	// there. Shielded matching needs the payment identity up front since
	// the node only surfaces received notes per address.
	Shielded map[string]string
}

// ContainsTransparent reports whether the address is being watched as a
// transparent destination. Matching is exact string equality; address
// encodings on both chains are case-sensitive.
func (s *CacheSnapshot) ContainsTransparent(address string) bool {
	_, ok := s.Transparent[address]
	return ok
}

// ShieldedPaymentID returns the payment expecting funds at the given
// shielded address.
func (s *CacheSnapshot) ShieldedPaymentID(address string) (string, bool) {
	id, ok := s.Shielded[address]
	return id, ok
}

// Empty reports whether the snapshot watches no addresses at all.
func (s *CacheSnapshot) Empty() bool {
	return len(s.Transparent) == 0 && len(s.Shielded) == 0
}

// BuildSnapshot derives a snapshot from the non-terminal payments of one
// chain.
func BuildSnapshot(payments []Payment) *CacheSnapshot {
	snap := &CacheSnapshot{
		Transparent: types.NewSet[string](),
		Shielded:    make(map[string]string),
	}

	for _, p := range payments {
		if !p.Status.Watchable() {
			continue
		}

		if p.Shielded {
			snap.Shielded[p.Address] = p.ID
			continue
		}

		snap.Transparent.Add(p.Address)
	}

	return snap
}

// AddressCache publishes the current snapshot to concurrent readers. Only
// the owning monitor's refresh task replaces it.
type AddressCache struct {
	snapshot atomic.Pointer[CacheSnapshot]
}

// NewAddressCache returns a cache holding an empty snapshot.
func NewAddressCache() *AddressCache {
	c := new(AddressCache)
	c.snapshot.Store(BuildSnapshot(nil))
	return c
}

// Snapshot returns the current immutable snapshot.
func (c *AddressCache) Snapshot() *CacheSnapshot {
	return c.snapshot.Load()
}

// Replace atomically swaps in a new snapshot.
func (c *AddressCache) Replace(snap *CacheSnapshot) {
	c.snapshot.Store(snap)
}
