package monitor

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildSnapshot(t *testing.T) {
	t.Run("splits transparent and shielded addresses", func(t *testing.T) {
		shielded := pendingPayment("p2", "zs1addr")
		shielded.Chain = ChainZcash
		shielded.Shielded = true

		snap := BuildSnapshot([]Payment{pendingPayment("p1", "t1addr"), shielded})

		assert.True(t, snap.ContainsTransparent("t1addr"))
		assert.False(t, snap.ContainsTransparent("zs1addr"))

		paymentID, ok := snap.ShieldedPaymentID("zs1addr")
		require.True(t, ok)
		assert.Equal(t, "p2", paymentID)
	})

	t.Run("excludes payments in terminal states", func(t *testing.T) {
		confirmed := pendingPayment("p1", "t1addr")
		confirmed.Status = StatusConfirmed
		expired := pendingPayment("p2", "t2addr")
		expired.Status = StatusExpired

		snap := BuildSnapshot([]Payment{confirmed, expired})

		assert.True(t, snap.Empty())
	})

	t.Run("keeps detected payments watched", func(t *testing.T) {
		detected := pendingPayment("p1", "t1addr")
		detected.Status = StatusDetected

		snap := BuildSnapshot([]Payment{detected})

		assert.True(t, snap.ContainsTransparent("t1addr"))
	})

	t.Run("matching is exact and case-sensitive", func(t *testing.T) {
		snap := BuildSnapshot([]Payment{pendingPayment("p1", "t1AbC")})

		assert.True(t, snap.ContainsTransparent("t1AbC"))
		assert.False(t, snap.ContainsTransparent("t1abc"))
		assert.False(t, snap.ContainsTransparent("t1AbC "))
	})
}

func TestAddressCache(t *testing.T) {
	t.Run("starts with an empty snapshot", func(t *testing.T) {
		cache := NewAddressCache()

		assert.True(t, cache.Snapshot().Empty())
	})

	t.Run("replace swaps the snapshot atomically for readers", func(t *testing.T) {
		cache := NewAddressCache()

		var wg sync.WaitGroup
		stop := make(chan struct{})

		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}

				snap := cache.Snapshot()
				// A snapshot is immutable: either fully old or fully new,
				// never a mix of both addresses.
				if snap.ContainsTransparent("new") {
					assert.False(t, snap.ContainsTransparent("old"))
				}
			}
		}()

		cache.Replace(BuildSnapshot([]Payment{pendingPayment("p1", "old")}))
		for range 100 {
			cache.Replace(BuildSnapshot([]Payment{pendingPayment("p2", "new")}))
			cache.Replace(BuildSnapshot([]Payment{pendingPayment("p1", "old")}))
		}

		close(stop)
		wg.Wait()
	})
}
