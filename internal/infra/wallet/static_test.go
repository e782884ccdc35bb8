package wallet

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/blockpond/paywatch/internal/monitor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadStaticService(t *testing.T) {
	t.Run("loads a viewing-key export file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "keys.json")
		require.NoError(t, os.WriteFile(path, []byte(
			`{"zs1addr": {"key": "zxviews1...", "birthday": 1200000}}`,
		), 0o600))

		svc, err := LoadStaticService(path)
		require.NoError(t, err)

		vk, err := svc.ViewingKeyForAddress(t.Context(), "zs1addr")
		require.NoError(t, err)
		assert.Equal(t, "zxviews1...", vk.Key)
		assert.EqualValues(t, 1200000, vk.Birthday)
	})

	t.Run("an empty path yields an empty service", func(t *testing.T) {
		svc, err := LoadStaticService("")
		require.NoError(t, err)

		_, err = svc.ViewingKeyForAddress(t.Context(), "zs1addr")
		assert.ErrorIs(t, err, ErrViewingKeyNotFound)
	})

	t.Run("a missing file is an error", func(t *testing.T) {
		_, err := LoadStaticService(filepath.Join(t.TempDir(), "absent.json"))

		assert.Error(t, err)
	})

	t.Run("malformed JSON is an error", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "keys.json")
		require.NoError(t, os.WriteFile(path, []byte(`{`), 0o600))

		_, err := LoadStaticService(path)

		assert.Error(t, err)
	})
}

func TestNewStaticService(t *testing.T) {
	t.Run("serves keys from the given table", func(t *testing.T) {
		svc := NewStaticService(map[string]monitor.ViewingKey{
			"zs1addr": {Key: "zxviews1...", Birthday: 42},
		})

		vk, err := svc.ViewingKeyForAddress(t.Context(), "zs1addr")
		require.NoError(t, err)
		assert.EqualValues(t, 42, vk.Birthday)

		_, err = svc.ViewingKeyForAddress(t.Context(), "unknown")
		assert.ErrorIs(t, err, ErrViewingKeyNotFound)
	})
}
