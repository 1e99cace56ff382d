package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestInMemoryCache(t *testing.T) {
	cache := NewInMemoryLRUCache[Document]()
	defer cache.Stop()

	t.Run("set_and_get", func(t *testing.T) {
		t.Cleanup(func() {
			goleak.VerifyNone(t)
		})

		local := NewInMemoryLRUCache[Document]()
		defer local.Stop()
		local.Set("key", Document{"name": "Ann"}, 1*time.Second)
		result, ok := local.Get("key")
		require.True(t, ok)
		require.Equal(t, Document{"name": "Ann"}, result)
	})

	t.Run("miss", func(t *testing.T) {
		_, ok := cache.Get("absent")
		require.False(t, ok)
	})

	t.Run("expired_entry_is_a_miss", func(t *testing.T) {
		cache.Set("fleeting", Document{"name": "gone"}, time.Nanosecond)
		time.Sleep(time.Millisecond)
		_, ok := cache.Get("fleeting")
		require.False(t, ok)
	})

	t.Run("stop_multiple_times", func(t *testing.T) {
		t.Cleanup(func() {
			goleak.VerifyNone(t)
		})

		cache.Stop()
		cache.Stop()
	})
}
