package redisstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	addr := os.Getenv("FRB_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("FRB_TEST_REDIS_ADDR not set")
	}
	prefix := "frb-test:" + time.Now().Format("150405.000000") + ":"
	store, err := New(context.Background(), Options{Addr: addr, Prefix: prefix})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx := context.Background()
		keys, _ := store.Keys(ctx, "")
		for _, k := range keys {
			_ = store.Delete(ctx, k)
		}
		_ = store.Close()
	})
	return store
}

func TestRedisStoreRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, ok, err := store.Get(ctx, "strategy:state")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.Set(ctx, "strategy:state", `{"phase":"HOLDING"}`))
	val, ok, err := store.Get(ctx, "strategy:state")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, `{"phase":"HOLDING"}`, val)

	require.NoError(t, store.Set(ctx, "ops:audit:2", "b"))
	require.NoError(t, store.Set(ctx, "ops:audit:1", "a"))
	keys, err := store.Keys(ctx, "ops:audit:")
	require.NoError(t, err)
	require.Equal(t, []string{"ops:audit:1", "ops:audit:2"}, keys)

	require.NoError(t, store.Delete(ctx, "strategy:state"))
	_, ok, err = store.Get(ctx, "strategy:state")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestNewRequiresAddress(t *testing.T) {
	_, err := New(context.Background(), Options{})
	require.Error(t, err)
}
