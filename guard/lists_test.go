package guard

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestListStore(t *testing.T) (*ListStore, *miniredis.Miniredis, time.Time) {
	t.Helper()

	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)

	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { client.Close() })

	now := time.Date(2024, time.June, 23, 10, 15, 30, 0, time.UTC)
	return NewListStore(client, func() time.Time { return now }), server, now
}

func TestListStore_DenyRoundTrip(t *testing.T) {
	store, _, now := newTestListStore(t)
	ctx := context.Background()

	entry, err := store.GetDeny(ctx, "ip:203.0.113.7")
	require.NoError(t, err)
	assert.Nil(t, entry, "unlisted identity yields no entry and no error")

	require.NoError(t, store.Deny(ctx, "ip:203.0.113.7", "credential stuffing", 0))

	entry, err = store.GetDeny(ctx, "ip:203.0.113.7")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "credential stuffing", entry.Reason)
	assert.Equal(t, now, entry.CreatedAt)

	// The deny list never leaks into the allow list.
	entry, err = store.GetAllow(ctx, "ip:203.0.113.7")
	require.NoError(t, err)
	assert.Nil(t, entry)

	require.NoError(t, store.RemoveDeny(ctx, "ip:203.0.113.7"))
	entry, err = store.GetDeny(ctx, "ip:203.0.113.7")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestListStore_AllowEntryExpires(t *testing.T) {
	store, server, _ := newTestListStore(t)
	ctx := context.Background()

	require.NoError(t, store.Allow(ctx, "key:batch-import", "maintenance window", time.Hour))

	entry, err := store.GetAllow(ctx, "key:batch-import")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "maintenance window", entry.Reason)

	server.FastForward(time.Hour + time.Second)

	entry, err = store.GetAllow(ctx, "key:batch-import")
	require.NoError(t, err)
	assert.Nil(t, entry)
}
