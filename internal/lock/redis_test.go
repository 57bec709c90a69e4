package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisLocker(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	l := NewRedisLocker(client, "payment_poll_lock:")

	ok, err := l.TryLock(ctx, "p-1", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, mr.Exists("payment_poll_lock:p-1"))

	ok, err = l.TryLock(ctx, "p-1", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must be refused")

	require.NoError(t, l.Unlock(ctx, "p-1"))
	ok, err = l.TryLock(ctx, "p-1", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLocker_Expires(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	l := NewRedisLocker(client, "lock:")

	ok, err := l.TryLock(ctx, "p-2", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Minute)
	ok, err = l.TryLock(ctx, "p-2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
