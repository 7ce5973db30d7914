package session

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestRedisBackendGetSetDelete(t *testing.T) {
	mr, rdb := newTestRedis(t)
	b := NewRedisBackend(rdb, "", 0)

	_, ok, err := b.Get(KeyCredential)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.Set(KeyCredential, "tok"))
	assert.True(t, mr.Exists("pagegen:session:token"))

	v, ok, err := b.Get(KeyCredential)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "tok", v)

	require.NoError(t, b.Delete(KeyCredential, KeyProfile))
	assert.False(t, mr.Exists("pagegen:session:token"))
	require.NoError(t, b.Delete())
}

func TestRedisBackendTTL(t *testing.T) {
	mr, rdb := newTestRedis(t)
	b := NewRedisBackend(rdb, "team:", time.Hour)

	require.NoError(t, b.Set(KeyProfile, "{}"))
	assert.Equal(t, time.Hour, mr.TTL("team:user"))

	mr.FastForward(2 * time.Hour)
	_, ok, err := b.Get(KeyProfile)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisBackendSharesSessionBetweenStores(t *testing.T) {
	_, rdb := newTestRedis(t)

	a, err := Open(NewRedisBackend(rdb, "", 0))
	require.NoError(t, err)
	require.NoError(t, a.SetSession("tok", sampleProfile()))

	b, err := Open(NewRedisBackend(rdb, "", 0))
	require.NoError(t, err)
	cred, ok := b.Credential()
	require.True(t, ok)
	assert.Equal(t, "tok", cred)

	require.NoError(t, a.Clear())
	require.NoError(t, b.Reload())
	_, ok = b.Credential()
	assert.False(t, ok)
}

func TestRedisBackendReportsConnectionErrors(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 200 * time.Millisecond})
	t.Cleanup(func() { _ = rdb.Close() })
	b := NewRedisBackend(rdb, "", 0)

	_, _, err := b.Get(KeyCredential)
	assert.Error(t, err)
}
