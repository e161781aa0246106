package consul_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmerrifield20/consulkit/pkg/consul"
)

func TestKV_putGetListKeysDelete(t *testing.T) {
	_, c := newAgent(t)
	ctx := context.Background()
	kv := c.KV()

	_, err := kv.Put(ctx, &consul.KVPair{Key: "app/db/host", Value: []byte("10.0.0.1")}, nil)
	require.NoError(t, err)
	_, err = kv.Put(ctx, &consul.KVPair{Key: "app/db/port", Value: []byte("5432"), Flags: 7}, nil)
	require.NoError(t, err)
	_, err = kv.Put(ctx, &consul.KVPair{Key: "app/name", Value: []byte("shop")}, nil)
	require.NoError(t, err)

	pair, meta, err := kv.Get(ctx, "app/db/port", nil)
	require.NoError(t, err)
	require.NotNil(t, pair)
	assert.Equal(t, "5432", string(pair.Value))
	assert.EqualValues(t, 7, pair.Flags)
	assert.NotZero(t, meta.LastIndex)

	pairs, _, err := kv.List(ctx, "app/db/", nil)
	require.NoError(t, err)
	require.Len(t, pairs, 2)
	assert.Equal(t, "app/db/host", pairs[0].Key)

	keys, _, err := kv.Keys(ctx, "app/", "/", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"app/db/", "app/name"}, keys)

	_, err = kv.Delete(ctx, "app/name", nil)
	require.NoError(t, err)
	pair, _, err = kv.Get(ctx, "app/name", nil)
	require.NoError(t, err)
	assert.Nil(t, pair)

	_, err = kv.DeleteTree(ctx, "app/", nil)
	require.NoError(t, err)
	pairs, _, err = kv.List(ctx, "app/", nil)
	require.NoError(t, err)
	assert.Empty(t, pairs)
}

func TestKV_CAS(t *testing.T) {
	_, c := newAgent(t)
	ctx := context.Background()
	kv := c.KV()

	ok, _, err := kv.CAS(ctx, &consul.KVPair{Key: "lock", Value: []byte("a")}, nil)
	require.NoError(t, err)
	assert.True(t, ok, "index 0 creates an absent key")

	ok, _, err = kv.CAS(ctx, &consul.KVPair{Key: "lock", Value: []byte("b")}, nil)
	require.NoError(t, err)
	assert.False(t, ok, "index 0 refuses an existing key")

	pair, _, err := kv.Get(ctx, "lock", nil)
	require.NoError(t, err)
	pair.Value = []byte("c")
	ok, _, err = kv.CAS(ctx, pair, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _, err = kv.CAS(ctx, pair, nil)
	require.NoError(t, err)
	assert.False(t, ok, "stale index")
}

func TestKV_lockingNeedsSession(t *testing.T) {
	srv, c := newAgent(t)
	ctx := context.Background()

	_, _, err := c.KV().Acquire(ctx, &consul.KVPair{Key: "leader"}, nil)
	assert.ErrorIs(t, err, consul.ErrSessionRequired)
	_, _, err = c.KV().Release(ctx, &consul.KVPair{Key: "leader"}, nil)
	assert.ErrorIs(t, err, consul.ErrSessionRequired)
	assert.Empty(t, srv.Requests())
}

func TestKV_acquireRelease(t *testing.T) {
	_, c := newAgent(t)
	ctx := context.Background()

	first, _, err := c.Session().Create(ctx, &consul.SessionEntry{Name: "a", TTL: "15s"}, nil)
	require.NoError(t, err)
	second, _, err := c.Session().Create(ctx, &consul.SessionEntry{Name: "b"}, nil)
	require.NoError(t, err)

	ok, _, err := c.KV().Acquire(ctx, &consul.KVPair{Key: "leader", Value: []byte("a"), Session: first}, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _, err = c.KV().Acquire(ctx, &consul.KVPair{Key: "leader", Value: []byte("b"), Session: second}, nil)
	require.NoError(t, err)
	assert.False(t, ok, "lock is held")

	pair, _, err := c.KV().Get(ctx, "leader", nil)
	require.NoError(t, err)
	assert.Equal(t, first, pair.Session)
	assert.EqualValues(t, 1, pair.LockIndex)

	ok, _, err = c.KV().Release(ctx, &consul.KVPair{Key: "leader", Session: first}, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _, err = c.KV().Acquire(ctx, &consul.KVPair{Key: "leader", Session: second}, nil)
	require.NoError(t, err)
	assert.True(t, ok)
}
