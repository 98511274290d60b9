// Copyright (C) 2019 Cubit Storage, Inc.
// See LICENSE for copying information.

package boltdb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cubit-storage/cubit/storage"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	client, err := New(zaptest.NewLogger(t), filepath.Join(t.TempDir(), "test.db"), 1<<30)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, client.Close()) })
	return client
}

func TestClientPutGetDelete(t *testing.T) {
	client := newTestClient(t)

	key := storage.Key("object/1/0")
	value := storage.Value("fragment-bytes")

	require.NoError(t, client.Put(key, value))

	got, err := client.Get(key)
	require.NoError(t, err)
	assert.Equal(t, value, got)

	// overwrite with the same bytes is fine
	require.NoError(t, client.Put(key, value))

	require.NoError(t, client.Delete(key))
	_, err = client.Get(key)
	assert.True(t, storage.ErrKeyNotFound.Has(err))

	assert.Error(t, client.Put(nil, value))
}

func TestClientList(t *testing.T) {
	client := newTestClient(t)

	for _, key := range []string{"a/1/0", "a/1/1", "a/2/0", "b/1/0"} {
		require.NoError(t, client.Put(storage.Key(key), storage.Value("x")))
	}

	keys, err := client.List(storage.Key("a/2/"), 0)
	require.NoError(t, err)
	assert.Equal(t, storage.Keys{storage.Key("a/2/0"), storage.Key("b/1/0")}, keys)

	keys, err = client.List(storage.Key("a/"), 2)
	require.NoError(t, err)
	assert.Equal(t, storage.Keys{storage.Key("a/1/0"), storage.Key("a/1/1")}, keys)
}

func TestClientCapacity(t *testing.T) {
	client := newTestClient(t)

	capacity, err := client.Capacity()
	require.NoError(t, err)
	assert.Equal(t, int64(1<<30), capacity.Total)
	assert.True(t, capacity.Used > 0)
}
