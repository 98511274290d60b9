// Copyright (C) 2019 Cubit Storage, Inc.
// See LICENSE for copying information.

package teststore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cubit-storage/cubit/storage"
)

func TestStoreBasics(t *testing.T) {
	store := New()

	require.NoError(t, store.Put(storage.Key("b"), storage.Value("2")))
	require.NoError(t, store.Put(storage.Key("a"), storage.Value("1")))
	require.NoError(t, store.Put(storage.Key("ab"), storage.Value("3")))

	value, err := store.Get(storage.Key("a"))
	require.NoError(t, err)
	assert.Equal(t, storage.Value("1"), value)

	_, err = store.Get(storage.Key("missing"))
	assert.True(t, storage.ErrKeyNotFound.Has(err))

	keys, err := store.List(storage.Key("aa"), 0)
	require.NoError(t, err)
	assert.Equal(t, storage.Keys{storage.Key("ab"), storage.Key("b")}, keys)

	keys, err = store.List(storage.Key("a"), 2)
	require.NoError(t, err)
	assert.Equal(t, storage.Keys{storage.Key("a"), storage.Key("ab")}, keys)

	require.NoError(t, store.Delete(storage.Key("a")))
	require.NoError(t, store.Delete(storage.Key("a"))) // missing is not an error

	keys, err = store.List(storage.Key(""), 0)
	require.NoError(t, err)
	assert.Equal(t, storage.Keys{storage.Key("ab"), storage.Key("b")}, keys)
}

func TestStoreForcedError(t *testing.T) {
	store := New()
	store.ForceError(ErrForced)

	assert.Error(t, store.Put(storage.Key("a"), storage.Value("1")))
	_, err := store.Get(storage.Key("a"))
	assert.Error(t, err)

	store.ForceError(nil)
	assert.NoError(t, store.Put(storage.Key("a"), storage.Value("1")))
}

func TestStoreCapacity(t *testing.T) {
	store := New()
	require.NoError(t, store.Put(storage.Key("key"), storage.Value("value")))

	capacity, err := store.Capacity()
	require.NoError(t, err)
	assert.Equal(t, int64(8), capacity.Used)
	assert.Equal(t, store.TotalSpace, capacity.Total)
}
