// Copyright (C) 2019 Cubit Storage, Inc.
// See LICENSE for copying information.

// Package teststore implements an in-memory key value store for tests.
package teststore

import (
	"errors"
	"sort"
	"sync"

	"github.com/cubit-storage/cubit/storage"
)

// Client implements an in-memory key value store.
type Client struct {
	mu sync.Mutex

	Items     []KeyValue
	CallCount struct {
		Get      int
		Put      int
		List     int
		Delete   int
		Capacity int
		Close    int
	}

	// TotalSpace is the capacity advertised by Capacity.
	TotalSpace int64

	forcedError error
}

// KeyValue is a single item in the store.
type KeyValue struct {
	Key   storage.Key
	Value storage.Value
}

// New creates a new in-memory key-value store.
func New() *Client { return &Client{TotalSpace: 1 << 30} }

// ForceError makes every following operation fail with err until cleared
// with a nil err.
func (store *Client) ForceError(err error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.forcedError = err
}

// indexOf finds index of key or where it could be inserted.
func (store *Client) indexOf(key storage.Key) (int, bool) {
	i := sort.Search(len(store.Items), func(k int) bool {
		return !store.Items[k].Key.Less(key)
	})
	if i >= len(store.Items) {
		return i, false
	}
	return i, store.Items[i].Key.Equal(key)
}

// Put adds a value to the store.
func (store *Client) Put(key storage.Key, value storage.Value) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.CallCount.Put++
	if store.forcedError != nil {
		return store.forcedError
	}
	if key.IsZero() {
		return storage.ErrEmptyKey.New("")
	}

	keyIndex, found := store.indexOf(key)
	if found {
		store.Items[keyIndex].Value = append(storage.Value{}, value...)
		return nil
	}

	store.Items = append(store.Items, KeyValue{})
	copy(store.Items[keyIndex+1:], store.Items[keyIndex:])
	store.Items[keyIndex] = KeyValue{
		Key:   append(storage.Key{}, key...),
		Value: append(storage.Value{}, value...),
	}
	return nil
}

// Get returns the value for a key.
func (store *Client) Get(key storage.Key) (storage.Value, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.CallCount.Get++
	if store.forcedError != nil {
		return nil, store.forcedError
	}

	keyIndex, found := store.indexOf(key)
	if !found {
		return nil, storage.ErrKeyNotFound.New("%q", key)
	}
	return append(storage.Value{}, store.Items[keyIndex].Value...), nil
}

// List returns up to limit keys at or after first, in key order.
func (store *Client) List(first storage.Key, limit storage.Limit) (storage.Keys, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.CallCount.List++
	if store.forcedError != nil {
		return nil, store.forcedError
	}
	if limit <= 0 || limit > storage.LookupLimit {
		limit = storage.LookupLimit
	}

	start, _ := store.indexOf(first)
	var keys storage.Keys
	for i := start; i < len(store.Items); i++ {
		keys = append(keys, append(storage.Key{}, store.Items[i].Key...))
		if storage.Limit(len(keys)) >= limit {
			break
		}
	}
	return keys, nil
}

// Delete removes a key from the store.
func (store *Client) Delete(key storage.Key) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.CallCount.Delete++
	if store.forcedError != nil {
		return store.forcedError
	}

	keyIndex, found := store.indexOf(key)
	if !found {
		return nil
	}
	store.Items = append(store.Items[:keyIndex], store.Items[keyIndex+1:]...)
	return nil
}

// Capacity reports used and total space of the store.
func (store *Client) Capacity() (storage.Capacity, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.CallCount.Capacity++
	if store.forcedError != nil {
		return storage.Capacity{}, store.forcedError
	}

	var used int64
	for _, item := range store.Items {
		used += int64(len(item.Key) + len(item.Value))
	}
	return storage.Capacity{Used: used, Total: store.TotalSpace}, nil
}

// Close closes the store.
func (store *Client) Close() error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.CallCount.Close++
	return nil
}

// ErrForced is a convenient error for ForceError.
var ErrForced = errors.New("forced test error")
