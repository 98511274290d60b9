// Copyright (C) 2019 Cubit Storage, Inc.
// See LICENSE for copying information.

package fragstore

import (
	"context"

	"github.com/cubit-storage/cubit/pkg/cubit"
	"github.com/cubit-storage/cubit/storage"
)

// Client reaches one member's fragment store, local or remote. The
// transport framing behind a remote client is an external concern; the
// segment relies only on these semantics and on Put idempotency.
type Client interface {
	Put(ctx context.Context, key Key, data []byte) error
	Get(ctx context.Context, key Key) ([]byte, error)
	Delete(ctx context.Context, key Key) error
	Capacity(ctx context.Context) (storage.Capacity, error)
}

// Dialer resolves a member to a fragment client.
type Dialer interface {
	Dial(ctx context.Context, member cubit.Member) (Client, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, member cubit.Member) (Client, error)

// Dial implements Dialer.
func (fn DialerFunc) Dial(ctx context.Context, member cubit.Member) (Client, error) {
	return fn(ctx, member)
}

// Direct is an in-process client wrapping a local Store.
type Direct struct {
	store *Store
}

// NewDirect creates an in-process client for the given store.
func NewDirect(store *Store) *Direct { return &Direct{store: store} }

// Put implements Client.
func (d *Direct) Put(ctx context.Context, key Key, data []byte) error {
	return d.store.Put(ctx, key, data)
}

// Get implements Client.
func (d *Direct) Get(ctx context.Context, key Key) ([]byte, error) {
	return d.store.Get(ctx, key)
}

// Delete implements Client.
func (d *Direct) Delete(ctx context.Context, key Key) error {
	return d.store.Delete(ctx, key)
}

// Capacity implements Client.
func (d *Direct) Capacity(ctx context.Context) (storage.Capacity, error) {
	return d.store.Capacity(ctx)
}
