// Copyright (C) 2019 Cubit Storage, Inc.
// See LICENSE for copying information.

// Package fragstore stores erasure coded fragments in a member's local
// key/value engine, keyed by (object id, version, fragment index, content
// tag). Each member owns its fragments exclusively; peers reach them only
// through the fragment RPC.
package fragstore

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"github.com/cubit-storage/cubit/pkg/cubit"
	"github.com/cubit-storage/cubit/storage"
)

var (
	mon = monkit.Package()

	// Error is the default fragstore errs class.
	Error = errs.Class("fragstore error")

	// ErrNotFound is returned when a fragment does not exist.
	ErrNotFound = errs.Class("fragment not found")

	// ErrRejected is returned when a write disagrees with already stored
	// bytes for the same key. Fragments are content addressed, so this
	// never happens on honest retries.
	ErrRejected = errs.Class("fragment rejected")
)

// Key addresses one fragment. The tag is derived from the body checksum,
// so writers racing on the same candidate version stage under disjoint
// keys and never collide before the metadata commit decides the winner.
type Key struct {
	ID      cubit.ObjectID
	Version cubit.Version
	Index   int
	Tag     string
}

// Tag derives the content tag carried in fragment keys from a body
// checksum.
func Tag(checksum []byte) string {
	if len(checksum) > 8 {
		checksum = checksum[:8]
	}
	return hex.EncodeToString(checksum)
}

// String implements the Stringer interface.
func (k Key) String() string {
	return fmt.Sprintf("%s/%020d/%03d/%s", k.ID, k.Version, k.Index, k.Tag)
}

func (k Key) storageKey() storage.Key {
	return storage.Key(k.String())
}

func versionPrefix(id cubit.ObjectID, version cubit.Version) storage.Key {
	return storage.Key(fmt.Sprintf("%s/%020d/", id, version))
}

func objectPrefix(id cubit.ObjectID) storage.Key {
	return storage.Key(id.String() + "/")
}

func parseKey(key storage.Key) (Key, error) {
	parts := strings.Split(key.String(), "/")
	if len(parts) != 4 {
		return Key{}, Error.New("malformed fragment key %q", key)
	}
	id, err := cubit.ObjectIDFromString(parts[0])
	if err != nil {
		return Key{}, Error.Wrap(err)
	}
	version, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return Key{}, Error.Wrap(err)
	}
	index, err := strconv.Atoi(parts[2])
	if err != nil {
		return Key{}, Error.Wrap(err)
	}
	return Key{ID: id, Version: cubit.Version(version), Index: index, Tag: parts[3]}, nil
}

// Store persists fragments through the local engine.
type Store struct {
	log *zap.Logger
	kv  storage.KeyValueStore
}

// NewStore creates a fragment store over the given engine.
func NewStore(log *zap.Logger, kv storage.KeyValueStore) *Store {
	return &Store{log: log, kv: kv}
}

// Put stores fragment bytes. It is idempotent: rewriting a key with the
// same bytes succeeds, so blind retries after RPC timeouts are safe.
func (store *Store) Put(ctx context.Context, key Key, data []byte) (err error) {
	defer mon.Task()(&ctx)(&err)

	existing, err := store.kv.Get(key.storageKey())
	if err == nil {
		if bytes.Equal(existing, data) {
			return nil
		}
		return ErrRejected.New("fragment %s already stored with different bytes", key)
	}
	if !storage.ErrKeyNotFound.Has(err) {
		return Error.Wrap(err)
	}

	return Error.Wrap(store.kv.Put(key.storageKey(), data))
}

// Get returns the fragment bytes.
func (store *Store) Get(ctx context.Context, key Key) (_ []byte, err error) {
	defer mon.Task()(&ctx)(&err)

	data, err := store.kv.Get(key.storageKey())
	if err != nil {
		if storage.ErrKeyNotFound.Has(err) {
			return nil, ErrNotFound.New("%s", key)
		}
		return nil, Error.Wrap(err)
	}
	return data, nil
}

// Delete removes one fragment. Deleting a missing fragment is not an
// error.
func (store *Store) Delete(ctx context.Context, key Key) (err error) {
	defer mon.Task()(&ctx)(&err)
	return Error.Wrap(store.kv.Delete(key.storageKey()))
}

// listRange calls fn for every stored key at or after first, in key
// order, reading the engine one page at a time so stores past the
// engine's lookup limit are still fully visited. Iteration stops when fn
// returns false.
func (store *Store) listRange(first storage.Key, fn func(storage.Key) bool) error {
	for {
		page, err := store.kv.List(first, storage.LookupLimit)
		if err != nil {
			return Error.Wrap(err)
		}
		for _, key := range page {
			if !fn(key) {
				return nil
			}
		}
		if storage.Limit(len(page)) < storage.LookupLimit {
			return nil
		}
		last := page[len(page)-1]
		first = append(append(storage.Key{}, last...), 0)
	}
}

// DeleteVersion removes all locally held fragments of one object version.
func (store *Store) DeleteVersion(ctx context.Context, id cubit.ObjectID, version cubit.Version) (err error) {
	defer mon.Task()(&ctx)(&err)

	prefix := versionPrefix(id, version)
	var keys []storage.Key
	err = store.listRange(prefix, func(key storage.Key) bool {
		if !key.HasPrefix(prefix) {
			return false
		}
		keys = append(keys, key)
		return true
	})
	if err != nil {
		return err
	}
	var group errs.Group
	for _, key := range keys {
		group.Add(store.kv.Delete(key))
	}
	return Error.Wrap(group.Err())
}

// ListVersions returns the versions of the object that have at least one
// fragment stored locally, in increasing order.
func (store *Store) ListVersions(ctx context.Context, id cubit.ObjectID) (_ []cubit.Version, err error) {
	defer mon.Task()(&ctx)(&err)

	prefix := objectPrefix(id)
	var versions []cubit.Version
	err = store.listRange(prefix, func(raw storage.Key) bool {
		if !raw.HasPrefix(prefix) {
			return false
		}
		key, err := parseKey(raw)
		if err != nil {
			store.log.Warn("skipping malformed fragment key", zap.String("key", raw.String()), zap.Error(err))
			return true
		}
		if len(versions) == 0 || versions[len(versions)-1] != key.Version {
			versions = append(versions, key.Version)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return versions, nil
}

// ListKeys returns every fragment key stored locally, in key order.
// Reclaim sweeps use it to find fragments orphaned by missed events.
func (store *Store) ListKeys(ctx context.Context) (_ []Key, err error) {
	defer mon.Task()(&ctx)(&err)

	var keys []Key
	err = store.listRange(nil, func(raw storage.Key) bool {
		key, err := parseKey(raw)
		if err != nil {
			store.log.Warn("skipping malformed fragment key", zap.String("key", raw.String()), zap.Error(err))
			return true
		}
		keys = append(keys, key)
		return true
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// Capacity reports the local engine's used and total space.
func (store *Store) Capacity(ctx context.Context) (_ storage.Capacity, err error) {
	defer mon.Task()(&ctx)(&err)

	capacity, err := store.kv.Capacity()
	return capacity, Error.Wrap(err)
}
