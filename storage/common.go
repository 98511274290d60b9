// Copyright (C) 2019 Cubit Storage, Inc.
// See LICENSE for copying information.

// Package storage describes the local key/value engine consumed by the
// segment subsystem. The engine's on-disk format is opaque; the segment
// only requires ordered keys and capacity accounting.
package storage

import (
	"bytes"

	"github.com/zeebo/errs"
)

// ErrKeyNotFound used when something doesn't exist.
var ErrKeyNotFound = errs.Class("key not found")

// ErrEmptyKey is returned when an empty key is used in Put.
var ErrEmptyKey = errs.Class("empty key")

// Key is the type for the keys in a `KeyValueStore`.
type Key []byte

// Value is the type for the values in a `KeyValueStore`.
type Value []byte

// Keys is the type for a slice of keys in a `KeyValueStore`.
type Keys []Key

// Values is the type for a slice of values in a `KeyValueStore`.
type Values []Value

// Limit indicates how many keys to return when calling List.
type Limit int

// LookupLimit is the maximum amount of keys returned by a single List.
const LookupLimit = Limit(1000)

// Capacity reports how much of the engine's space is in use.
type Capacity struct {
	Used  int64
	Total int64
}

// KeyValueStore is an interface describing key/value stores like boltdb.
type KeyValueStore interface {
	// Put adds a value to the provided key, returning an error on failure.
	Put(Key, Value) error
	// Get returns the value for a key, or an ErrKeyNotFound error.
	Get(Key) (Value, error)
	// List returns up to limit keys at or after first, in key order.
	// Callers page through larger ranges by passing the successor of the
	// last returned key.
	List(first Key, limit Limit) (Keys, error)
	// Delete removes a key. Deleting a missing key is not an error.
	Delete(Key) error
	// Capacity reports used and total space of the engine.
	Capacity() (Capacity, error)
	Close() error
}

// IsZero returns true if the value struct is its zero value.
func (v Value) IsZero() bool { return len(v) == 0 }

// IsZero returns true if the key struct is its zero value.
func (k Key) IsZero() bool { return len(k) == 0 }

// String implements the Stringer interface.
func (k Key) String() string { return string(k) }

// Less returns whether key is smaller than b.
func (k Key) Less(b Key) bool { return bytes.Compare(k, b) < 0 }

// Equal returns whether key equals b.
func (k Key) Equal(b Key) bool { return bytes.Equal(k, b) }

// HasPrefix returns whether key starts with prefix.
func (k Key) HasPrefix(prefix Key) bool { return bytes.HasPrefix(k, prefix) }
