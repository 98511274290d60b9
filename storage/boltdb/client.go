// Copyright (C) 2019 Cubit Storage, Inc.
// See LICENSE for copying information.

// Package boltdb implements the storage.KeyValueStore interface using Bolt.
package boltdb

import (
	"time"

	"github.com/boltdb/bolt"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/cubit-storage/cubit/storage"
)

// Error is the default boltdb errs class.
var Error = errs.Class("boltdb error")

var defaultTimeout = 1 * time.Second

const (
	// fileMode sets permissions so owner can read and write.
	fileMode   = 0600
	bucketName = "fragments"
)

// Client is the storage interface for the Bolt database.
type Client struct {
	log  *zap.Logger
	db   *bolt.DB
	Path string

	totalSpace int64
}

// New instantiates a new BoltDB client. totalSpace is the advertised engine
// capacity; Bolt itself does not enforce it.
func New(log *zap.Logger, path string, totalSpace int64) (*Client, error) {
	db, err := bolt.Open(path, fileMode, &bolt.Options{Timeout: defaultTimeout})
	if err != nil {
		return nil, Error.Wrap(err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, Error.Wrap(err)
	}

	return &Client{
		log:        log,
		db:         db,
		Path:       path,
		totalSpace: totalSpace,
	}, nil
}

// Put adds a value to the provided key.
func (c *Client) Put(key storage.Key, value storage.Value) error {
	if key.IsZero() {
		return storage.ErrEmptyKey.New("")
	}
	return Error.Wrap(c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Put(key, value)
	}))
}

// Get returns the value for a key.
func (c *Client) Get(key storage.Key) (storage.Value, error) {
	var value storage.Value
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(bucketName)).Get(key)
		if data == nil {
			return storage.ErrKeyNotFound.New("%q", key)
		}
		value = append(value, data...)
		return nil
	})
	if storage.ErrKeyNotFound.Has(err) {
		return nil, err
	}
	return value, Error.Wrap(err)
}

// List returns up to limit keys at or after first, in key order.
func (c *Client) List(first storage.Key, limit storage.Limit) (storage.Keys, error) {
	if limit <= 0 || limit > storage.LookupLimit {
		limit = storage.LookupLimit
	}
	var keys storage.Keys
	err := c.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket([]byte(bucketName)).Cursor()
		for key, _ := cursor.Seek(first); key != nil; key, _ = cursor.Next() {
			keys = append(keys, append(storage.Key{}, key...))
			if storage.Limit(len(keys)) >= limit {
				break
			}
		}
		return nil
	})
	return keys, Error.Wrap(err)
}

// Delete removes a key. Deleting a missing key is not an error.
func (c *Client) Delete(key storage.Key) error {
	return Error.Wrap(c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Delete(key)
	}))
}

// Capacity reports used and total space of the engine. Used space is the
// size of the database file, which includes freelist pages.
func (c *Client) Capacity() (storage.Capacity, error) {
	var used int64
	err := c.db.View(func(tx *bolt.Tx) error {
		used = tx.Size()
		return nil
	})
	if err != nil {
		return storage.Capacity{}, Error.Wrap(err)
	}
	return storage.Capacity{Used: used, Total: c.totalSpace}, nil
}

// Close closes a BoltDB client.
func (c *Client) Close() error {
	return Error.Wrap(c.db.Close())
}
