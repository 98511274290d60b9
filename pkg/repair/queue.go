// Copyright (C) 2019 Cubit Storage, Inc.
// See LICENSE for copying information.

// Package repair restores fragment redundancy after member loss. A checker
// scans committed placements against member health and queues injured
// versions; a repairer reconstructs them and relocates fragments to
// replacement members through a committed placement update.
package repair

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"github.com/cubit-storage/cubit/pkg/cubit"
	"github.com/cubit-storage/cubit/storage"
)

var (
	mon = monkit.Package()

	// Error is the default repair errs class.
	Error = errs.Class("repair error")

	// ErrEmptyQueue is returned when the repair queue has no entries.
	ErrEmptyQueue = errs.Class("empty repair queue")
)

// Injury identifies one committed version that lost fragments. BadIndices
// are the fragment indices whose holders are absent, unhealthy or storing
// corrupted bytes.
type Injury struct {
	ID         cubit.ObjectID `json:"id"`
	Version    cubit.Version  `json:"version"`
	BadIndices []int          `json:"bad_indices"`
}

// Queue is a durable queue of injuries backed by a key/value store. Keys
// are derived from the injured object and version, so repeated scans of
// the same injury collapse into a single entry and the queue survives
// restarts.
type Queue struct {
	log *zap.Logger
	kv  storage.KeyValueStore
}

// NewQueue creates a repair queue over the given store.
func NewQueue(log *zap.Logger, kv storage.KeyValueStore) *Queue {
	return &Queue{log: log, kv: kv}
}

func injuryKey(injury Injury) storage.Key {
	return storage.Key(fmt.Sprintf("%s/%020d", injury.ID, injury.Version))
}

// Enqueue adds an injury to the queue. Enqueueing an injury that is
// already queued overwrites it in place.
func (q *Queue) Enqueue(ctx context.Context, injury Injury) (err error) {
	defer mon.Task()(&ctx)(&err)

	value, err := json.Marshal(injury)
	if err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(q.kv.Put(injuryKey(injury), value))
}

// Dequeue removes and returns the first queued injury, or ErrEmptyQueue.
func (q *Queue) Dequeue(ctx context.Context) (_ Injury, err error) {
	defer mon.Task()(&ctx)(&err)

	keys, err := q.kv.List(nil, 1)
	if err != nil {
		return Injury{}, Error.Wrap(err)
	}
	if len(keys) == 0 {
		return Injury{}, ErrEmptyQueue.New("")
	}

	value, err := q.kv.Get(keys[0])
	if err != nil {
		return Injury{}, Error.Wrap(err)
	}
	if err := q.kv.Delete(keys[0]); err != nil {
		return Injury{}, Error.Wrap(err)
	}

	var injury Injury
	if err := json.Unmarshal(value, &injury); err != nil {
		return Injury{}, Error.Wrap(err)
	}
	return injury, nil
}
