// Copyright (C) 2019 Cubit Storage, Inc.
// See LICENSE for copying information.

// Package segment assembles one member's view of a segment: the
// replicated metadata state machine, the local fragment store, the
// client-facing coordinator and the background repair and reclaim loops.
package segment

import (
	"context"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"github.com/cubit-storage/cubit/pkg/coordinator"
	"github.com/cubit-storage/cubit/pkg/cubit"
	"github.com/cubit-storage/cubit/pkg/fragstore"
	"github.com/cubit-storage/cubit/pkg/mds"
	"github.com/cubit-storage/cubit/pkg/repair"
	"github.com/cubit-storage/cubit/storage"
)

var (
	mon = monkit.Package()

	// Error is the default segment errs class.
	Error = errs.Class("segment error")
)

// Config holds the per-member segment configuration. Erasure parameters
// and membership are fixed at segment creation; loops are tunable.
type Config struct {
	NodeID string `help:"unique member id of this node"`

	Coordinator coordinator.Config
	Repair      repair.Config

	Retention       time.Duration `help:"grace period before reclaiming dead fragments" default:"5m"`
	ReclaimInterval time.Duration `help:"how often to run fragment reclaim" default:"1m"`
}

// Segment is one member's assembled segment subsystem.
type Segment struct {
	log *zap.Logger

	Meta        *mds.StateMachine
	Store       *fragstore.Store
	Coordinator *coordinator.Coordinator
	Queue       *repair.Queue
	Checker     *repair.Checker
	Repairer    *repair.Repairer
	Reclaimer   *Reclaimer
}

// New assembles a segment member. meta must already be constructed with
// the segment's membership; queueKV backs the durable repair queue.
func New(log *zap.Logger, cfg Config, meta *mds.StateMachine, store *fragstore.Store, queueKV storage.KeyValueStore, dialer fragstore.Dialer) (*Segment, error) {
	coord, err := coordinator.New(log.Named("coordinator"), cfg.Coordinator, meta, dialer)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	queue := repair.NewQueue(log.Named("repair:queue"), queueKV)
	health := repair.NewDialerHealth(dialer)
	checker := repair.NewChecker(log.Named("repair:checker"), cfg.Repair, meta, health, queue, coord.Scheme().RequiredCount())
	repairer := repair.NewRepairer(log.Named("repair:repairer"), cfg.Repair, queue, meta, coord, dialer)
	reclaimer := NewReclaimer(log.Named("reclaimer"), cfg, meta, store, cubit.NodeID(cfg.NodeID))

	coord.OnCorrupted(func(ctx context.Context, meta cubit.ObjectMeta, indices []int) {
		err := queue.Enqueue(ctx, repair.Injury{ID: meta.ID, Version: meta.Version, BadIndices: indices})
		if err != nil {
			log.Error("queueing corruption report failed",
				zap.Stringer("object", meta.ID),
				zap.Error(err))
		}
	})

	return &Segment{
		log:         log,
		Meta:        meta,
		Store:       store,
		Coordinator: coord,
		Queue:       queue,
		Checker:     checker,
		Repairer:    repairer,
		Reclaimer:   reclaimer,
	}, nil
}

// Run runs the background loops until the context is canceled or one of
// them fails.
func (segment *Segment) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return segment.Checker.Run(ctx) })
	group.Go(func() error { return segment.Repairer.Run(ctx) })
	group.Go(func() error { return segment.Reclaimer.Run(ctx) })
	return group.Wait()
}

// Put stores a new version of the object.
func (segment *Segment) Put(ctx context.Context, id cubit.ObjectID, body []byte) (cubit.Version, error) {
	return segment.Coordinator.Put(ctx, id, body)
}

// Get returns the current body of the object.
func (segment *Segment) Get(ctx context.Context, id cubit.ObjectID) ([]byte, error) {
	return segment.Coordinator.Get(ctx, id)
}

// Delete tombstones the object.
func (segment *Segment) Delete(ctx context.Context, id cubit.ObjectID) error {
	return segment.Coordinator.Delete(ctx, id)
}
