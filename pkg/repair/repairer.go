// Copyright (C) 2019 Cubit Storage, Inc.
// See LICENSE for copying information.

package repair

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cubit-storage/cubit/internal/sync2"
	"github.com/cubit-storage/cubit/pkg/coordinator"
	"github.com/cubit-storage/cubit/pkg/cubit"
	"github.com/cubit-storage/cubit/pkg/fragstore"
	"github.com/cubit-storage/cubit/pkg/mds"
)

// Config holds repair loop tuning.
type Config struct {
	CheckInterval  time.Duration `help:"how often to scan placements against member health" default:"30s"`
	RepairInterval time.Duration `help:"how often to drain the repair queue" default:"5s"`
	MaxRepair      int           `help:"maximum concurrent repairs" default:"5"`
}

// Repairer drains the repair queue: it reconstructs each injured version
// from surviving fragments, stages replacements on rendezvous-selected
// substitute members, and commits the new placement through the metadata
// state machine. Relocations racing a fresh overwrite lose; the higher
// committed version wins and the stale relocation is discarded.
type Repairer struct {
	log    *zap.Logger
	queue  *Queue
	meta   *mds.StateMachine
	coord  *coordinator.Coordinator
	dialer fragstore.Dialer

	Loop    *sync2.Cycle
	limiter *sync2.Limiter
}

// NewRepairer creates a repairer draining the queue at the configured
// interval with at most cfg.MaxRepair repairs in flight.
func NewRepairer(log *zap.Logger, cfg Config, queue *Queue, meta *mds.StateMachine, coord *coordinator.Coordinator, dialer fragstore.Dialer) *Repairer {
	return &Repairer{
		log:     log,
		queue:   queue,
		meta:    meta,
		coord:   coord,
		dialer:  dialer,
		Loop:    sync2.NewCycle(cfg.RepairInterval),
		limiter: sync2.NewLimiter(cfg.MaxRepair),
	}
}

// Run drains the queue on every cycle tick until the context is canceled.
func (repairer *Repairer) Run(ctx context.Context) error {
	return repairer.Loop.Run(ctx, repairer.process)
}

func (repairer *Repairer) process(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if !repairer.meta.IsLeader() {
		return nil
	}

	var mu sync.Mutex
	var retries []Injury

	for {
		injury, err := repairer.queue.Dequeue(ctx)
		if ErrEmptyQueue.Has(err) {
			break
		}
		if err != nil {
			return err
		}

		repairer.limiter.Go(ctx, func() {
			if err := repairer.Repair(ctx, injury); err != nil {
				repairer.log.Warn("repair failed, retrying next tick",
					zap.Stringer("object", injury.ID),
					zap.Uint64("version", uint64(injury.Version)),
					zap.Error(err))
				mu.Lock()
				retries = append(retries, injury)
				mu.Unlock()
			}
		})
	}
	repairer.limiter.Wait()

	// requeue failures only after the drain is done, so a persistently
	// failing injury is retried once per tick instead of spinning
	for _, injury := range retries {
		if err := repairer.queue.Enqueue(ctx, injury); err != nil {
			repairer.log.Error("requeue failed", zap.Error(err))
		}
	}
	return nil
}

// Repair restores full redundancy for one injured version. Injuries whose
// version has since been tombstoned or superseded are dropped without
// work.
func (repairer *Repairer) Repair(ctx context.Context, injury Injury) (err error) {
	defer mon.Task()(&ctx)(&err)

	meta, err := repairer.meta.VersionMeta(injury.ID, injury.Version)
	if mds.ErrNotFound.Has(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if meta.Deleted {
		return nil
	}

	body, corrupted, err := repairer.coord.Audit(ctx, meta)
	if err != nil {
		return err
	}

	bad := make(map[int]bool, len(injury.BadIndices))
	for _, index := range injury.BadIndices {
		bad[index] = true
	}
	for _, index := range corrupted {
		bad[index] = true
	}
	if len(bad) == 0 {
		return nil
	}

	fragments, err := repairer.coord.Scheme().Encode(body)
	if err != nil {
		return err
	}

	placement, relocated, err := repairer.selectReplacements(meta, bad)
	if err != nil {
		return err
	}

	membership := repairer.meta.Membership()
	tag := fragstore.Tag(meta.Checksum)
	for _, placed := range relocated {
		key := fragstore.Key{ID: meta.ID, Version: meta.Version, Index: placed.Index, Tag: tag}
		if err := repairer.putFragment(ctx, membership, placed.Node, key, fragments[placed.Index]); err != nil {
			return err
		}
	}

	err = repairer.meta.ProposeRelocation(ctx, meta.ID, meta.Version, placement)
	if mds.ErrSuperseded.Has(err) {
		repairer.log.Debug("relocation superseded, dropping",
			zap.Stringer("object", meta.ID),
			zap.Uint64("version", uint64(meta.Version)))
		return nil
	}
	if err != nil {
		return err
	}

	repairer.log.Info("repaired object version",
		zap.Stringer("object", meta.ID),
		zap.Uint64("version", uint64(meta.Version)),
		zap.Int("relocated", len(relocated)))
	return nil
}

// selectReplacements builds the post-repair placement: surviving entries
// keep their members, bad indices move to the best-ranked members not
// already holding a fragment of this version.
func (repairer *Repairer) selectReplacements(meta cubit.ObjectMeta, bad map[int]bool) (placement cubit.Placement, relocated []cubit.PlacedFragment, err error) {
	exclude := make(map[cubit.NodeID]bool, len(meta.Placement.Fragments))
	for _, placed := range meta.Placement.Fragments {
		exclude[placed.Node] = true
	}

	candidates := coordinator.RankMembers(meta.ID, repairer.meta.Membership(), exclude)
	next := 0

	for _, placed := range meta.Placement.Fragments {
		if !bad[placed.Index] {
			placement.Fragments = append(placement.Fragments, placed)
			continue
		}
		if next >= len(candidates) {
			return cubit.Placement{}, nil, Error.New("object %s version %d: no replacement member for fragment %d",
				meta.ID, meta.Version, placed.Index)
		}
		replacement := cubit.PlacedFragment{Index: placed.Index, Node: candidates[next].ID}
		next++
		placement.Fragments = append(placement.Fragments, replacement)
		relocated = append(relocated, replacement)
	}
	return placement, relocated, nil
}

func (repairer *Repairer) putFragment(ctx context.Context, membership cubit.Membership, node cubit.NodeID, key fragstore.Key, data []byte) error {
	member, ok := membership.Find(node)
	if !ok {
		return Error.New("member %s is not part of the segment", node)
	}
	client, err := repairer.dialer.Dial(ctx, member)
	if err != nil {
		return Error.Wrap(err)
	}
	return client.Put(ctx, key, data)
}
