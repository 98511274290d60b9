// Copyright (C) 2019 Cubit Storage, Inc.
// See LICENSE for copying information.

package repair

import (
	"context"

	"go.uber.org/zap"

	"github.com/cubit-storage/cubit/internal/sync2"
	"github.com/cubit-storage/cubit/pkg/cubit"
	"github.com/cubit-storage/cubit/pkg/fragstore"
	"github.com/cubit-storage/cubit/pkg/mds"
)

// NodeHealth answers whether a member is currently able to serve
// fragments. Answers may be stale; the checker treats unhealthy as a
// reason to queue an injury, not as proof of loss.
type NodeHealth interface {
	Healthy(ctx context.Context, member cubit.Member) bool
}

// DialerHealth probes members through their fragment store capacity
// endpoint.
type DialerHealth struct {
	dialer fragstore.Dialer
}

// NewDialerHealth creates a NodeHealth probing over the given dialer.
func NewDialerHealth(dialer fragstore.Dialer) *DialerHealth {
	return &DialerHealth{dialer: dialer}
}

// Healthy reports whether the member answers a capacity probe.
func (h *DialerHealth) Healthy(ctx context.Context, member cubit.Member) bool {
	client, err := h.dialer.Dial(ctx, member)
	if err != nil {
		return false
	}
	_, err = client.Capacity(ctx)
	return err == nil
}

// Checker periodically walks committed placements and enqueues versions
// whose fragments are below full redundancy. It runs on every member but
// acts only while its replica leads, so one member scans at a time.
type Checker struct {
	log      *zap.Logger
	meta     *mds.StateMachine
	health   NodeHealth
	queue    *Queue
	required int

	Loop *sync2.Cycle
}

// NewChecker creates a checker scanning at the configured interval.
// required is the fragment count below which an object is unrecoverable.
func NewChecker(log *zap.Logger, cfg Config, meta *mds.StateMachine, health NodeHealth, queue *Queue, required int) *Checker {
	return &Checker{
		log:      log,
		meta:     meta,
		health:   health,
		queue:    queue,
		required: required,
		Loop:     sync2.NewCycle(cfg.CheckInterval),
	}
}

// Run scans on every cycle tick until the context is canceled.
func (checker *Checker) Run(ctx context.Context) error {
	return checker.Loop.Run(ctx, checker.Check)
}

// Check performs a single scan over all committed objects.
func (checker *Checker) Check(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if !checker.meta.IsLeader() {
		return nil
	}

	// snapshot the object list first so no lock is held during probes
	var metas []cubit.ObjectMeta
	checker.meta.IterateObjects(func(meta cubit.ObjectMeta) bool {
		metas = append(metas, meta)
		return true
	})
	membership := checker.meta.Membership()

	healthy := make(map[cubit.NodeID]bool)
	for _, member := range membership.DataMembers() {
		healthy[member.ID] = checker.health.Healthy(ctx, member)
	}

	for _, meta := range metas {
		if err := ctx.Err(); err != nil {
			return err
		}
		if meta.Deleted {
			continue
		}
		checker.checkObject(ctx, meta, healthy)
	}
	return nil
}

func (checker *Checker) checkObject(ctx context.Context, meta cubit.ObjectMeta, healthy map[cubit.NodeID]bool) {
	var bad []int
	for _, placed := range meta.Placement.Fragments {
		if !healthy[placed.Node] {
			bad = append(bad, placed.Index)
		}
	}
	if len(bad) == 0 {
		return
	}

	remaining := len(meta.Placement.Fragments) - len(bad)
	if remaining < checker.required {
		checker.log.Error("object version is unrecoverable",
			zap.Stringer("object", meta.ID),
			zap.Uint64("version", uint64(meta.Version)),
			zap.Int("remaining", remaining),
			zap.Int("required", checker.required))
		return
	}

	err := checker.queue.Enqueue(ctx, Injury{ID: meta.ID, Version: meta.Version, BadIndices: bad})
	if err != nil {
		checker.log.Error("enqueueing injury failed",
			zap.Stringer("object", meta.ID),
			zap.Error(err))
		return
	}
	checker.log.Info("queued injured object",
		zap.Stringer("object", meta.ID),
		zap.Uint64("version", uint64(meta.Version)),
		zap.Ints("bad", bad))
}
