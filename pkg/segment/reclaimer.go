// Copyright (C) 2019 Cubit Storage, Inc.
// See LICENSE for copying information.

package segment

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cubit-storage/cubit/internal/sync2"
	"github.com/cubit-storage/cubit/pkg/cubit"
	"github.com/cubit-storage/cubit/pkg/fragstore"
	"github.com/cubit-storage/cubit/pkg/mds"
)

type reclaimKey struct {
	id      cubit.ObjectID
	version cubit.Version
}

// Reclaimer removes this member's fragments of versions that are
// tombstoned or superseded, once their retention window has passed.
// Retention keeps in-flight reads of a just-replaced version from losing
// their fragments mid-reconstruction. Commit events feed the todo set; a
// periodic sweep over the local store catches versions whose events were
// missed across restarts.
type Reclaimer struct {
	log       *zap.Logger
	meta      *mds.StateMachine
	store     *fragstore.Store
	self      cubit.NodeID
	retention time.Duration

	mu   sync.Mutex
	todo map[reclaimKey]time.Time

	Loop *sync2.Cycle

	// now is overridable in tests
	now func() time.Time
}

// NewReclaimer creates a reclaimer for this member's local store and
// registers for commit events.
func NewReclaimer(log *zap.Logger, cfg Config, meta *mds.StateMachine, store *fragstore.Store, self cubit.NodeID) *Reclaimer {
	reclaimer := &Reclaimer{
		log:       log,
		meta:      meta,
		store:     store,
		self:      self,
		retention: cfg.Retention,
		todo:      make(map[reclaimKey]time.Time),
		Loop:      sync2.NewCycle(cfg.ReclaimInterval),
		now:       time.Now,
	}
	meta.OnEvent(reclaimer.observe)
	return reclaimer
}

func (reclaimer *Reclaimer) observe(event mds.Event) {
	switch event.Kind {
	case mds.EventPut:
		if event.Superseded != 0 {
			reclaimer.schedule(event.ID, event.Superseded)
		}
	case mds.EventDelete:
		reclaimer.schedule(event.ID, event.Version)
	case mds.EventRelocate:
		// the new placement may have moved a fragment off this member
		reclaimer.schedule(event.ID, event.Version)
	}
}

func (reclaimer *Reclaimer) schedule(id cubit.ObjectID, version cubit.Version) {
	reclaimer.mu.Lock()
	defer reclaimer.mu.Unlock()
	key := reclaimKey{id: id, version: version}
	if _, ok := reclaimer.todo[key]; !ok {
		reclaimer.todo[key] = reclaimer.now().Add(reclaimer.retention)
	}
}

// Run reclaims on every cycle tick until the context is canceled.
func (reclaimer *Reclaimer) Run(ctx context.Context) error {
	return reclaimer.Loop.Run(ctx, func(ctx context.Context) error {
		if err := reclaimer.Reclaim(ctx); err != nil {
			reclaimer.log.Error("reclaim pass failed", zap.Error(err))
		}
		return nil
	})
}

// Reclaim performs one pass: it sweeps the local store for versions that
// lost their liveness without a matching event, then deletes every due
// todo entry whose version is still dead.
func (reclaimer *Reclaimer) Reclaim(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := reclaimer.sweep(ctx); err != nil {
		return err
	}

	now := reclaimer.now()
	reclaimer.mu.Lock()
	var due []reclaimKey
	for key, notBefore := range reclaimer.todo {
		if !notBefore.After(now) {
			due = append(due, key)
		}
	}
	reclaimer.mu.Unlock()

	for _, key := range due {
		if err := ctx.Err(); err != nil {
			return err
		}
		done, err := reclaimer.reclaimOne(ctx, key)
		if err != nil {
			reclaimer.log.Warn("reclaiming version failed",
				zap.Stringer("object", key.id),
				zap.Uint64("version", uint64(key.version)),
				zap.Error(err))
			continue
		}
		if done {
			reclaimer.mu.Lock()
			delete(reclaimer.todo, key)
			reclaimer.mu.Unlock()
		}
	}
	return nil
}

// sweep schedules local fragments whose version is no longer live, or
// whose fragment index is no longer placed on this member.
func (reclaimer *Reclaimer) sweep(ctx context.Context) error {
	keys, err := reclaimer.store.ListKeys(ctx)
	if err != nil {
		return err
	}

	for _, key := range keys {
		if !reclaimer.fragmentLive(key) {
			reclaimer.schedule(key.ID, key.Version)
		}
	}
	return nil
}

// fragmentLive reports whether the local fragment is still referenced by
// the committed metadata. A fragment whose content tag differs from the
// committed checksum was staged by a writer that lost the commit race
// and is garbage regardless of its version's state.
func (reclaimer *Reclaimer) fragmentLive(key fragstore.Key) bool {
	meta, err := reclaimer.meta.VersionMeta(key.ID, key.Version)
	if err != nil || meta.Deleted {
		return false
	}
	if key.Tag != fragstore.Tag(meta.Checksum) {
		return false
	}
	current, err := reclaimer.meta.LookupLocal(key.ID)
	if err != nil || current.Version != key.Version {
		return false
	}
	node, ok := meta.Placement.Node(key.Index)
	return ok && node == reclaimer.self
}

// reclaimOne deletes this member's dead fragments of one version. It
// reports done=false when the version turned live again (a relocation
// moved a fragment back), so the entry is retried rather than leaked.
func (reclaimer *Reclaimer) reclaimOne(ctx context.Context, key reclaimKey) (done bool, err error) {
	meta, err := reclaimer.meta.VersionMeta(key.id, key.version)
	versionDead := err != nil || meta.Deleted
	if !versionDead {
		if current, lerr := reclaimer.meta.LookupLocal(key.id); lerr != nil || current.Version != key.version {
			versionDead = true
		}
	}

	if versionDead {
		if err := reclaimer.store.DeleteVersion(ctx, key.id, key.version); err != nil {
			return false, err
		}
		reclaimer.log.Debug("reclaimed version",
			zap.Stringer("object", key.id),
			zap.Uint64("version", uint64(key.version)))
		return true, nil
	}

	// live version: drop fragments relocated off this member and leftovers
	// staged by writers that lost the commit race
	tag := fragstore.Tag(meta.Checksum)
	localKeys, err := reclaimer.store.ListKeys(ctx)
	if err != nil {
		return false, err
	}
	for _, local := range localKeys {
		if local.ID != key.id || local.Version != key.version {
			continue
		}
		if local.Tag == tag {
			if node, ok := meta.Placement.Node(local.Index); ok && node == reclaimer.self {
				continue
			}
		}
		if err := reclaimer.store.Delete(ctx, local); err != nil {
			return false, err
		}
		reclaimer.log.Debug("reclaimed stale fragment", zap.Stringer("key", local))
	}
	return true, nil
}
