// Copyright (C) 2019 Cubit Storage, Inc.
// See LICENSE for copying information.

// Package coordinator orchestrates object puts, gets and deletes across
// the segment: erasure coding, fragment fan-out to member stores, and
// metadata commits through the replicated metadata state machine.
package coordinator

import (
	"context"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"github.com/cubit-storage/cubit/pkg/cubit"
	"github.com/cubit-storage/cubit/pkg/dispersal"
	"github.com/cubit-storage/cubit/pkg/fragstore"
	"github.com/cubit-storage/cubit/pkg/mds"
)

var (
	mon = monkit.Package()

	// Error is the default coordinator errs class.
	Error = errs.Class("coordinator error")

	// ErrUnderQuorum is returned when fewer than the required number of
	// fragment writes succeed and the put cannot be committed.
	ErrUnderQuorum = errs.Class("write under quorum")

	// ErrDeleted is returned when reading an object whose current version
	// is a tombstone.
	ErrDeleted = errs.Class("object deleted")

	// ErrDataLoss is returned when fewer members than required still hold
	// fragments of a committed version.
	ErrDataLoss = errs.Class("data loss")
)

// Config holds the erasure parameters of the segment. They are fixed at
// segment creation.
type Config struct {
	K int `help:"data fragments required to reconstruct an object" default:"3"`
	M int `help:"parity fragments tolerating member loss" default:"2"`
}

// Coordinator serves client-facing object operations for one segment.
type Coordinator struct {
	log    *zap.Logger
	scheme *dispersal.Scheme
	meta   *mds.StateMachine
	dialer fragstore.Dialer

	onCorrupted func(ctx context.Context, meta cubit.ObjectMeta, indices []int)
}

// New creates a coordinator over the segment's metadata state machine and
// a dialer for member fragment stores.
func New(log *zap.Logger, cfg Config, meta *mds.StateMachine, dialer fragstore.Dialer) (*Coordinator, error) {
	scheme, err := dispersal.NewScheme(cfg.K, cfg.M)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &Coordinator{
		log:    log,
		scheme: scheme,
		meta:   meta,
		dialer: dialer,
	}, nil
}

// Scheme returns the dispersal scheme of the segment.
func (c *Coordinator) Scheme() *dispersal.Scheme { return c.scheme }

// OnCorrupted registers a callback invoked when a read discovers stored
// fragments with corrupted bytes. Must be called before serving requests.
func (c *Coordinator) OnCorrupted(fn func(ctx context.Context, meta cubit.ObjectMeta, indices []int)) {
	c.onCorrupted = fn
}

// Put stores a new version of the object. The body is erasure coded into
// k+m fragments staged on rendezvous-selected members; once k fragment
// writes succeed the placement is committed through the metadata state
// machine and the assigned version returned. Fragment keys carry a
// content tag, so writers racing on the same candidate version stage
// side by side and the expected-version precondition at commit picks the
// winner; the loser observes a conflict, never a duplicate version and
// never a spurious quorum failure.
func (c *Coordinator) Put(ctx context.Context, id cubit.ObjectID, body []byte) (_ cubit.Version, err error) {
	defer mon.Task()(&ctx)(&err)

	next, live, err := c.meta.NextVersion(ctx, id)
	if err != nil {
		return 0, err
	}

	checksum := cubit.ChecksumBytes(body)
	fragments, err := c.scheme.Encode(body)
	if err != nil {
		return 0, err
	}

	membership := c.meta.Membership()
	placement, err := SelectPlacement(id, membership, c.scheme.TotalCount())
	if err != nil {
		return 0, err
	}

	successes := c.putFragments(ctx, membership, id, next, fragstore.Tag(checksum), placement, fragments)
	if successes < c.scheme.RequiredCount() {
		return 0, ErrUnderQuorum.New("object %s: %d of %d fragment writes succeeded, need %d",
			id, successes, c.scheme.TotalCount(), c.scheme.RequiredCount())
	}

	version, err := c.meta.ProposePut(ctx, id, checksum, int64(len(body)), placement, &live)
	if err != nil {
		return 0, err
	}
	if version != next {
		c.log.Warn("committed version differs from staged fragments",
			zap.Stringer("object", id),
			zap.Uint64("staged", uint64(next)),
			zap.Uint64("committed", uint64(version)))
	}
	return version, nil
}

// putFragments writes all fragments of one version concurrently and waits
// until a quorum of them succeed or all attempts finish. The writes run
// detached from the caller's cancellation: the parity tail past the
// quorum join point must land even when the client goes away right after
// the ack, and each write is already bounded by its own request timeout.
func (c *Coordinator) putFragments(ctx context.Context, membership cubit.Membership, id cubit.ObjectID, version cubit.Version, tag string, placement cubit.Placement, fragments [][]byte) (successes int) {
	type result struct {
		index int
		err   error
	}
	results := make(chan result, len(placement.Fragments))

	writeCtx := context.WithoutCancel(ctx)
	for _, placed := range placement.Fragments {
		go func(placed cubit.PlacedFragment) {
			key := fragstore.Key{ID: id, Version: version, Index: placed.Index, Tag: tag}
			err := c.putOne(writeCtx, membership, placed.Node, key, fragments[placed.Index])
			results <- result{index: placed.Index, err: err}
		}(placed)
	}

	for range placement.Fragments {
		var res result
		select {
		case res = <-results:
		case <-ctx.Done():
			return successes
		}
		switch {
		case res.err == nil:
			successes++
		case fragstore.ErrRejected.Has(res.err):
			c.log.Warn("fragment write rejected",
				zap.Stringer("object", id),
				zap.Uint64("version", uint64(version)),
				zap.Int("index", res.index))
		default:
			c.log.Debug("fragment write failed",
				zap.Stringer("object", id),
				zap.Int("index", res.index),
				zap.Error(res.err))
		}
		if successes >= c.scheme.RequiredCount() {
			break
		}
	}
	return successes
}

func (c *Coordinator) putOne(ctx context.Context, membership cubit.Membership, node cubit.NodeID, key fragstore.Key, data []byte) error {
	client, err := c.dial(ctx, membership, node)
	if err != nil {
		return err
	}
	return client.Put(ctx, key, data)
}

// Get returns the current body of the object. Fragments are fetched from
// the committed placement, k at a time with fallback to the remaining
// members, and the reconstruction is verified against the committed
// checksum before being returned. A tombstoned object reads as ErrDeleted
// even while its fragments still exist.
func (c *Coordinator) Get(ctx context.Context, id cubit.ObjectID) (_ []byte, err error) {
	defer mon.Task()(&ctx)(&err)

	meta, err := c.meta.Lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if meta.Deleted {
		return nil, ErrDeleted.New("object %s", id)
	}
	return c.Read(ctx, meta)
}

// Read reconstructs the body of a specific committed version. Repair uses
// it directly on superseded versions.
func (c *Coordinator) Read(ctx context.Context, meta cubit.ObjectMeta) (_ []byte, err error) {
	defer mon.Task()(&ctx)(&err)

	membership := c.meta.Membership()
	gathered, err := c.fetchFragments(ctx, membership, meta, c.scheme.RequiredCount())
	if err != nil {
		return nil, err
	}

	body, corrupted, err := c.scheme.Reconstruct(gathered, meta.Checksum)
	if err == nil {
		c.reportCorrupted(ctx, meta, corrupted)
		return body, nil
	}
	if !dispersal.ErrCorruptReconstruction.Has(err) {
		return nil, err
	}

	// A bad fragment slipped into the chosen subset. Gather every fragment
	// still reachable so reconstruction can identify and correct it.
	all, ferr := c.fetchFragments(ctx, membership, meta, len(meta.Placement.Fragments))
	if ferr != nil || len(all) <= len(gathered) {
		return nil, err
	}
	body, corrupted, err = c.scheme.Reconstruct(all, meta.Checksum)
	if err != nil {
		return nil, err
	}
	c.reportCorrupted(ctx, meta, corrupted)
	return body, nil
}

// Audit gathers every reachable fragment of the version and reconstructs
// the body, reporting which stored fragments hold corrupted bytes. Repair
// uses it to relocate bad fragments along with unreachable ones.
func (c *Coordinator) Audit(ctx context.Context, meta cubit.ObjectMeta) (body []byte, corrupted []int, err error) {
	defer mon.Task()(&ctx)(&err)

	membership := c.meta.Membership()
	gathered, err := c.fetchFragments(ctx, membership, meta, len(meta.Placement.Fragments))
	if err != nil {
		return nil, nil, err
	}
	return c.scheme.Reconstruct(gathered, meta.Checksum)
}

func (c *Coordinator) reportCorrupted(ctx context.Context, meta cubit.ObjectMeta, corrupted []int) {
	if len(corrupted) == 0 {
		return
	}
	c.log.Warn("corrupted fragments detected during read",
		zap.Stringer("object", meta.ID),
		zap.Uint64("version", uint64(meta.Version)),
		zap.Ints("indices", corrupted))
	if c.onCorrupted != nil {
		c.onCorrupted(ctx, meta, corrupted)
	}
}

// fetchFragments gathers up to want fragments of the version, fanning out
// want fetches at once and falling back to remaining placement members on
// failure. It returns ErrDataLoss when fewer than the scheme's required
// count can be gathered, and otherwise as many as it found.
func (c *Coordinator) fetchFragments(ctx context.Context, membership cubit.Membership, meta cubit.ObjectMeta, want int) (_ map[int][]byte, err error) {
	defer mon.Task()(&ctx)(&err)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		index int
		data  []byte
		err   error
	}
	pending := meta.Placement.Fragments
	results := make(chan result, len(pending))

	tag := fragstore.Tag(meta.Checksum)
	inflight, launched := 0, 0
	launch := func() {
		placed := pending[launched]
		launched++
		inflight++
		go func() {
			key := fragstore.Key{ID: meta.ID, Version: meta.Version, Index: placed.Index, Tag: tag}
			data, err := c.getOne(ctx, membership, placed.Node, key)
			results <- result{index: placed.Index, data: data, err: err}
		}()
	}
	for inflight < want && launched < len(pending) {
		launch()
	}

	gathered := make(map[int][]byte)
	for inflight > 0 && len(gathered) < want {
		res := <-results
		inflight--
		if res.err != nil {
			c.log.Debug("fragment fetch failed",
				zap.Stringer("object", meta.ID),
				zap.Int("index", res.index),
				zap.Error(res.err))
			if launched < len(pending) {
				launch()
			}
			continue
		}
		gathered[res.index] = res.data
	}

	if len(gathered) < c.scheme.RequiredCount() {
		return nil, ErrDataLoss.New("object %s version %d: only %d of %d fragments reachable, need %d",
			meta.ID, meta.Version, len(gathered), len(pending), c.scheme.RequiredCount())
	}
	return gathered, nil
}

func (c *Coordinator) getOne(ctx context.Context, membership cubit.Membership, node cubit.NodeID, key fragstore.Key) ([]byte, error) {
	client, err := c.dial(ctx, membership, node)
	if err != nil {
		return nil, err
	}
	return client.Get(ctx, key)
}

// Delete tombstones the object. Fragment bytes stay in place until the
// retention window passes and reclaim removes them, so in-flight reads of
// the deleted version are never starved of fragments.
func (c *Coordinator) Delete(ctx context.Context, id cubit.ObjectID) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = c.meta.ProposeDelete(ctx, id)
	return err
}

func (c *Coordinator) dial(ctx context.Context, membership cubit.Membership, node cubit.NodeID) (fragstore.Client, error) {
	member, ok := membership.Find(node)
	if !ok {
		return nil, Error.New("member %s is not part of the segment", node)
	}
	return c.dialer.Dial(ctx, member)
}
