// Copyright (C) 2019 Cubit Storage, Inc.
// See LICENSE for copying information.

package repair_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/errs"
	"go.uber.org/zap/zaptest"

	"github.com/cubit-storage/cubit/pkg/consensus/testlog"
	"github.com/cubit-storage/cubit/pkg/coordinator"
	"github.com/cubit-storage/cubit/pkg/cubit"
	"github.com/cubit-storage/cubit/pkg/fragstore"
	"github.com/cubit-storage/cubit/pkg/mds"
	"github.com/cubit-storage/cubit/pkg/repair"
	"github.com/cubit-storage/cubit/storage"
	"github.com/cubit-storage/cubit/storage/teststore"
)

var testConfig = repair.Config{
	CheckInterval:  time.Minute,
	RepairInterval: time.Minute,
	MaxRepair:      2,
}

type testDialer struct {
	mu     sync.Mutex
	stores map[cubit.NodeID]*fragstore.Store
	down   map[cubit.NodeID]bool
	dials  int
}

func (d *testDialer) Dial(ctx context.Context, member cubit.Member) (fragstore.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.down[member.ID] {
		return nil, errs.New("member %s is down", member.ID)
	}
	return fragstore.NewDirect(d.stores[member.ID]), nil
}

func (d *testDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *testDialer) setDown(id cubit.NodeID, down bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.down[id] = down
}

type testSegment struct {
	membership cubit.Membership
	meta       *mds.StateMachine
	coord      *coordinator.Coordinator
	dialer     *testDialer
	queue      *repair.Queue
	checker    *repair.Checker
	repairer   *repair.Repairer
	kvs        map[cubit.NodeID]*teststore.Client
}

func newTestSegment(t *testing.T, dataNodes int) *testSegment {
	t.Helper()
	log := zaptest.NewLogger(t)

	var membership cubit.Membership
	dialer := &testDialer{
		stores: make(map[cubit.NodeID]*fragstore.Store),
		down:   make(map[cubit.NodeID]bool),
	}
	kvs := make(map[cubit.NodeID]*teststore.Client)
	for i := 0; i < dataNodes; i++ {
		id := cubit.NodeID(fmt.Sprintf("node-%d", i+1))
		membership.Members = append(membership.Members, cubit.Member{ID: id, Role: cubit.RoleData})
		kv := teststore.New()
		kvs[id] = kv
		dialer.stores[id] = fragstore.NewStore(log.Named(string(id)), kv)
	}

	meta := mds.New(log.Named("mds"), membership)
	cluster := testlog.NewCluster()
	meta.Bind(cluster.Join(meta))

	coord, err := coordinator.New(log.Named("coordinator"), coordinator.Config{K: 3, M: 2}, meta, dialer)
	require.NoError(t, err)

	queue := repair.NewQueue(log.Named("queue"), teststore.New())
	checker := repair.NewChecker(log.Named("checker"), testConfig, meta, repair.NewDialerHealth(dialer), queue, 3)
	repairer := repair.NewRepairer(log.Named("repairer"), testConfig, queue, meta, coord, dialer)

	return &testSegment{
		membership: membership,
		meta:       meta,
		coord:      coord,
		dialer:     dialer,
		queue:      queue,
		checker:    checker,
		repairer:   repairer,
		kvs:        kvs,
	}
}

func TestQueueDedupesInjuries(t *testing.T) {
	ctx := context.Background()
	queue := repair.NewQueue(zaptest.NewLogger(t), teststore.New())

	id := cubit.NewObjectID()
	require.NoError(t, queue.Enqueue(ctx, repair.Injury{ID: id, Version: 1, BadIndices: []int{0}}))
	// a later scan of the same injured version widens the entry in place
	require.NoError(t, queue.Enqueue(ctx, repair.Injury{ID: id, Version: 1, BadIndices: []int{0, 2}}))
	other := repair.Injury{ID: cubit.NewObjectID(), Version: 3, BadIndices: []int{1}}
	require.NoError(t, queue.Enqueue(ctx, other))

	var injuries []repair.Injury
	for {
		injury, err := queue.Dequeue(ctx)
		if repair.ErrEmptyQueue.Has(err) {
			break
		}
		require.NoError(t, err)
		injuries = append(injuries, injury)
	}

	require.Len(t, injuries, 2)
	assert.Contains(t, injuries, repair.Injury{ID: id, Version: 1, BadIndices: []int{0, 2}})
	assert.Contains(t, injuries, other)
}

func TestCheckerQueuesInjuredObject(t *testing.T) {
	ctx := context.Background()
	segment := newTestSegment(t, 7)
	id := cubit.NewObjectID()

	_, err := segment.coord.Put(ctx, id, []byte("needs redundancy"))
	require.NoError(t, err)

	meta, err := segment.meta.Lookup(ctx, id)
	require.NoError(t, err)
	downNode, ok := meta.Placement.Node(1)
	require.True(t, ok)
	segment.dialer.setDown(downNode, true)

	require.NoError(t, segment.checker.Check(ctx))

	injury, err := segment.queue.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, injury.ID)
	assert.Equal(t, meta.Version, injury.Version)
	assert.Equal(t, []int{1}, injury.BadIndices)
}

func TestCheckerSkipsHealthyAndUnrecoverable(t *testing.T) {
	ctx := context.Background()
	segment := newTestSegment(t, 7)

	healthyID := cubit.NewObjectID()
	_, err := segment.coord.Put(ctx, healthyID, []byte("all members fine"))
	require.NoError(t, err)

	require.NoError(t, segment.checker.Check(ctx))
	_, err = segment.queue.Dequeue(ctx)
	assert.True(t, repair.ErrEmptyQueue.Has(err))

	// losing 3 of 5 holders leaves fewer than k fragments, beyond repair
	meta, err := segment.meta.Lookup(ctx, healthyID)
	require.NoError(t, err)
	for _, index := range []int{0, 1, 2} {
		node, ok := meta.Placement.Node(index)
		require.True(t, ok)
		segment.dialer.setDown(node, true)
	}

	require.NoError(t, segment.checker.Check(ctx))
	_, err = segment.queue.Dequeue(ctx)
	assert.True(t, repair.ErrEmptyQueue.Has(err))
}

func TestRepairRelocatesFragments(t *testing.T) {
	ctx := context.Background()
	segment := newTestSegment(t, 7)
	id := cubit.NewObjectID()
	body := []byte("body that survives relocation")

	_, err := segment.coord.Put(ctx, id, body)
	require.NoError(t, err)

	before, err := segment.meta.Lookup(ctx, id)
	require.NoError(t, err)
	downNode, ok := before.Placement.Node(0)
	require.True(t, ok)
	segment.dialer.setDown(downNode, true)

	require.NoError(t, segment.checker.Check(ctx))
	injury, err := segment.queue.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, segment.repairer.Repair(ctx, injury))

	after, err := segment.meta.Lookup(ctx, id)
	require.NoError(t, err)
	replacement, ok := after.Placement.Node(0)
	require.True(t, ok)
	assert.NotEqual(t, downNode, replacement)
	assert.True(t, after.Placement.Valid())

	// the relocated fragment is durably on the replacement member
	relocatedKey := fragstore.Key{ID: id, Version: after.Version, Index: 0, Tag: fragstore.Tag(after.Checksum)}
	_, err = segment.dialer.stores[replacement].Get(ctx, relocatedKey)
	require.NoError(t, err)

	// reconstruction still verifies against the original checksum
	got, err := segment.coord.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestCheckerDoesNotDuplicateInjuries(t *testing.T) {
	ctx := context.Background()
	segment := newTestSegment(t, 7)
	id := cubit.NewObjectID()

	_, err := segment.coord.Put(ctx, id, []byte("scanned twice"))
	require.NoError(t, err)

	meta, err := segment.meta.Lookup(ctx, id)
	require.NoError(t, err)
	downNode, ok := meta.Placement.Node(1)
	require.True(t, ok)
	segment.dialer.setDown(downNode, true)

	require.NoError(t, segment.checker.Check(ctx))
	require.NoError(t, segment.checker.Check(ctx))

	injury, err := segment.queue.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, injury.ID)

	_, err = segment.queue.Dequeue(ctx)
	assert.True(t, repair.ErrEmptyQueue.Has(err))
}

func TestRepairerDefersFailedRetries(t *testing.T) {
	segment := newTestSegment(t, 7)
	id := cubit.NewObjectID()

	_, err := segment.coord.Put(context.Background(), id, []byte("beyond reach"))
	require.NoError(t, err)
	meta, err := segment.meta.Lookup(context.Background(), id)
	require.NoError(t, err)

	// every member down makes the repair fail persistently
	for _, member := range segment.membership.DataMembers() {
		segment.dialer.setDown(member.ID, true)
	}
	injury := repair.Injury{ID: id, Version: meta.Version, BadIndices: []int{0}}
	require.NoError(t, segment.queue.Enqueue(context.Background(), injury))
	baseline := segment.dialer.dialCount()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- segment.repairer.Run(ctx) }()

	require.Eventually(t, func() bool {
		return segment.dialer.dialCount() > baseline
	}, 5*time.Second, time.Millisecond)

	// the failed injury is back on the queue once the drain pass is over
	require.Eventually(t, func() bool {
		got, err := segment.queue.Dequeue(ctx)
		return err == nil && got.ID == injury.ID
	}, 5*time.Second, 5*time.Millisecond)

	// one attempt per pass, no spinning while the queue drains
	attempts := segment.dialer.dialCount()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, attempts, segment.dialer.dialCount())

	cancel()
	assert.True(t, errors.Is(<-done, context.Canceled))
}

func TestRepairDropsSupersededInjury(t *testing.T) {
	ctx := context.Background()
	segment := newTestSegment(t, 7)
	id := cubit.NewObjectID()

	_, err := segment.coord.Put(ctx, id, []byte("first body"))
	require.NoError(t, err)
	v1, err := segment.meta.Lookup(ctx, id)
	require.NoError(t, err)

	_, err = segment.coord.Put(ctx, id, []byte("second body"))
	require.NoError(t, err)

	err = segment.repairer.Repair(ctx, repair.Injury{ID: id, Version: v1.Version, BadIndices: []int{0}})
	require.NoError(t, err)

	// the superseded version keeps its old placement
	unchanged, err := segment.meta.VersionMeta(id, v1.Version)
	require.NoError(t, err)
	assert.Equal(t, v1.Placement, unchanged.Placement)
}

func TestRepairDropsDeletedInjury(t *testing.T) {
	ctx := context.Background()
	segment := newTestSegment(t, 7)
	id := cubit.NewObjectID()

	_, err := segment.coord.Put(ctx, id, []byte("doomed"))
	require.NoError(t, err)
	meta, err := segment.meta.Lookup(ctx, id)
	require.NoError(t, err)
	require.NoError(t, segment.coord.Delete(ctx, id))

	err = segment.repairer.Repair(ctx, repair.Injury{ID: id, Version: meta.Version, BadIndices: []int{0}})
	require.NoError(t, err)
}

func TestReadReportsCorruptionForRepair(t *testing.T) {
	ctx := context.Background()
	segment := newTestSegment(t, 7)
	segment.coord.OnCorrupted(func(ctx context.Context, meta cubit.ObjectMeta, indices []int) {
		err := segment.queue.Enqueue(ctx, repair.Injury{ID: meta.ID, Version: meta.Version, BadIndices: indices})
		require.NoError(t, err)
	})

	id := cubit.NewObjectID()
	body := []byte("bytes that rot on one member")
	_, err := segment.coord.Put(ctx, id, body)
	require.NoError(t, err)

	meta, err := segment.meta.Lookup(ctx, id)
	require.NoError(t, err)
	corruptedNode, ok := meta.Placement.Node(0)
	require.True(t, ok)
	corruptStoredValues(t, segment.kvs[corruptedNode])

	got, err := segment.coord.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, body, got)

	injury, err := segment.queue.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, injury.BadIndices)

	require.NoError(t, segment.repairer.Repair(ctx, injury))

	after, err := segment.meta.Lookup(ctx, id)
	require.NoError(t, err)
	replacement, ok := after.Placement.Node(0)
	require.True(t, ok)
	assert.NotEqual(t, corruptedNode, replacement)
}

func corruptStoredValues(t *testing.T, kv *teststore.Client) {
	t.Helper()
	keys, err := kv.List(nil, 0)
	require.NoError(t, err)
	require.NotEmpty(t, keys)
	for _, key := range keys {
		value, err := kv.Get(key)
		require.NoError(t, err)
		flipped := append(storage.Value(nil), value...)
		for i := range flipped {
			flipped[i] ^= 0xff
		}
		require.NoError(t, kv.Put(key, flipped))
	}
}
