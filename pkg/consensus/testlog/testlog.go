// Copyright (C) 2019 Cubit Storage, Inc.
// See LICENSE for copying information.

// Package testlog implements the consensus.Log contract in memory, with a
// deterministic synchronous commit path, for tests. Every committed entry
// is fanned out to all joined repliers in index order, so replicas observe
// identical committed sequences.
package testlog

import (
	"context"
	"fmt"
	"sync"

	"github.com/cubit-storage/cubit/pkg/consensus"
)

// Cluster is a set of in-memory replicas sharing one committed log.
type Cluster struct {
	mu       sync.Mutex
	index    uint64
	entries  [][]byte
	replicas []*Replica
	leader   *Replica
}

// NewCluster creates an empty cluster with no leader.
func NewCluster() *Cluster { return &Cluster{} }

// Join adds a replica driving the given applier. Entries committed before
// the join are replayed to it first, mimicking log catch-up. The first
// replica to join becomes leader.
func (cluster *Cluster) Join(applier consensus.Applier) *Replica {
	cluster.mu.Lock()
	defer cluster.mu.Unlock()

	replica := &Replica{
		cluster: cluster,
		applier: applier,
		id:      len(cluster.replicas),
		leaderC: make(chan bool, 1),
	}
	for i, entry := range cluster.entries {
		applier.Apply(uint64(i+1), entry)
	}
	cluster.replicas = append(cluster.replicas, replica)
	if cluster.leader == nil {
		cluster.leader = replica
		replica.notify(true)
	}
	return replica
}

// SetLeader transfers leadership to the given replica, or to none when nil.
func (cluster *Cluster) SetLeader(replica *Replica) {
	cluster.mu.Lock()
	defer cluster.mu.Unlock()
	previous := cluster.leader
	cluster.leader = replica
	if previous == replica {
		return
	}
	if previous != nil {
		previous.notify(false)
	}
	if replica != nil {
		replica.notify(true)
	}
}

// Replica implements consensus.Log for one member of the cluster.
type Replica struct {
	cluster *Cluster
	applier consensus.Applier
	id      int
	leaderC chan bool
}

func (replica *Replica) notify(isLeader bool) {
	select {
	case replica.leaderC <- isLeader:
	default:
	}
}

// Propose commits the entry and applies it on every replica in order. The
// proposer's applier result is returned.
func (replica *Replica) Propose(ctx context.Context, entry []byte) (uint64, interface{}, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, consensus.Error.Wrap(err)
	}

	cluster := replica.cluster
	cluster.mu.Lock()
	defer cluster.mu.Unlock()

	if cluster.leader != replica {
		return 0, nil, consensus.ErrNotLeader.New("replica %d is not the leader", replica.id)
	}

	cluster.index++
	index := cluster.index
	cluster.entries = append(cluster.entries, append([]byte(nil), entry...))

	var result interface{}
	for _, member := range cluster.replicas {
		res := member.applier.Apply(index, entry)
		if member == replica {
			result = res
		}
	}
	return index, result, nil
}

// IsLeader reports whether the replica is the current leader.
func (replica *Replica) IsLeader() bool {
	replica.cluster.mu.Lock()
	defer replica.cluster.mu.Unlock()
	return replica.cluster.leader == replica
}

// VerifyLeader returns ErrNotLeader unless the replica is the leader.
func (replica *Replica) VerifyLeader(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return consensus.Error.Wrap(err)
	}
	if !replica.IsLeader() {
		return consensus.ErrNotLeader.New("replica %d is not the leader", replica.id)
	}
	return nil
}

// LeaderAddr returns a synthetic address for the current leader.
func (replica *Replica) LeaderAddr() string {
	replica.cluster.mu.Lock()
	defer replica.cluster.mu.Unlock()
	if replica.cluster.leader == nil {
		return ""
	}
	return fmt.Sprintf("testlog://replica/%d", replica.cluster.leader.id)
}

// LeaderCh delivers leadership changes of this replica.
func (replica *Replica) LeaderCh() <-chan bool { return replica.leaderC }

// Close is a no-op.
func (replica *Replica) Close() error { return nil }
