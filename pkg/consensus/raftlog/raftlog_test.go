// Copyright (C) 2019 Cubit Storage, Inc.
// See LICENSE for copying information.

package raftlog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cubit-storage/cubit/pkg/consensus"
)

type recordingApplier struct {
	mu      sync.Mutex
	indices []uint64
	entries [][]byte
}

func (a *recordingApplier) Apply(index uint64, entry []byte) interface{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.indices = append(a.indices, index)
	a.entries = append(a.entries, append([]byte(nil), entry...))
	return len(a.entries)
}

func (a *recordingApplier) Snapshot() ([]byte, error) { return nil, nil }
func (a *recordingApplier) Restore([]byte) error      { return nil }

func waitForLeader(t *testing.T, log *Log) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if log.IsLeader() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no leader elected in time")
}

func TestSingleNodePropose(t *testing.T) {
	applier := &recordingApplier{}
	log, err := NewInmem(zaptest.NewLogger(t), Config{
		NodeID:       "node-1",
		ApplyTimeout: 5 * time.Second,
		Bootstrap:    true,
	}, applier)
	require.NoError(t, err)
	defer func() { require.NoError(t, log.Close()) }()

	waitForLeader(t, log)

	ctx := context.Background()
	require.NoError(t, log.VerifyLeader(ctx))

	index, result, err := log.Propose(ctx, []byte("first"))
	require.NoError(t, err)
	assert.NotZero(t, index)
	assert.Equal(t, 1, result)

	index2, result2, err := log.Propose(ctx, []byte("second"))
	require.NoError(t, err)
	assert.True(t, index2 > index)
	assert.Equal(t, 2, result2)

	applier.mu.Lock()
	defer applier.mu.Unlock()
	require.Len(t, applier.entries, 2)
	assert.Equal(t, []byte("first"), applier.entries[0])
	assert.Equal(t, []byte("second"), applier.entries[1])
	assert.True(t, applier.indices[0] < applier.indices[1])
}

func TestSplitPeer(t *testing.T) {
	id, addr, ok := splitPeer("node-2@127.0.0.1:7000")
	require.True(t, ok)
	assert.Equal(t, "node-2", id)
	assert.Equal(t, "127.0.0.1:7000", addr)

	_, _, ok = splitPeer("no-separator")
	assert.False(t, ok)
	_, _, ok = splitPeer("@addr")
	assert.False(t, ok)
}

func TestRestartReplaysCommittedEntries(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		NodeID:       "node-1",
		BindAddr:     "127.0.0.1:0",
		SnapshotDir:  dir,
		SnapshotKeep: 2,
		ApplyTimeout: 5 * time.Second,
		Bootstrap:    true,
	}

	first := &recordingApplier{}
	log, err := New(zaptest.NewLogger(t), cfg, first)
	require.NoError(t, err)
	waitForLeader(t, log)

	ctx := context.Background()
	entries := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	for _, entry := range entries {
		_, _, err := log.Propose(ctx, entry)
		require.NoError(t, err)
	}
	require.NoError(t, log.Close())

	// a fresh process over the same stores must reapply everything the
	// old one committed
	second := &recordingApplier{}
	log, err = New(zaptest.NewLogger(t), cfg, second)
	require.NoError(t, err)
	defer func() { require.NoError(t, log.Close()) }()
	waitForLeader(t, log)

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		second.mu.Lock()
		replayed := len(second.entries)
		second.mu.Unlock()
		if replayed >= len(entries) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	second.mu.Lock()
	defer second.mu.Unlock()
	require.Len(t, second.entries, len(entries))
	for i, entry := range entries {
		assert.Equal(t, entry, second.entries[i])
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	assert.Equal(t, first.indices, second.indices)
}

func TestProposeRespectsContext(t *testing.T) {
	applier := &recordingApplier{}
	log, err := NewInmem(zaptest.NewLogger(t), Config{
		NodeID:       "node-1",
		ApplyTimeout: 5 * time.Second,
		Bootstrap:    true,
	}, applier)
	require.NoError(t, err)
	defer func() { require.NoError(t, log.Close()) }()

	waitForLeader(t, log)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = log.Propose(ctx, []byte("entry"))
	assert.Error(t, err)
	assert.False(t, consensus.ErrNotLeader.Has(err))
}
