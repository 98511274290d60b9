// Copyright (C) 2019 Cubit Storage, Inc.
// See LICENSE for copying information.

// Package raftlog adapts hashicorp/raft to the consensus.Log contract.
package raftlog

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/cubit-storage/cubit/pkg/consensus"
)

// Error is the default raftlog errs class.
var Error = errs.Class("raftlog error")

// Config holds the raft node configuration.
type Config struct {
	NodeID        string        `help:"raft server id of this replica"`
	BindAddr      string        `help:"address to bind the raft transport to" default:"127.0.0.1:0"`
	SnapshotDir   string        `help:"directory for raft snapshots"`
	StorePath     string        `help:"path of the raft log and stable store, defaults to raft.db under the snapshot dir"`
	SnapshotKeep  int           `help:"number of raft snapshots to retain" default:"2"`
	ApplyTimeout  time.Duration `help:"time limit for one raft apply" default:"10s"`
	Bootstrap     bool          `help:"bootstrap a new cluster with this replica as the only voter" default:"false"`
	Peers         []string      `help:"initial cluster peers as id@address pairs"`
	TransportPool int           `help:"maximum connection pool size of the raft transport" default:"3"`
}

// Log drives a raft node and implements consensus.Log.
type Log struct {
	log     *zap.Logger
	cfg     Config
	raft    *raft.Raft
	stores  io.Closer
	leaderC chan bool
}

// fsm bridges the consensus.Applier to raft.FSM.
type fsm struct {
	applier consensus.Applier
}

func (f *fsm) Apply(entry *raft.Log) interface{} {
	return f.applier.Apply(entry.Index, entry.Data)
}

func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	data, err := f.applier.Snapshot()
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &fsmSnapshot{data: data}, nil
}

func (f *fsm) Restore(rc io.ReadCloser) error {
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	if err != nil {
		return Error.Wrap(err)
	}
	return f.applier.Restore(data)
}

type fsmSnapshot struct {
	data []byte
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if _, err := sink.Write(s.data); err != nil {
		return errs.Combine(Error.Wrap(err), sink.Cancel())
	}
	return Error.Wrap(sink.Close())
}

func (s *fsmSnapshot) Release() {}

// New starts a raft node over a TCP transport using the given applier as
// the replicated state machine. The log and stable stores are bolt backed
// so committed entries and the current term and vote survive restarts.
func New(log *zap.Logger, cfg Config, applier consensus.Applier) (*Log, error) {
	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, cfg.TransportPool, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	snapshots, err := raft.NewFileSnapshotStore(cfg.SnapshotDir, cfg.SnapshotKeep, os.Stderr)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	stores, err := openStores(cfg)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return newWithTransport(log, cfg, applier, transport, snapshots, stores, stores, stores)
}

func openStores(cfg Config) (*raftboltdb.BoltStore, error) {
	path := cfg.StorePath
	if path == "" {
		path = filepath.Join(cfg.SnapshotDir, "raft.db")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	return raftboltdb.NewBoltStore(path)
}

// NewInmem starts a raft node over an in-memory transport with in-memory
// stores, for tests.
func NewInmem(log *zap.Logger, cfg Config, applier consensus.Applier) (*Log, error) {
	_, transport := raft.NewInmemTransport(raft.ServerAddress(cfg.NodeID))
	store := raft.NewInmemStore()
	return newWithTransport(log, cfg, applier, transport, raft.NewInmemSnapshotStore(), store, store, nil)
}

func newWithTransport(log *zap.Logger, cfg Config, applier consensus.Applier, transport raft.Transport, snapshots raft.SnapshotStore, logs raft.LogStore, stable raft.StableStore, stores io.Closer) (*Log, error) {
	conf := raft.DefaultConfig()
	conf.LocalID = raft.ServerID(cfg.NodeID)
	conf.LogOutput = io.Discard

	leaderC := make(chan bool, 8)
	conf.NotifyCh = leaderC

	node, err := raft.NewRaft(conf, &fsm{applier: applier}, logs, stable, snapshots, transport)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	if cfg.Bootstrap {
		servers := []raft.Server{{
			ID:      raft.ServerID(cfg.NodeID),
			Address: transport.LocalAddr(),
		}}
		for _, peer := range cfg.Peers {
			id, peerAddr, ok := splitPeer(peer)
			if !ok {
				return nil, Error.New("malformed peer %q, want id@address", peer)
			}
			servers = append(servers, raft.Server{
				ID:      raft.ServerID(id),
				Address: raft.ServerAddress(peerAddr),
			})
		}
		future := node.BootstrapCluster(raft.Configuration{Servers: servers})
		if err := future.Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
			return nil, Error.Wrap(err)
		}
	}

	return &Log{
		log:     log,
		cfg:     cfg,
		raft:    node,
		stores:  stores,
		leaderC: leaderC,
	}, nil
}

func splitPeer(peer string) (id, addr string, ok bool) {
	for i := 0; i < len(peer); i++ {
		if peer[i] == '@' {
			return peer[:i], peer[i+1:], i > 0 && i < len(peer)-1
		}
	}
	return "", "", false
}

// Propose submits an entry through raft and waits for it to commit and
// apply locally.
func (l *Log) Propose(ctx context.Context, entry []byte) (uint64, interface{}, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, Error.Wrap(err)
	}

	timeout := l.cfg.ApplyTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	future := l.raft.Apply(entry, timeout)
	if err := future.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) {
			return 0, nil, consensus.ErrNotLeader.Wrap(err)
		}
		return 0, nil, Error.Wrap(err)
	}
	return future.Index(), future.Response(), nil
}

// IsLeader reports whether this replica believes it is the leader.
func (l *Log) IsLeader() bool {
	return l.raft.State() == raft.Leader
}

// VerifyLeader confirms leadership with a quorum.
func (l *Log) VerifyLeader(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return Error.Wrap(err)
	}
	if err := l.raft.VerifyLeader().Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) {
			return consensus.ErrNotLeader.Wrap(err)
		}
		return Error.Wrap(err)
	}
	return nil
}

// LeaderAddr returns the address of the last known leader.
func (l *Log) LeaderAddr() string {
	addr, _ := l.raft.LeaderWithID()
	return string(addr)
}

// LeaderCh delivers leadership changes of this replica.
func (l *Log) LeaderCh() <-chan bool { return l.leaderC }

// AddVoter adds a replica to the raft configuration. Used by the
// membership-change path once a new member is committed.
func (l *Log) AddVoter(id, addr string) error {
	future := l.raft.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, l.cfg.ApplyTimeout)
	if err := future.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) {
			return consensus.ErrNotLeader.Wrap(err)
		}
		return Error.Wrap(err)
	}
	return nil
}

// RemoveServer removes a replica from the raft configuration.
func (l *Log) RemoveServer(id string) error {
	future := l.raft.RemoveServer(raft.ServerID(id), 0, l.cfg.ApplyTimeout)
	if err := future.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) {
			return consensus.ErrNotLeader.Wrap(err)
		}
		return Error.Wrap(err)
	}
	return nil
}

// Close shuts the raft node down.
func (l *Log) Close() error {
	err := l.raft.Shutdown().Error()
	if l.stores != nil {
		err = errs.Combine(err, l.stores.Close())
	}
	return Error.Wrap(err)
}
