// Copyright (C) 2019 Cubit Storage, Inc.
// See LICENSE for copying information.

// Package consensus defines the replicated-log contract the segment
// subsystem consumes. The consensus algorithm itself (leader election, log
// replication) is an external collaborator: the segment only relies on
// entries being applied exactly once, in increasing index order, on every
// replica including the proposer.
package consensus

import (
	"context"

	"github.com/zeebo/errs"
)

var (
	// Error is the default consensus errs class.
	Error = errs.Class("consensus error")

	// ErrNotLeader is returned when this replica cannot currently commit
	// proposals. The caller must retry against the current leader.
	ErrNotLeader = errs.Class("not leader")
)

// Applier is the deterministic state machine driven by the log. Apply is
// invoked exactly once per committed entry, in increasing index order, on
// every replica and must be a pure function of (current state, entry) with
// no external I/O, so replay after restart reproduces identical state.
type Applier interface {
	// Apply applies a committed entry. The returned value is handed back
	// to the proposer of the entry.
	Apply(index uint64, entry []byte) interface{}

	// Snapshot encodes the applied state for log truncation.
	Snapshot() ([]byte, error)

	// Restore replaces the applied state with a previously taken snapshot.
	Restore(data []byte) error
}

// Log is an ordered, durable, majority-replicated broadcast.
type Log interface {
	// Propose submits an entry. It returns the assigned log index and the
	// value returned by the local Applier only after the entry is
	// committed and applied, never speculatively. It fails with
	// ErrNotLeader if this replica cannot currently commit.
	Propose(ctx context.Context, entry []byte) (index uint64, result interface{}, err error)

	// IsLeader reports whether this replica believes it is the leader.
	// The belief may be stale; linearizable reads must use VerifyLeader.
	IsLeader() bool

	// VerifyLeader confirms that this replica is still the leader by
	// checking with a quorum. It returns ErrNotLeader otherwise.
	VerifyLeader(ctx context.Context) error

	// LeaderAddr returns the address of the last known leader, or empty
	// when there is none.
	LeaderAddr() string

	// LeaderCh delivers leadership changes of this replica: true when it
	// becomes leader, false when it stops being one. Deliveries may be
	// coalesced under load.
	LeaderCh() <-chan bool

	Close() error
}
