// Copyright (C) 2019 Cubit Storage, Inc.
// See LICENSE for copying information.

// Package mds implements the metadata store of a segment: a deterministic
// state machine replicated through the consensus log, tracking object
// versions, tombstones, fragment placement and segment membership.
package mds

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"github.com/cubit-storage/cubit/pkg/consensus"
	"github.com/cubit-storage/cubit/pkg/cubit"
)

var (
	mon = monkit.Package()

	// Error is the default mds errs class.
	Error = errs.Class("mds error")

	// ErrNotFound is returned when an object does not exist.
	ErrNotFound = errs.Class("object not found")
)

// ConflictError reports that a concurrent command for the same object
// committed first, violating the proposer's expected-version precondition.
// Winning is the version the caller lost to.
type ConflictError struct {
	Winning cubit.Version
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict: object already at version %d", e.Winning)
}

// IsConflict returns whether err is a ConflictError.
func IsConflict(err error) bool {
	var conflict *ConflictError
	return errors.As(err, &conflict)
}

// WinningVersion extracts the winning version from a ConflictError.
func WinningVersion(err error) (cubit.Version, bool) {
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		return conflict.Winning, true
	}
	return 0, false
}

// versionInfo is the committed metadata of one object version.
type versionInfo struct {
	length    int64
	checksum  []byte
	placement cubit.Placement
}

// objectState tracks one object across versions. max never decreases, even
// across deletes, so versions are never reused.
type objectState struct {
	max      cubit.Version
	current  cubit.Version
	deleted  bool
	versions map[cubit.Version]*versionInfo
}

func (o *objectState) live() cubit.Version {
	if o.deleted {
		return 0
	}
	return o.current
}

// StateMachine is the replicated metadata state machine. Its state is
// mutated only by the Apply path driven by the consensus log's commit
// callback; everything else reads under the same lock.
type StateMachine struct {
	log *zap.Logger

	mu          sync.RWMutex
	clog        consensus.Log
	objects     map[cubit.ObjectID]*objectState
	membership  cubit.Membership
	lastApplied uint64

	obsMu     sync.Mutex
	observers []func(Event)
}

// New creates a state machine with the initial segment membership. The
// membership changes afterwards only via committed membership entries.
func New(log *zap.Logger, initial cubit.Membership) *StateMachine {
	return &StateMachine{
		log:        log,
		objects:    make(map[cubit.ObjectID]*objectState),
		membership: initial.Clone(),
	}
}

// Bind attaches the consensus log used for proposals. It must be called
// before any Propose; Apply works without it so replay can start first.
func (m *StateMachine) Bind(clog consensus.Log) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clog = clog
}

func (m *StateMachine) consensusLog() (consensus.Log, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.clog == nil {
		return nil, Error.New("state machine is not bound to a consensus log")
	}
	return m.clog, nil
}

// applyResult travels from apply back to the proposer.
type applyResult struct {
	version  cubit.Version
	conflict bool
	winning  cubit.Version
	notFound bool
	stale    bool
}

// ProposePut commits a new object version with the given placement. When
// expected is non-nil the object's current live version must equal
// *expected at commit time (0 meaning absent or tombstoned); otherwise the
// commit records a conflict and the winning version is returned in a
// ConflictError.
func (m *StateMachine) ProposePut(ctx context.Context, id cubit.ObjectID, checksum []byte, length int64, placement cubit.Placement, expected *cubit.Version) (_ cubit.Version, err error) {
	defer mon.Task()(&ctx)(&err)

	if !placement.Valid() {
		return 0, Error.New("invalid placement for object %s", id)
	}

	cmd := command{
		Kind:      cmdPut,
		ID:        id,
		Checksum:  checksum,
		Length:    length,
		Placement: placement,
	}
	if expected != nil {
		cmd.HasExpected = true
		cmd.Expected = *expected
	}

	result, err := m.propose(ctx, cmd)
	if err != nil {
		return 0, err
	}
	if result.conflict {
		return 0, &ConflictError{Winning: result.winning}
	}
	return result.version, nil
}

// ProposeDelete commits a tombstone for the object. Fragment bytes are not
// touched; reclaim removes them after the retention window.
func (m *StateMachine) ProposeDelete(ctx context.Context, id cubit.ObjectID) (_ cubit.Version, err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := m.propose(ctx, command{Kind: cmdDelete, ID: id})
	if err != nil {
		return 0, err
	}
	if result.notFound {
		return 0, ErrNotFound.New("object %s", id)
	}
	return result.version, nil
}

// ErrSuperseded is returned when a relocation targets a version that is no
// longer current. The relocation work is discarded in favor of the higher
// committed version.
var ErrSuperseded = errs.Class("placement superseded")

// ProposeRelocation commits a new placement for an existing version,
// produced by repair. The relocation is discarded if the version was
// superseded or tombstoned after the repair started.
func (m *StateMachine) ProposeRelocation(ctx context.Context, id cubit.ObjectID, version cubit.Version, placement cubit.Placement) (err error) {
	defer mon.Task()(&ctx)(&err)

	if !placement.Valid() {
		return Error.New("invalid placement for object %s", id)
	}

	result, err := m.propose(ctx, command{Kind: cmdRelocate, ID: id, Version: version, Placement: placement})
	if err != nil {
		return err
	}
	if result.stale {
		return ErrSuperseded.New("object %s version %d", id, version)
	}
	return nil
}

// ProposeMembership commits a membership change. All replicas agree on the
// member set because it travels through the same log as everything else.
func (m *StateMachine) ProposeMembership(ctx context.Context, membership cubit.Membership) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = m.propose(ctx, command{Kind: cmdMembership, Membership: membership})
	return err
}

func (m *StateMachine) propose(ctx context.Context, cmd command) (applyResult, error) {
	clog, err := m.consensusLog()
	if err != nil {
		return applyResult{}, err
	}

	_, response, err := clog.Propose(ctx, encodeCommand(cmd))
	if err != nil {
		return applyResult{}, err
	}
	result, ok := response.(applyResult)
	if !ok {
		return applyResult{}, Error.New("unexpected apply response %T", response)
	}
	return result, nil
}

// Lookup returns the object's current metadata. It is linearizable: the
// replica first confirms leadership with a quorum, so stale reads are
// never silently returned. Followers fail with ErrNotLeader and the caller
// retries against LeaderAddr.
func (m *StateMachine) Lookup(ctx context.Context, id cubit.ObjectID) (_ cubit.ObjectMeta, err error) {
	defer mon.Task()(&ctx)(&err)

	clog, err := m.consensusLog()
	if err != nil {
		return cubit.ObjectMeta{}, err
	}
	if err := clog.VerifyLeader(ctx); err != nil {
		return cubit.ObjectMeta{}, err
	}
	return m.LookupLocal(id)
}

// LookupLocal returns the object's current metadata from the local replica
// without a leadership check. Reads may lag the leader; background repair
// and reclaim use it, client reads must not.
func (m *StateMachine) LookupLocal(id cubit.ObjectID) (cubit.ObjectMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	object, ok := m.objects[id]
	if !ok {
		return cubit.ObjectMeta{}, ErrNotFound.New("object %s", id)
	}
	return m.metaLocked(id, object, object.current)
}

// VersionMeta returns the metadata of a specific committed version of the
// object, current or superseded.
func (m *StateMachine) VersionMeta(id cubit.ObjectID, version cubit.Version) (cubit.ObjectMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	object, ok := m.objects[id]
	if !ok {
		return cubit.ObjectMeta{}, ErrNotFound.New("object %s", id)
	}
	if _, ok := object.versions[version]; !ok {
		return cubit.ObjectMeta{}, ErrNotFound.New("object %s version %d", id, version)
	}
	return m.metaLocked(id, object, version)
}

func (m *StateMachine) metaLocked(id cubit.ObjectID, object *objectState, version cubit.Version) (cubit.ObjectMeta, error) {
	info, ok := object.versions[version]
	if !ok {
		return cubit.ObjectMeta{}, ErrNotFound.New("object %s version %d", id, version)
	}
	return cubit.ObjectMeta{
		ID:        id,
		Version:   version,
		Length:    info.length,
		Checksum:  append([]byte(nil), info.checksum...),
		Deleted:   object.deleted && version == object.current,
		Placement: info.placement.Clone(),
	}, nil
}

// NextVersion returns the version the next successful put of the object
// will be assigned, together with the object's current live version (0
// when absent or tombstoned). Writers stage fragments under next before
// proposing; the live value doubles as the expected-version precondition
// so a raced commit is detected rather than clobbered.
func (m *StateMachine) NextVersion(ctx context.Context, id cubit.ObjectID) (next, live cubit.Version, err error) {
	defer mon.Task()(&ctx)(&err)

	clog, err := m.consensusLog()
	if err != nil {
		return 0, 0, err
	}
	if err := clog.VerifyLeader(ctx); err != nil {
		return 0, 0, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	object, ok := m.objects[id]
	if !ok {
		return 1, 0, nil
	}
	return object.max + 1, object.live(), nil
}

// Membership returns the committed segment membership.
func (m *StateMachine) Membership() cubit.Membership {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.membership.Clone()
}

// IsLeader reports whether this replica can currently serve linearizable
// operations. The answer may be stale.
func (m *StateMachine) IsLeader() bool {
	clog, err := m.consensusLog()
	if err != nil {
		return false
	}
	return clog.IsLeader()
}

// IterateObjects calls fn with the current metadata of every object, in
// unspecified order, until fn returns false. The iteration reads the local
// replica and is not linearizable.
func (m *StateMachine) IterateObjects(fn func(cubit.ObjectMeta) bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for id, object := range m.objects {
		meta, err := m.metaLocked(id, object, object.current)
		if err != nil {
			continue
		}
		if !fn(meta) {
			return
		}
	}
}

// LastApplied returns the index of the last applied log entry.
func (m *StateMachine) LastApplied() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastApplied
}
