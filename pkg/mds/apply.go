// Copyright (C) 2019 Cubit Storage, Inc.
// See LICENSE for copying information.

package mds

import (
	"go.uber.org/zap"

	"github.com/cubit-storage/cubit/pkg/cubit"
)

// EventKind discriminates state machine events.
type EventKind int

// List of event kinds.
const (
	// EventPut reports a committed object version.
	EventPut EventKind = iota + 1
	// EventDelete reports a committed tombstone.
	EventDelete
	// EventRelocate reports a committed placement relocation.
	EventRelocate
	// EventMembership reports a committed membership change.
	EventMembership
)

// Event is emitted once per relevant committed entry, on every replica, in
// commit order. The local synchronizer feeds repair and reclaim from it.
type Event struct {
	Kind    EventKind
	ID      cubit.ObjectID
	Version cubit.Version

	// Superseded is the previous live version on EventPut, 0 when the
	// object was fresh.
	Superseded cubit.Version
}

// OnEvent registers an observer for committed events. Observers run on the
// apply path and must return quickly.
func (m *StateMachine) OnEvent(fn func(Event)) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.observers = append(m.observers, fn)
}

func (m *StateMachine) emit(event Event) {
	m.obsMu.Lock()
	observers := m.observers
	m.obsMu.Unlock()

	for _, fn := range observers {
		fn(event)
	}
}

// Apply applies one committed entry. It is a pure function of (current
// state, entry): no I/O, no clocks, no randomness, so replaying the log
// after restart reproduces identical state on every replica. The consensus
// layer serializes calls in increasing index order.
func (m *StateMachine) Apply(index uint64, entry []byte) interface{} {
	cmd, err := decodeCommand(entry)
	if err != nil {
		// A malformed committed entry means a bug or corruption in the
		// log layer; skipping it would diverge replicas silently.
		m.log.Error("undecodable committed entry", zap.Uint64("index", index), zap.Error(err))
		return applyResult{}
	}

	m.mu.Lock()
	if index <= m.lastApplied && m.lastApplied > 0 {
		// Replayed entry already reflected in a restored snapshot.
		m.mu.Unlock()
		return applyResult{}
	}
	m.lastApplied = index

	var result applyResult
	var events []Event
	switch cmd.Kind {
	case cmdPut:
		result, events = m.applyPut(cmd)
	case cmdDelete:
		result, events = m.applyDelete(cmd)
	case cmdRelocate:
		result, events = m.applyRelocate(cmd)
	case cmdMembership:
		m.membership = cmd.Membership.Clone()
		events = []Event{{Kind: EventMembership}}
	}
	m.mu.Unlock()

	for _, event := range events {
		m.emit(event)
	}
	return result
}

func (m *StateMachine) applyPut(cmd command) (applyResult, []Event) {
	object, ok := m.objects[cmd.ID]
	if !ok {
		object = &objectState{versions: make(map[cubit.Version]*versionInfo)}
		m.objects[cmd.ID] = object
	}

	if cmd.HasExpected && object.live() != cmd.Expected {
		return applyResult{conflict: true, winning: object.live()}, nil
	}

	superseded := object.live()
	object.max++
	version := object.max
	object.current = version
	object.deleted = false
	object.versions[version] = &versionInfo{
		length:    cmd.Length,
		checksum:  append([]byte(nil), cmd.Checksum...),
		placement: cmd.Placement.Clone(),
	}

	return applyResult{version: version}, []Event{{
		Kind:       EventPut,
		ID:         cmd.ID,
		Version:    version,
		Superseded: superseded,
	}}
}

func (m *StateMachine) applyDelete(cmd command) (applyResult, []Event) {
	object, ok := m.objects[cmd.ID]
	if !ok || object.deleted || object.current == 0 {
		return applyResult{notFound: true}, nil
	}

	object.deleted = true
	return applyResult{version: object.current}, []Event{{
		Kind:    EventDelete,
		ID:      cmd.ID,
		Version: object.current,
	}}
}

func (m *StateMachine) applyRelocate(cmd command) (applyResult, []Event) {
	object, ok := m.objects[cmd.ID]
	if !ok || object.deleted || object.current != cmd.Version {
		// The repair raced with an overwrite or delete; the higher
		// committed version wins and the relocation work is discarded.
		return applyResult{stale: true}, nil
	}

	info, ok := object.versions[cmd.Version]
	if !ok {
		return applyResult{stale: true}, nil
	}
	info.placement = cmd.Placement.Clone()

	return applyResult{version: cmd.Version}, []Event{{
		Kind:    EventRelocate,
		ID:      cmd.ID,
		Version: cmd.Version,
	}}
}
