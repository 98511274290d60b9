// Copyright (C) 2019 Cubit Storage, Inc.
// See LICENSE for copying information.

package mds

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/cubit-storage/cubit/pkg/cubit"
)

// snapshotVersion guards the snapshot encoding. Bump it when the layout
// changes; Restore rejects unknown versions instead of guessing.
const snapshotVersion = 1

// Snapshot encodes the applied state so the consensus log can truncate.
// Restart recovery is snapshot + replay of later entries, which must equal
// the live-applied state.
func (m *StateMachine) Snapshot() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	buf := []byte{snapshotVersion}
	buf = binary.AppendUvarint(buf, m.lastApplied)
	buf = appendMembership(buf, m.membership)

	ids := make([]cubit.ObjectID, 0, len(m.objects))
	for id := range m.objects {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, k int) bool {
		return bytes.Compare(ids[i].Bytes(), ids[k].Bytes()) < 0
	})

	buf = binary.AppendUvarint(buf, uint64(len(ids)))
	for _, id := range ids {
		object := m.objects[id]
		buf = append(buf, id.Bytes()...)
		buf = binary.AppendUvarint(buf, uint64(object.max))
		buf = binary.AppendUvarint(buf, uint64(object.current))
		if object.deleted {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}

		versions := make([]cubit.Version, 0, len(object.versions))
		for version := range object.versions {
			versions = append(versions, version)
		}
		sort.Slice(versions, func(i, k int) bool { return versions[i] < versions[k] })

		buf = binary.AppendUvarint(buf, uint64(len(versions)))
		for _, version := range versions {
			info := object.versions[version]
			buf = binary.AppendUvarint(buf, uint64(version))
			buf = appendBytes(buf, info.checksum)
			buf = binary.AppendUvarint(buf, uint64(info.length))
			buf = appendPlacement(buf, info.placement)
		}
	}
	return buf, nil
}

// Restore replaces the applied state with a previously taken snapshot.
func (m *StateMachine) Restore(data []byte) error {
	dec := decoder{buf: data}
	if dec.byte() != snapshotVersion {
		return Error.New("unsupported snapshot version")
	}

	lastApplied := dec.uvarint()
	membership := dec.membership()

	objects := make(map[cubit.ObjectID]*objectState)
	objectCount := int(dec.uvarint())
	for i := 0; i < objectCount && dec.err == nil; i++ {
		id := dec.objectID()
		object := &objectState{
			max:      cubit.Version(dec.uvarint()),
			current:  cubit.Version(dec.uvarint()),
			deleted:  dec.byte() == 1,
			versions: make(map[cubit.Version]*versionInfo),
		}
		versionCount := int(dec.uvarint())
		for j := 0; j < versionCount && dec.err == nil; j++ {
			version := cubit.Version(dec.uvarint())
			info := &versionInfo{
				checksum: dec.bytes(),
				length:   int64(dec.uvarint()),
			}
			info.placement = dec.placement()
			object.versions[version] = info
		}
		objects[id] = object
	}
	if dec.err != nil {
		return Error.Wrap(dec.err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastApplied = lastApplied
	m.membership = membership
	m.objects = objects
	return nil
}
