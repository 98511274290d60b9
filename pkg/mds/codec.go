// Copyright (C) 2019 Cubit Storage, Inc.
// See LICENSE for copying information.

package mds

import (
	"encoding/binary"

	"github.com/cubit-storage/cubit/pkg/cubit"
)

// commandKind discriminates the replicated log entry types.
type commandKind byte

const (
	cmdPut commandKind = iota + 1
	cmdDelete
	cmdRelocate
	cmdMembership
)

// command is one replicated metadata log entry.
// Format: kind(1) | fields, each integer as uvarint and each byte string
// length-prefixed. The encoding must stay stable: replicas replay old
// entries after restart.
type command struct {
	Kind commandKind

	ID        cubit.ObjectID
	Checksum  []byte
	Length    int64
	Placement cubit.Placement

	// Version is the placement version a relocation targets.
	Version cubit.Version

	// HasExpected marks a put precondition: the object's current version
	// must equal Expected, with 0 meaning the object must be absent or
	// tombstoned. Violations commit as conflicts.
	HasExpected bool
	Expected    cubit.Version

	Membership cubit.Membership
}

func encodeCommand(cmd command) []byte {
	buf := []byte{byte(cmd.Kind)}
	switch cmd.Kind {
	case cmdPut:
		buf = append(buf, cmd.ID.Bytes()...)
		buf = appendBytes(buf, cmd.Checksum)
		buf = binary.AppendUvarint(buf, uint64(cmd.Length))
		buf = appendPlacement(buf, cmd.Placement)
		if cmd.HasExpected {
			buf = append(buf, 1)
			buf = binary.AppendUvarint(buf, uint64(cmd.Expected))
		} else {
			buf = append(buf, 0)
		}
	case cmdDelete:
		buf = append(buf, cmd.ID.Bytes()...)
	case cmdRelocate:
		buf = append(buf, cmd.ID.Bytes()...)
		buf = binary.AppendUvarint(buf, uint64(cmd.Version))
		buf = appendPlacement(buf, cmd.Placement)
	case cmdMembership:
		buf = appendMembership(buf, cmd.Membership)
	}
	return buf
}

func decodeCommand(data []byte) (command, error) {
	dec := decoder{buf: data}
	kind := commandKind(dec.byte())

	var cmd command
	cmd.Kind = kind
	switch kind {
	case cmdPut:
		cmd.ID = dec.objectID()
		cmd.Checksum = dec.bytes()
		cmd.Length = int64(dec.uvarint())
		cmd.Placement = dec.placement()
		if dec.byte() == 1 {
			cmd.HasExpected = true
			cmd.Expected = cubit.Version(dec.uvarint())
		}
	case cmdDelete:
		cmd.ID = dec.objectID()
	case cmdRelocate:
		cmd.ID = dec.objectID()
		cmd.Version = cubit.Version(dec.uvarint())
		cmd.Placement = dec.placement()
	case cmdMembership:
		cmd.Membership = dec.membership()
	default:
		return command{}, Error.New("unknown command kind %d", kind)
	}
	if dec.err != nil {
		return command{}, Error.Wrap(dec.err)
	}
	return cmd, nil
}

func appendBytes(buf, data []byte) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(data)))
	return append(buf, data...)
}

func appendString(buf []byte, s string) []byte {
	return appendBytes(buf, []byte(s))
}

func appendPlacement(buf []byte, placement cubit.Placement) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(placement.Fragments)))
	for _, fragment := range placement.Fragments {
		buf = binary.AppendUvarint(buf, uint64(fragment.Index))
		buf = appendString(buf, string(fragment.Node))
	}
	return buf
}

func appendMembership(buf []byte, membership cubit.Membership) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(membership.Members)))
	for _, member := range membership.Members {
		buf = appendString(buf, string(member.ID))
		buf = appendString(buf, member.Addr)
		buf = append(buf, byte(member.Role))
	}
	return buf
}

// decoder reads the command encoding, remembering the first failure so
// call sites stay linear.
type decoder struct {
	buf []byte
	pos int
	err error
}

func (d *decoder) fail() {
	if d.err == nil {
		d.err = Error.New("truncated command at offset %d", d.pos)
	}
}

func (d *decoder) byte() byte {
	if d.err != nil || d.pos >= len(d.buf) {
		d.fail()
		return 0
	}
	b := d.buf[d.pos]
	d.pos++
	return b
}

func (d *decoder) uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Uvarint(d.buf[d.pos:])
	if n <= 0 {
		d.fail()
		return 0
	}
	d.pos += n
	return v
}

func (d *decoder) bytes() []byte {
	length := int(d.uvarint())
	if d.err != nil || d.pos+length > len(d.buf) {
		d.fail()
		return nil
	}
	data := append([]byte(nil), d.buf[d.pos:d.pos+length]...)
	d.pos += length
	return data
}

func (d *decoder) string() string { return string(d.bytes()) }

func (d *decoder) objectID() cubit.ObjectID {
	if d.err != nil || d.pos+cubit.ObjectIDLength > len(d.buf) {
		d.fail()
		return cubit.ObjectID{}
	}
	id, err := cubit.ObjectIDFromBytes(d.buf[d.pos : d.pos+cubit.ObjectIDLength])
	if err != nil {
		d.err = err
		return cubit.ObjectID{}
	}
	d.pos += cubit.ObjectIDLength
	return id
}

func (d *decoder) placement() cubit.Placement {
	count := int(d.uvarint())
	if d.err != nil || count > len(d.buf) {
		d.fail()
		return cubit.Placement{}
	}
	fragments := make([]cubit.PlacedFragment, 0, count)
	for i := 0; i < count; i++ {
		index := int(d.uvarint())
		node := cubit.NodeID(d.string())
		if d.err != nil {
			return cubit.Placement{}
		}
		fragments = append(fragments, cubit.PlacedFragment{Index: index, Node: node})
	}
	return cubit.Placement{Fragments: fragments}
}

func (d *decoder) membership() cubit.Membership {
	count := int(d.uvarint())
	if d.err != nil || count > len(d.buf) {
		d.fail()
		return cubit.Membership{}
	}
	members := make([]cubit.Member, 0, count)
	for i := 0; i < count; i++ {
		id := cubit.NodeID(d.string())
		addr := d.string()
		role := cubit.NodeRole(d.byte())
		if d.err != nil {
			return cubit.Membership{}
		}
		members = append(members, cubit.Member{ID: id, Addr: addr, Role: role})
	}
	return cubit.Membership{Members: members}
}
