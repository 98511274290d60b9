// Copyright (C) 2019 Cubit Storage, Inc.
// See LICENSE for copying information.

// Package cubit contains the core identifiers and shared types of the
// segment subsystem.
package cubit

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"

	"github.com/zeebo/errs"
)

// ErrObjectID is used when something goes wrong with an object id.
var ErrObjectID = errs.Class("object id error")

// ObjectIDLength is the fixed byte length of an ObjectID.
const ObjectIDLength = 16

// ObjectID is an opaque fixed-length object identifier, unique within a
// segment and immutable once assigned.
type ObjectID [ObjectIDLength]byte

// NewObjectID returns a random ObjectID.
func NewObjectID() ObjectID {
	var id ObjectID
	_, _ = rand.Read(id[:])
	return id
}

// DeriveObjectID derives an ObjectID from an arbitrary content key.
func DeriveObjectID(key []byte) ObjectID {
	var id ObjectID
	sum := sha256.Sum256(key)
	copy(id[:], sum[:])
	return id
}

// ObjectIDFromBytes converts a byte slice to an ObjectID.
func ObjectIDFromBytes(data []byte) (ObjectID, error) {
	if len(data) != ObjectIDLength {
		return ObjectID{}, ErrObjectID.New("not enough bytes to make an object id; have %d, need %d", len(data), ObjectIDLength)
	}
	var id ObjectID
	copy(id[:], data)
	return id, nil
}

// ObjectIDFromString decodes a hex encoded ObjectID.
func ObjectIDFromString(s string) (ObjectID, error) {
	data, err := hex.DecodeString(s)
	if err != nil {
		return ObjectID{}, ErrObjectID.Wrap(err)
	}
	return ObjectIDFromBytes(data)
}

// String representation of the ObjectID.
func (id ObjectID) String() string { return hex.EncodeToString(id[:]) }

// Bytes returns the raw bytes of the ObjectID.
func (id ObjectID) Bytes() []byte { return id[:] }

// IsZero returns whether the ObjectID is the zero value.
func (id ObjectID) IsZero() bool { return id == ObjectID{} }

// Version is a monotonically increasing integer per ObjectID, assigned by
// the metadata state machine at commit time. Versions are totally ordered
// within an ObjectID and never reused.
type Version uint64

// NodeID identifies a storage node member of a segment.
type NodeID string

// NodeRole describes what a member contributes to the segment.
type NodeRole byte

// List of node roles.
const (
	// RoleData members hold erasure coded fragments.
	RoleData NodeRole = iota
	// RoleConsensus members participate in metadata replication only.
	RoleConsensus
)

// Member is a single storage node backing a segment.
type Member struct {
	ID   NodeID
	Addr string
	Role NodeRole
}

// Membership is the committed set of members backing a segment. It changes
// only via committed membership-change entries.
type Membership struct {
	Members []Member
}

// DataMembers returns the data-bearing members in declaration order.
func (m Membership) DataMembers() []Member {
	var data []Member
	for _, member := range m.Members {
		if member.Role == RoleData {
			data = append(data, member)
		}
	}
	return data
}

// Find returns the member with the given id.
func (m Membership) Find(id NodeID) (Member, bool) {
	for _, member := range m.Members {
		if member.ID == id {
			return member, true
		}
	}
	return Member{}, false
}

// Clone returns a deep copy of the membership.
func (m Membership) Clone() Membership {
	members := make([]Member, len(m.Members))
	copy(members, m.Members)
	return Membership{Members: members}
}

// PlacedFragment maps one fragment index to the member holding it.
type PlacedFragment struct {
	Index int
	Node  NodeID
}

// Placement is the committed fragment placement table of one object
// version: an ordered list of (fragment index, member) pairs with at most
// one entry per index. A committed placement is immutable; repair commits a
// relocation record with a new table rather than mutating it.
type Placement struct {
	Fragments []PlacedFragment
}

// Node returns the member holding the fragment with the given index.
func (p Placement) Node(index int) (NodeID, bool) {
	for _, f := range p.Fragments {
		if f.Index == index {
			return f.Node, true
		}
	}
	return "", false
}

// Clone returns a deep copy of the placement.
func (p Placement) Clone() Placement {
	fragments := make([]PlacedFragment, len(p.Fragments))
	copy(fragments, p.Fragments)
	return Placement{Fragments: fragments}
}

// Valid reports whether the placement has no duplicate indices and no
// duplicate members.
func (p Placement) Valid() bool {
	indices := make(map[int]bool, len(p.Fragments))
	nodes := make(map[NodeID]bool, len(p.Fragments))
	for _, f := range p.Fragments {
		if indices[f.Index] || nodes[f.Node] {
			return false
		}
		indices[f.Index] = true
		nodes[f.Node] = true
	}
	return true
}

// ObjectMeta is the committed metadata of one object version.
type ObjectMeta struct {
	ID        ObjectID
	Version   Version
	Length    int64
	Checksum  []byte
	Deleted   bool
	Placement Placement
}

// ChecksumBytes computes the content checksum of an object body.
func ChecksumBytes(body []byte) []byte {
	sum := sha256.Sum256(body)
	return sum[:]
}
