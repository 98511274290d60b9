// Copyright (C) 2019 Cubit Storage, Inc.
// See LICENSE for copying information.

package mds

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cubit-storage/cubit/pkg/cubit"
)

func TestCommandCodec(t *testing.T) {
	id := cubit.DeriveObjectID([]byte("object"))
	placement := cubit.Placement{Fragments: []cubit.PlacedFragment{
		{Index: 0, Node: "node-1"},
		{Index: 3, Node: "node-4"},
	}}

	commands := []command{
		{
			Kind:      cmdPut,
			ID:        id,
			Checksum:  cubit.ChecksumBytes([]byte("body")),
			Length:    12345,
			Placement: placement,
		},
		{
			Kind:        cmdPut,
			ID:          id,
			Checksum:    cubit.ChecksumBytes([]byte("body")),
			Length:      0,
			Placement:   cubit.Placement{},
			HasExpected: true,
			Expected:    7,
		},
		{Kind: cmdDelete, ID: id},
		{Kind: cmdRelocate, ID: id, Version: 9, Placement: placement},
		{Kind: cmdMembership, Membership: cubit.Membership{Members: []cubit.Member{
			{ID: "node-1", Addr: "10.0.0.1:7777", Role: cubit.RoleData},
			{ID: "witness", Addr: "10.0.0.9:7777", Role: cubit.RoleConsensus},
		}}},
	}

	for _, cmd := range commands {
		decoded, err := decodeCommand(encodeCommand(cmd))
		require.NoError(t, err)
		assert.Equal(t, cmd.Kind, decoded.Kind)
		assert.Equal(t, cmd.ID, decoded.ID)
		assert.Equal(t, cmd.Expected, decoded.Expected)
		assert.Equal(t, cmd.HasExpected, decoded.HasExpected)
		assert.Equal(t, cmd.Version, decoded.Version)
		assert.Equal(t, len(cmd.Placement.Fragments), len(decoded.Placement.Fragments))
		for i := range cmd.Placement.Fragments {
			assert.Equal(t, cmd.Placement.Fragments[i], decoded.Placement.Fragments[i])
		}
		assert.Equal(t, cmd.Membership, decoded.Membership)
	}
}

func TestDecodeCommandMalformed(t *testing.T) {
	_, err := decodeCommand(nil)
	assert.Error(t, err)

	_, err = decodeCommand([]byte{0xff})
	assert.Error(t, err)

	valid := encodeCommand(command{Kind: cmdDelete, ID: cubit.DeriveObjectID([]byte("x"))})
	_, err = decodeCommand(valid[:len(valid)-3])
	assert.Error(t, err)
}
