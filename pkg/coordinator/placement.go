// Copyright (C) 2019 Cubit Storage, Inc.
// See LICENSE for copying information.

package coordinator

import (
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/cubit-storage/cubit/pkg/cubit"
)

// RankMembers orders the data members of the membership by rendezvous
// weight for the given object. The ranking is a pure function of the
// object id and the membership, so every member computes the same order
// without coordination. Members listed in exclude are left out, which is
// how repair picks replacement holders that avoid failed nodes.
func RankMembers(id cubit.ObjectID, membership cubit.Membership, exclude map[cubit.NodeID]bool) []cubit.Member {
	type scored struct {
		member cubit.Member
		weight uint64
	}

	data := membership.DataMembers()
	ranked := make([]scored, 0, len(data))
	for _, member := range data {
		if exclude[member.ID] {
			continue
		}
		digest := xxhash.New()
		_, _ = digest.Write(id.Bytes())
		_, _ = digest.WriteString(string(member.ID))
		ranked = append(ranked, scored{member: member, weight: digest.Sum64()})
	}

	sort.Slice(ranked, func(i, k int) bool {
		if ranked[i].weight != ranked[k].weight {
			return ranked[i].weight > ranked[k].weight
		}
		return ranked[i].member.ID < ranked[k].member.ID
	})

	members := make([]cubit.Member, len(ranked))
	for i, s := range ranked {
		members[i] = s.member
	}
	return members
}

// SelectPlacement builds the intended placement of a new object version:
// total fragments assigned to the top total rendezvous-ranked members, one
// fragment per member, fragment index following rank order.
func SelectPlacement(id cubit.ObjectID, membership cubit.Membership, total int) (cubit.Placement, error) {
	ranked := RankMembers(id, membership, nil)
	if len(ranked) < total {
		return cubit.Placement{}, Error.New("not enough data members: have %d, need %d", len(ranked), total)
	}

	placement := cubit.Placement{Fragments: make([]cubit.PlacedFragment, total)}
	for i := 0; i < total; i++ {
		placement.Fragments[i] = cubit.PlacedFragment{Index: i, Node: ranked[i].ID}
	}
	return placement, nil
}
