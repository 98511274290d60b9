// Copyright (C) 2019 Cubit Storage, Inc.
// See LICENSE for copying information.

package dispersal

import (
	"bytes"

	"github.com/cubit-storage/cubit/pkg/cubit"
)

// Reconstruct decodes a body from the supplied fragments and verifies it
// against the committed checksum. A mismatch is reported as
// ErrCorruptReconstruction, never returned as if valid. When more than k
// fragments are available the erasure code corrects altered bytes; the
// returned indices name fragments whose stored bytes disagreed with the
// corrected reconstruction and should be flagged for repair.
func (s *Scheme) Reconstruct(fragments map[int][]byte, checksum []byte) (body []byte, corrupted []int, err error) {
	if len(fragments) < s.k {
		return nil, nil, ErrInsufficientFragments.New("have %d fragments, need %d", len(fragments), s.k)
	}

	if len(fragments) > s.k {
		// With spare redundancy the code can name altered fragments
		// before decoding.
		corrupted, err = s.CorruptedFragments(fragments)
		if err != nil {
			corrupted = nil
		}
	}

	body, err = s.Decode(fragments)
	if err != nil {
		return nil, nil, err
	}
	if !bytes.Equal(cubit.ChecksumBytes(body), checksum) {
		return nil, corrupted, ErrCorruptReconstruction.New("reconstructed body does not match committed checksum")
	}
	return body, corrupted, nil
}
