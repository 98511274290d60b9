// Copyright (C) 2019 Cubit Storage, Inc.
// See LICENSE for copying information.

// Package dispersal implements the erasure coding of object bodies into
// k data + m parity fragments, any k of which reconstruct the body.
package dispersal

import (
	"bytes"
	"sort"

	"github.com/vivint/infectious"
	"github.com/zeebo/errs"
)

var (
	// Error is the default dispersal errs class.
	Error = errs.Class("dispersal error")

	// ErrInsufficientFragments is returned when fewer than k distinct
	// fragments are supplied to Decode.
	ErrInsufficientFragments = errs.Class("insufficient fragments")

	// ErrCorruptReconstruction is returned when a reconstructed body does
	// not match its committed checksum. It is never retriable.
	ErrCorruptReconstruction = errs.Class("corrupt reconstruction")
)

// Scheme is a systematic Reed-Solomon erasure code with a fixed
// (k, m) data/parity split. Encoding is deterministic: the same body
// always produces the same fragments, which makes blind retries of
// fragment writes safe.
type Scheme struct {
	k, m int
	fec  *infectious.FEC
}

// NewScheme creates a Scheme for k data and m parity fragments.
func NewScheme(k, m int) (*Scheme, error) {
	if k < 1 {
		return nil, Error.New("data fragment count %d must be at least 1", k)
	}
	if m < 0 {
		return nil, Error.New("parity fragment count %d must not be negative", m)
	}
	fec, err := infectious.NewFEC(k, k+m)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &Scheme{k: k, m: m, fec: fec}, nil
}

// RequiredCount is the number of fragments required to reconstruct a body.
func (s *Scheme) RequiredCount() int { return s.k }

// TotalCount is the number of fragments produced by Encode.
func (s *Scheme) TotalCount() int { return s.k + s.m }

// FragmentSize returns the byte size of each fragment for a body of the
// given length.
func (s *Scheme) FragmentSize(bodyLength int64) int64 {
	padded := bodyLength + int64(paddingSize(bodyLength, s.k))
	return padded / int64(s.k)
}

// Encode splits body into k equal-size data fragments, zero-padded to a
// multiple of k, and computes m parity fragments. The returned slice is
// indexed by fragment number.
func (s *Scheme) Encode(body []byte) ([][]byte, error) {
	padded := pad(body, s.k)
	fragments := make([][]byte, s.TotalCount())
	err := s.fec.Encode(padded, func(share infectious.Share) {
		fragments[share.Number] = share.DeepCopy().Data
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return fragments, nil
}

// Decode reconstructs a body from at least k distinct fragments. When more
// than k fragments are supplied, the extra redundancy is used to correct
// altered fragment bytes.
func (s *Scheme) Decode(fragments map[int][]byte) ([]byte, error) {
	if len(fragments) < s.k {
		return nil, ErrInsufficientFragments.New("have %d fragments, need %d", len(fragments), s.k)
	}

	shares := make([]infectious.Share, 0, len(fragments))
	for num, data := range fragments {
		if num < 0 || num >= s.TotalCount() {
			return nil, Error.New("fragment index %d out of range [0, %d)", num, s.TotalCount())
		}
		shares = append(shares, infectious.Share{
			Number: num,
			Data:   append([]byte(nil), data...),
		})
	}
	sortShares(shares)

	padded, err := s.fec.Decode(nil, shares)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return unpad(padded)
}

// CorruptedFragments returns the indices of supplied fragments whose bytes
// disagree with the erasure code. It requires more than k fragments; with
// exactly k there is no redundancy left to check against.
func (s *Scheme) CorruptedFragments(fragments map[int][]byte) ([]int, error) {
	if len(fragments) <= s.k {
		return nil, ErrInsufficientFragments.New("have %d fragments, need more than %d to detect corruption", len(fragments), s.k)
	}

	shares := make([]infectious.Share, 0, len(fragments))
	for num, data := range fragments {
		shares = append(shares, infectious.Share{
			Number: num,
			Data:   append([]byte(nil), data...),
		})
	}
	sortShares(shares)
	if err := s.fec.Correct(shares); err != nil {
		return nil, Error.Wrap(err)
	}

	var corrupted []int
	for _, share := range shares {
		if !bytes.Equal(fragments[share.Number], share.Data) {
			corrupted = append(corrupted, share.Number)
		}
	}
	return corrupted, nil
}

func sortShares(shares []infectious.Share) {
	sort.Slice(shares, func(i, k int) bool {
		return shares[i].Number < shares[k].Number
	})
}
