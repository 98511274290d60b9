// Copyright (C) 2019 Cubit Storage, Inc.
// See LICENSE for copying information.

package dispersal

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cubit-storage/cubit/pkg/cubit"
)

func randData(amount int) []byte {
	buf := make([]byte, amount)
	_, _ = rand.Read(buf)
	return buf
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for i, tt := range []struct {
		dataSize int
		k        int
		m        int
	}{
		{0, 1, 0},
		{1, 1, 0},
		{1, 1, 2},
		{12, 3, 2},
		{4 * 1024, 2, 2},
		{6*1024 + 17, 3, 4},
		{32 * 1024, 5, 3},
	} {
		errTag := fmt.Sprintf("Test case #%d", i)
		scheme, err := NewScheme(tt.k, tt.m)
		require.NoError(t, err, errTag)

		data := randData(tt.dataSize)
		fragments, err := scheme.Encode(data)
		require.NoError(t, err, errTag)
		require.Len(t, fragments, tt.k+tt.m, errTag)

		// any k fragments reconstruct the body exactly
		for first := 0; first+tt.k <= tt.k+tt.m; first++ {
			subset := make(map[int][]byte, tt.k)
			for num := first; num < first+tt.k; num++ {
				subset[num] = fragments[num]
			}
			decoded, err := scheme.Decode(subset)
			require.NoError(t, err, errTag)
			assert.Equal(t, data, decoded, errTag)
		}
	}
}

func TestEncodeDeterministic(t *testing.T) {
	scheme, err := NewScheme(3, 2)
	require.NoError(t, err)

	data := randData(10 * 1024)
	first, err := scheme.Encode(data)
	require.NoError(t, err)
	second, err := scheme.Encode(data)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestDecodeInsufficientFragments(t *testing.T) {
	scheme, err := NewScheme(3, 2)
	require.NoError(t, err)

	fragments, err := scheme.Encode(randData(1024))
	require.NoError(t, err)

	subset := map[int][]byte{0: fragments[0], 1: fragments[1]}
	_, err = scheme.Decode(subset)
	assert.True(t, ErrInsufficientFragments.Has(err))
}

func TestFragmentSize(t *testing.T) {
	scheme, err := NewScheme(3, 2)
	require.NoError(t, err)

	data := randData(1000)
	fragments, err := scheme.Encode(data)
	require.NoError(t, err)
	assert.Equal(t, scheme.FragmentSize(1000), int64(len(fragments[0])))
}

func TestInvalidParameters(t *testing.T) {
	_, err := NewScheme(0, 2)
	assert.Error(t, err)
	_, err = NewScheme(-1, 2)
	assert.Error(t, err)
	_, err = NewScheme(3, -1)
	assert.Error(t, err)
}

func TestReconstructVerifiesChecksum(t *testing.T) {
	scheme, err := NewScheme(3, 2)
	require.NoError(t, err)

	data := randData(4 * 1024)
	checksum := cubit.ChecksumBytes(data)
	fragments, err := scheme.Encode(data)
	require.NoError(t, err)

	all := make(map[int][]byte, len(fragments))
	for num, fragment := range fragments {
		all[num] = fragment
	}
	body, corrupted, err := scheme.Reconstruct(all, checksum)
	require.NoError(t, err)
	assert.Empty(t, corrupted)
	assert.Equal(t, data, body)

	// wrong checksum must never be returned as valid
	_, _, err = scheme.Reconstruct(all, cubit.ChecksumBytes([]byte("other")))
	assert.True(t, ErrCorruptReconstruction.Has(err))
}

func TestReconstructCorrectsCorruptFragment(t *testing.T) {
	scheme, err := NewScheme(3, 2)
	require.NoError(t, err)

	data := randData(4 * 1024)
	checksum := cubit.ChecksumBytes(data)
	fragments, err := scheme.Encode(data)
	require.NoError(t, err)

	all := make(map[int][]byte, len(fragments))
	for num, fragment := range fragments {
		all[num] = append([]byte(nil), fragment...)
	}
	// corrupt one stored fragment out-of-band
	all[1][0] ^= 0xff
	all[1][42] ^= 0xff

	body, corrupted, err := scheme.Reconstruct(all, checksum)
	require.NoError(t, err)
	assert.Equal(t, data, body)
	assert.Equal(t, []int{1}, corrupted)
}

func TestReconstructFailsWithoutRedundancy(t *testing.T) {
	scheme, err := NewScheme(3, 2)
	require.NoError(t, err)

	data := randData(1024)
	checksum := cubit.ChecksumBytes(data)
	fragments, err := scheme.Encode(data)
	require.NoError(t, err)

	subset := map[int][]byte{
		0: append([]byte(nil), fragments[0]...),
		1: append([]byte(nil), fragments[1]...),
		2: append([]byte(nil), fragments[2]...),
	}
	subset[0][0] ^= 0xff

	_, _, err = scheme.Reconstruct(subset, checksum)
	assert.True(t, ErrCorruptReconstruction.Has(err))
}

func TestPadUnpad(t *testing.T) {
	for _, tt := range []struct {
		dataSize  int
		blockSize int
	}{
		{0, 1},
		{0, 7},
		{1, 7},
		{6, 7},
		{7, 7},
		{8, 7},
		{1024, 3},
	} {
		data := randData(tt.dataSize)
		padded := pad(data, tt.blockSize)
		require.Zero(t, len(padded)%tt.blockSize)
		require.NotZero(t, len(padded))

		unpadded, err := unpad(padded)
		require.NoError(t, err)
		assert.Equal(t, data, unpadded)
	}
}

func TestUnpadInvalid(t *testing.T) {
	_, err := unpad([]byte{0, 0})
	assert.Error(t, err)
	_, err = unpad([]byte{0, 0, 0, 200})
	assert.Error(t, err)
}
