// Copyright (C) 2019 Cubit Storage, Inc.
// See LICENSE for copying information.

package dispersal

import (
	"bytes"
	"encoding/binary"
)

const uint32Size = 4

// paddingSize calculates how many bytes of zero padding are needed to make
// dataLen plus a 4-byte trailer a multiple of blockSize. The trailer records
// the total padding added so unpad does not need the original length.
func paddingSize(dataLen int64, blockSize int) int {
	amount := dataLen + uint32Size
	r := amount % int64(blockSize)
	padding := uint32Size
	if r > 0 {
		padding += blockSize - int(r)
	}
	return padding
}

// pad appends zero padding and the padding-size trailer so that the result
// is a non-empty multiple of blockSize.
func pad(data []byte, blockSize int) []byte {
	paddingBytes := bytes.Repeat([]byte{0}, paddingSize(int64(len(data)), blockSize))
	binary.BigEndian.PutUint32(paddingBytes[len(paddingBytes)-uint32Size:], uint32(len(paddingBytes)))
	return append(append([]byte(nil), data...), paddingBytes...)
}

// unpad removes the padding added by pad.
func unpad(data []byte) ([]byte, error) {
	if len(data) < uint32Size {
		return nil, Error.New("padded data too short: %d bytes", len(data))
	}
	padding := int(binary.BigEndian.Uint32(data[len(data)-uint32Size:]))
	if padding < uint32Size || padding > len(data) {
		return nil, Error.New("invalid padding size %d for %d bytes", padding, len(data))
	}
	return data[:len(data)-padding], nil
}
