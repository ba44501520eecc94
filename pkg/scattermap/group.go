// Copyright 2024-2025 CardinalHQ, Inc
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package scattermap

import (
	"encoding/binary"
	"math/bits"
)

const (
	ctrlEmpty   byte = 0x80
	ctrlDeleted byte = 0xfe

	groupSize = 8

	lsbs uint64 = 0x0101010101010101
	msbs uint64 = 0x8080808080808080
)

// bitset has the high bit of byte i set when slot i of a group matched.
type bitset uint64

func (b bitset) first() int {
	return bits.TrailingZeros64(uint64(b)) >> 3
}

func (b bitset) removeFirst() bitset {
	return b & (b - 1)
}

func loadGroup(ctrl []byte, pos int) uint64 {
	return binary.LittleEndian.Uint64(ctrl[pos : pos+groupSize])
}

// matchByte may report false positives in bytes above a true match;
// callers re-check the control byte of every candidate.
func matchByte(g uint64, b byte) bitset {
	x := g ^ (lsbs * uint64(b))
	return bitset((x - lsbs) &^ x & msbs)
}

// matchEmptyOrDeleted is exact: only empty and deleted bytes have the
// high bit set.
func matchEmptyOrDeleted(g uint64) bitset {
	return bitset(g & msbs)
}

func isFull(c byte) bool {
	return c&0x80 == 0
}

func splitHash(h uint64) (h1 uint64, h2 byte) {
	return h >> 7, byte(h & 0x7f)
}
