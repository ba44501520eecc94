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
	"testing"

	"github.com/stretchr/testify/assert"
)

func positions(b bitset) []int {
	var out []int
	for ; b != 0; b = b.removeFirst() {
		out = append(out, b.first())
	}
	return out
}

func TestMatchEmptyOrDeleted(t *testing.T) {
	ctrl := []byte{0x01, ctrlEmpty, 0x7f, ctrlDeleted, 0x00, 0x10, ctrlEmpty, 0x22}
	g := loadGroup(ctrl, 0)
	assert.Equal(t, []int{1, 3, 6}, positions(matchEmptyOrDeleted(g)))
}

func TestMatchByte(t *testing.T) {
	ctrl := []byte{0x11, 0x22, 0x11, ctrlEmpty, 0x33, 0x11, 0x44, 0x55}
	g := loadGroup(ctrl, 0)
	got := positions(matchByte(g, 0x11))
	// false positives are allowed, misses are not
	for _, want := range []int{0, 2, 5} {
		assert.Contains(t, got, want)
	}
	for _, p := range got {
		if ctrl[p] != 0x11 {
			assert.Greater(t, p, 0)
		}
	}
	assert.Equal(t, []int{3}, positions(matchByte(g, ctrlEmpty)))
}

func TestSplitHash(t *testing.T) {
	h1, h2 := splitHash(0xffff)
	assert.Equal(t, uint64(0x1ff), h1)
	assert.Equal(t, byte(0x7f), h2)
	assert.True(t, isFull(h2))
	assert.False(t, isFull(ctrlEmpty))
	assert.False(t, isFull(ctrlDeleted))
}
