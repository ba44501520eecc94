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
	"errors"
	"hash/maphash"

	"github.com/cespare/xxhash/v2"
)

const minSlots = groupSize

var ErrNegativeCapacity = errors.New("scattermap: capacity must not be negative")

type Map[K comparable, V any] struct {
	// ctrl holds len(keys)+groupSize bytes; the tail mirrors the first group.
	ctrl   []byte
	keys   []K
	values []V
	next   []int32
	prev   []int32

	head int32
	tail int32

	mask int
	live int
	// used counts live slots plus tombstones.
	used int

	initialSlots int
	hasher       func(K) uint64
	accessOrder  bool
	reversed     bool
}

type Option[K comparable] func(*options[K])

type options[K comparable] struct {
	hasher      func(K) uint64
	accessOrder bool
	reversed    bool
}

// WithAccessOrder makes Get and Put of an existing key move it to the
// newest end of the order chain.
func WithAccessOrder[K comparable]() Option[K] {
	return func(o *options[K]) {
		o.accessOrder = true
	}
}

// WithReversed makes iteration and Eldest run newest-first.
func WithReversed[K comparable]() Option[K] {
	return func(o *options[K]) {
		o.reversed = true
	}
}

// WithHasher overrides the hash function.  The default hashes any
// comparable key with hash/maphash and a per-map seed.
func WithHasher[K comparable](h func(K) uint64) Option[K] {
	return func(o *options[K]) {
		o.hasher = h
	}
}

// StringHasher hashes string keys with xxhash.
func StringHasher(s string) uint64 {
	return xxhash.Sum64String(s)
}

// New returns a map sized to hold capacity entries without growing.
func New[K comparable, V any](capacity int, opts ...Option[K]) (*Map[K, V], error) {
	if capacity < 0 {
		return nil, ErrNegativeCapacity
	}
	o := options[K]{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.hasher == nil {
		seed := maphash.MakeSeed()
		o.hasher = func(k K) uint64 {
			return maphash.Comparable(seed, k)
		}
	}

	m := &Map[K, V]{
		hasher:      o.hasher,
		accessOrder: o.accessOrder,
		reversed:    o.reversed,
	}
	m.initialSlots = slotsFor(capacity)
	m.reset(m.initialSlots)
	return m, nil
}

// slotsFor returns the smallest power of two slot count that keeps
// capacity entries under the 7/8 load factor.
func slotsFor(capacity int) int {
	n := minSlots
	for maxUsed(n) < capacity {
		n *= 2
	}
	return n
}

func maxUsed(slots int) int {
	return slots - slots/8
}

func (m *Map[K, V]) reset(slots int) {
	m.ctrl = make([]byte, slots+groupSize)
	for i := range m.ctrl {
		m.ctrl[i] = ctrlEmpty
	}
	m.keys = make([]K, slots)
	m.values = make([]V, slots)
	m.next = make([]int32, slots)
	m.prev = make([]int32, slots)
	m.head = -1
	m.tail = -1
	m.mask = slots - 1
	m.live = 0
	m.used = 0
}

func (m *Map[K, V]) slots() int {
	return m.mask + 1
}

func (m *Map[K, V]) setCtrl(i int, c byte) {
	m.ctrl[i] = c
	if i < groupSize {
		m.ctrl[m.slots()+i] = c
	}
}

// find returns the slot holding key, or -1.
func (m *Map[K, V]) find(key K, h uint64) int {
	h1, h2 := splitHash(h)
	pos := int(h1) & m.mask
	for step := 0; step <= m.mask; {
		g := loadGroup(m.ctrl, pos)
		for b := matchByte(g, h2); b != 0; b = b.removeFirst() {
			i := (pos + b.first()) & m.mask
			if m.ctrl[i] == h2 && m.keys[i] == key {
				return i
			}
		}
		for b := matchByte(g, ctrlEmpty); b != 0; b = b.removeFirst() {
			if m.ctrl[(pos+b.first())&m.mask] == ctrlEmpty {
				return -1
			}
		}
		step += groupSize
		pos = (pos + step) & m.mask
	}
	return -1
}

// findInsertSlot returns the first empty or deleted slot on the probe
// sequence for h.  There is always one since the load factor stays
// below 7/8.
func (m *Map[K, V]) findInsertSlot(h uint64) int {
	h1, _ := splitHash(h)
	pos := int(h1) & m.mask
	for step := 0; ; {
		g := loadGroup(m.ctrl, pos)
		if b := matchEmptyOrDeleted(g); b != 0 {
			return (pos + b.first()) & m.mask
		}
		step += groupSize
		pos = (pos + step) & m.mask
	}
}

// Get returns the value for key.  On an access-ordered map a hit moves
// the key to the newest end.
func (m *Map[K, V]) Get(key K) (V, bool) {
	i := m.find(key, m.hasher(key))
	if i < 0 {
		var zero V
		return zero, false
	}
	if m.accessOrder {
		m.moveToTail(int32(i))
	}
	return m.values[i], true
}

// Peek returns the value for key without touching the order chain.
func (m *Map[K, V]) Peek(key K) (V, bool) {
	i := m.find(key, m.hasher(key))
	if i < 0 {
		var zero V
		return zero, false
	}
	return m.values[i], true
}

func (m *Map[K, V]) Contains(key K) bool {
	return m.find(key, m.hasher(key)) >= 0
}

// Put stores value under key and returns the previous value, if any.
// New keys are appended at the newest end.
func (m *Map[K, V]) Put(key K, value V) (V, bool) {
	h := m.hasher(key)
	if i := m.find(key, h); i >= 0 {
		old := m.values[i]
		m.values[i] = value
		if m.accessOrder {
			m.moveToTail(int32(i))
		}
		return old, true
	}

	if m.used+1 > maxUsed(m.slots()) {
		m.grow()
	}
	m.insertNew(key, value, h)
	var zero V
	return zero, false
}

func (m *Map[K, V]) insertNew(key K, value V, h uint64) {
	i := m.findInsertSlot(h)
	if m.ctrl[i] == ctrlEmpty {
		m.used++
	}
	_, h2 := splitHash(h)
	m.setCtrl(i, h2)
	m.keys[i] = key
	m.values[i] = value
	m.live++
	m.linkTail(int32(i))
}

// Remove deletes key and returns its value, if it was present.
func (m *Map[K, V]) Remove(key K) (V, bool) {
	var zero V
	i := m.find(key, m.hasher(key))
	if i < 0 {
		return zero, false
	}
	old := m.values[i]
	m.removeSlot(i)
	return old, true
}

func (m *Map[K, V]) removeSlot(i int) {
	var (
		zeroK K
		zeroV V
	)
	m.unlink(int32(i))
	m.setCtrl(i, ctrlDeleted)
	m.keys[i] = zeroK
	m.values[i] = zeroV
	m.live--
}

// grow rehashes into a table twice the size, or into a table of the same
// size when most used slots are tombstones.
func (m *Map[K, V]) grow() {
	slots := m.slots()
	if m.live+1 > maxUsed(slots)/2 {
		slots *= 2
	}
	m.rehash(slots)
}

// rehash moves every live entry into a fresh table, walking the order
// chain so the new chain keeps the same order over the new slot indices.
func (m *Map[K, V]) rehash(slots int) {
	oldKeys, oldValues, oldNext := m.keys, m.values, m.next
	cur := m.head
	m.reset(slots)
	for cur >= 0 {
		k := oldKeys[cur]
		m.insertNew(k, oldValues[cur], m.hasher(k))
		cur = oldNext[cur]
	}
}

func (m *Map[K, V]) Len() int {
	return m.live
}

// Clear removes every entry and shrinks the table back to its initial
// size.
func (m *Map[K, V]) Clear() {
	m.reset(m.initialSlots)
}

// Eldest returns the first entry in iteration order: the oldest entry, or
// the newest one on a reversed map.
func (m *Map[K, V]) Eldest() (K, V, bool) {
	i := m.head
	if m.reversed {
		i = m.tail
	}
	if i < 0 {
		var (
			zeroK K
			zeroV V
		)
		return zeroK, zeroV, false
	}
	return m.keys[i], m.values[i], true
}

func (m *Map[K, V]) AccessOrder() bool {
	return m.accessOrder
}

func (m *Map[K, V]) Reversed() bool {
	return m.reversed
}
