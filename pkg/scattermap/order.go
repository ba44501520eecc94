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

import "iter"

func (m *Map[K, V]) linkTail(i int32) {
	m.prev[i] = m.tail
	m.next[i] = -1
	if m.tail >= 0 {
		m.next[m.tail] = i
	} else {
		m.head = i
	}
	m.tail = i
}

func (m *Map[K, V]) unlink(i int32) {
	p, n := m.prev[i], m.next[i]
	if p >= 0 {
		m.next[p] = n
	} else {
		m.head = n
	}
	if n >= 0 {
		m.prev[n] = p
	} else {
		m.tail = p
	}
	m.prev[i] = -1
	m.next[i] = -1
}

func (m *Map[K, V]) moveToTail(i int32) {
	if m.tail == i {
		return
	}
	m.unlink(i)
	m.linkTail(i)
}

// All iterates in the configured order: oldest first, or newest first on
// a reversed map.  Removing the entry just yielded is allowed; any other
// mutation during iteration is not.
func (m *Map[K, V]) All() iter.Seq2[K, V] {
	return m.walk(m.reversed)
}

// Backward iterates opposite to All.
func (m *Map[K, V]) Backward() iter.Seq2[K, V] {
	return m.walk(!m.reversed)
}

// Keys iterates keys in the order of All.
func (m *Map[K, V]) Keys() iter.Seq[K] {
	return func(yield func(K) bool) {
		for k := range m.All() {
			if !yield(k) {
				return
			}
		}
	}
}

func (m *Map[K, V]) walk(fromTail bool) iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		i := m.head
		if fromTail {
			i = m.tail
		}
		for i >= 0 {
			following := m.next[i]
			if fromTail {
				following = m.prev[i]
			}
			if !yield(m.keys[i], m.values[i]) {
				return
			}
			i = following
		}
	}
}
