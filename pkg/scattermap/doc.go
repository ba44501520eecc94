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

// Package scattermap provides an ordered hash map.
//
// The table is open addressing with one control byte per slot.  Control
// bytes are either empty, deleted (a tombstone) or the low 7 bits of the
// key's hash, and are read eight at a time so a whole group of slots can
// be matched against a hash tag with a few integer operations.  The first
// group of control bytes is mirrored past the end of the table, so a group
// read starting near the end never has to wrap.
//
// Independently of the physical slot layout, every live slot is linked
// into a doubly linked order chain held in two index arrays.  The chain
// tracks insertion order, or access order when the map is created with
// WithAccessOrder, and iteration can run oldest-first or, with
// WithReversed, newest-first.
//
// A Map is not safe for concurrent use.
package scattermap
