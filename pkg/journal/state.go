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

package journal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"slices"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/cardinalhq/chqcache/pkg/scattermap"
)

// State is the fold of a journal's records.
type State struct {
	accessOrdered bool
	clean         *scattermap.Map[string, struct{}]
	dirty         mapset.Set[string]
	records       int
}

// Snapshot is a copy of a State that is safe to hold on to.
type Snapshot struct {
	Clean     []string
	Dirty     []string
	Records   int
	Redundant int
}

func newState(accessOrdered bool) *State {
	var opts []scattermap.Option[string]
	opts = append(opts, scattermap.WithHasher(scattermap.StringHasher))
	if accessOrdered {
		opts = append(opts, scattermap.WithAccessOrder[string]())
	}
	clean, _ := scattermap.New[string, struct{}](0, opts...)
	return &State{
		accessOrdered: accessOrdered,
		clean:         clean,
		dirty:         mapset.NewThreadUnsafeSet[string](),
	}
}

func (s *State) apply(r Record) {
	s.records++
	switch r.Op {
	case OpDirty:
		s.dirty.Add(r.Key)
	case OpClean:
		s.dirty.Remove(r.Key)
		s.clean.Remove(r.Key)
		s.clean.Put(r.Key, struct{}{})
	case OpCancel:
		s.dirty.Remove(r.Key)
	case OpRemove:
		s.dirty.Remove(r.Key)
		s.clean.Remove(r.Key)
	case OpRead:
		if s.accessOrdered {
			s.clean.Get(r.Key)
		}
	}
}

// CleanKeys returns the committed keys, least recently written or read
// first.
func (s *State) CleanKeys() []string {
	return slices.Collect(s.clean.Keys())
}

// DirtyKeys returns the keys with a write in progress, sorted.
func (s *State) DirtyKeys() []string {
	keys := s.dirty.ToSlice()
	slices.Sort(keys)
	return keys
}

func (s *State) IsClean(key string) bool {
	return s.clean.Contains(key)
}

func (s *State) IsDirty(key string) bool {
	return s.dirty.Contains(key)
}

func (s *State) Records() int {
	return s.records
}

// Redundant counts records beyond one per clean key.  A rebuilt journal
// keeps one Dirty record per dirty key, so it starts at len(dirty).
func (s *State) Redundant() int {
	return s.records - s.clean.Len()
}

func (s *State) Snapshot() Snapshot {
	return Snapshot{
		Clean:     s.CleanKeys(),
		Dirty:     s.DirtyKeys(),
		Records:   s.records,
		Redundant: s.Redundant(),
	}
}

func (s *State) clone() *State {
	c := newState(s.accessOrdered)
	for k := range s.clean.Keys() {
		c.clean.Put(k, struct{}{})
	}
	c.dirty = s.dirty.Clone()
	c.records = s.records
	return c
}

// Replay folds every record in r into a State.  A header that does not
// match expect, or a record that cannot be decoded, is reported as
// ErrCorrupt.
func Replay(r io.Reader, expect Header) (*State, error) {
	br := bufio.NewReader(r)
	h, err := ReadHeader(br)
	if err != nil {
		return nil, err
	}
	if h.CacheVersion != expect.CacheVersion {
		return nil, fmt.Errorf("%w: cache version %d, want %d", ErrCorrupt, h.CacheVersion, expect.CacheVersion)
	}
	if h.Strategy != expect.Strategy {
		return nil, fmt.Errorf("%w: strategy %v, want %v", ErrCorrupt, h.Strategy, expect.Strategy)
	}

	st := newState(expect.Strategy.AccessOrdered())
	for {
		rec, err := DecodeRecord(br)
		if errors.Is(err, io.EOF) {
			return st, nil
		}
		if err != nil {
			return nil, err
		}
		st.apply(rec)
	}
}
