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

package cachecore

import (
	"fmt"
	"strings"

	"github.com/cardinalhq/chqcache/pkg/scattermap"
)

// Strategy selects which entry the size bound evicts first.
type Strategy uint8

// The numeric values are persisted in journal headers.
const (
	LRU Strategy = iota + 1
	MRU
	FIFO
	FILO
)

func (s Strategy) String() string {
	switch s {
	case LRU:
		return "LRU"
	case MRU:
		return "MRU"
	case FIFO:
		return "FIFO"
	case FILO:
		return "FILO"
	default:
		return fmt.Sprintf("Strategy(%d)", uint8(s))
	}
}

func (s Strategy) Valid() bool {
	return s >= LRU && s <= FILO
}

// AccessOrdered reports whether reads reorder entries.
func (s Strategy) AccessOrdered() bool {
	return s == LRU || s == MRU
}

// Reversed reports whether the newest entry is evicted first.
func (s Strategy) Reversed() bool {
	return s == MRU || s == FILO
}

func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "LRU":
		return LRU, nil
	case "MRU":
		return MRU, nil
	case "FIFO":
		return FIFO, nil
	case "FILO":
		return FILO, nil
	}
	return 0, fmt.Errorf("unknown strategy %q", s)
}

// MapOptions returns the ordered-map options that realize s.
func MapOptions[K comparable](s Strategy) []scattermap.Option[K] {
	var opts []scattermap.Option[K]
	if s.AccessOrdered() {
		opts = append(opts, scattermap.WithAccessOrder[K]())
	}
	if s.Reversed() {
		opts = append(opts, scattermap.WithReversed[K]())
	}
	return opts
}
