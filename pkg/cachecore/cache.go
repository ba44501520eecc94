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

// Package cachecore is a size-bounded in-memory cache that runs at most
// one creation per key at a time.
//
// A key is either resident or under creation, never both.  Starting a
// creation for a resident key takes the resident value out of the map;
// it comes back if the creation produces nothing, and is reported to
// the removal listener as replaced if the creation commits.
//
// Two mutexes guard the cache.  The registry mutex covers in-flight
// creations and is always taken before the map mutex, which covers the
// ordered map, the running size and the eviction sweep.  Creation
// functions run with neither held.
package cachecore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/cardinalhq/chqcache/internal/telemetry"
	"github.com/cardinalhq/chqcache/pkg/scattermap"
)

var ErrInvalidMaxSize = errors.New("cachecore: max size must be positive")

// CreateFunc produces a value for a key.  Returning ok=false means there
// is no value, which is not an error.  ctx is cancelled when the task is.
type CreateFunc[V any] func(ctx context.Context) (value V, ok bool, err error)

type SizeFunc[K comparable, V any] func(key K, value V) int64

// RemovedFunc is told about every value that leaves the cache.  evicted
// is true only for removals made to honor the size bound.  newValue is
// set when the old value was replaced rather than dropped.
type RemovedFunc[K comparable, V any] func(evicted bool, key K, oldValue V, newValue *V)

// CommitFunc runs under the registry mutex for every creation that
// produced a value.  cause is CauseNone when the value is about to be
// installed, and a non-nil error then fails the creation instead.  For
// a cancelled creation the error is only logged.
type CommitFunc[K comparable, V any] func(key K, value V, cause CancelCause) error

type entry[V any] struct {
	value V
	size  int64
}

type creation[K comparable, V any] struct {
	key     K
	fn      CreateFunc[V]
	task    *Task[V]
	prev    entry[V]
	hasPrev bool
}

type Cache[K comparable, V any] struct {
	regMu     sync.Mutex
	creations map[K]*creation[K, V]

	mapMu   sync.Mutex
	store   *scattermap.Map[K, entry[V]]
	size    int64
	maxSize int64

	strategy        Strategy
	sizeOf          SizeFunc[K, V]
	onRemoved       RemovedFunc[K, V]
	onCommit        CommitFunc[K, V]
	exec            func(fn func())
	maxCreations    int64
	sem             *semaphore.Weighted
	hasher          func(K) uint64
	initialCapacity int
	name            string

	logger         *zap.Logger
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	tracer         trace.Tracer
	metrics        *telemetry.CacheMetrics
}

func New[K comparable, V any](maxSize int64, opts ...Option[K, V]) (*Cache[K, V], error) {
	if maxSize <= 0 {
		return nil, ErrInvalidMaxSize
	}
	c := &Cache[K, V]{
		creations: make(map[K]*creation[K, V]),
		maxSize:   maxSize,
		strategy:  LRU,
		sizeOf:    func(K, V) int64 { return 1 },
		exec:      func(fn func()) { go fn() },
		name:      "cachecore",
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if !c.strategy.Valid() {
		return nil, fmt.Errorf("cachecore: invalid strategy %v", c.strategy)
	}
	if c.maxCreations > 0 {
		c.sem = semaphore.NewWeighted(c.maxCreations)
	}
	if c.tracerProvider == nil {
		c.tracerProvider = noop.NewTracerProvider()
	}
	c.tracer = c.tracerProvider.Tracer(telemetry.ScopeName)

	metrics, err := telemetry.NewCacheMetrics(c.meterProvider, c.name)
	if err != nil {
		return nil, err
	}
	c.metrics = metrics

	mapOpts := MapOptions[K](c.strategy)
	if c.hasher != nil {
		mapOpts = append(mapOpts, scattermap.WithHasher(c.hasher))
	}
	store, err := scattermap.New[K, entry[V]](c.initialCapacity, mapOpts...)
	if err != nil {
		return nil, err
	}
	c.store = store
	return c, nil
}

func (c *Cache[K, V]) Strategy() Strategy {
	return c.strategy
}

// Get waits for any creation in flight for key, otherwise returns the
// resident value.
func (c *Cache[K, V]) Get(ctx context.Context, key K) (V, bool, error) {
	c.regMu.Lock()
	if cr, ok := c.creations[key]; ok {
		c.regMu.Unlock()
		return cr.task.join(ctx)
	}
	c.mapMu.Lock()
	e, ok := c.store.Get(key)
	c.mapMu.Unlock()
	c.regMu.Unlock()

	c.metrics.Get(ctx, ok)
	return e.value, ok, nil
}

// GetIfAvailable returns the resident value without waiting on creations.
func (c *Cache[K, V]) GetIfAvailable(key K) (V, bool) {
	c.mapMu.Lock()
	e, ok := c.store.Get(key)
	c.mapMu.Unlock()

	c.metrics.Get(context.Background(), ok)
	return e.value, ok
}

// GetOrPut behaves like Get when key is resident or under creation, and
// otherwise creates the value with fn and waits for it.
func (c *Cache[K, V]) GetOrPut(ctx context.Context, key K, fn CreateFunc[V]) (V, bool, error) {
	c.regMu.Lock()
	if cr, ok := c.creations[key]; ok {
		c.regMu.Unlock()
		return cr.task.join(ctx)
	}
	c.mapMu.Lock()
	e, ok := c.store.Get(key)
	c.mapMu.Unlock()
	if ok {
		c.regMu.Unlock()
		c.metrics.Get(ctx, true)
		return e.value, true, nil
	}
	cr := c.registerLocked(key, fn)
	c.regMu.Unlock()

	c.metrics.Get(ctx, false)
	c.start(cr)
	return cr.task.Wait(ctx)
}

// PutFunc replaces any creation in flight for key with fn and waits for
// the result.
func (c *Cache[K, V]) PutFunc(ctx context.Context, key K, fn CreateFunc[V]) (V, bool, error) {
	return c.PutAsync(key, fn).Wait(ctx)
}

// PutAsync replaces any creation in flight for key with fn and returns
// without waiting.
func (c *Cache[K, V]) PutAsync(key K, fn CreateFunc[V]) *Task[V] {
	c.regMu.Lock()
	cr := c.registerLocked(key, fn)
	c.regMu.Unlock()

	c.start(cr)
	return cr.task
}

// Put stores value directly, cancelling any creation in flight for key.
func (c *Cache[K, V]) Put(key K, value V) {
	c.regMu.Lock()
	defer c.regMu.Unlock()

	var prev *entry[V]
	if cr, ok := c.creations[key]; ok {
		c.cancelLocked(cr, CauseReplacedByDirectValue, nil)
		if cr.hasPrev {
			prev = &cr.prev
		}
	}

	c.mapMu.Lock()
	defer c.mapMu.Unlock()
	c.installLocked(key, value, prev)
	c.sweepLocked()
}

// Remove cancels any creation for key and drops the resident value.
func (c *Cache[K, V]) Remove(key K) (V, bool) {
	c.regMu.Lock()
	defer c.regMu.Unlock()

	var (
		out   V
		found bool
	)
	cr, creating := c.creations[key]
	if creating {
		c.cancelLocked(cr, CauseExternal, nil)
	}

	c.mapMu.Lock()
	defer c.mapMu.Unlock()
	if creating && cr.hasPrev {
		out, found = cr.prev.value, true
		c.notifyLocked(false, key, cr.prev.value, nil)
	}
	if e, ok := c.store.Remove(key); ok {
		c.size -= e.size
		out, found = e.value, true
		c.notifyLocked(false, key, e.value, nil)
	}
	return out, found
}

// Clear cancels every creation and removes every resident value.
func (c *Cache[K, V]) Clear() {
	c.regMu.Lock()
	defer c.regMu.Unlock()

	cancelled := make([]*creation[K, V], 0, len(c.creations))
	for _, cr := range c.creations {
		c.cancelLocked(cr, CauseExternal, nil)
		cancelled = append(cancelled, cr)
	}

	c.mapMu.Lock()
	defer c.mapMu.Unlock()
	for _, cr := range cancelled {
		if cr.hasPrev {
			c.notifyLocked(false, cr.key, cr.prev.value, nil)
		}
	}
	for k, e := range c.store.All() {
		c.store.Remove(k)
		c.size -= e.size
		c.notifyLocked(false, k, e.value, nil)
	}
	c.store.Clear()
	c.checkSizeLocked()
}

// RemoveAllUnderCreation cancels every creation in flight.  Resident
// values, including those set aside by the cancelled creations, stay.
func (c *Cache[K, V]) RemoveAllUnderCreation() {
	c.regMu.Lock()
	defer c.regMu.Unlock()
	for _, cr := range c.creations {
		c.cancelExternalLocked(cr)
	}
}

// Resize changes the size bound, evicting as needed.
func (c *Cache[K, V]) Resize(maxSize int64) error {
	if maxSize <= 0 {
		return ErrInvalidMaxSize
	}
	c.mapMu.Lock()
	defer c.mapMu.Unlock()
	c.maxSize = maxSize
	c.sweepLocked()
	return nil
}

// TrimToSize evicts entries until Size is at most target, without
// changing the bound.
func (c *Cache[K, V]) TrimToSize(target int64) {
	c.mapMu.Lock()
	defer c.mapMu.Unlock()
	c.trimLocked(target)
}

func (c *Cache[K, V]) Size() int64 {
	c.mapMu.Lock()
	defer c.mapMu.Unlock()
	return c.size
}

func (c *Cache[K, V]) MaxSize() int64 {
	c.mapMu.Lock()
	defer c.mapMu.Unlock()
	return c.maxSize
}

// Len is the number of resident entries.
func (c *Cache[K, V]) Len() int {
	c.mapMu.Lock()
	defer c.mapMu.Unlock()
	return c.store.Len()
}

// Keys returns the resident keys, next eviction victim first.
func (c *Cache[K, V]) Keys() []K {
	c.mapMu.Lock()
	defer c.mapMu.Unlock()
	keys := make([]K, 0, c.store.Len())
	for k := range c.store.Keys() {
		keys = append(keys, k)
	}
	return keys
}

func (c *Cache[K, V]) Snapshot() map[K]V {
	c.mapMu.Lock()
	defer c.mapMu.Unlock()
	out := make(map[K]V, c.store.Len())
	for k, e := range c.store.All() {
		out[k] = e.value
	}
	return out
}

// Creating reports how many creations are in flight.
func (c *Cache[K, V]) Creating() int {
	c.regMu.Lock()
	defer c.regMu.Unlock()
	return len(c.creations)
}
