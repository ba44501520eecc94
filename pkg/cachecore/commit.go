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
	"context"
	"fmt"

	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// registerLocked installs a creation for key, replacing any creation
// already running.  Must hold regMu.
func (c *Cache[K, V]) registerLocked(key K, fn CreateFunc[V]) *creation[K, V] {
	cr := &creation[K, V]{key: key, fn: fn}
	cr.task = newTask(
		func() { c.cancelTask(cr) },
		func(ctx context.Context) (V, bool, error) { return c.Get(ctx, key) },
	)

	if old, ok := c.creations[key]; ok {
		cr.prev, cr.hasPrev = old.prev, old.hasPrev
		c.cancelLocked(old, CauseReplacedByCreation, cr.task)
	} else {
		c.mapMu.Lock()
		if e, ok := c.store.Remove(key); ok {
			c.size -= e.size
			cr.prev, cr.hasPrev = e, true
		}
		c.mapMu.Unlock()
	}
	c.creations[key] = cr
	c.metrics.CreationStarted(context.Background())
	return cr
}

func (c *Cache[K, V]) start(cr *creation[K, V]) {
	c.exec(func() { c.run(cr) })
}

func (c *Cache[K, V]) run(cr *creation[K, V]) {
	ctx := cr.task.ctx
	if ctx.Err() != nil {
		return
	}
	if c.sem != nil {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer c.sem.Release(1)
	}

	ctx, span := c.tracer.Start(ctx, "cachecore.create")
	value, ok, err := call(ctx, cr.fn)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()

	c.commit(cr, value, ok, err)
}

func call[V any](ctx context.Context, fn CreateFunc[V]) (value V, ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero V
			value, ok, err = zero, false, fmt.Errorf("cachecore: creation panicked: %v", r)
		}
	}()
	return fn(ctx)
}

// commit applies the outcome of a creation, unless the creation was
// cancelled or replaced while it ran.
func (c *Cache[K, V]) commit(cr *creation[K, V], value V, ok bool, err error) {
	c.regMu.Lock()
	defer c.regMu.Unlock()

	produced := err == nil && ok && c.onCommit != nil
	if cur, registered := c.creations[cr.key]; !registered || cur != cr || cr.task.closed {
		c.logger.Debug("discarding result of cancelled creation", zap.Any("key", cr.key))
		if produced {
			if herr := c.onCommit(cr.key, value, cr.task.cause); herr != nil {
				c.logger.Warn("commit hook failed for discarded creation",
					zap.Any("key", cr.key), zap.Stringer("cause", cr.task.cause), zap.Error(herr))
			}
		}
		return
	}
	delete(c.creations, cr.key)

	if produced {
		if herr := c.onCommit(cr.key, value, CauseNone); herr != nil {
			var zero V
			value, ok, err = zero, false, herr
		}
	}

	c.mapMu.Lock()
	if err == nil && ok {
		var prev *entry[V]
		if cr.hasPrev {
			prev = &cr.prev
		}
		c.installLocked(cr.key, value, prev)
	} else if cr.hasPrev {
		c.reinstateLocked(cr.key, cr.prev)
	}
	c.sweepLocked()
	c.mapMu.Unlock()

	if err != nil {
		c.metrics.CreationFailed(context.Background())
		c.logger.Debug("creation failed", zap.Any("key", cr.key), zap.Error(err))
		cr.task.resolve(value, false, err)
		return
	}
	cr.task.resolve(value, ok, nil)
}

// cancelLocked ends a creation without committing.  Must hold regMu.
func (c *Cache[K, V]) cancelLocked(cr *creation[K, V], cause CancelCause, next *Task[V]) {
	if c.creations[cr.key] == cr {
		delete(c.creations, cr.key)
	}
	cr.task.abort(cause, next)
	c.metrics.CreationCancelled(context.Background())
}

// cancelExternalLocked cancels a creation and puts back the value it
// had set aside.  Must hold regMu.
func (c *Cache[K, V]) cancelExternalLocked(cr *creation[K, V]) {
	c.cancelLocked(cr, CauseExternal, nil)
	if cr.hasPrev {
		c.mapMu.Lock()
		c.reinstateLocked(cr.key, cr.prev)
		c.sweepLocked()
		c.mapMu.Unlock()
	}
}

func (c *Cache[K, V]) cancelTask(cr *creation[K, V]) {
	c.regMu.Lock()
	defer c.regMu.Unlock()
	if cr.task.closed {
		return
	}
	c.cancelExternalLocked(cr)
}

// installLocked puts value into the map and reports whatever it
// replaced.  prev is a value set aside by a creation for the same key.
// Must hold mapMu.
func (c *Cache[K, V]) installLocked(key K, value V, prev *entry[V]) {
	size := c.sizeOf(key, value)
	if size < 0 {
		panic(fmt.Sprintf("cachecore: negative size %d for key %v", size, key))
	}
	old, replaced := c.store.Put(key, entry[V]{value: value, size: size})
	c.size += size
	if replaced {
		c.size -= old.size
		c.notifyLocked(false, key, old.value, &value)
	} else if prev != nil {
		c.notifyLocked(false, key, prev.value, &value)
	}
	c.metrics.Put(context.Background())
}

func (c *Cache[K, V]) reinstateLocked(key K, e entry[V]) {
	old, replaced := c.store.Put(key, e)
	c.size += e.size
	if replaced {
		c.size -= old.size
	}
}

func (c *Cache[K, V]) notifyLocked(evicted bool, key K, oldValue V, newValue *V) {
	c.metrics.Removed(context.Background(), evicted)
	if c.onRemoved != nil {
		c.onRemoved(evicted, key, oldValue, newValue)
	}
}

func (c *Cache[K, V]) trimLocked(target int64) {
	for c.size > target {
		k, e, ok := c.store.Eldest()
		if !ok {
			break
		}
		c.store.Remove(k)
		c.size -= e.size
		c.notifyLocked(true, k, e.value, nil)
	}
}

func (c *Cache[K, V]) sweepLocked() {
	c.trimLocked(c.maxSize)
	c.checkSizeLocked()
	if c.size > c.maxSize && c.store.Len() > 0 {
		panic(fmt.Sprintf("cachecore: size %d still above max %d after eviction", c.size, c.maxSize))
	}
}

func (c *Cache[K, V]) checkSizeLocked() {
	if c.size < 0 || (c.store.Len() == 0 && c.size != 0) {
		panic(fmt.Sprintf("cachecore: inconsistent size %d with %d entries", c.size, c.store.Len()))
	}
}
