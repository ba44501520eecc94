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
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type Option[K comparable, V any] func(c *Cache[K, V])

// WithStrategy sets the eviction order. The default is LRU.
func WithStrategy[K comparable, V any](s Strategy) Option[K, V] {
	return func(c *Cache[K, V]) {
		c.strategy = s
	}
}

// WithSizeFunc sets how much of the size budget an entry uses.
// The default counts every entry as 1.
func WithSizeFunc[K comparable, V any](fn SizeFunc[K, V]) Option[K, V] {
	return func(c *Cache[K, V]) {
		c.sizeOf = fn
	}
}

// WithOnRemoved registers the listener called whenever a value leaves
// the cache.  It runs while the cache holds its internal locks and must
// not call back into the cache.
func WithOnRemoved[K comparable, V any](fn RemovedFunc[K, V]) Option[K, V] {
	return func(c *Cache[K, V]) {
		c.onRemoved = fn
	}
}

// WithCommitFunc registers a hook that sees every produced value before
// it is installed or discarded.  It runs while the cache holds its
// registry mutex and must not call back into the cache.
func WithCommitFunc[K comparable, V any](fn CommitFunc[K, V]) Option[K, V] {
	return func(c *Cache[K, V]) {
		c.onCommit = fn
	}
}

// WithExecutor sets how creation functions are scheduled.  The default
// starts a goroutine per creation.
func WithExecutor[K comparable, V any](exec func(fn func())) Option[K, V] {
	return func(c *Cache[K, V]) {
		c.exec = exec
	}
}

// WithMaxConcurrentCreations bounds how many creation functions run at
// once.  Zero means unbounded.
func WithMaxConcurrentCreations[K comparable, V any](n int64) Option[K, V] {
	return func(c *Cache[K, V]) {
		c.maxCreations = n
	}
}

func WithHasher[K comparable, V any](h func(K) uint64) Option[K, V] {
	return func(c *Cache[K, V]) {
		c.hasher = h
	}
}

func WithInitialCapacity[K comparable, V any](n int) Option[K, V] {
	return func(c *Cache[K, V]) {
		c.initialCapacity = n
	}
}

// WithName sets the "cache" attribute on the cache's metrics.
func WithName[K comparable, V any](name string) Option[K, V] {
	return func(c *Cache[K, V]) {
		c.name = name
	}
}

func WithLogger[K comparable, V any](logger *zap.Logger) Option[K, V] {
	return func(c *Cache[K, V]) {
		c.logger = logger
	}
}

func WithMeterProvider[K comparable, V any](mp metric.MeterProvider) Option[K, V] {
	return func(c *Cache[K, V]) {
		c.meterProvider = mp
	}
}

func WithTracerProvider[K comparable, V any](tp trace.TracerProvider) Option[K, V] {
	return func(c *Cache[K, V]) {
		c.tracerProvider = tp
	}
}
