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

package containercache

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/cardinalhq/chqcache/pkg/cachecore"
	"github.com/cardinalhq/chqcache/pkg/fsys"
	"github.com/cardinalhq/chqcache/pkg/keytransform"
)

type Option func(c *Cache)

// WithStrategy sets the eviction order.  It is stored in the journal, so
// reopening with a different strategy starts from an empty cache.
func WithStrategy(s cachecore.Strategy) Option {
	return func(c *Cache) {
		c.strategy = s
	}
}

// WithCacheVersion tags the journal.  Bumping it discards everything
// cached under the previous version.
func WithCacheVersion(v int32) Option {
	return func(c *Cache) {
		c.cacheVersion = v
	}
}

// WithKeyTransformer sets how keys become file names.  The default
// hashes keys with SHA-256; nil uses keys as they are.
func WithKeyTransformer(kt keytransform.KeyTransformer) Option {
	return func(c *Cache) {
		c.transformer = kt
		c.transformerSet = true
	}
}

func WithFileSystem(fs fsys.FileSystem) Option {
	return func(c *Cache) {
		c.fs = fs
	}
}

// WithExecutor sets how writes started by Put and friends are scheduled.
func WithExecutor(exec func(fn func())) Option {
	return func(c *Cache) {
		c.exec = exec
	}
}

func WithMaxConcurrentWrites(n int64) Option {
	return func(c *Cache) {
		c.maxWrites = n
	}
}

func WithCompactionThreshold(n int) Option {
	return func(c *Cache) {
		c.compactionThreshold = n
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *Cache) {
		c.meterProvider = mp
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Cache) {
		c.tracerProvider = tp
	}
}
