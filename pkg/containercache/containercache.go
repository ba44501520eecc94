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

// Package containercache is a size-bounded cache of files in a single
// directory.  Membership survives restarts through a journal kept next
// to the files, and a crash never leaves a partially written file
// visible as cached.
//
// Every value is written to a temporary file first and renamed into
// place once complete.  The journal marks a key dirty before its file
// is touched and clean once the rename is done, so a key still dirty at
// startup is an interrupted write and is discarded.
package containercache

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/cardinalhq/chqcache/pkg/cachecore"
	"github.com/cardinalhq/chqcache/pkg/fsys"
	"github.com/cardinalhq/chqcache/pkg/journal"
	"github.com/cardinalhq/chqcache/pkg/keytransform"
	"github.com/cardinalhq/chqcache/pkg/scattermap"
)

const tempSuffix = ".tmp"

var (
	ErrClosed     = errors.New("containercache: closed")
	ErrInvalidKey = errors.New("containercache: key does not map to a usable file name")
)

// WriteFunc writes a value to tempPath.  Returning false, or leaving no
// file behind, means there is nothing to cache.
type WriteFunc func(ctx context.Context, tempPath string) (bool, error)

type Cache struct {
	dir                 string
	fs                  fsys.FileSystem
	transformer         keytransform.KeyTransformer
	transformerSet      bool
	strategy            cachecore.Strategy
	cacheVersion        int32
	compactionThreshold int
	exec                func(fn func())
	maxWrites           int64

	logger         *zap.Logger
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider

	core *cachecore.Cache[string, string]

	// mu guards journal and closed.  Clear swaps the journal.
	mu      sync.RWMutex
	journal *journal.Writer
	closed  bool
}

// Open loads the cache kept in dir, creating the directory if needed.
// An unreadable journal, or one written with a different cache version
// or strategy, empties the directory instead of failing.
func Open(ctx context.Context, dir string, maxSize int64, opts ...Option) (*Cache, error) {
	if maxSize <= 0 {
		return nil, cachecore.ErrInvalidMaxSize
	}
	c := &Cache{
		dir:                 dir,
		fs:                  fsys.OS{},
		strategy:            cachecore.LRU,
		cacheVersion:        1,
		compactionThreshold: journal.DefaultCompactionThreshold,
		logger:              zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if !c.strategy.Valid() {
		return nil, fmt.Errorf("containercache: invalid strategy %v", c.strategy)
	}
	if !c.transformerSet {
		kt, err := keytransform.NewSHA256(keytransform.DefaultMemoSize)
		if err != nil {
			return nil, err
		}
		c.transformer = kt
	} else if c.transformer == nil {
		c.transformer = keytransform.Identity{}
	}
	c.logger = c.logger.With(zap.String("dir", dir))

	coreOpts := []cachecore.Option[string, string]{
		cachecore.WithStrategy[string, string](c.strategy),
		cachecore.WithSizeFunc(c.sizeOf),
		cachecore.WithOnRemoved(c.onRemoved),
		cachecore.WithCommitFunc(c.finish),
		cachecore.WithHasher[string, string](scattermap.StringHasher),
		cachecore.WithName[string, string](dir),
		cachecore.WithLogger[string, string](c.logger),
		cachecore.WithMeterProvider[string, string](c.meterProvider),
		cachecore.WithTracerProvider[string, string](c.tracerProvider),
		cachecore.WithMaxConcurrentCreations[string, string](c.maxWrites),
	}
	if c.exec != nil {
		coreOpts = append(coreOpts, cachecore.WithExecutor[string, string](c.exec))
	}
	// Loading happens under an unbounded size so the final sweep sees
	// every recovered entry at once.
	core, err := cachecore.New[string, string](math.MaxInt64, coreOpts...)
	if err != nil {
		return nil, err
	}
	c.core = core

	if err := c.restore(ctx); err != nil {
		if c.journal != nil {
			err = multierror.Append(err, c.journal.Close()).ErrorOrNil()
		}
		return nil, err
	}
	if err := c.core.Resize(maxSize); err != nil {
		return nil, multierror.Append(err, c.journal.Close()).ErrorOrNil()
	}
	if err := c.compact(c.journal); err != nil {
		return nil, multierror.Append(err, c.journal.Close()).ErrorOrNil()
	}
	return c, nil
}

func (c *Cache) header() journal.Header {
	return journal.Header{CacheVersion: c.cacheVersion, Strategy: c.strategy}
}

func (c *Cache) journalOptions() []journal.Option {
	return []journal.Option{
		journal.WithLogger(c.logger),
		journal.WithMeterProvider(c.meterProvider),
		journal.WithCompactionThreshold(c.compactionThreshold),
	}
}

// writer returns the current journal, or ErrClosed.
func (c *Cache) writer() (*journal.Writer, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}
	return c.journal, nil
}

func (c *Cache) paths(safe string) (final, temp string) {
	final = filepath.Join(c.dir, safe)
	return final, final + tempSuffix
}

func (c *Cache) transform(ctx context.Context, key string) (string, error) {
	safe, err := c.transformer.Transform(ctx, key)
	if err != nil {
		return "", err
	}
	if safe == "" || safe == "." || safe == ".." ||
		strings.ContainsAny(safe, `/\`) ||
		strings.HasSuffix(safe, tempSuffix) ||
		journal.IsJournalFile(safe) ||
		len(safe) > journal.MaxKeyLen {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, safe)
	}
	return safe, nil
}

func (c *Cache) sizeOf(safe string, path string) int64 {
	size, err := c.fs.Size(path)
	if err != nil {
		c.logger.Warn("cannot size cached file", zap.String("key", safe), zap.Error(err))
		return 0
	}
	return size
}

// onRemoved runs for every entry the core cache evicts.  Replacements
// are skipped since the new file was renamed over the old one, and
// explicit removals are handled by Remove and Clear themselves.
// Failures here have no caller to go to, so they are logged.
func (c *Cache) onRemoved(evicted bool, safe string, _ string, newValue *string) {
	if !evicted || newValue != nil {
		return
	}

	// Runs under the core cache's locks; mu is never held while
	// calling into the core.
	c.mu.RLock()
	j := c.journal
	c.mu.RUnlock()
	if j != nil {
		if err := j.Dirty(safe); err != nil && !errors.Is(err, journal.ErrClosed) {
			c.logger.Warn("cannot journal eviction", zap.String("key", safe), zap.Error(err))
		}
	}

	final, temp := c.paths(safe)
	if err := c.fs.Delete(final); err != nil {
		// Still dirty in the journal, so the next Open deletes it.
		c.logger.Warn("cannot delete evicted file", zap.String("key", safe), zap.Error(err))
		return
	}
	if err := c.fs.Delete(temp); err != nil {
		c.logger.Warn("cannot delete temporary file", zap.String("key", safe), zap.Error(err))
	}
	if j == nil {
		return
	}
	if err := j.Remove(safe); err != nil && !errors.Is(err, journal.ErrClosed) {
		c.logger.Warn("cannot journal eviction", zap.String("key", safe), zap.Error(err))
		return
	}
	if err := c.compact(j); err != nil {
		c.logger.Warn("journal compaction failed", zap.Error(err))
	}
}

func (c *Cache) compact(j *journal.Writer) error {
	if j == nil {
		return nil
	}
	if _, err := j.CompactIfNeeded(); err != nil && !errors.Is(err, journal.ErrClosed) {
		return fmt.Errorf("containercache: compact journal: %w", err)
	}
	return nil
}

// create wraps fn into the creation run by the core cache.  The file is
// moved into place by finish, once the core has decided to keep it.
func (c *Cache) create(safe string, fn WriteFunc) cachecore.CreateFunc[string] {
	final, temp := c.paths(safe)
	return func(ctx context.Context) (string, bool, error) {
		j, err := c.writer()
		if err != nil {
			return "", false, err
		}
		if err := c.compact(j); err != nil {
			return "", false, err
		}
		if err := j.Dirty(safe); err != nil {
			return "", false, err
		}

		ok, err := fn(ctx, temp)
		if err == nil && ok {
			var exists bool
			exists, err = c.fs.Exists(temp)
			if err == nil && exists {
				return final, true, nil
			}
		}
		return "", false, c.abandon(j, safe, cachecore.CauseOf(ctx), err)
	}
}

// finish runs under the core cache's registry mutex for every write that
// produced a file, so a write cancelled by Remove, Clear or Close can
// never be renamed into place.
func (c *Cache) finish(safe string, _ string, cause cachecore.CancelCause) error {
	c.mu.RLock()
	j := c.journal
	c.mu.RUnlock()
	if cause != cachecore.CauseNone {
		return c.abandon(j, safe, cause, nil)
	}
	if j == nil {
		return c.abandon(nil, safe, cause, ErrClosed)
	}

	final, temp := c.paths(safe)
	if err := c.fs.Rename(temp, final, true); err != nil {
		return c.abandon(j, safe, cause, err)
	}
	return j.Clean(safe)
}

// abandon cleans up after a write that will not be cached and returns
// err combined with any cleanup failure.  A write replaced by a newer
// one shares its temporary file with it, so that file is left alone.
func (c *Cache) abandon(j *journal.Writer, safe string, cause cachecore.CancelCause, err error) error {
	var cleanup *multierror.Error
	if cause != cachecore.CauseReplacedByCreation {
		_, temp := c.paths(safe)
		if derr := c.fs.Delete(temp); derr != nil {
			cleanup = multierror.Append(cleanup, fmt.Errorf("delete temporary file: %w", derr))
		}
	}
	if j != nil {
		if cerr := j.Cancel(safe); cerr != nil && !errors.Is(cerr, journal.ErrClosed) {
			cleanup = multierror.Append(cleanup, cerr)
		}
	}
	if cleanup == nil {
		return err
	}
	if cause != cachecore.CauseNone {
		// Nobody waits on a cancelled write's error.
		c.logger.Warn("cleanup after cancelled write failed",
			zap.String("key", safe), zap.Stringer("cause", cause), zap.Error(cleanup))
	}
	if err == nil {
		return cleanup.ErrorOrNil()
	}
	return multierror.Append(err, cleanup.Errors...)
}

func (c *Cache) read(safe string) error {
	j, err := c.writer()
	if err != nil {
		return err
	}
	return j.Read(safe)
}

// Get returns the path of the cached file for key, waiting for a write
// in progress.
func (c *Cache) Get(ctx context.Context, key string) (string, bool, error) {
	safe, err := c.transform(ctx, key)
	if err != nil {
		return "", false, err
	}
	if _, err := c.writer(); err != nil {
		return "", false, err
	}
	path, ok, err := c.core.Get(ctx, safe)
	if err != nil || !ok {
		return "", false, err
	}
	return path, true, c.read(safe)
}

// GetIfAvailable is Get without waiting for writes in progress.
func (c *Cache) GetIfAvailable(ctx context.Context, key string) (string, bool, error) {
	safe, err := c.transform(ctx, key)
	if err != nil {
		return "", false, err
	}
	if _, err := c.writer(); err != nil {
		return "", false, err
	}
	path, ok := c.core.GetIfAvailable(safe)
	if !ok {
		return "", false, nil
	}
	return path, true, c.read(safe)
}

// GetOrPut returns the cached file for key, writing it with fn if there
// is none.
func (c *Cache) GetOrPut(ctx context.Context, key string, fn WriteFunc) (string, bool, error) {
	safe, err := c.transform(ctx, key)
	if err != nil {
		return "", false, err
	}
	if _, err := c.writer(); err != nil {
		return "", false, err
	}
	path, ok, err := c.core.GetOrPut(ctx, safe, c.create(safe, fn))
	if err != nil || !ok {
		return "", false, err
	}
	return path, true, c.read(safe)
}

// Put writes key with fn, replacing the cached file and any write in
// progress, and waits for it.
func (c *Cache) Put(ctx context.Context, key string, fn WriteFunc) (string, bool, error) {
	task, err := c.PutAsync(ctx, key, fn)
	if err != nil {
		return "", false, err
	}
	return task.Wait(ctx)
}

// PutAsync is Put without waiting.
func (c *Cache) PutAsync(ctx context.Context, key string, fn WriteFunc) (*cachecore.Task[string], error) {
	safe, err := c.transform(ctx, key)
	if err != nil {
		return nil, err
	}
	if _, err := c.writer(); err != nil {
		return nil, err
	}
	return c.core.PutAsync(safe, c.create(safe, fn)), nil
}

// Remove deletes key and its file.  The journal marks the key dirty
// first, so a crash part way leaves it discarded rather than cached.
func (c *Cache) Remove(ctx context.Context, key string) error {
	safe, err := c.transform(ctx, key)
	if err != nil {
		return err
	}
	j, err := c.writer()
	if err != nil {
		return err
	}
	if err := j.Dirty(safe); err != nil {
		return err
	}
	if _, found := c.core.Remove(safe); !found {
		if err := j.Cancel(safe); err != nil {
			return err
		}
		return c.compact(j)
	}

	// A file that cannot be deleted keeps the key dirty, so the next
	// Open discards it.
	final, temp := c.paths(safe)
	if err := c.fs.Delete(final); err != nil {
		return fmt.Errorf("containercache: delete %s: %w", safe, err)
	}
	if err := c.fs.Delete(temp); err != nil {
		return fmt.Errorf("containercache: delete %s: %w", safe+tempSuffix, err)
	}
	if err := j.Remove(safe); err != nil {
		return err
	}
	return c.compact(j)
}

// Clear drops every entry and starts over with an empty directory and
// journal.
func (c *Cache) Clear(ctx context.Context) error {
	if _, err := c.writer(); err != nil {
		return err
	}
	c.core.Clear()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	var result *multierror.Error
	if err := c.journal.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	c.journal = nil
	if err := c.fs.DeleteRecursively(c.dir); err != nil {
		return multierror.Append(result, err).ErrorOrNil()
	}
	j, _, err := journal.Open(c.fs, c.dir, c.header(), c.journalOptions()...)
	if err != nil {
		return multierror.Append(result, err).ErrorOrNil()
	}
	c.journal = j
	c.logger.Info("cache cleared")
	return result.ErrorOrNil()
}

func (c *Cache) Resize(maxSize int64) error {
	return c.core.Resize(maxSize)
}

func (c *Cache) TrimToSize(target int64) {
	c.core.TrimToSize(target)
}

func (c *Cache) Size() int64 {
	return c.core.Size()
}

func (c *Cache) MaxSize() int64 {
	return c.core.MaxSize()
}

func (c *Cache) Len() int {
	return c.core.Len()
}

func (c *Cache) Dir() string {
	return c.dir
}

// Close cancels writes in progress and closes the journal.  Files stay
// on disk for the next Open.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.core.RemoveAllUnderCreation()

	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.journal.Close()
	c.journal = nil
	return err
}
