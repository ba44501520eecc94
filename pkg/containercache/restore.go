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
	"context"
	"errors"
	"fmt"
	"path/filepath"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cardinalhq/chqcache/internal/telemetry"
	"github.com/cardinalhq/chqcache/pkg/journal"
)

const recoveryParallelism = 8

// restore opens the journal and loads every clean key whose file is
// still present.  Interrupted writes and files the journal does not
// know about are deleted.
func (c *Cache) restore(ctx context.Context) error {
	if err := c.fs.MkdirAll(c.dir); err != nil {
		return err
	}

	j, st, err := journal.Open(c.fs, c.dir, c.header(), c.journalOptions()...)
	if errors.Is(err, journal.ErrCorrupt) {
		c.logger.Warn("discarding cache contents, journal is unusable", zap.Error(err))
		if rerr := c.reset(ctx); rerr != nil {
			return rerr
		}
		j, st, err = journal.Open(c.fs, c.dir, c.header(), c.journalOptions()...)
	}
	if err != nil {
		return err
	}
	c.journal = j

	dirty := st.DirtyKeys()
	if err := c.deleteAll(ctx, dirty, true); err != nil {
		return err
	}
	for _, safe := range dirty {
		if err := j.Remove(safe); err != nil {
			return err
		}
	}

	loaded := mapset.NewThreadUnsafeSet[string]()
	for _, safe := range st.CleanKeys() {
		if st.IsDirty(safe) {
			continue
		}
		final, _ := c.paths(safe)
		exists, err := c.fs.Exists(final)
		if err != nil {
			return err
		}
		if !exists {
			c.logger.Info("cached file is missing, dropping it", zap.String("key", safe))
			if err := j.Remove(safe); err != nil {
				return err
			}
			continue
		}
		c.core.Put(safe, final)
		loaded.Add(safe)
	}

	names, err := c.fs.List(c.dir)
	if err != nil {
		return err
	}
	var orphans []string
	for _, name := range names {
		if journal.IsJournalFile(name) || loaded.Contains(name) {
			continue
		}
		orphans = append(orphans, name)
	}
	if err := c.deleteAll(ctx, orphans, false); err != nil {
		return err
	}

	c.logger.Info("cache opened",
		zap.Int("entries", loaded.Cardinality()),
		zap.Int("interrupted", len(dirty)),
		zap.Int("orphans", len(orphans)),
		zap.Int64("size", c.core.Size()))
	return nil
}

// deleteAll removes names from the cache directory.  With artifacts
// set, names are keys and both the file and its temporary are removed.
func (c *Cache) deleteAll(ctx context.Context, names []string, artifacts bool) error {
	if len(names) == 0 {
		return nil
	}
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(recoveryParallelism)
	for _, name := range names {
		g.Go(func() error {
			if artifacts {
				final, temp := c.paths(name)
				if err := c.fs.Delete(temp); err != nil {
					return fmt.Errorf("delete %s: %w", temp, err)
				}
				if err := c.fs.Delete(final); err != nil {
					return fmt.Errorf("delete %s: %w", final, err)
				}
				return nil
			}
			path := filepath.Join(c.dir, name)
			if err := c.fs.DeleteRecursively(path); err != nil {
				return fmt.Errorf("delete %s: %w", path, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// reset empties the cache directory after the journal was found unusable.
func (c *Cache) reset(ctx context.Context) error {
	metrics, err := telemetry.NewJournalMetrics(c.meterProvider, c.dir)
	if err != nil {
		return err
	}
	metrics.Reset(ctx)

	names, err := c.fs.List(c.dir)
	if err != nil {
		return err
	}
	return c.deleteAll(ctx, names, false)
}
