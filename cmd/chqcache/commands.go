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

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/cardinalhq/chqcache/internal/config"
	"github.com/cardinalhq/chqcache/internal/logging"
	"github.com/cardinalhq/chqcache/pkg/containercache"
	"github.com/cardinalhq/chqcache/pkg/fsys"
	"github.com/cardinalhq/chqcache/pkg/journal"
)

func loadConfig(c *cli.Context) (config.Config, error) {
	cfg := config.Default()
	if path := c.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	if c.IsSet("dir") {
		cfg.Directory = c.String("dir")
	}
	if c.IsSet("max-size") {
		cfg.MaxSize = c.Int64("max-size")
	}
	if c.IsSet("strategy") {
		cfg.Strategy = c.String("strategy")
	}
	if c.IsSet("log-level") {
		cfg.Log.Level = c.String("log-level")
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// withCache opens the configured cache, runs fn and closes it again.
func withCache(c *cli.Context, fn func(ctx context.Context, cache *containercache.Cache) error) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger, flush, err := logging.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer flush()

	opts, err := cfg.CacheOptions()
	if err != nil {
		return err
	}
	opts = append(opts, containercache.WithLogger(logger))

	ctx := c.Context
	cache, err := containercache.Open(ctx, cfg.Directory, cfg.MaxSize, opts...)
	if err != nil {
		return err
	}
	err = fn(ctx, cache)
	if cerr := cache.Close(); cerr != nil {
		logger.Warn("closing cache", zap.Error(cerr))
		if err == nil {
			err = cerr
		}
	}
	return err
}

func inspect(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	h, err := cfg.JournalHeader()
	if err != nil {
		return err
	}
	r, err := fsys.OS{}.OpenRead(filepath.Join(cfg.Directory, journal.FileName))
	if err != nil {
		return err
	}
	defer r.Close()

	st, err := journal.Replay(r, h)
	if err != nil {
		return err
	}
	snap := st.Snapshot()
	out := c.App.Writer
	fmt.Fprintf(out, "directory: %s\n", cfg.Directory)
	fmt.Fprintf(out, "strategy:  %s\n", h.Strategy)
	fmt.Fprintf(out, "version:   %d\n", h.CacheVersion)
	fmt.Fprintf(out, "clean:     %d\n", len(snap.Clean))
	fmt.Fprintf(out, "dirty:     %d\n", len(snap.Dirty))
	fmt.Fprintf(out, "records:   %d\n", snap.Records)
	fmt.Fprintf(out, "redundant: %d\n", snap.Redundant)
	if c.Bool("keys") {
		for _, k := range snap.Clean {
			fmt.Fprintf(out, "clean %s\n", k)
		}
		for _, k := range snap.Dirty {
			fmt.Fprintf(out, "dirty %s\n", k)
		}
	}
	return nil
}

func compact(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	h, err := cfg.JournalHeader()
	if err != nil {
		return err
	}
	w, _, err := journal.Open(fsys.OS{}, cfg.Directory, h)
	if err != nil {
		return err
	}
	before := w.Snapshot()
	if err := w.Rebuild(); err != nil {
		_ = w.Close()
		return err
	}
	after := w.Snapshot()
	fmt.Fprintf(c.App.Writer, "compacted %d records to %d (clean %d, dirty %d)\n",
		before.Records, after.Records, len(after.Clean), len(after.Dirty))
	return w.Close()
}

func requireArgs(c *cli.Context, n int) error {
	if c.NArg() != n {
		return fmt.Errorf("%s: expected %d arguments, got %d", c.Command.Name, n, c.NArg())
	}
	return nil
}

func put(c *cli.Context) error {
	if err := requireArgs(c, 2); err != nil {
		return err
	}
	key, src := c.Args().Get(0), c.Args().Get(1)
	return withCache(c, func(ctx context.Context, cache *containercache.Cache) error {
		path, ok, err := cache.Put(ctx, key, copyFrom(src))
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("nothing was cached")
		}
		fmt.Fprintln(c.App.Writer, path)
		return nil
	})
}

func copyFrom(src string) containercache.WriteFunc {
	return func(_ context.Context, tempPath string) (bool, error) {
		in, err := os.Open(src)
		if err != nil {
			return false, err
		}
		defer in.Close()
		out, err := os.Create(tempPath)
		if err != nil {
			return false, err
		}
		if _, err := io.Copy(out, in); err != nil {
			_ = out.Close()
			return false, err
		}
		if err := out.Sync(); err != nil {
			_ = out.Close()
			return false, err
		}
		return true, out.Close()
	}
}

func get(c *cli.Context) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	return withCache(c, func(ctx context.Context, cache *containercache.Cache) error {
		path, ok, err := cache.Get(ctx, c.Args().First())
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("not cached")
		}
		fmt.Fprintln(c.App.Writer, path)
		return nil
	})
}

func remove(c *cli.Context) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	return withCache(c, func(ctx context.Context, cache *containercache.Cache) error {
		return cache.Remove(ctx, c.Args().First())
	})
}

func clearCache(c *cli.Context) error {
	return withCache(c, func(ctx context.Context, cache *containercache.Cache) error {
		return cache.Clear(ctx)
	})
}
