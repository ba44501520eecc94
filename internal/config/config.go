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

// Package config loads the chqcache command configuration from YAML.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/mitchellh/mapstructure"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/cardinalhq/chqcache/internal/logging"
	"github.com/cardinalhq/chqcache/pkg/cachecore"
	"github.com/cardinalhq/chqcache/pkg/containercache"
	"github.com/cardinalhq/chqcache/pkg/journal"
	"github.com/cardinalhq/chqcache/pkg/keytransform"
)

const (
	KeyTransformSHA256   = "sha256"
	KeyTransformIdentity = "identity"
)

type Config struct {
	Directory           string         `mapstructure:"directory"`
	MaxSize             int64          `mapstructure:"max_size"`
	Strategy            string         `mapstructure:"strategy"`
	CacheVersion        int32          `mapstructure:"cache_version"`
	KeyTransform        string         `mapstructure:"key_transform"`
	CompactionThreshold int            `mapstructure:"compaction_threshold"`
	MaxConcurrentWrites int64          `mapstructure:"max_concurrent_writes"`
	Log                 logging.Config `mapstructure:"log"`
}

func Default() Config {
	return Config{
		Strategy:            cachecore.LRU.String(),
		CacheVersion:        1,
		KeyTransform:        KeyTransformSHA256,
		CompactionThreshold: journal.DefaultCompactionThreshold,
		Log:                 logging.DefaultConfig(),
	}
}

// Load reads path over the defaults.  Unknown keys are an error.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

func Parse(b []byte) (Config, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	cfg := Default()
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		ErrorUnused:      true,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return Config{}, err
	}
	if err := dec.Decode(raw); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errors error
	if c.Directory == "" {
		errors = multierr.Append(errors, fmt.Errorf("directory is required"))
	}
	if c.MaxSize <= 0 {
		errors = multierr.Append(errors, fmt.Errorf("max_size must be greater than 0"))
	}
	if _, err := cachecore.ParseStrategy(c.Strategy); err != nil {
		errors = multierr.Append(errors, err)
	}
	switch strings.ToLower(c.KeyTransform) {
	case KeyTransformSHA256, KeyTransformIdentity:
	default:
		errors = multierr.Append(errors, fmt.Errorf("key_transform must be one of: %s, %s", KeyTransformSHA256, KeyTransformIdentity))
	}
	if c.CompactionThreshold < 1 {
		errors = multierr.Append(errors, fmt.Errorf("compaction_threshold must be greater than or equal to 1"))
	}
	if c.MaxConcurrentWrites < 0 {
		errors = multierr.Append(errors, fmt.Errorf("max_concurrent_writes must not be negative"))
	}
	errors = multierr.Append(errors, c.Log.Validate())
	return errors
}

// CacheOptions turns a validated Config into options for
// containercache.Open.
func (c *Config) CacheOptions() ([]containercache.Option, error) {
	strategy, err := cachecore.ParseStrategy(c.Strategy)
	if err != nil {
		return nil, err
	}
	opts := []containercache.Option{
		containercache.WithStrategy(strategy),
		containercache.WithCacheVersion(c.CacheVersion),
		containercache.WithCompactionThreshold(c.CompactionThreshold),
		containercache.WithMaxConcurrentWrites(c.MaxConcurrentWrites),
	}
	if strings.EqualFold(c.KeyTransform, KeyTransformIdentity) {
		opts = append(opts, containercache.WithKeyTransformer(keytransform.Identity{}))
	}
	return opts, nil
}

// JournalHeader is the header a cache opened with c writes.
func (c *Config) JournalHeader() (journal.Header, error) {
	strategy, err := cachecore.ParseStrategy(c.Strategy)
	if err != nil {
		return journal.Header{}, err
	}
	return journal.Header{CacheVersion: c.CacheVersion, Strategy: strategy}, nil
}
