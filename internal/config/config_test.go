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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/cardinalhq/chqcache/pkg/cachecore"
	"github.com/cardinalhq/chqcache/pkg/journal"
)

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chqcache.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
directory: /var/cache/chq
max_size: "1048576"
strategy: fifo
cache_version: 3
key_transform: identity
log:
  level: debug
  format: json
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "/var/cache/chq", cfg.Directory)
	assert.Equal(t, int64(1048576), cfg.MaxSize)
	assert.Equal(t, int32(3), cfg.CacheVersion)
	assert.Equal(t, journal.DefaultCompactionThreshold, cfg.CompactionThreshold)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 3, cfg.Log.MaxBackups)

	h, err := cfg.JournalHeader()
	require.NoError(t, err)
	assert.Equal(t, journal.Header{CacheVersion: 3, Strategy: cachecore.FIFO}, h)

	opts, err := cfg.CacheOptions()
	require.NoError(t, err)
	assert.Len(t, opts, 5)
}

func TestParse_UnknownKey(t *testing.T) {
	_, err := Parse([]byte("directory: /tmp\nmax_sise: 10\n"))
	assert.ErrorContains(t, err, "max_sise")
}

func TestParse_BadYAML(t *testing.T) {
	_, err := Parse([]byte("directory: [unterminated"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Strategy = "random"
	cfg.KeyTransform = "md5"
	cfg.CompactionThreshold = 0
	cfg.Log.Level = "chatty"

	err := cfg.Validate()
	require.Error(t, err)
	// directory, max_size, strategy, key_transform, compaction_threshold, log level
	assert.Len(t, multierr.Errors(err), 6)
}

func TestDefaultIsValidOnceRequiredFieldsSet(t *testing.T) {
	cfg := Default()
	cfg.Directory = "/tmp/cache"
	cfg.MaxSize = 10
	assert.NoError(t, cfg.Validate())

	opts, err := cfg.CacheOptions()
	require.NoError(t, err)
	assert.Len(t, opts, 4)
}
