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

package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/chqcache/internal/telemetry/telemetrytest"
)

func TestCacheMetrics(t *testing.T) {
	mp, reader := telemetrytest.NewProvider()

	m, err := NewCacheMetrics(mp, "test")
	require.NoError(t, err)

	ctx := context.Background()
	m.Get(ctx, true)
	m.Get(ctx, false)
	m.Get(ctx, true)
	m.Put(ctx)
	m.Removed(ctx, true)
	m.Removed(ctx, false)
	m.CreationStarted(ctx)
	m.CreationFailed(ctx)

	totals := telemetrytest.CounterTotals(t, reader)
	assert.Equal(t, int64(3), totals["cache_gets"])
	assert.Equal(t, int64(2), totals["cache_hits"])
	assert.Equal(t, int64(1), totals["cache_misses"])
	assert.Equal(t, int64(1), totals["cache_puts"])
	assert.Equal(t, int64(1), totals["cache_evictions"])
	assert.Equal(t, int64(1), totals["cache_removals"])
	assert.Equal(t, int64(1), totals["cache_creations"])
	assert.Equal(t, int64(1), totals["cache_creation_failures"])
}

func TestJournalMetrics(t *testing.T) {
	mp, reader := telemetrytest.NewProvider()

	m, err := NewJournalMetrics(mp, "/tmp/x")
	require.NoError(t, err)

	ctx := context.Background()
	m.Record(ctx, "dirty")
	m.Record(ctx, "clean")
	m.Compacted(ctx)
	m.Reset(ctx)

	totals := telemetrytest.CounterTotals(t, reader)
	assert.Equal(t, int64(2), totals["journal_records"])
	assert.Equal(t, int64(1), totals["journal_compactions"])
	assert.Equal(t, int64(1), totals["journal_resets"])
}

func TestNilProviderIsNoop(t *testing.T) {
	m, err := NewCacheMetrics(nil, "noop")
	require.NoError(t, err)
	m.Get(context.Background(), true)

	j, err := NewJournalMetrics(nil, "")
	require.NoError(t, err)
	j.Record(context.Background(), "read")
}
