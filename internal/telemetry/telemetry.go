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

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const ScopeName = "github.com/cardinalhq/chqcache"

// CacheMetrics are the counters every cachecore.Cache reports.
type CacheMetrics struct {
	gets             metric.Int64Counter
	hits             metric.Int64Counter
	misses           metric.Int64Counter
	puts             metric.Int64Counter
	evictions        metric.Int64Counter
	removals         metric.Int64Counter
	creations        metric.Int64Counter
	creationFailures metric.Int64Counter
	cancellations    metric.Int64Counter

	attrs metric.MeasurementOption
}

// JournalMetrics are the counters the journal writer reports.
type JournalMetrics struct {
	records     metric.Int64Counter
	compactions metric.Int64Counter
	resets      metric.Int64Counter

	attrs metric.MeasurementOption
}

func meterOrNoop(mp metric.MeterProvider) metric.Meter {
	if mp == nil {
		mp = noop.NewMeterProvider()
	}
	return mp.Meter(ScopeName)
}

func NewCacheMetrics(mp metric.MeterProvider, name string) (*CacheMetrics, error) {
	meter := meterOrNoop(mp)
	m := &CacheMetrics{
		attrs: metric.WithAttributeSet(attribute.NewSet(attribute.String("cache", name))),
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.gets, "cache_gets", "Number of cache lookups"},
		{&m.hits, "cache_hits", "Number of lookups that found a value"},
		{&m.misses, "cache_misses", "Number of lookups that found no value"},
		{&m.puts, "cache_puts", "Number of values installed into the cache"},
		{&m.evictions, "cache_evictions", "Number of entries evicted to honor the size bound"},
		{&m.removals, "cache_removals", "Number of entries removed explicitly"},
		{&m.creations, "cache_creations", "Number of creation tasks started"},
		{&m.creationFailures, "cache_creation_failures", "Number of creation tasks that returned an error"},
		{&m.cancellations, "cache_creation_cancellations", "Number of creation tasks cancelled before commit"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
		*c.dst = counter
	}
	return m, nil
}

func (m *CacheMetrics) Get(ctx context.Context, hit bool) {
	m.gets.Add(ctx, 1, m.attrs)
	if hit {
		m.hits.Add(ctx, 1, m.attrs)
	} else {
		m.misses.Add(ctx, 1, m.attrs)
	}
}

func (m *CacheMetrics) Put(ctx context.Context) {
	m.puts.Add(ctx, 1, m.attrs)
}

func (m *CacheMetrics) Removed(ctx context.Context, evicted bool) {
	if evicted {
		m.evictions.Add(ctx, 1, m.attrs)
	} else {
		m.removals.Add(ctx, 1, m.attrs)
	}
}

func (m *CacheMetrics) CreationStarted(ctx context.Context) {
	m.creations.Add(ctx, 1, m.attrs)
}

func (m *CacheMetrics) CreationFailed(ctx context.Context) {
	m.creationFailures.Add(ctx, 1, m.attrs)
}

func (m *CacheMetrics) CreationCancelled(ctx context.Context) {
	m.cancellations.Add(ctx, 1, m.attrs)
}

func NewJournalMetrics(mp metric.MeterProvider, dir string) (*JournalMetrics, error) {
	meter := meterOrNoop(mp)
	m := &JournalMetrics{
		attrs: metric.WithAttributeSet(attribute.NewSet(attribute.String("directory", dir))),
	}
	var err error
	if m.records, err = meter.Int64Counter("journal_records",
		metric.WithDescription("Number of records appended to the journal")); err != nil {
		return nil, err
	}
	if m.compactions, err = meter.Int64Counter("journal_compactions",
		metric.WithDescription("Number of journal rebuilds")); err != nil {
		return nil, err
	}
	if m.resets, err = meter.Int64Counter("journal_resets",
		metric.WithDescription("Number of cache directories wiped because the journal was unreadable")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *JournalMetrics) Record(ctx context.Context, op string) {
	m.records.Add(ctx, 1, m.attrs, metric.WithAttributes(attribute.String("op", op)))
}

func (m *JournalMetrics) Compacted(ctx context.Context) {
	m.compactions.Add(ctx, 1, m.attrs)
}

func (m *JournalMetrics) Reset(ctx context.Context) {
	m.resets.Add(ctx, 1, m.attrs)
}
