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
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/cardinalhq/chqcache/internal/telemetry/telemetrytest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type removal struct {
	evicted  bool
	key      string
	oldValue string
	newValue *string
}

type recorder struct {
	sync.Mutex
	events []removal
}

func (r *recorder) onRemoved(evicted bool, key string, oldValue string, newValue *string) {
	r.Lock()
	defer r.Unlock()
	r.events = append(r.events, removal{evicted, key, oldValue, newValue})
}

func (r *recorder) all() []removal {
	r.Lock()
	defer r.Unlock()
	return append([]removal(nil), r.events...)
}

func ptr(s string) *string { return &s }

func value(v string) CreateFunc[string] {
	return func(context.Context) (string, bool, error) { return v, true, nil }
}

// blocking returns a creation that signals started, then produces v
// once release is closed, or gives up when its task is cancelled.
func blocking(v string, started chan<- struct{}, release <-chan struct{}) CreateFunc[string] {
	return func(ctx context.Context) (string, bool, error) {
		if started != nil {
			close(started)
		}
		select {
		case <-release:
			return v, true, nil
		case <-ctx.Done():
			return "", false, ctx.Err()
		}
	}
}

func newCache(t *testing.T, maxSize int64, opts ...Option[string, string]) *Cache[string, string] {
	t.Helper()
	c, err := New(maxSize, opts...)
	require.NoError(t, err)
	return c
}

func TestNew_InvalidMaxSize(t *testing.T) {
	for _, n := range []int64{0, -1} {
		c, err := New[string, string](n)
		assert.Nil(t, c)
		assert.ErrorIs(t, err, ErrInvalidMaxSize)
	}
	_, err := New(1, WithStrategy[string, string](Strategy(9)))
	assert.Error(t, err)
}

func TestLRUEviction(t *testing.T) {
	rec := &recorder{}
	c := newCache(t, 2, WithOnRemoved(rec.onRemoved))

	c.Put("A", "a")
	c.Put("B", "b")
	c.Put("C", "c")

	assert.Equal(t, []string{"B", "C"}, c.Keys())
	assert.Equal(t, []removal{{true, "A", "a", nil}}, rec.all())
	assert.Equal(t, int64(2), c.Size())
}

func TestStrategies(t *testing.T) {
	tests := []struct {
		strategy Strategy
		evicted  string
		keys     []string
	}{
		{LRU, "b", []string{"c", "a", "d"}},
		{MRU, "d", []string{"a", "c", "b"}},
		{FIFO, "a", []string{"b", "c", "d"}},
		{FILO, "d", []string{"c", "b", "a"}},
	}
	for _, tt := range tests {
		t.Run(tt.strategy.String(), func(t *testing.T) {
			rec := &recorder{}
			c := newCache(t, 3,
				WithStrategy[string, string](tt.strategy),
				WithOnRemoved(rec.onRemoved))
			for _, k := range []string{"a", "b", "c"} {
				c.Put(k, k)
			}
			_, ok := c.GetIfAvailable("a")
			require.True(t, ok)
			c.Put("d", "d")

			events := rec.all()
			require.Len(t, events, 1)
			assert.True(t, events[0].evicted)
			assert.Equal(t, tt.evicted, events[0].key)
			assert.Equal(t, tt.keys, c.Keys())
		})
	}
}

func TestParseStrategy(t *testing.T) {
	for _, s := range []Strategy{LRU, MRU, FIFO, FILO} {
		got, err := ParseStrategy(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
	got, err := ParseStrategy("")
	require.NoError(t, err)
	assert.Equal(t, LRU, got)
	_, err = ParseStrategy("random")
	assert.Error(t, err)
}

func TestSizeAccounting(t *testing.T) {
	rec := &recorder{}
	c := newCache(t, 10,
		WithStrategy[string, string](FIFO),
		WithSizeFunc(func(_ string, v string) int64 { return int64(len(v)) }),
		WithOnRemoved(rec.onRemoved))

	c.Put("a", "xxx")
	c.Put("b", "xxxx")
	assert.Equal(t, int64(7), c.Size())

	c.Put("a", "x")
	assert.Equal(t, int64(5), c.Size())
	assert.Equal(t, []removal{{false, "a", "xxx", ptr("x")}}, rec.all())

	c.Put("c", "xxxxx")
	assert.Equal(t, int64(10), c.Size())
	assert.Equal(t, []string{"a", "b", "c"}, c.Keys())

	c.Put("d", "xxxx")
	assert.Equal(t, int64(9), c.Size())
	assert.Equal(t, []string{"c", "d"}, c.Keys())

	c.Put("huge", "xxxxxxxxxxxx")
	assert.Equal(t, int64(0), c.Size())
	assert.Equal(t, 0, c.Len())
}

func TestNegativeSizePanics(t *testing.T) {
	c := newCache(t, 10, WithSizeFunc(func(string, string) int64 { return -1 }))
	assert.Panics(t, func() { c.Put("a", "a") })
}

func TestResizeAndTrim(t *testing.T) {
	c := newCache(t, 10, WithStrategy[string, string](FIFO))
	for i := 0; i < 5; i++ {
		c.Put(fmt.Sprint(i), "v")
	}
	assert.ErrorIs(t, c.Resize(0), ErrInvalidMaxSize)

	require.NoError(t, c.Resize(2))
	assert.Equal(t, []string{"3", "4"}, c.Keys())
	assert.Equal(t, int64(2), c.MaxSize())

	c.TrimToSize(1)
	assert.Equal(t, []string{"4"}, c.Keys())
	assert.Equal(t, int64(2), c.MaxSize())

	c.TrimToSize(-5)
	assert.Equal(t, 0, c.Len())
}

func TestGetOrPut_NoDoubleCreation(t *testing.T) {
	c := newCache(t, 10)
	var calls atomic.Int32
	release := make(chan struct{})
	fn := func(ctx context.Context) (string, bool, error) {
		calls.Add(1)
		<-release
		return "v", true, nil
	}

	var wg sync.WaitGroup
	results := make([]string, 32)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, ok, err := c.GetOrPut(context.Background(), "k", fn)
			assert.NoError(t, err)
			assert.True(t, ok)
			results[i] = v
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, v := range results {
		assert.Equal(t, "v", v)
	}
	assert.Equal(t, 0, c.Creating())
}

func TestGetOrPut_Resident(t *testing.T) {
	c := newCache(t, 10)
	c.Put("k", "resident")
	v, ok, err := c.GetOrPut(context.Background(), "k", func(context.Context) (string, bool, error) {
		t.Fatal("creation must not run for a resident key")
		return "", false, nil
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "resident", v)
}

func TestReplacedByCreation(t *testing.T) {
	c := newCache(t, 10)
	ctx := context.Background()

	causes := make(chan CancelCause, 1)
	started := make(chan struct{})
	t1 := c.PutAsync("k", func(ctx context.Context) (string, bool, error) {
		close(started)
		<-ctx.Done()
		causes <- CauseOf(ctx)
		return "stale", true, nil
	})
	<-started

	release := make(chan struct{})
	t2 := c.PutAsync("k", blocking("fresh", nil, release))
	assert.Equal(t, CauseReplacedByCreation, <-causes)

	joined := make(chan string, 1)
	go func() {
		v, _, _ := t1.Wait(ctx)
		joined <- v
	}()
	close(release)

	v, ok, err := t2.Wait(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "fresh", v)
	assert.Equal(t, "fresh", <-joined)

	got, ok := c.GetIfAvailable("k")
	assert.True(t, ok)
	assert.Equal(t, "fresh", got)
}

func TestReplacementFailureIsNoValueForFollowers(t *testing.T) {
	c := newCache(t, 10)
	ctx := context.Background()

	t1 := c.PutAsync("k", blocking("first", nil, make(chan struct{})))
	boom := errors.New("boom")
	t2 := c.PutAsync("k", func(context.Context) (string, bool, error) {
		return "", false, boom
	})

	_, _, err := t2.Wait(ctx)
	assert.ErrorIs(t, err, boom)

	v, ok, err := t1.Wait(ctx)
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, v)
}

func TestReplacedByDirectValue(t *testing.T) {
	c := newCache(t, 10)
	ctx := context.Background()

	started := make(chan struct{})
	task := c.PutAsync("k", blocking("created", started, make(chan struct{})))
	<-started

	c.Put("k", "direct")
	v, ok, err := task.Wait(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "direct", v)
}

func TestErrorOnlyToOriginator(t *testing.T) {
	c := newCache(t, 10)
	ctx := context.Background()
	boom := errors.New("boom")

	started := make(chan struct{})
	release := make(chan struct{})
	task := c.PutAsync("k", func(ctx context.Context) (string, bool, error) {
		close(started)
		<-release
		return "", false, boom
	})
	<-started

	type result struct {
		ok  bool
		err error
	}
	joined := make(chan result, 1)
	go func() {
		_, ok, err := c.Get(ctx, "k")
		joined <- result{ok, err}
	}()
	time.Sleep(10 * time.Millisecond)
	close(release)

	_, ok, err := task.Wait(ctx)
	assert.False(t, ok)
	assert.ErrorIs(t, err, boom)

	r := <-joined
	assert.False(t, r.ok)
	assert.NoError(t, r.err)
}

func TestPanicBecomesError(t *testing.T) {
	c := newCache(t, 10)
	_, ok, err := c.PutFunc(context.Background(), "k", func(context.Context) (string, bool, error) {
		panic("kaboom")
	})
	assert.False(t, ok)
	assert.ErrorContains(t, err, "kaboom")
	assert.Equal(t, 0, c.Creating())
}

func TestNoValueIsNotAnError(t *testing.T) {
	c := newCache(t, 10)
	_, ok, err := c.PutFunc(context.Background(), "k", func(context.Context) (string, bool, error) {
		return "", false, nil
	})
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestCancelRestoresPreviousValue(t *testing.T) {
	rec := &recorder{}
	c := newCache(t, 10, WithOnRemoved(rec.onRemoved))
	c.Put("k", "old")

	started := make(chan struct{})
	task := c.PutAsync("k", blocking("new", started, make(chan struct{})))
	<-started

	_, ok := c.GetIfAvailable("k")
	assert.False(t, ok)
	assert.Equal(t, int64(0), c.Size())

	task.Cancel()
	v, ok, err := task.Wait(context.Background())
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, v)

	v, ok = c.GetIfAvailable("k")
	assert.True(t, ok)
	assert.Equal(t, "old", v)
	assert.Equal(t, int64(1), c.Size())
	assert.Empty(t, rec.all())

	task.Cancel()
}

func TestFailureRestoresPreviousValue(t *testing.T) {
	c := newCache(t, 10)
	c.Put("k", "old")
	_, _, err := c.PutFunc(context.Background(), "k", func(context.Context) (string, bool, error) {
		return "", false, errors.New("nope")
	})
	require.Error(t, err)
	v, ok := c.GetIfAvailable("k")
	assert.True(t, ok)
	assert.Equal(t, "old", v)
}

func TestCommitReportsReplacedValue(t *testing.T) {
	rec := &recorder{}
	c := newCache(t, 10, WithOnRemoved(rec.onRemoved))
	c.Put("k", "old")

	v, ok, err := c.PutFunc(context.Background(), "k", value("new"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "new", v)
	assert.Equal(t, []removal{{false, "k", "old", ptr("new")}}, rec.all())
	assert.Equal(t, int64(1), c.Size())
}

type commitCall struct {
	key   string
	value string
	cause CancelCause
}

func TestCommitFunc(t *testing.T) {
	calls := make(chan commitCall, 4)
	var fail atomic.Bool
	c := newCache(t, 10, WithCommitFunc(func(key, value string, cause CancelCause) error {
		calls <- commitCall{key, value, cause}
		if fail.Load() && cause == CauseNone {
			return errors.New("hook failed")
		}
		return nil
	}))
	ctx := context.Background()

	_, ok, err := c.PutFunc(ctx, "k", value("one"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, commitCall{"k", "one", CauseNone}, <-calls)

	// A failing hook fails the creation and keeps the previous value.
	fail.Store(true)
	_, ok, err = c.PutFunc(ctx, "k", value("two"))
	assert.EqualError(t, err, "hook failed")
	assert.False(t, ok)
	assert.Equal(t, commitCall{"k", "two", CauseNone}, <-calls)
	v, ok := c.GetIfAvailable("k")
	assert.True(t, ok)
	assert.Equal(t, "one", v)
	fail.Store(false)

	// A creation that ignores cancellation still reaches the hook,
	// marked with the reason it was cancelled.
	started := make(chan struct{})
	release := make(chan struct{})
	task := c.PutAsync("k", func(context.Context) (string, bool, error) {
		close(started)
		<-release
		return "late", true, nil
	})
	<-started
	c.Remove("k")
	close(release)
	assert.Equal(t, commitCall{"k", "late", CauseExternal}, <-calls)

	_, ok, err = task.Wait(ctx)
	assert.NoError(t, err)
	assert.False(t, ok)
	_, ok = c.GetIfAvailable("k")
	assert.False(t, ok)
}

func TestRemoveDuringCreation(t *testing.T) {
	rec := &recorder{}
	c := newCache(t, 10, WithOnRemoved(rec.onRemoved))
	c.Put("k", "old")

	started := make(chan struct{})
	release := make(chan struct{})
	task := c.PutAsync("k", blocking("new", started, release))
	<-started

	v, ok := c.Remove("k")
	assert.True(t, ok)
	assert.Equal(t, "old", v)
	assert.Equal(t, []removal{{false, "k", "old", nil}}, rec.all())

	_, ok, err := task.Wait(context.Background())
	assert.NoError(t, err)
	assert.False(t, ok)
	close(release)

	_, ok = c.GetIfAvailable("k")
	assert.False(t, ok)

	_, ok = c.Remove("missing")
	assert.False(t, ok)
}

func TestClear(t *testing.T) {
	rec := &recorder{}
	c := newCache(t, 10, WithOnRemoved(rec.onRemoved))
	c.Put("a", "1")
	c.Put("b", "2")

	started := make(chan struct{})
	task := c.PutAsync("c", blocking("3", started, make(chan struct{})))
	<-started

	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, int64(0), c.Size())
	assert.Equal(t, 0, c.Creating())
	assert.Len(t, rec.all(), 2)

	_, ok, err := task.Wait(context.Background())
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestRemoveAllUnderCreation(t *testing.T) {
	c := newCache(t, 10)
	c.Put("a", "old")
	c.Put("b", "b")

	var tasks []*Task[string]
	for _, k := range []string{"a", "c"} {
		started := make(chan struct{})
		tasks = append(tasks, c.PutAsync(k, blocking("new", started, make(chan struct{}))))
		<-started
	}

	c.RemoveAllUnderCreation()
	for _, task := range tasks {
		<-task.Done()
		_, ok, err := task.Wait(context.Background())
		assert.NoError(t, err)
		assert.False(t, ok)
	}
	assert.ElementsMatch(t, []string{"a", "b"}, c.Keys())
	v, _ := c.GetIfAvailable("a")
	assert.Equal(t, "old", v)
}

func TestWaitContextDone(t *testing.T) {
	c := newCache(t, 10)
	release := make(chan struct{})
	task := c.PutAsync("k", blocking("v", nil, release))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, _, err := task.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	v, ok, err := c.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestMaxConcurrentCreations(t *testing.T) {
	c := newCache(t, 100, WithMaxConcurrentCreations[string, string](2))
	var running, peak atomic.Int32
	fn := func(ctx context.Context) (string, bool, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		running.Add(-1)
		return "v", true, nil
	}

	var tasks []*Task[string]
	for i := 0; i < 10; i++ {
		tasks = append(tasks, c.PutAsync(fmt.Sprint(i), fn))
	}
	for _, task := range tasks {
		_, ok, err := task.Wait(context.Background())
		require.NoError(t, err)
		assert.True(t, ok)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, 10, c.Len())
}

func TestSynchronousExecutor(t *testing.T) {
	c := newCache(t, 10, WithExecutor[string, string](func(fn func()) { fn() }))
	task := c.PutAsync("k", value("v"))
	select {
	case <-task.Done():
	default:
		t.Fatal("task should be done when the executor runs inline")
	}
	v, ok := c.GetIfAvailable("k")
	assert.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestMetrics(t *testing.T) {
	mp, reader := telemetrytest.NewProvider()
	c := newCache(t, 1, WithMeterProvider[string, string](mp), WithName[string, string]("test"))
	ctx := context.Background()

	_, _, err := c.GetOrPut(ctx, "a", value("a"))
	require.NoError(t, err)
	_, _, err = c.Get(ctx, "a")
	require.NoError(t, err)
	c.Put("b", "b")

	totals := telemetrytest.CounterTotals(t, reader)
	assert.Equal(t, int64(2), totals["cache_gets"])
	assert.Equal(t, int64(1), totals["cache_hits"])
	assert.Equal(t, int64(2), totals["cache_puts"])
	assert.Equal(t, int64(1), totals["cache_evictions"])
	assert.Equal(t, int64(1), totals["cache_creations"])
}

func TestConcurrentAccounting(t *testing.T) {
	sizeOf := func(_ int, v int) int64 { return int64(v % 7) }
	c, err := New(50,
		WithSizeFunc(sizeOf),
		WithStrategy[int, int](FIFO))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(seed))
			ctx := context.Background()
			for i := 0; i < 500; i++ {
				k := rnd.Intn(40)
				switch rnd.Intn(5) {
				case 0:
					c.Put(k, rnd.Int())
				case 1:
					n := rnd.Int()
					_, _, _ = c.PutFunc(ctx, k, func(context.Context) (int, bool, error) { return n, true, nil })
				case 2:
					_, _, _ = c.GetOrPut(ctx, k, func(context.Context) (int, bool, error) { return k, true, nil })
				case 3:
					c.Remove(k)
				case 4:
					_, _, _ = c.Get(ctx, k)
				}
			}
		}(int64(w))
	}
	wg.Wait()

	var sum int64
	for k, v := range c.Snapshot() {
		sum += sizeOf(k, v)
	}
	assert.Equal(t, sum, c.Size())
	assert.LessOrEqual(t, c.Size(), c.MaxSize())
	assert.Equal(t, 0, c.Creating())
}
