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
)

// CancelCause records why a creation task ended without committing.
type CancelCause uint8

const (
	CauseNone CancelCause = iota
	// CauseReplacedByCreation: a newer creation for the same key took over.
	CauseReplacedByCreation
	// CauseReplacedByDirectValue: a value was put directly for the key.
	CauseReplacedByDirectValue
	// CauseExternal: Cancel, Remove, Clear or RemoveAllUnderCreation.
	CauseExternal
)

func (c CancelCause) String() string {
	switch c {
	case CauseNone:
		return "none"
	case CauseReplacedByCreation:
		return "replaced by creation"
	case CauseReplacedByDirectValue:
		return "replaced by direct value"
	case CauseExternal:
		return "external"
	}
	return "unknown"
}

// CancelledError is the context cause seen by a creation function whose
// task was cancelled.
type CancelledError struct {
	Cause CancelCause
}

func (e *CancelledError) Error() string {
	return "cachecore: creation cancelled: " + e.Cause.String()
}

func (e *CancelledError) Is(target error) bool {
	return target == context.Canceled
}

// CauseOf returns why the task behind ctx was cancelled, or CauseNone.
func CauseOf(ctx context.Context) CancelCause {
	var ce *CancelledError
	if errors.As(context.Cause(ctx), &ce) {
		return ce.Cause
	}
	return CauseNone
}

// Task is a handle on an in-flight creation.
type Task[V any] struct {
	done chan struct{}
	ctx  context.Context
	stop context.CancelCauseFunc

	// Set under the registry mutex before done is closed.
	closed bool
	value  V
	ok     bool
	err    error
	cause  CancelCause
	next   *Task[V]

	cancel func()
	reget  func(ctx context.Context) (V, bool, error)
}

func newTask[V any](cancel func(), reget func(context.Context) (V, bool, error)) *Task[V] {
	ctx, stop := context.WithCancelCause(context.Background())
	return &Task[V]{
		done:   make(chan struct{}),
		ctx:    ctx,
		stop:   stop,
		cancel: cancel,
		reget:  reget,
	}
}

// Done is closed once the task has committed, failed or been cancelled.
func (t *Task[V]) Done() <-chan struct{} {
	return t.done
}

// Cancel stops the task.  Waiters get no value; a value the cache held
// before the task started is kept.  Cancelling a finished task does
// nothing.
func (t *Task[V]) Cancel() {
	t.cancel()
}

// Wait blocks until the task resolves or ctx is done.  A task replaced
// by a newer creation resolves to that creation's result, and one
// replaced by a direct put resolves to whatever the cache then holds.
// Only the caller that started the task sees its error.
func (t *Task[V]) Wait(ctx context.Context) (V, bool, error) {
	return t.wait(ctx, true)
}

func (t *Task[V]) join(ctx context.Context) (V, bool, error) {
	return t.wait(ctx, false)
}

func (t *Task[V]) wait(ctx context.Context, originator bool) (V, bool, error) {
	var zero V
	cur := t
	for {
		select {
		case <-ctx.Done():
			return zero, false, ctx.Err()
		case <-cur.done:
		}
		switch cur.cause {
		case CauseNone:
			if cur.err != nil {
				if originator && cur == t {
					return zero, false, cur.err
				}
				return zero, false, nil
			}
			return cur.value, cur.ok, nil
		case CauseReplacedByCreation:
			cur = cur.next
		case CauseReplacedByDirectValue:
			return cur.reget(ctx)
		default:
			return zero, false, nil
		}
	}
}

func (t *Task[V]) resolve(value V, ok bool, err error) {
	t.closed = true
	t.value, t.ok, t.err = value, ok, err
	close(t.done)
	t.stop(nil)
}

func (t *Task[V]) abort(cause CancelCause, next *Task[V]) {
	t.closed = true
	t.cause = cause
	t.next = next
	close(t.done)
	t.stop(&CancelledError{Cause: cause})
}
