// Copyright © 2018 The ELPS authors

// Package future provides a single-assignment completion value. Stepping
// commands, debugger command replies and bounded lookups all hand one of
// these back to their caller, who awaits it with a context.
package future

import (
	"context"
	"sync"
)

// Future holds a value or an error that becomes available exactly once.
type Future[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

// New returns an unsettled future.
func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolved returns a future already settled with v.
func Resolved[T any](v T) *Future[T] {
	f := New[T]()
	f.Resolve(v)
	return f
}

// Rejected returns a future already settled with err.
func Rejected[T any](err error) *Future[T] {
	f := New[T]()
	f.Reject(err)
	return f
}

// Resolve settles the future with v. It reports false if the future was
// already settled, in which case v is discarded.
func (f *Future[T]) Resolve(v T) bool {
	return f.settle(v, nil)
}

// Reject settles the future with err. It reports false if the future was
// already settled.
func (f *Future[T]) Reject(err error) bool {
	var zero T
	return f.settle(zero, err)
}

func (f *Future[T]) settle(v T, err error) bool {
	ok := false
	f.once.Do(func() {
		f.val = v
		f.err = err
		ok = true
		close(f.done)
	})
	return ok
}

// Done is closed once the future settles.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Settled reports whether the future has a value or error.
func (f *Future[T]) Settled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Await blocks until the future settles or ctx is done. A cancelled ctx
// does not settle the future; other waiters still observe the outcome.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
