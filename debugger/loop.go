// Copyright © 2018 The ELPS authors

package debugger

import (
	"context"

	"github.com/luthersystems/shdbg/future"
)

// The engine's state is owned by one goroutine running loop. I/O
// goroutines and exported methods hand it work through post, which never
// blocks, so a reader can always deliver its next event in order.

func (e *Engine) post(fn func()) {
	e.qmu.Lock()
	if e.stopped {
		e.qmu.Unlock()
		return
	}
	e.queue = append(e.queue, fn)
	e.qmu.Unlock()
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// call runs fn on the loop and waits for it. It must not be used from the
// loop itself. It reports false if the engine has shut down.
func (e *Engine) call(fn func()) bool {
	done := make(chan struct{})
	e.post(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
		return true
	case <-e.loopDone:
		return false
	}
}

func (e *Engine) loop() {
	defer close(e.loopDone)
	for {
		e.qmu.Lock()
		batch := e.queue
		e.queue = nil
		stopped := e.stopped
		e.qmu.Unlock()
		for _, fn := range batch {
			fn()
		}
		if stopped && len(batch) == 0 {
			return
		}
		if len(batch) > 0 {
			continue
		}
		select {
		case <-e.wake:
		case <-e.stop:
			e.qmu.Lock()
			e.stopped = true
			e.qmu.Unlock()
		}
	}
}

// after runs fn on the loop once fut settles.
func after[T any](e *Engine, fut *future.Future[T], fn func(T, error)) {
	go func() {
		v, err := fut.Await(context.Background())
		e.post(func() { fn(v, err) })
	}()
}

// callFuture runs fn on the loop and returns the future it produced.
func callFuture[T any](e *Engine, fn func() *future.Future[T]) *future.Future[T] {
	var f *future.Future[T]
	if !e.call(func() { f = fn() }) {
		return future.Rejected[T](ErrEngineClosed)
	}
	return f
}

// forward settles to with the outcome of from.
func forward[T any](from, to *future.Future[T]) {
	go func() {
		v, err := from.Await(context.Background())
		if err != nil {
			to.Reject(err)
			return
		}
		to.Resolve(v)
	}()
}
