// Copyright © 2018 The ELPS authors

// Package pipeproto implements the text protocol spoken with instrumented
// scripts over named pipes. Messages are terminated by a blank line; the
// first word of a message is its command.
package pipeproto

import (
	"bytes"
	"sync"
)

// Delimiter terminates every message on the wire.
const Delimiter = "\n\n"

// Handler receives framed messages. HandleEnd is called at most once, when
// the peer closes its end of the pipe.
type Handler interface {
	HandleMessage(Message)
	HandleEnd()
}

// HandlerFuncs adapts a pair of functions to Handler. Either may be nil.
type HandlerFuncs struct {
	OnMessage func(Message)
	OnEnd     func()
}

func (h HandlerFuncs) HandleMessage(m Message) {
	if h.OnMessage != nil {
		h.OnMessage(m)
	}
}

func (h HandlerFuncs) HandleEnd() {
	if h.OnEnd != nil {
		h.OnEnd()
	}
}

type subscription struct {
	h     Handler
	ended bool
}

// Framer splits a byte stream into messages. It implements io.Writer so a
// pipe can be copied straight into it. Data after the last delimiter is
// held until more arrives.
type Framer struct {
	mu   sync.Mutex
	buf  []byte
	subs []*subscription
}

// NewFramer returns a framer with no subscribers.
func NewFramer() *Framer {
	return &Framer{}
}

// Subscribe appends h to the subscriber list. The returned function removes
// it again.
func (f *Framer) Subscribe(h Handler) (unsubscribe func()) {
	sub := &subscription{h: h}
	f.mu.Lock()
	f.subs = append(f.subs, sub)
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		for i, s := range f.subs {
			if s == sub {
				f.subs = append(f.subs[:i:i], f.subs[i+1:]...)
				return
			}
		}
	}
}

// Write appends p to the buffer and dispatches every complete message, in
// order, before returning.
func (f *Framer) Write(p []byte) (int, error) {
	f.mu.Lock()
	f.buf = append(f.buf, p...)
	var raws []string
	for {
		i := bytes.Index(f.buf, []byte(Delimiter))
		if i < 0 {
			break
		}
		raws = append(raws, string(f.buf[:i]))
		f.buf = f.buf[i+len(Delimiter):]
	}
	subs := f.snapshot()
	f.mu.Unlock()

	for _, raw := range raws {
		m := ParseMessage(raw)
		for _, s := range subs {
			s.h.HandleMessage(m)
		}
	}
	return len(p), nil
}

// Pending returns the buffered bytes not yet terminated by a delimiter.
func (f *Framer) Pending() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return string(f.buf)
}

// End delivers the end-of-stream event to each subscriber that has not
// already seen it.
func (f *Framer) End() {
	f.mu.Lock()
	var pending []*subscription
	for _, s := range f.subs {
		if !s.ended {
			s.ended = true
			pending = append(pending, s)
		}
	}
	f.mu.Unlock()
	for _, s := range pending {
		s.h.HandleEnd()
	}
}

func (f *Framer) snapshot() []*subscription {
	subs := make([]*subscription, len(f.subs))
	copy(subs, f.subs)
	return subs
}
