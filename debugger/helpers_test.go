// Copyright © 2018 The ELPS authors

package debugger

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/luthersystems/shdbg/breakpoint"
	"github.com/luthersystems/shdbg/future"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

const waitFor = 5 * time.Second

// fakeHost records every callback.
type fakeHost struct {
	mu       sync.Mutex
	exists   map[string]bool
	notes    []string
	warnings []string
	shown    []string
	marks    int
	unmarked int
	unshown  int
	stacks   []SessionInfo
	vars     []SessionInfo
}

func newFakeHost(existing ...string) *fakeHost {
	h := &fakeHost{exists: make(map[string]bool)}
	for _, f := range existing {
		h.exists[f] = true
	}
	return h
}

func (h *fakeHost) FileExists(path string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exists[path]
}

func (h *fakeHost) Notify(msg string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notes = append(h.notes, msg)
}

func (h *fakeHost) Warn(msg string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.warnings = append(h.warnings, msg)
}

func (h *fakeHost) ShowLocation(file string, line int, hint string) (Disposable, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.shown = append(h.shown, file)
	return DisposeFunc(func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.unshown++
	}), nil
}

func (h *fakeHost) MarkBreakpoint(bp BreakpointInfo, loc breakpoint.Resolved) Disposable {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.marks++
	return DisposeFunc(func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.unmarked++
	})
}

func (h *fakeHost) StackChanged(s SessionInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stacks = append(h.stacks, s)
}

func (h *fakeHost) VarsChanged(s SessionInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.vars = append(h.vars, s)
}

func (h *fakeHost) warningCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.warnings)
}

func (h *fakeHost) noteCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.notes)
}

// counts reports breakpoint markers placed and released.
func (h *fakeHost) counts() (marks, unmarked int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.marks, h.unmarked
}

// locationsReleased counts released ShowLocation handles.
func (h *fakeHost) locationsReleased() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.unshown
}

func (h *fakeHost) lastShown() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.shown) == 0 {
		return ""
	}
	return h.shown[len(h.shown)-1]
}

// fakeBackend records what the engine asks of it. Its methods run on the
// event loop.
type fakeBackend struct {
	mu        sync.Mutex
	steps     []StepKind
	stepOuts  []int
	varReqs   []int
	detached  int
	rendered  []string
	renderErr error
	stepErr   error
	nextID    int
	exited    bool
	closed    bool
}

func (b *fakeBackend) Kind() BackendKind { return BackendScript }

func (b *fakeBackend) Attach(*BreakSession) error { return nil }

func (b *fakeBackend) Detach(*BreakSession) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.detached++
}

func (b *fakeBackend) IssueStep(_ *BreakSession, kind StepKind, done func(error)) {
	b.mu.Lock()
	b.steps = append(b.steps, kind)
	err := b.stepErr
	b.mu.Unlock()
	done(err)
}

func (b *fakeBackend) StepOutToFrame(_ *BreakSession, level int, done func(error)) {
	b.mu.Lock()
	b.stepOuts = append(b.stepOuts, level)
	b.mu.Unlock()
	done(nil)
}

func (b *fakeBackend) RequestFrameVariables(_ *BreakSession, frame int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.varReqs = append(b.varReqs, frame)
}

func (b *fakeBackend) RenderBreakpoint(bp *breakpoint.Breakpoint, done func(error)) {
	b.mu.Lock()
	err := b.renderErr
	if err == nil {
		b.nextID++
		bp.ID = strconv.Itoa(b.nextID)
		bp.Locations = []breakpoint.Resolved{{ID: bp.ID, File: bp.File, Line: bp.Line}}
	}
	b.rendered = append(b.rendered, bp.InsertCommand())
	b.mu.Unlock()
	done(err)
}

func (b *fakeBackend) UnrenderBreakpoint(bp *breakpoint.Breakpoint, done func(error)) {
	bp.ClearRender()
	done(nil)
}

func (b *fakeBackend) Exit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exited = true
	return nil
}

func (b *fakeBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *fakeBackend) stepKinds() []StepKind {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]StepKind(nil), b.steps...)
}

func (b *fakeBackend) varRequests() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int(nil), b.varReqs...)
}

func (b *fakeBackend) setRenderErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.renderErr = err
}

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.DebugLevel)
	return logrus.NewEntry(l)
}

// newTestEngine returns an engine closed at the end of the test.
func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	e := New(append([]Option{WithLogger(testLogger())}, opts...)...)
	t.Cleanup(func() {
		require.NoError(t, e.Close())
	})
	return e
}

// addFakeProcess registers a process driven by a fakeBackend.
func addFakeProcess(t *testing.T, e *Engine, id string, pid int) (*Process, *fakeBackend) {
	t.Helper()
	b := &fakeBackend{}
	var p *Process
	require.True(t, e.call(func() {
		p = e.newProcess(id, "test "+id, pid, b)
		e.addProcess(p)
	}))
	return p, b
}

// stop reports a new stop of thread and returns its session.
func stop(t *testing.T, p *Process, thread string, frames ...StackFrame) *BreakSession {
	t.Helper()
	var s *BreakSession
	require.True(t, p.e.call(func() {
		s = p.newSession(thread, p.pid, p.pid)
		p.addSession(s)
		if frames != nil {
			s.setStack(frames)
		}
	}))
	return s
}

func await[T any](t *testing.T, f *future.Future[T]) (T, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	v, err := f.Await(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "future never settled")
	return v, err
}
