// Copyright © 2018 The ELPS authors

package debugger

import (
	"sort"

	"github.com/luthersystems/shdbg/breakpoint"
	"github.com/luthersystems/shdbg/future"
	"github.com/sirupsen/logrus"
)

// Process is one debugged process as seen by one backend. Script and gdb
// views of the same OS process have different ids ("bash:<pid>" and
// "<pid>") and coexist.
type Process struct {
	e       *Engine
	id      string
	name    string
	pid     int
	backend Backend
	log     *logrus.Entry

	sessions    map[int]*BreakSession
	active      *BreakSession
	breakpoints breakpoint.List
	// waiters holds the rendezvous for the next stop of each thread. The
	// empty key waits for any thread.
	waiters map[string]*rendezvous
	libs    []string

	destroyed bool
}

func (e *Engine) newProcess(id, name string, pid int, b Backend) *Process {
	return &Process{
		e:        e,
		id:       id,
		name:     name,
		pid:      pid,
		backend:  b,
		log:      e.log.WithFields(logrus.Fields{"process": id, "backend": b.Kind().String()}),
		sessions: make(map[int]*BreakSession),
		waiters:  make(map[string]*rendezvous),
	}
}

// rendezvous is a pending next stop shared by every caller waiting on
// the same thread.
type rendezvous struct {
	fut     *future.Future[*BreakSession]
	holders int
}

// ID returns the registry key of the process.
func (p *Process) ID() string { return p.id }

// Name returns the display name.
func (p *Process) Name() string { return p.name }

// PID returns the OS process id.
func (p *Process) PID() int { return p.pid }

// Kind returns the backend driving the process.
func (p *Process) Kind() BackendKind { return p.backend.Kind() }

// Info returns a copy of the process's state.
func (p *Process) Info() ProcessInfo {
	var info ProcessInfo
	if !p.e.call(func() { info = p.info() }) {
		info = ProcessInfo{ID: p.id, Name: p.name, PID: p.pid, Backend: p.backend.Kind()}
	}
	return info
}

// ActiveSession returns the session the user is focused on, or nil.
func (p *Process) ActiveSession() *BreakSession {
	var s *BreakSession
	p.e.call(func() { s = p.active })
	return s
}

// Session returns the live session with the given id, or nil.
func (p *Process) Session(id int) *BreakSession {
	var s *BreakSession
	p.e.call(func() { s = p.sessions[id] })
	return s
}

// WaitForNextBreakSession returns a future for the next stop of thread.
// An empty thread waits for the next stop of any thread.
func (p *Process) WaitForNextBreakSession(thread string) *future.Future[*BreakSession] {
	return callFuture(p.e, func() *future.Future[*BreakSession] { return p.waitForNext(thread) })
}

// StepIn steps the active session.
func (p *Process) StepIn() *future.Future[*BreakSession] { return p.stepActive(StepIn) }

// StepOver steps the active session over the next command.
func (p *Process) StepOver() *future.Future[*BreakSession] { return p.stepActive(StepOver) }

// StepOut steps the active session out of its function.
func (p *Process) StepOut() *future.Future[*BreakSession] { return p.stepActive(StepOut) }

// Resume resumes the active session.
func (p *Process) Resume() *future.Future[*BreakSession] { return p.stepActive(Resume) }

func (p *Process) stepActive(kind StepKind) *future.Future[*BreakSession] {
	return callFuture(p.e, func() *future.Future[*BreakSession] {
		if p.active == nil {
			return future.Rejected[*BreakSession](ErrNoActiveSession)
		}
		return p.active.step(kind)
	})
}

// AddBreakpoint sets bp and asks the backend to install it. The future
// resolves once the backend has answered. A backend failure is returned
// as *BreakpointRenderError but leaves the breakpoint set.
func (p *Process) AddBreakpoint(bp *breakpoint.Breakpoint) *future.Future[*breakpoint.Breakpoint] {
	return callFuture(p.e, func() *future.Future[*breakpoint.Breakpoint] { return p.addBreakpoint(bp) })
}

// RemoveBreakpoint clears the breakpoint at loc.
func (p *Process) RemoveBreakpoint(loc breakpoint.Location) *future.Future[*breakpoint.Breakpoint] {
	return callFuture(p.e, func() *future.Future[*breakpoint.Breakpoint] { return p.removeBreakpoint(loc) })
}

// ToggleBreakpoint removes the breakpoint with bp's identity if one is
// set and adds bp otherwise. It reports whether bp was added.
func (p *Process) ToggleBreakpoint(bp *breakpoint.Breakpoint) (bool, *future.Future[*breakpoint.Breakpoint]) {
	var added bool
	f := callFuture(p.e, func() *future.Future[*breakpoint.Breakpoint] {
		if p.breakpoints.Find(bp) != nil {
			return p.removeBreakpoint(bp.Location)
		}
		added = true
		return p.addBreakpoint(bp)
	})
	return added, f
}

// RetryBreakpoints re-renders every breakpoint whose last render failed.
func (p *Process) RetryBreakpoints() {
	p.e.call(p.retryBreakpoints)
}

// Breakpoints returns the set breakpoints in the order they were added.
func (p *Process) Breakpoints() []BreakpointInfo {
	var out []BreakpointInfo
	p.e.call(func() { out = p.breakpointInfos() })
	return out
}

// Terminate asks the backend to end or release the process.
func (p *Process) Terminate() error {
	var err error
	if !p.e.call(func() { err = p.backend.Exit() }) {
		return ErrEngineClosed
	}
	return err
}

// Destroy forgets the process. Pending rendezvous are rejected.
func (p *Process) Destroy() {
	p.e.call(p.destroy)
}

func (p *Process) info() ProcessInfo {
	info := ProcessInfo{
		ID:          p.id,
		Name:        p.name,
		PID:         p.pid,
		Backend:     p.backend.Kind(),
		Active:      p.e.active == p,
		Breakpoints: p.breakpointInfos(),
		Libraries:   append([]string(nil), p.libs...),
	}
	if p.active != nil {
		info.ActiveID = p.active.id
	}
	for _, s := range p.sortedSessions() {
		info.Sessions = append(info.Sessions, s.info())
	}
	for k := range p.waiters {
		info.Waiting = append(info.Waiting, k)
	}
	sort.Strings(info.Waiting)
	return info
}

func (p *Process) breakpointInfos() []BreakpointInfo {
	var out []BreakpointInfo
	for _, bp := range p.breakpoints.All() {
		out = append(out, breakpointInfo(bp))
	}
	return out
}

func (p *Process) sortedSessions() []*BreakSession {
	out := make([]*BreakSession, 0, len(p.sessions))
	for _, s := range p.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// waitForNext returns the rendezvous for thread, reusing a pending one.
func (p *Process) waitForNext(thread string) *future.Future[*BreakSession] {
	if p.destroyed {
		return future.Rejected[*BreakSession](ErrProcessEnded)
	}
	r, ok := p.waiters[thread]
	if !ok {
		r = &rendezvous{fut: future.New[*BreakSession]()}
		p.waiters[thread] = r
	}
	r.holders++
	return r.fut
}

// releaseWait gives up one hold on the rendezvous f for thread, as when
// the step that was to end in it failed. The last holder removes it.
func (p *Process) releaseWait(thread string, f *future.Future[*BreakSession], err error) {
	r, ok := p.waiters[thread]
	if !ok || r.fut != f {
		return
	}
	r.holders--
	if r.holders > 0 {
		return
	}
	delete(p.waiters, thread)
	r.fut.Reject(err)
}

// addSession registers a new stop, fulfils the rendezvous waiting for it
// and focuses the user on it.
func (p *Process) addSession(s *BreakSession) {
	if p.destroyed {
		return
	}
	if err := p.backend.Attach(s); err != nil {
		p.log.WithError(err).WithField("session", s.id).Warn("attach break session")
		p.e.host.Warn("could not attach to the stopped thread: " + err.Error())
		return
	}
	p.sessions[s.id] = s
	p.log.WithFields(logrus.Fields{"session": s.id, "thread": s.thread}).Debug("break session started")
	p.e.emit(Event{Type: EventSessionStarted, ProcessID: p.id, SessionID: s.id, Thread: s.thread})
	p.e.activateSession(s)

	for _, key := range []string{s.thread, ""} {
		if r, ok := p.waiters[key]; ok {
			delete(p.waiters, key)
			r.fut.Resolve(s)
		}
	}
}

func (p *Process) removeSession(s *BreakSession) {
	if p.sessions[s.id] != s {
		return
	}
	delete(p.sessions, s.id)
	if p.active == s {
		p.e.reactivate(func() {
			p.active = nil
			p.activate(nil)
			p.e.activateBest()
		})
	}
}

// activate focuses s, or when s is nil keeps the current session or
// picks the oldest one.
func (p *Process) activate(s *BreakSession) {
	if s != nil && p.sessions[s.id] == s {
		p.active = s
		return
	}
	if p.active != nil {
		return
	}
	if ss := p.sortedSessions(); len(ss) > 0 {
		p.active = ss[0]
	}
}

func (p *Process) sessionsForThread(thread string) []*BreakSession {
	var out []*BreakSession
	for _, s := range p.sortedSessions() {
		if thread == "" || s.thread == thread {
			out = append(out, s)
		}
	}
	return out
}

// destroy tears the process down. Only the first call has any effect.
func (p *Process) destroy() {
	if p.destroyed {
		return
	}
	p.destroyed = true
	for _, s := range p.sortedSessions() {
		s.destroy()
	}
	for key, r := range p.waiters {
		delete(p.waiters, key)
		r.fut.Reject(ErrProcessEnded)
	}
	for _, bp := range p.breakpoints.All() {
		bp.ReleaseMarkers()
	}
	if err := p.backend.Close(); err != nil {
		p.log.WithError(err).Warn("close backend")
	}
	p.e.removeProcess(p)
	p.log.Info("debugged process ended")
	p.e.emit(Event{Type: EventProcessEnded, ProcessID: p.id})
}

func (p *Process) addBreakpoint(bp *breakpoint.Breakpoint) *future.Future[*breakpoint.Breakpoint] {
	if p.destroyed {
		return future.Rejected[*breakpoint.Breakpoint](ErrProcessEnded)
	}
	if !p.breakpoints.Add(bp) {
		return future.Rejected[*breakpoint.Breakpoint](ErrDuplicateBreakpoint)
	}
	out := future.New[*breakpoint.Breakpoint]()
	p.render(bp, out)
	return out
}

func (p *Process) render(bp *breakpoint.Breakpoint, out *future.Future[*breakpoint.Breakpoint]) {
	p.backend.RenderBreakpoint(bp, func(err error) {
		if p.breakpoints.Find(bp) != bp {
			// Removed while rendering.
			if err == nil && bp.Rendered() {
				p.backend.UnrenderBreakpoint(bp, func(error) {})
			}
			out.Reject(ErrNoBreakpoint)
			return
		}
		if err != nil {
			rerr := &BreakpointRenderError{Location: bp.Location, Err: err}
			bp.Err = rerr
			p.log.WithError(err).WithField("breakpoint", bp.String()).Warn("render breakpoint")
			p.e.host.Warn(rerr.Error())
			out.Reject(rerr)
			return
		}
		bp.Err = nil
		p.markBreakpoint(bp)
		out.Resolve(bp)
	})
}

// markBreakpoint replaces the breakpoint's markers with one per rendered
// location.
func (p *Process) markBreakpoint(bp *breakpoint.Breakpoint) {
	bp.ReleaseMarkers()
	info := breakpointInfo(bp)
	for _, loc := range bp.Locations {
		if d := p.e.host.MarkBreakpoint(info, loc); d != nil {
			bp.Markers = append(bp.Markers, d)
		}
	}
}

func (p *Process) removeBreakpoint(loc breakpoint.Location) *future.Future[*breakpoint.Breakpoint] {
	bp := p.breakpoints.FindLocation(loc)
	if bp == nil {
		return future.Rejected[*breakpoint.Breakpoint](ErrNoBreakpoint)
	}
	p.breakpoints.Remove(bp)
	bp.ReleaseMarkers()
	if !bp.Rendered() {
		return future.Resolved(bp)
	}
	out := future.New[*breakpoint.Breakpoint]()
	p.backend.UnrenderBreakpoint(bp, func(err error) {
		if err != nil {
			p.log.WithError(err).WithField("breakpoint", bp.String()).Warn("unrender breakpoint")
			out.Reject(err)
			return
		}
		out.Resolve(bp)
	})
	return out
}

func (p *Process) retryBreakpoints() {
	for _, bp := range p.breakpoints.All() {
		if bp.Err != nil && !bp.Rendered() {
			p.render(bp, future.New[*breakpoint.Breakpoint]())
		}
	}
}

// breakpointChanged applies a backend report about the breakpoint with
// backend id. It reports whether the breakpoint belongs to p.
func (p *Process) breakpointChanged(id string, apply func(bp *breakpoint.Breakpoint)) bool {
	bp := p.breakpoints.ByID(id)
	if bp == nil {
		return false
	}
	apply(bp)
	return true
}
