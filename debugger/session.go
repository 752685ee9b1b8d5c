// Copyright © 2018 The ELPS authors

package debugger

import (
	"fmt"

	"github.com/luthersystems/shdbg/future"
	"github.com/luthersystems/shdbg/pipeproto"
)

// BreakSession is one stop of one thread. It lives until the thread runs
// again; the next stop of the same thread is a new BreakSession.
type BreakSession struct {
	proc   *Process
	id     int
	thread string
	pid    int
	topPID int

	// Where the stop was reported, before the stack arrives.
	file string
	line int
	cmd  string

	frames  []StackFrame
	current int
	vars    []Variable
	pstree  string

	settled     *future.Future[*BreakSession]
	destroyed   bool
	disposables []Disposable

	// Script sessions talk over their own pipe pair.
	sessionPipe string
	channel     *pipeproto.Channel
}

func (p *Process) newSession(thread string, pid, topPID int) *BreakSession {
	p.e.nextSession++
	return &BreakSession{
		proc:    p,
		id:      p.e.nextSession,
		thread:  thread,
		pid:     pid,
		topPID:  topPID,
		settled: future.New[*BreakSession](),
	}
}

// ID returns the session's serial number, unique within the engine.
func (s *BreakSession) ID() int { return s.id }

// Thread returns the key of the stopped thread.
func (s *BreakSession) Thread() string { return s.thread }

// PID returns the process id of the stopped thread.
func (s *BreakSession) PID() int { return s.pid }

// Process returns the owning process.
func (s *BreakSession) Process() *Process { return s.proc }

func (s *BreakSession) String() string {
	return fmt.Sprintf("%s#%d(thread %s)", s.proc.id, s.id, s.thread)
}

// Info returns a copy of the session's state.
func (s *BreakSession) Info() SessionInfo {
	var info SessionInfo
	if !s.proc.e.call(func() { info = s.info() }) {
		info = SessionInfo{ID: s.id, ProcessID: s.proc.id, Destroyed: true}
	}
	return info
}

// WaitSettled returns a future resolved once the session's stack has
// arrived and a frame is selected.
func (s *BreakSession) WaitSettled() *future.Future[*BreakSession] {
	return s.settled
}

// SelectFrame makes frame n current. Out of range values are clamped.
func (s *BreakSession) SelectFrame(n int) error {
	var err error
	if !s.proc.e.call(func() { err = s.selectFrame(n) }) {
		return ErrEngineClosed
	}
	return err
}

// StepIn steps into the next command and returns the next stop of this
// thread.
func (s *BreakSession) StepIn() *future.Future[*BreakSession] {
	return callFuture(s.proc.e, func() *future.Future[*BreakSession] { return s.step(StepIn) })
}

// StepOver steps over the next command.
func (s *BreakSession) StepOver() *future.Future[*BreakSession] {
	return callFuture(s.proc.e, func() *future.Future[*BreakSession] { return s.step(StepOver) })
}

// StepOut runs until the current function returns.
func (s *BreakSession) StepOut() *future.Future[*BreakSession] {
	return callFuture(s.proc.e, func() *future.Future[*BreakSession] { return s.step(StepOut) })
}

// Resume lets the thread run until it stops again.
func (s *BreakSession) Resume() *future.Future[*BreakSession] {
	return callFuture(s.proc.e, func() *future.Future[*BreakSession] { return s.step(Resume) })
}

// StepOutToFrame runs until the frame at level is the innermost frame.
func (s *BreakSession) StepOutToFrame(level int) *future.Future[*BreakSession] {
	return callFuture(s.proc.e, func() *future.Future[*BreakSession] { return s.stepOutToFrame(level) })
}

// Destroy ends the session. It is safe to call more than once.
func (s *BreakSession) Destroy() {
	s.proc.e.call(s.destroy)
}

func (s *BreakSession) info() SessionInfo {
	return SessionInfo{
		ID:        s.id,
		ProcessID: s.proc.id,
		Thread:    s.thread,
		PID:       s.pid,
		TopPID:    s.topPID,
		Frames:    append([]StackFrame(nil), s.frames...),
		Current:   s.current,
		Vars:      append([]Variable(nil), s.vars...),
		Pstree:    s.pstree,
		Settled:   s.settled.Settled(),
		Destroyed: s.destroyed,
	}
}

// setStack installs frames, innermost first, and selects the innermost
// frame whose source is available.
func (s *BreakSession) setStack(frames []StackFrame) {
	if s.destroyed {
		return
	}
	sel := 0
	for i, f := range frames {
		if f.File != "" && s.proc.e.host.FileExists(f.File) {
			sel = i
			break
		}
	}
	s.frames = frames
	s.current = 0
	if err := s.selectFrame(sel); err != nil {
		s.proc.log.WithError(err).Debug("select default frame")
	}
	s.settled.Resolve(s)
}

func (s *BreakSession) selectFrame(n int) error {
	if s.destroyed {
		return ErrSessionDestroyed
	}
	host := s.proc.e.host
	if len(s.frames) == 0 {
		s.current = 0
		host.StackChanged(s.info())
		return nil
	}
	if n < 0 {
		n = 0
	}
	if n >= len(s.frames) {
		n = len(s.frames) - 1
	}
	s.current = n
	s.proc.backend.RequestFrameVariables(s, n)

	f := s.frames[n]
	if f.File != "" && host.FileExists(f.File) {
		d, err := host.ShowLocation(f.File, f.Line, f.Hint)
		if err != nil {
			s.proc.log.WithError(err).WithField("file", f.File).Debug("show location")
		} else if d != nil {
			s.disposables = append(s.disposables, d)
		}
	}
	host.StackChanged(s.info())
	return nil
}

func (s *BreakSession) setVars(vars []Variable) {
	if s.destroyed {
		return
	}
	s.vars = vars
	s.proc.e.host.VarsChanged(s.info())
}

func (s *BreakSession) step(kind StepKind) *future.Future[*BreakSession] {
	if s.destroyed {
		return future.Rejected[*BreakSession](ErrSessionDestroyed)
	}
	out := future.New[*BreakSession]()
	next := s.proc.waitForNext(s.thread)
	forward(next, out)
	s.proc.log.WithField("session", s.id).Debugf("%v", kind)
	s.proc.backend.IssueStep(s, kind, func(err error) {
		if err != nil {
			err = fmt.Errorf("%v: %w", kind, err)
			out.Reject(err)
			s.proc.releaseWait(s.thread, next, err)
		}
	})
	return out
}

func (s *BreakSession) stepOutToFrame(level int) *future.Future[*BreakSession] {
	if s.destroyed {
		return future.Rejected[*BreakSession](ErrSessionDestroyed)
	}
	if level < 0 || level >= len(s.frames) {
		return future.Rejected[*BreakSession](ErrNoMatchingFrame)
	}
	out := future.New[*BreakSession]()
	next := s.proc.waitForNext(s.thread)
	forward(next, out)
	s.proc.backend.StepOutToFrame(s, level, func(err error) {
		if err != nil {
			err = fmt.Errorf("step out to frame %d: %w", level, err)
			out.Reject(err)
			s.proc.releaseWait(s.thread, next, err)
		}
	})
	return out
}

// destroy releases the session's resources and deregisters it. Only the
// first call has any effect.
func (s *BreakSession) destroy() {
	if s.destroyed {
		return
	}
	s.destroyed = true
	s.proc.backend.Detach(s)
	for _, d := range s.disposables {
		d.Dispose()
	}
	s.disposables = nil
	s.settled.Reject(ErrSessionDestroyed)
	s.proc.removeSession(s)
	s.frames = nil
	s.vars = nil
	s.proc.e.emit(Event{Type: EventSessionEnded, ProcessID: s.proc.id, SessionID: s.id, Thread: s.thread})
}
