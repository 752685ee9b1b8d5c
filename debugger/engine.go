// Copyright © 2018 The ELPS authors

// Package debugger implements the debugger session engine. It keeps one
// model of "a process being debugged, with zero or more stopped threads"
// over two backends: scripts that cooperate over named pipes, and native
// processes driven through gdb's machine interface.
//
// Concurrency model: all engine state is owned by one event-loop
// goroutine. Pipe readers and the gdb reader post each event to the loop,
// which handles it fully before the next, so events from one source are
// handled in arrival order. Exported methods marshal onto the loop and
// are safe for concurrent use, except from Host methods and event
// callbacks, which already run on the loop.
package debugger

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/luthersystems/shdbg/future"
	"github.com/luthersystems/shdbg/pipeproto"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// DefaultLookupTimeout bounds LookupProcess when no timeout is configured.
const DefaultLookupTimeout = 5 * time.Second

// TrapConfig describes how a script's trap handlers are recognized when
// stepping to a location outside of them.
type TrapConfig struct {
	// Signals maps trap names to the numbers the script reports while
	// running that trap's handler.
	Signals map[string]int
	// Condition is a breakpoint condition template with one %d verb for
	// the signal number.
	Condition string
}

// DefaultTrapConfig returns the trap numbering used by the bash debugger
// support scripts.
func DefaultTrapConfig() TrapConfig {
	return TrapConfig{
		Signals:   map[string]int{"DEBUG": 65, "ERR": 66, "RETURN": 67},
		Condition: "running_trap != %d",
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithHost sets the collaborator that presents the engine's state.
func WithHost(h Host) Option {
	return func(e *Engine) {
		e.host = h
	}
}

// WithEventCallback sets the function called on engine state changes.
func WithEventCallback(cb EventCallback) Option {
	return func(e *Engine) {
		e.onEvent = cb
	}
}

// WithLogger sets the engine's logger.
func WithLogger(log *logrus.Entry) Option {
	return func(e *Engine) {
		e.log = log
	}
}

// WithLookupTimeout sets the default bound for process lookups made on
// the engine's behalf, such as attaching gdb.
func WithLookupTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.lookupTimeout = d
	}
}

// WithTrapConfig sets the trap signal table.
func WithTrapConfig(tc TrapConfig) Option {
	return func(e *Engine) {
		e.trap = tc
	}
}

// Engine tracks debugged processes and their stopped threads.
type Engine struct {
	log           *logrus.Entry
	host          Host
	onEvent       EventCallback
	lookupTimeout time.Duration
	trap          TrapConfig

	// Event loop.
	qmu       sync.Mutex
	queue     []func()
	stopped   bool
	wake      chan struct{}
	stop      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once

	// Loop-owned state.
	procs       map[string]*Process
	order       []*Process
	active      *Process
	lookups     map[string]*future.Future[*Process]
	nextSession int
	listen      *pipeproto.Channel
	listenPath  string
	gdb         *gdbDriver
}

// New returns a running engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		log:           logrus.StandardLogger().WithField("component", "debugger"),
		lookupTimeout: DefaultLookupTimeout,
		trap:          DefaultTrapConfig(),
		wake:          make(chan struct{}, 1),
		stop:          make(chan struct{}),
		loopDone:      make(chan struct{}),
		procs:         make(map[string]*Process),
		lookups:       make(map[string]*future.Future[*Process]),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.host == nil {
		e.host = NewLogHost(e.log)
	}
	go e.loop()
	return e
}

func (e *Engine) emit(ev Event) {
	if e.onEvent != nil {
		e.onEvent(ev)
	}
}

// SetHost replaces the host. A nil host restores the logging host.
func (e *Engine) SetHost(h Host) {
	if h == nil {
		h = NewLogHost(e.log)
	}
	e.call(func() { e.host = h })
}

// SetEventCallback replaces the event callback.
func (e *Engine) SetEventCallback(cb EventCallback) {
	e.call(func() { e.onEvent = cb })
}

// Listen creates the listen pipe at path if needed and starts accepting
// helloFrom, ping and attachToGdb messages on it.
func (e *Engine) Listen(path string) error {
	if err := pipeproto.EnsureFifo(path, 0o666); err != nil {
		return err
	}
	ch := pipeproto.NewChannel(path, "",
		pipeproto.KeepOpen(),
		pipeproto.WithLogger(e.log.WithField("component", "listen")))
	ch.Subscribe(pipeproto.HandlerFuncs{
		OnMessage: func(m pipeproto.Message) {
			e.post(func() { e.onListenMessage(m) })
		},
	})
	var err error
	if !e.call(func() {
		if e.listen != nil {
			err = multierr.Append(err, e.listen.Close())
		}
		e.listen = ch
		e.listenPath = path
	}) {
		return ErrEngineClosed
	}
	if serr := ch.Start(); serr != nil {
		return multierr.Append(err, serr)
	}
	e.log.WithField("pipe", path).Info("listening for debug sessions")
	return err
}

func (e *Engine) onListenMessage(m pipeproto.Message) {
	switch m.Kind {
	case pipeproto.KindHelloFrom:
		hello, err := pipeproto.DecodeHello(m)
		if err != nil {
			e.log.WithError(err).Warn("drop message")
			return
		}
		if err := e.startScriptProcess(hello); err != nil {
			e.log.WithError(err).WithField("pid", hello.PID).Warn("start script session")
			e.host.Warn("could not connect to script " + hello.Name + ": " + err.Error())
		}
	case pipeproto.KindPing:
		ping, err := pipeproto.DecodePing(m)
		if err != nil {
			e.log.WithError(err).Warn("drop message")
			return
		}
		answer := "no"
		if e.acceptsPing(ping.PID) {
			answer = "yes"
		}
		if err := pipeproto.SendOnce(ping.ReplyPipe, "pong "+answer+"\n"); err != nil {
			e.log.WithError(err).WithField("pipe", ping.ReplyPipe).Warn("reply to ping")
		}
	case pipeproto.KindAttachToGdb:
		e.onAttachToGdb(m)
	default:
		if err := m.Check(); err != nil {
			e.log.WithError(err).Warn("drop message")
			return
		}
		e.log.WithField("cmd", m.Cmd).Warn("message not expected on the listen pipe")
	}
}

// acceptsPing reports whether a script with pid should keep the user's
// focus: it is the active process, or nothing is.
func (e *Engine) acceptsPing(pid int) bool {
	if e.active == nil {
		return true
	}
	return e.active.pid == pid
}

// addProcess registers p, focuses it and fulfils a lookup waiting for it.
func (e *Engine) addProcess(p *Process) {
	e.procs[p.id] = p
	e.order = append(e.order, p)
	p.log.WithField("name", p.name).Info("debugged process started")
	e.emit(Event{Type: EventProcessStarted, ProcessID: p.id})
	e.activateProcess(p)

	if f, ok := e.lookups[p.id]; ok {
		delete(e.lookups, p.id)
		f.Resolve(p)
	}
}

func (e *Engine) removeProcess(p *Process) {
	if e.procs[p.id] != p {
		return
	}
	delete(e.procs, p.id)
	for i, x := range e.order {
		if x == p {
			e.order = append(e.order[:i:i], e.order[i+1:]...)
			break
		}
	}
	if e.active == p {
		e.reactivate(func() {
			e.active = nil
			e.activateBest()
		})
	}
}

// LookupProcess returns the process registered under id. If none is
// registered it waits up to timeout for one; a zero timeout fails at
// once. Arrival and expiry race for the waiter entry and whichever
// removes it first decides the outcome.
func (e *Engine) LookupProcess(id string, timeout time.Duration) *future.Future[*Process] {
	return callFuture(e, func() *future.Future[*Process] { return e.lookupProcess(id, timeout) })
}

func (e *Engine) lookupProcess(id string, timeout time.Duration) *future.Future[*Process] {
	if p, ok := e.procs[id]; ok {
		return future.Resolved(p)
	}
	if timeout <= 0 {
		return future.Rejected[*Process](&LookupTimeoutError{ID: id})
	}
	if f, ok := e.lookups[id]; ok {
		return f
	}
	f := future.New[*Process]()
	e.lookups[id] = f
	time.AfterFunc(timeout, func() {
		e.post(func() {
			if cur, ok := e.lookups[id]; ok && cur == f {
				delete(e.lookups, id)
				f.Reject(&LookupTimeoutError{ID: id, Timeout: timeout})
			}
		})
	})
	return f
}

// Process returns the process registered under id, or nil.
func (e *Engine) Process(id string) *Process {
	var p *Process
	e.call(func() { p = e.procs[id] })
	return p
}

// Processes returns the registered processes in registration order.
func (e *Engine) Processes() []*Process {
	var out []*Process
	e.call(func() { out = append(out, e.order...) })
	return out
}

// ActiveProcess returns the process the user is focused on, or nil.
func (e *Engine) ActiveProcess() *Process {
	var p *Process
	e.call(func() { p = e.active })
	return p
}

// ActiveSession returns the active process's active session, or nil.
func (e *Engine) ActiveSession() *BreakSession {
	var s *BreakSession
	e.call(func() {
		if e.active != nil {
			s = e.active.active
		}
	})
	return s
}

// ActivateProcess focuses p and its best session.
func (e *Engine) ActivateProcess(p *Process) {
	e.call(func() { e.activateProcess(p) })
}

// ActivateSession focuses s and its process.
func (e *Engine) ActivateSession(s *BreakSession) {
	e.call(func() { e.activateSession(s) })
}

// Cycle focuses the process registered after the active one, wrapping
// around. It returns the newly active process.
func (e *Engine) Cycle() *Process {
	var p *Process
	e.call(func() {
		if len(e.order) == 0 {
			return
		}
		next := e.order[0]
		for i, x := range e.order {
			if x == e.active && i+1 < len(e.order) {
				next = e.order[i+1]
			}
		}
		e.activateProcess(next)
		p = e.active
	})
	return p
}

func (e *Engine) activateProcess(p *Process) {
	if e.procs[p.id] != p {
		return
	}
	e.reactivate(func() {
		e.active = p
		p.activate(nil)
	})
}

func (e *Engine) activateSession(s *BreakSession) {
	if e.procs[s.proc.id] != s.proc || s.destroyed {
		return
	}
	e.reactivate(func() {
		e.active = s.proc
		s.proc.activate(s)
	})
}

// activateBest keeps the focus where it is when possible, and otherwise
// prefers a process that has a stopped thread.
func (e *Engine) activateBest() {
	if e.active != nil && e.active.active == nil {
		e.active.activate(nil)
	}
	for _, p := range e.order {
		if e.active == nil {
			e.active = p
			p.activate(nil)
			continue
		}
		if len(e.active.sessions) > 0 {
			break
		}
		if len(p.sessions) > 0 {
			e.active = p
			p.activate(nil)
			break
		}
	}
}

// reactivate runs fn and emits EventActivated if the focus moved.
func (e *Engine) reactivate(fn func()) {
	proc, sess := e.focus()
	fn()
	nproc, nsess := e.focus()
	if proc == nproc && sess == nsess {
		return
	}
	ev := Event{Type: EventActivated}
	if nproc != nil {
		ev.ProcessID = nproc.id
	}
	if nsess != nil {
		ev.SessionID = nsess.id
		ev.Thread = nsess.thread
	}
	e.emit(ev)
}

func (e *Engine) focus() (*Process, *BreakSession) {
	if e.active == nil {
		return nil, nil
	}
	return e.active, e.active.active
}

// Snapshot returns a copy of the engine's state.
func (e *Engine) Snapshot() Snapshot {
	var snap Snapshot
	e.call(func() {
		if e.active != nil {
			snap.ActiveProcess = e.active.id
		}
		for _, p := range e.order {
			snap.Processes = append(snap.Processes, p.info())
		}
		for id := range e.lookups {
			snap.Lookups = append(snap.Lookups, id)
		}
		sort.Strings(snap.Lookups)
		snap.ListenPipe = e.listenPath
		snap.GdbRunning = e.gdb != nil
	})
	return snap
}

// Close destroys every process, stops listening, stops gdb and ends the
// event loop.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		var gdbd *gdbDriver
		e.call(func() {
			for _, p := range append([]*Process(nil), e.order...) {
				p.destroy()
			}
			for id, f := range e.lookups {
				delete(e.lookups, id)
				f.Reject(ErrEngineClosed)
			}
			if e.listen != nil {
				err = multierr.Append(err, e.listen.Close())
				e.listen = nil
			}
			gdbd = e.gdb
			e.gdb = nil
		})
		// The gdb reader posts to the loop, so gdb is stopped before the
		// loop is.
		if gdbd != nil {
			err = multierr.Append(err, gdbd.client.Close())
		}
		close(e.stop)
		<-e.loopDone
	})
	return err
}

func pidKey(pid int) string {
	return strconv.Itoa(pid)
}
