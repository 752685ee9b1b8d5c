// Copyright © 2018 The ELPS authors

package debugger

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/luthersystems/shdbg/breakpoint"
	"github.com/luthersystems/shdbg/future"
	"github.com/luthersystems/shdbg/gdb"
	"github.com/luthersystems/shdbg/mi"
	"github.com/luthersystems/shdbg/pipeproto"
	"github.com/sirupsen/logrus"
)

// GdbConfig describes the gdb subprocess started by StartGdb.
type GdbConfig struct {
	Path            string
	Args            []string
	InitCommands    []string
	InitScript      string
	WatchInitScript bool
	ClientOptions   []gdb.Option
}

// shCmdMarker is appended to a frame's function name by the gdb bash
// frame decorator, followed by the shell command that frame runs.
const shCmdMarker = "=SH_CMD: "

func threadKey(id string) string {
	return "THR:" + id
}

// targetRegistry resolves the several ids gdb uses for one inferior (its
// pid, its thread group and each thread) to the same process.
type targetRegistry struct {
	byKey map[string]*Process
}

func newTargetRegistry() *targetRegistry {
	return &targetRegistry{byKey: make(map[string]*Process)}
}

// lookup returns the process registered under the first known key.
func (r *targetRegistry) lookup(keys ...string) *Process {
	for _, k := range keys {
		if k == "" {
			continue
		}
		if p, ok := r.byKey[k]; ok {
			return p
		}
	}
	return nil
}

// add merges keys into p's entry.
func (r *targetRegistry) add(p *Process, keys ...string) {
	for _, k := range keys {
		if k != "" {
			r.byKey[k] = p
		}
	}
}

func (r *targetRegistry) remove(key string) {
	delete(r.byKey, key)
}

// forget drops every key of p.
func (r *targetRegistry) forget(p *Process) {
	for k, x := range r.byKey {
		if x == p {
			delete(r.byKey, k)
		}
	}
}

// processes returns each registered process once.
func (r *targetRegistry) processes(order []*Process) []*Process {
	var out []*Process
	for _, p := range order {
		for _, x := range r.byKey {
			if x == p {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

// gdbDriver owns one gdb subprocess and routes its asynchronous records.
type gdbDriver struct {
	e       *Engine
	client  *gdb.Client
	targets *targetRegistry
	log     *logrus.Entry
}

// StartGdb spawns gdb, runs its init commands and sources the init
// script. Inferiors it reports become processes.
func (e *Engine) StartGdb(ctx context.Context, cfg GdbConfig) error {
	args := cfg.Args
	if args == nil {
		args = gdb.DefaultArgs
	}
	d, ready := e.newGdbDriver()
	opts := append([]gdb.Option{gdb.WithHandler(d.handler(ready)), gdb.WithLogger(d.log)}, cfg.ClientOptions...)
	c, err := gdb.Spawn(ctx, cfg.Path, args, opts...)
	if err != nil {
		close(ready)
		return err
	}
	if err := e.useGdb(d, c, ready); err != nil {
		return err
	}
	cmds := cfg.InitCommands
	if cmds == nil {
		cmds = gdb.DefaultInitCommands
	}
	if err := c.Init(ctx, cmds); err != nil {
		d.log.WithError(err).Warn("gdb init commands")
	}
	if cfg.InitScript != "" {
		if err := c.Source(ctx, cfg.InitScript); err != nil {
			d.log.WithError(err).WithField("script", cfg.InitScript).Warn("source gdb init script")
		}
		if cfg.WatchInitScript {
			if err := c.WatchScript(cfg.InitScript); err != nil {
				d.log.WithError(err).Warn("watch gdb init script")
			}
		}
	}
	return nil
}

// ConnectGdb drives a gdb already connected to in and out, such as one
// reached over a socket. The returned client belongs to the engine.
func (e *Engine) ConnectGdb(in io.Writer, out io.Reader, opts ...gdb.Option) (*gdb.Client, error) {
	d, ready := e.newGdbDriver()
	opts = append([]gdb.Option{gdb.WithHandler(d.handler(ready)), gdb.WithLogger(d.log)}, opts...)
	c := gdb.NewClient(in, out, opts...)
	if err := e.useGdb(d, c, ready); err != nil {
		return nil, err
	}
	return c, nil
}

func (e *Engine) newGdbDriver() (*gdbDriver, chan struct{}) {
	d := &gdbDriver{
		e:       e,
		targets: newTargetRegistry(),
		log:     e.log.WithField("component", "gdb"),
	}
	return d, make(chan struct{})
}

// handler posts records to the loop. Records are held back until the
// driver is installed.
func (d *gdbDriver) handler(ready <-chan struct{}) gdb.Handler {
	return gdb.HandlerFunc(func(r *mi.Record) {
		<-ready
		d.e.post(func() { d.handle(r) })
	})
}

func (e *Engine) useGdb(d *gdbDriver, c *gdb.Client, ready chan struct{}) error {
	defer close(ready)
	var err error
	if !e.call(func() {
		if e.gdb != nil {
			err = fmt.Errorf("gdb is already running")
			return
		}
		d.client = c
		e.gdb = d
	}) {
		err = ErrEngineClosed
	}
	if err != nil {
		if cerr := c.Close(); cerr != nil {
			d.log.WithError(cerr).Debug("close gdb")
		}
	}
	return err
}

func (d *gdbDriver) handle(r *mi.Record) {
	if d.e.gdb != d {
		return
	}
	switch r.Type {
	case mi.TypeExec:
		d.onExec(r)
	case mi.TypeNotify:
		d.onNotify(r)
	case mi.TypeStatus:
		d.log.WithField("class", r.Class).Debug("status")
	case mi.TypeConsole, mi.TypeTarget, mi.TypeLog:
		// Logged by the client.
	default:
		d.log.WithField("record", r.Raw).Debug("unexpected record")
	}
}

func (d *gdbDriver) onExec(r *mi.Record) {
	tid := r.Data.Str("thread-id")
	switch r.Class {
	case "stopped":
		p := d.targets.lookup(threadKey(tid))
		if p == nil {
			d.log.WithFields(logrus.Fields{"thread": tid, "reason": r.Data.Str("reason")}).Debug("stop of unknown thread")
			return
		}
		s := p.newSession(tid, p.pid, p.pid)
		if frame := r.Data.Tuple("frame"); frame != nil {
			s.file = frame.Str("fullname")
			s.line = frame.Int("line", 0)
		}
		p.addSession(s)
	case "running":
		if tid == "all" || tid == "" {
			for _, p := range d.targets.processes(d.e.order) {
				for _, s := range p.sessionsForThread("") {
					s.destroy()
				}
			}
			return
		}
		if p := d.targets.lookup(threadKey(tid)); p != nil {
			for _, s := range p.sessionsForThread(tid) {
				s.destroy()
			}
		}
	default:
		d.log.WithField("class", r.Class).Debug("exec record")
	}
}

func (d *gdbDriver) onNotify(r *mi.Record) {
	data := r.Data
	switch r.Class {
	case "thread-group-started":
		id, pid := data.Str("id"), data.Str("pid")
		if p := d.targets.lookup(pid, id); p != nil {
			d.targets.add(p, pid, id)
			return
		}
		n, err := strconv.Atoi(pid)
		if err != nil {
			d.log.WithField("pid", pid).Warn("thread group without a pid")
			return
		}
		if _, ok := d.e.procs[pidKey(n)]; ok {
			d.log.WithField("pid", pid).Warn("inferior is already registered")
			return
		}
		b := &gdbBackend{d: d, group: id}
		p := d.e.newProcess(pidKey(n), "pid "+pid, n, b)
		b.proc = p
		d.targets.add(p, pid, id)
		d.e.addProcess(p)
	case "thread-group-exited":
		if p := d.targets.lookup(data.Str("id")); p != nil {
			p.destroy()
		}
	case "thread-created":
		if p := d.targets.lookup(data.Str("group-id")); p != nil {
			d.targets.add(p, threadKey(data.Str("id")))
		}
	case "thread-exited":
		tid := data.Str("id")
		if p := d.targets.lookup(threadKey(tid)); p != nil {
			for _, s := range p.sessionsForThread(tid) {
				s.destroy()
			}
		}
		d.targets.remove(threadKey(tid))
	case "library-loaded":
		if p := d.targets.lookup(data.Str("thread-group")); p != nil {
			p.libs = append(p.libs, libraryName(data))
		}
	case "library-unloaded":
		if p := d.targets.lookup(data.Str("thread-group")); p != nil {
			name := libraryName(data)
			for i, l := range p.libs {
				if l == name {
					p.libs = append(p.libs[:i:i], p.libs[i+1:]...)
					break
				}
			}
		}
	case "breakpoint-modified":
		bkpt := data.Tuple("bkpt")
		id := bkpt.Str("number")
		for _, p := range d.targets.processes(d.e.order) {
			p.breakpointChanged(id, func(bp *breakpoint.Breakpoint) {
				bp.ApplyMI(bkpt)
				p.markBreakpoint(bp)
			})
		}
	case "breakpoint-deleted":
		id := data.Str("id")
		for _, p := range d.targets.processes(d.e.order) {
			p.breakpointChanged(id, func(bp *breakpoint.Breakpoint) {
				p.breakpoints.Remove(bp)
				bp.ClearRender()
			})
		}
	default:
		d.log.WithField("class", r.Class).Debug("notify record")
	}
}

func libraryName(t mi.Tuple) string {
	if n := t.Str("target-name"); n != "" {
		return n
	}
	return t.Str("id")
}

// gdbBackend is one inferior of a gdb driver.
type gdbBackend struct {
	d     *gdbDriver
	proc  *Process
	group string
}

var gdbStepCommands = map[StepKind]string{
	StepIn:   "-exec-step",
	StepOver: "-exec-next",
	StepOut:  "-exec-finish",
	Resume:   "-exec-continue",
}

func (b *gdbBackend) Kind() BackendKind { return BackendGdb }

func (b *gdbBackend) send(cmd string) *future.Future[*mi.Record] {
	return b.d.client.SendCommand(context.Background(), cmd)
}

// Attach requests the stopped thread's stack.
func (b *gdbBackend) Attach(s *BreakSession) error {
	after(b.d.e, b.send("-stack-list-frames --thread "+s.thread), func(r *mi.Record, err error) {
		if s.destroyed {
			return
		}
		if err != nil {
			b.proc.log.WithError(err).WithField("session", s.id).Warn("list frames")
			s.setStack(nil)
			return
		}
		s.setStack(decodeGdbStack(r.Data.List("stack")))
	})
	return nil
}

func (b *gdbBackend) Detach(*BreakSession) {}

func (b *gdbBackend) IssueStep(s *BreakSession, kind StepKind, done func(error)) {
	cmd, ok := gdbStepCommands[kind]
	if !ok {
		done(ErrUnsupported)
		return
	}
	b.exec(cmd+" --thread "+s.thread, done)
}

// StepOutToFrame finishes the frame called by the frame at level. Level 0
// is already innermost, so it steps over instead.
func (b *gdbBackend) StepOutToFrame(s *BreakSession, level int, done func(error)) {
	if level == 0 {
		b.exec("-exec-next --thread "+s.thread, done)
		return
	}
	b.exec(fmt.Sprintf("-exec-finish --thread %s --frame %d", s.thread, level-1), done)
}

func (b *gdbBackend) exec(cmd string, done func(error)) {
	after(b.d.e, b.send(cmd), func(_ *mi.Record, err error) { done(err) })
}

// RequestFrameVariables lists the frame's arguments then its locals. The
// replies arrive in order, so the arguments are in hand once the locals
// are.
func (b *gdbBackend) RequestFrameVariables(s *BreakSession, frame int) {
	argsFut := b.send(fmt.Sprintf("-stack-list-arguments --thread %s 2 %d %d", s.thread, frame, frame))
	localsFut := b.send(fmt.Sprintf("-stack-list-locals --thread %s --frame %d 2", s.thread, frame))
	after(b.d.e, localsFut, func(locals *mi.Record, err error) {
		if s.destroyed || s.current != frame {
			return
		}
		var vars []Variable
		if args, aerr := argsFut.Await(context.Background()); aerr == nil {
			for _, fr := range args.Data.List("stack-args").Tuples() {
				vars = append(vars, decodeGdbVars(fr.List("args"), ScopeArg)...)
			}
		} else {
			b.proc.log.WithError(aerr).Debug("list arguments")
		}
		if err == nil {
			vars = append(vars, decodeGdbVars(locals.Data.List("locals"), ScopeLocal)...)
		} else {
			b.proc.log.WithError(err).Debug("list locals")
		}
		s.setVars(vars)
	})
}

func (b *gdbBackend) RenderBreakpoint(bp *breakpoint.Breakpoint, done func(error)) {
	if bp.Rendered() {
		done(fmt.Errorf("breakpoint %s is already rendered", bp.ID))
		return
	}
	after(b.d.e, b.send(bp.InsertCommand()), func(r *mi.Record, err error) {
		if err != nil {
			done(err)
			return
		}
		bkpt := r.Data.Tuple("bkpt")
		if bkpt == nil {
			done(fmt.Errorf("no bkpt in reply %q", r.Raw))
			return
		}
		bp.ApplyMI(bkpt)
		done(nil)
	})
}

func (b *gdbBackend) UnrenderBreakpoint(bp *breakpoint.Breakpoint, done func(error)) {
	if !bp.Rendered() {
		done(nil)
		return
	}
	after(b.d.e, b.send(bp.DeleteCommand()), func(_ *mi.Record, err error) {
		if err == nil {
			bp.ClearRender()
		}
		done(err)
	})
}

// Exit detaches from the inferior and leaves it running.
func (b *gdbBackend) Exit() error {
	b.exec("-target-detach "+strconv.Itoa(b.proc.pid), func(err error) {
		if err != nil {
			b.proc.log.WithError(err).Warn("detach")
		}
	})
	return nil
}

func (b *gdbBackend) Close() error {
	b.d.targets.forget(b.proc)
	return nil
}

func decodeGdbStack(stack mi.List) []StackFrame {
	frames := []StackFrame{}
	for i, t := range stack.Tuples() {
		f := StackFrame{
			Level:    t.Int("level", i),
			File:     t.Str("fullname"),
			Line:     t.Int("line", 0),
			Function: t.Str("func"),
			Raw:      t,
		}
		if f.File == "" {
			f.File = t.Str("file")
		}
		if j := strings.Index(f.Function, shCmdMarker); j >= 0 {
			f.Hint = f.Function[j+len(shCmdMarker):]
			f.Function = f.Function[:j]
		}
		if f.File != "" {
			f.Loc = shortLoc(f.File, f.Line)
		} else {
			f.Loc = "<error>"
		}
		frames = append(frames, f)
	}
	return frames
}

func decodeGdbVars(l mi.List, scope string) []Variable {
	var vars []Variable
	for _, t := range l.Tuples() {
		vars = append(vars, Variable{
			Name:  t.Str("name"),
			Type:  t.Str("type"),
			Value: unescapeControl(t.Str("value")),
			Scope: scope,
		})
	}
	return vars
}

// AttachGdb attaches gdb to pid and waits for the first stop. If spec is
// not empty the process is then run to that location.
func (e *Engine) AttachGdb(pid int, spec string) *future.Future[*BreakSession] {
	return callFuture(e, func() *future.Future[*BreakSession] { return e.attachGdb(pid, spec) })
}

func (e *Engine) attachGdb(pid int, spec string) *future.Future[*BreakSession] {
	if e.gdb == nil {
		return future.Rejected[*BreakSession](ErrNoGdb)
	}
	out := future.New[*BreakSession]()
	fail := func(err error) {
		out.Reject(fmt.Errorf("attach gdb to %d: %w", pid, err))
	}
	attach := e.gdb.client.SendCommand(context.Background(), "-target-attach "+strconv.Itoa(pid))
	after(e, attach, func(_ *mi.Record, err error) {
		if err != nil {
			fail(err)
			return
		}
		after(e, e.lookupProcess(pidKey(pid), e.lookupTimeout), func(p *Process, err error) {
			if err != nil {
				fail(err)
				return
			}
			// The attach stop may already have been reported.
			next := future.Resolved(p.active)
			if p.active == nil {
				next = p.waitForNext("")
			}
			after(e, next, func(s *BreakSession, err error) {
				if err != nil {
					fail(err)
					return
				}
				if spec == "" {
					out.Resolve(s)
					return
				}
				after(e, s.settled, func(s *BreakSession, err error) {
					if err != nil {
						fail(err)
						return
					}
					forward(s.stepToLocation(spec), out)
				})
			})
		})
	})
	return out
}

// onAttachToGdb handles a script's request to be debugged natively:
// attachToGdb <pid> [locationSpec].
func (e *Engine) onAttachToGdb(m pipeproto.Message) {
	pid, err := pipeproto.DecodePID(m)
	if err != nil {
		e.log.WithError(err).Warn("drop message")
		return
	}
	spec := strings.Join(m.Args[1:], " ")
	after(e, e.attachGdb(pid, spec), func(s *BreakSession, err error) {
		if err != nil {
			e.log.WithError(err).WithField("pid", pid).Warn("attach gdb")
			e.host.Warn(fmt.Sprintf("error while gdb attaching to process '%d': %v", pid, err))
			return
		}
		e.log.WithFields(logrus.Fields{"pid": pid, "session": s.id}).Info("gdb attached")
	})
}
