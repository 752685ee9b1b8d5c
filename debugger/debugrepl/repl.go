// Copyright © 2018 The ELPS authors

// Package debugrepl provides an interactive CLI debug REPL on top of the
// debugger engine. Commands act on the engine's active process and its
// active break session.
package debugrepl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ergochat/readline"
	"github.com/luthersystems/shdbg/breakpoint"
	"github.com/luthersystems/shdbg/debugger"
	"github.com/luthersystems/shdbg/future"
	"github.com/sirupsen/logrus"
)

// settleTimeout bounds waits for a stack listing or a breakpoint reply.
const settleTimeout = 10 * time.Second

// Option configures the debug REPL.
type Option func(*debugHandler)

// WithStdin sets the reader for REPL input. This is primarily useful for
// testing, where a pipe replaces the terminal.
func WithStdin(r io.ReadCloser) Option {
	return func(h *debugHandler) {
		h.stdin = r
	}
}

// WithStderr sets the writer for debug output (prompts, status, etc.).
func WithStderr(w io.Writer) Option {
	return func(h *debugHandler) {
		h.stderr = w
	}
}

// WithLogger sets the logger behind the REPL's host.
func WithLogger(log *logrus.Entry) Option {
	return func(h *debugHandler) {
		h.log = log
	}
}

// WithHistoryFile sets where input history is kept. An empty path keeps
// no history.
func WithHistoryFile(path string) Option {
	return func(h *debugHandler) {
		h.historyFile = path
	}
}

// Run starts an interactive debug REPL on the calling goroutine. It
// returns when the user quits, input ends or ctx is done. While it runs
// the REPL is the engine's host.
func Run(ctx context.Context, engine *debugger.Engine, opts ...Option) error {
	h := newDebugHandler(engine, opts...)

	engine.SetHost(&replHost{LogHost: debugger.NewLogHost(h.log), h: h})
	engine.SetEventCallback(h.onEvent)
	defer func() {
		engine.SetEventCallback(nil)
		engine.SetHost(nil)
	}()

	rlCfg := &readline.Config{
		Stdout:            h.stderr,
		Stderr:            h.stderr,
		Prompt:            h.prompt(),
		HistoryFile:       h.historyFile,
		HistorySearchFold: true,
		AutoComplete:      &debugCompleter{engine: engine},
	}
	if h.stdin != nil {
		rlCfg.Stdin = h.stdin
	}
	rl, err := readline.NewEx(rlCfg)
	if err != nil {
		return err
	}
	defer rl.Close() //nolint:errcheck // best-effort cleanup

	h.printf("shdbg: type help for commands\n")
	for {
		rl.SetPrompt(h.prompt())
		line, err := rl.ReadSlice()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if err != nil {
			return nil
		}
		h.handleLine(ctx, string(line))
		select {
		case <-h.doneCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// debugHandler holds state for the debug REPL session.
type debugHandler struct {
	engine      *debugger.Engine
	stdin       io.ReadCloser
	stderr      io.Writer
	historyFile string
	log         *logrus.Entry
	doneCh      chan struct{} // closed by doQuit to signal REPL to stop

	mu      sync.Mutex
	lastCmd string
	quit    bool
}

func newDebugHandler(engine *debugger.Engine, opts ...Option) *debugHandler {
	h := &debugHandler{
		engine:      engine,
		stderr:      os.Stderr,
		historyFile: historyPath(),
		log:         logrus.StandardLogger().WithField("component", "repl"),
		doneCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *debugHandler) printf(format string, v ...any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fmt.Fprintf(h.stderr, format, v...) //nolint:errcheck // best-effort REPL output
}

func (h *debugHandler) println(v ...any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fmt.Fprintln(h.stderr, v...) //nolint:errcheck // best-effort REPL output
}

// render runs fn with exclusive use of the output. fn must not call the
// engine, whose loop may be waiting on the output.
func (h *debugHandler) render(fn func(w io.Writer)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn(h.stderr)
}

// onEvent is the engine event callback. It runs on the event loop so it
// only prints.
func (h *debugHandler) onEvent(evt debugger.Event) {
	switch evt.Type {
	case debugger.EventProcessStarted:
		h.printf("\n[%s attached]\n", evt.ProcessID)
	case debugger.EventProcessEnded:
		h.printf("\n[%s ended]\n", evt.ProcessID)
	case debugger.EventSessionStarted:
		h.printf("\n[%s thread %s stopped]\n", evt.ProcessID, evt.Thread)
	}
}

// prompt shows where commands will go.
func (h *debugHandler) prompt() string {
	if s := h.engine.ActiveSession(); s != nil {
		return fmt.Sprintf("(shdbg %s) ", s.Process().ID())
	}
	if p := h.engine.ActiveProcess(); p != nil {
		return fmt.Sprintf("(shdbg %s running) ", p.ID())
	}
	return "(shdbg) "
}

// handleLine dispatches one line of input.
func (h *debugHandler) handleLine(ctx context.Context, line string) {
	line = strings.TrimSpace(line)

	// Empty input repeats last command (GDB convention).
	if line == "" {
		h.mu.Lock()
		line = h.lastCmd
		h.mu.Unlock()
		if line == "" {
			return
		}
	}

	parts := strings.Fields(line)
	cmd := parts[0]
	args := parts[1:]

	known := true
	switch cmd {
	case "continue", "c":
		h.doStep(ctx, (*debugger.BreakSession).Resume)
	case "step", "s":
		h.doStep(ctx, (*debugger.BreakSession).StepIn)
	case "next", "n":
		h.doStep(ctx, (*debugger.BreakSession).StepOver)
	case "out", "o":
		h.doStep(ctx, (*debugger.BreakSession).StepOut)
	case "goto", "g":
		h.doGoto(ctx, args)
	case "frame", "f":
		h.doFrame(ctx, args)
	case "break", "b":
		h.doBreak(ctx, args)
	case "delete", "d":
		h.doDelete(ctx, args)
	case "breakpoints", "bl":
		h.doBreakpoints()
	case "backtrace", "bt":
		h.doBacktrace(ctx)
	case "locals", "l":
		h.doLocals(ctx)
	case "print", "p":
		h.doPrint(ctx, args)
	case "where", "w":
		h.doWhere(ctx)
	case "processes", "ps":
		snap := h.engine.Snapshot()
		h.render(func(w io.Writer) { showProcesses(w, snap) })
	case "cycle", "cy":
		h.doCycle()
	case "wait":
		h.doWait(ctx, args)
	case "quit", "q":
		h.doQuit()
	case "help", "h":
		h.render(showHelp)
	default:
		known = false
		h.printf("unknown command %q (try help)\n", cmd)
	}
	if known {
		h.mu.Lock()
		h.lastCmd = line
		h.mu.Unlock()
	}
}

// session returns the active break session or reports that there is none.
func (h *debugHandler) session() *debugger.BreakSession {
	s := h.engine.ActiveSession()
	if s == nil {
		h.println("not stopped")
	}
	return s
}

func (h *debugHandler) process() *debugger.Process {
	p := h.engine.ActiveProcess()
	if p == nil {
		h.println("no process is being debugged")
	}
	return p
}

func (h *debugHandler) doStep(ctx context.Context, fn func(*debugger.BreakSession) *future.Future[*debugger.BreakSession]) {
	s := h.session()
	if s == nil {
		return
	}
	h.waitForStop(ctx, fn(s))
}

func (h *debugHandler) doGoto(ctx context.Context, args []string) {
	if len(args) == 0 {
		h.println("usage: goto <location spec>")
		return
	}
	s := h.session()
	if s == nil {
		return
	}
	h.waitForStop(ctx, s.StepToLocation(strings.Join(args, " ")))
}

// waitForStop blocks until fut yields the next break session, then shows
// where it stopped.
func (h *debugHandler) waitForStop(ctx context.Context, fut *future.Future[*debugger.BreakSession]) {
	s, err := fut.Await(ctx)
	switch {
	case errors.Is(err, debugger.ErrProcessEnded):
		h.println("process ended")
		return
	case err != nil:
		h.printf("error: %v\n", err)
		return
	}
	h.showStopBanner(ctx, s)
}

// settled waits for the session's stack.
func (h *debugHandler) settled(ctx context.Context, s *debugger.BreakSession) (debugger.SessionInfo, bool) {
	ctx, cancel := context.WithTimeout(ctx, settleTimeout)
	defer cancel()
	if _, err := s.WaitSettled().Await(ctx); err != nil {
		h.printf("error: %v\n", err)
		return debugger.SessionInfo{}, false
	}
	return s.Info(), true
}

// showStopBanner prints the stop and source context.
func (h *debugHandler) showStopBanner(ctx context.Context, s *debugger.BreakSession) {
	h.printf("stopped: %s thread %s\n", s.Process().ID(), s.Thread())
	info, ok := h.settled(ctx, s)
	if !ok {
		return
	}
	h.render(func(w io.Writer) { showFrame(w, info) })
}

func (h *debugHandler) doFrame(ctx context.Context, args []string) {
	if len(args) != 1 {
		h.println("usage: frame <level>")
		return
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		h.printf("invalid frame level: %s\n", args[0])
		return
	}
	s := h.session()
	if s == nil {
		return
	}
	if _, ok := h.settled(ctx, s); !ok {
		return
	}
	if err := s.SelectFrame(n); err != nil {
		h.printf("error: %v\n", err)
		return
	}
	info := s.Info()
	h.render(func(w io.Writer) { showFrame(w, info) })
}

func (h *debugHandler) doBreak(ctx context.Context, args []string) {
	if len(args) == 0 {
		h.println("usage: break <location spec>")
		return
	}
	bp, err := breakpoint.Parse(strings.Join(args, " "))
	if err != nil {
		h.printf("error: %v\n", err)
		return
	}
	p := h.process()
	if p == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, settleTimeout)
	defer cancel()
	bp, err = p.AddBreakpoint(bp).Await(ctx)
	if err != nil {
		h.printf("error: %v\n", err)
		return
	}
	h.printf("breakpoint %s set at %s\n", displayID(bp.ID), bp.Location)
}

// findBreakpoint matches arg against breakpoint ids, then specs, then
// locations.
func findBreakpoint(bps []debugger.BreakpointInfo, arg string) (breakpoint.Location, bool) {
	for _, bp := range bps {
		if bp.ID != "" && bp.ID == strings.TrimPrefix(arg, "#") {
			return bp.Location, true
		}
	}
	for _, bp := range bps {
		if bp.Spec == arg || bp.Location.String() == arg {
			return bp.Location, true
		}
	}
	if parsed, err := breakpoint.Parse(arg); err == nil {
		return parsed.Location, true
	}
	return breakpoint.Location{}, false
}

func (h *debugHandler) doDelete(ctx context.Context, args []string) {
	if len(args) == 0 {
		h.println("usage: delete <breakpoint id or location spec>")
		return
	}
	p := h.process()
	if p == nil {
		return
	}
	arg := strings.Join(args, " ")
	loc, ok := findBreakpoint(p.Breakpoints(), arg)
	if !ok {
		h.printf("no breakpoint %s\n", arg)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, settleTimeout)
	defer cancel()
	if _, err := p.RemoveBreakpoint(loc).Await(ctx); err != nil {
		h.printf("error: %v\n", err)
		return
	}
	h.printf("breakpoint at %s removed\n", loc)
}

func (h *debugHandler) doBreakpoints() {
	p := h.process()
	if p == nil {
		return
	}
	bps := p.Breakpoints()
	h.render(func(w io.Writer) { showBreakpoints(w, bps) })
}

func (h *debugHandler) doBacktrace(ctx context.Context) {
	s := h.session()
	if s == nil {
		return
	}
	info, ok := h.settled(ctx, s)
	if !ok {
		return
	}
	h.render(func(w io.Writer) { showBacktrace(w, info) })
}

func (h *debugHandler) doLocals(ctx context.Context) {
	s := h.session()
	if s == nil {
		return
	}
	info, ok := h.settled(ctx, s)
	if !ok {
		return
	}
	h.render(func(w io.Writer) { showVars(w, info.Vars) })
}

func (h *debugHandler) doPrint(ctx context.Context, args []string) {
	if len(args) != 1 {
		h.println("usage: print <variable>")
		return
	}
	s := h.session()
	if s == nil {
		return
	}
	info, ok := h.settled(ctx, s)
	if !ok {
		return
	}
	name := strings.TrimPrefix(args[0], "$")
	for _, v := range info.Vars {
		if v.Name == name {
			h.render(func(w io.Writer) { showVars(w, []debugger.Variable{v}) })
			return
		}
	}
	h.printf("no variable %q in frame %d\n", name, info.Current)
}

func (h *debugHandler) doWhere(ctx context.Context) {
	s := h.session()
	if s == nil {
		return
	}
	info, ok := h.settled(ctx, s)
	if !ok {
		return
	}
	h.render(func(w io.Writer) { showFrame(w, info) })
}

func (h *debugHandler) doCycle() {
	p := h.engine.Cycle()
	if p == nil {
		h.println("no process is being debugged")
		return
	}
	h.printf("now debugging %s (%s)\n", p.ID(), p.Name())
}

// doWait blocks until the named or active process stops.
func (h *debugHandler) doWait(ctx context.Context, args []string) {
	var p *debugger.Process
	if len(args) > 0 {
		var err error
		p, err = h.engine.LookupProcess(args[0], debugger.DefaultLookupTimeout).Await(ctx)
		if err != nil {
			h.printf("error: %v\n", err)
			return
		}
	} else if p = h.process(); p == nil {
		return
	}
	if s := p.ActiveSession(); s != nil {
		h.showStopBanner(ctx, s)
		return
	}
	h.printf("waiting for %s to stop\n", p.ID())
	h.waitForStop(ctx, p.WaitForNextBreakSession(""))
}

func (h *debugHandler) doQuit() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.quit {
		return
	}
	h.quit = true
	fmt.Fprintln(h.stderr, "quitting debug session") //nolint:errcheck
	close(h.doneCh)
}

func historyPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".shdbg_history")
}

func showHelp(w io.Writer) {
	help := `Debug commands:
  continue (c)        Resume the stopped thread
  step (s)            Step into the next command
  next (n)            Step over the next command
  out (o)             Step out of the current function
  goto (g) SPEC       Run to a location spec or frmShFunc: frame
  frame (f) N         Select stack frame N
  break (b) SPEC      Set a breakpoint at a location spec
  delete (d) ID|SPEC  Remove a breakpoint
  breakpoints (bl)    List breakpoints
  backtrace (bt)      Show the call stack
  locals (l)          Show variables of the selected frame
  print (p) NAME      Print one variable
  where (w)           Show source around the selected frame
  processes (ps)      List debugged processes
  cycle (cy)          Debug the next process
  wait [ID]           Wait for a process to stop
  quit (q)            End the debug session
  help (h)            Show this help

Empty input repeats the last command.`
	fmt.Fprintln(w, help) //nolint:errcheck
}
