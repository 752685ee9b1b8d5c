// Copyright © 2018 The ELPS authors

package dapserver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/go-dap"
	"github.com/luthersystems/shdbg/breakpoint"
	"github.com/luthersystems/shdbg/debugger"
	"github.com/luthersystems/shdbg/future"
	"github.com/sirupsen/logrus"
)

// requestTimeout bounds how long a request waits on the engine, such as
// for a stack listing or a breakpoint to be installed.
const requestTimeout = 10 * time.Second

// gotoPrefix marks an evaluate expression that runs the thread to a
// location instead of looking up a variable.
const gotoPrefix = "goto "

var errNoThread = errors.New("no such thread")

// handler dispatches incoming DAP messages to the appropriate method.
type handler struct {
	server *Server
	engine *debugger.Engine
	host   *dapHost
	log    *logrus.Entry

	mu sync.Mutex
	// sourceBreakpoints holds the client's breakpoints per source path so
	// that processes starting later get them too.
	sourceBreakpoints map[string][]*breakpoint.Breakpoint
	// stepping marks processes with a step in flight, to report the
	// stop that ends it as a step.
	stepping map[string]bool
}

func newHandler(s *Server, e *debugger.Engine) *handler {
	h := &handler{
		server:            s,
		engine:            e,
		log:               s.log,
		sourceBreakpoints: make(map[string][]*breakpoint.Breakpoint),
		stepping:          make(map[string]bool),
	}
	h.host = &dapHost{LogHost: debugger.NewLogHost(s.log), h: h}
	return h
}

// send sends a DAP message and logs any write error.
func (h *handler) send(msg dap.Message) {
	if err := h.server.send(msg); err != nil {
		h.log.WithError(err).Warn("dap send")
	}
}

func (h *handler) handle(msg dap.Message) {
	switch req := msg.(type) {
	case *dap.InitializeRequest:
		h.onInitialize(req)
	case *dap.AttachRequest:
		h.onAttach(req)
	case *dap.SetBreakpointsRequest:
		h.onSetBreakpoints(req)
	case *dap.SetExceptionBreakpointsRequest:
		h.onSetExceptionBreakpoints(req)
	case *dap.ConfigurationDoneRequest:
		h.onConfigurationDone(req)
	case *dap.ThreadsRequest:
		h.onThreads(req)
	case *dap.StackTraceRequest:
		h.onStackTrace(req)
	case *dap.ScopesRequest:
		h.onScopes(req)
	case *dap.VariablesRequest:
		h.onVariables(req)
	case *dap.ContinueRequest:
		h.onContinue(req)
	case *dap.NextRequest:
		h.onNext(req)
	case *dap.StepInRequest:
		h.onStepIn(req)
	case *dap.StepOutRequest:
		h.onStepOut(req)
	case *dap.EvaluateRequest:
		h.onEvaluate(req)
	case *dap.TerminateRequest:
		h.onTerminate(req)
	case *dap.DisconnectRequest:
		h.onDisconnect(req)
	default:
		h.log.Debugf("unhandled message type: %T", msg)
		if r, ok := msg.(dap.RequestMessage); ok {
			req := r.GetRequest()
			resp := &dap.ErrorResponse{}
			resp.Response = h.newResponse(req.Seq, req.Command)
			h.fail(&resp.Response, fmt.Errorf("%s is not supported", req.Command))
			h.send(resp)
		}
	}
}

func (h *handler) onInitialize(req *dap.InitializeRequest) {
	resp := &dap.InitializeResponse{}
	resp.Response = h.newResponse(req.Seq, req.Command)
	resp.Body = dap.Capabilities{
		SupportsConfigurationDoneRequest: true,
		SupportsConditionalBreakpoints:   true,
		SupportsTerminateRequest:         true,
	}
	h.send(resp)

	// Send initialized event to tell the client it can send configuration.
	h.send(&dap.InitializedEvent{
		Event: h.newEvent("initialized"),
	})
}

// onAttach accepts an attach request. Processes reach the engine on their
// own, through the listen pipe or gdb, so there is nothing to start.
func (h *handler) onAttach(req *dap.AttachRequest) {
	resp := &dap.AttachResponse{}
	resp.Response = h.newResponse(req.Seq, req.Command)
	h.send(resp)
}

func (h *handler) onSetBreakpoints(req *dap.SetBreakpointsRequest) {
	path := req.Arguments.Source.Path
	if path == "" {
		path = req.Arguments.Source.Name
	}
	wanted := make([]*breakpoint.Breakpoint, len(req.Arguments.Breakpoints))
	for i, sbp := range req.Arguments.Breakpoints {
		bp := breakpoint.AtLine(path, sbp.Line)
		bp.Condition = sbp.Condition
		wanted[i] = bp
	}
	h.mu.Lock()
	h.sourceBreakpoints[path] = wanted
	h.mu.Unlock()

	resp := &dap.SetBreakpointsResponse{}
	resp.Response = h.newResponse(req.Seq, req.Command)
	resp.Body.Breakpoints = make([]dap.Breakpoint, len(wanted))
	for i, bp := range wanted {
		resp.Body.Breakpoints[i] = translateBreakpoint(debugger.BreakpointInfo{Location: bp.Location}, errors.New("no process is being debugged"))
	}
	active := h.engine.ActiveProcess()
	for _, p := range h.engine.Processes() {
		bps := h.applyBreakpoints(p, path, wanted)
		if p == active {
			resp.Body.Breakpoints = bps
		}
	}
	h.send(resp)
}

// applyBreakpoints makes the process's line breakpoints in path match
// wanted.
func (h *handler) applyBreakpoints(p *debugger.Process, path string, wanted []*breakpoint.Breakpoint) []dap.Breakpoint {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	for _, info := range p.Breakpoints() {
		if info.Location.File != path || info.Location.Line == 0 {
			continue
		}
		if _, err := p.RemoveBreakpoint(info.Location).Await(ctx); err != nil {
			h.log.WithError(err).WithField("breakpoint", info.Location.String()).Warn("remove breakpoint")
		}
	}
	futs := make([]*future.Future[*breakpoint.Breakpoint], len(wanted))
	for i, bp := range wanted {
		futs[i] = p.AddBreakpoint(bp.Clone())
	}
	out := make([]dap.Breakpoint, len(wanted))
	for i, fut := range futs {
		_, err := fut.Await(ctx)
		info := debugger.BreakpointInfo{Location: wanted[i].Location}
		for _, b := range p.Breakpoints() {
			if b.Location == wanted[i].Location {
				info = b
			}
		}
		out[i] = translateBreakpoint(info, err)
	}
	return out
}

// restoreBreakpoints gives a new process the client's breakpoints.
func (h *handler) restoreBreakpoints(id string) {
	p := h.engine.Process(id)
	if p == nil {
		return
	}
	h.mu.Lock()
	sources := make(map[string][]*breakpoint.Breakpoint, len(h.sourceBreakpoints))
	for path, bps := range h.sourceBreakpoints {
		sources[path] = bps
	}
	h.mu.Unlock()
	for path, bps := range sources {
		for _, bp := range h.applyBreakpoints(p, path, bps) {
			h.send(&dap.BreakpointEvent{
				Event: h.newEvent("breakpoint"),
				Body:  dap.BreakpointEventBody{Reason: "changed", Breakpoint: bp},
			})
		}
	}
}

func (h *handler) onSetExceptionBreakpoints(req *dap.SetExceptionBreakpointsRequest) {
	resp := &dap.SetExceptionBreakpointsResponse{}
	resp.Response = h.newResponse(req.Seq, req.Command)
	h.send(resp)
}

func (h *handler) onConfigurationDone(req *dap.ConfigurationDoneRequest) {
	resp := &dap.ConfigurationDoneResponse{}
	resp.Response = h.newResponse(req.Seq, req.Command)
	h.send(resp)
}

func (h *handler) onThreads(req *dap.ThreadsRequest) {
	resp := &dap.ThreadsResponse{}
	resp.Response = h.newResponse(req.Seq, req.Command)
	resp.Body.Threads = []dap.Thread{}
	for _, p := range h.engine.Processes() {
		info := p.Info()
		for _, s := range info.Sessions {
			resp.Body.Threads = append(resp.Body.Threads, dap.Thread{Id: s.ID, Name: threadName(info, s)})
		}
	}
	h.send(resp)
}

// session finds the break session that is DAP thread id.
func (h *handler) session(id int) *debugger.BreakSession {
	for _, p := range h.engine.Processes() {
		if s := p.Session(id); s != nil {
			return s
		}
	}
	return nil
}

// settledInfo waits for the session's stack and returns its state.
func (h *handler) settledInfo(s *debugger.BreakSession) (debugger.SessionInfo, error) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if _, err := s.WaitSettled().Await(ctx); err != nil {
		return debugger.SessionInfo{}, err
	}
	return s.Info(), nil
}

func (h *handler) onStackTrace(req *dap.StackTraceRequest) {
	resp := &dap.StackTraceResponse{}
	resp.Response = h.newResponse(req.Seq, req.Command)
	resp.Body.StackFrames = []dap.StackFrame{}

	s := h.session(req.Arguments.ThreadId)
	if s == nil {
		h.fail(&resp.Response, errNoThread)
		h.send(resp)
		return
	}
	info, err := h.settledInfo(s)
	if err != nil {
		h.fail(&resp.Response, err)
		h.send(resp)
		return
	}

	frames := translateStackFrames(info)
	resp.Body.TotalFrames = len(frames)

	// Apply paging.
	start := req.Arguments.StartFrame
	if start > len(frames) {
		start = len(frames)
	}
	end := len(frames)
	if req.Arguments.Levels > 0 && start+req.Arguments.Levels < end {
		end = start + req.Arguments.Levels
	}
	resp.Body.StackFrames = frames[start:end]
	h.send(resp)
}

func (h *handler) onScopes(req *dap.ScopesRequest) {
	resp := &dap.ScopesResponse{}
	resp.Response = h.newResponse(req.Seq, req.Command)

	frame := req.Arguments.FrameId
	sessionID, level := splitFrameID(frame)
	s := h.session(sessionID)
	if s == nil {
		h.fail(&resp.Response, errNoThread)
		h.send(resp)
		return
	}
	// Selecting the frame fetches its variables; the client is told to
	// refresh when they arrive.
	if err := s.SelectFrame(level); err != nil {
		h.fail(&resp.Response, err)
		h.send(resp)
		return
	}
	resp.Body.Scopes = []dap.Scope{
		{Name: "Arguments", PresentationHint: "arguments", VariablesReference: scopeRef(frame, debugger.ScopeArg)},
		{Name: "Locals", PresentationHint: "locals", VariablesReference: scopeRef(frame, debugger.ScopeLocal)},
	}
	h.send(resp)
}

func (h *handler) onVariables(req *dap.VariablesRequest) {
	resp := &dap.VariablesResponse{}
	resp.Response = h.newResponse(req.Seq, req.Command)
	resp.Body.Variables = []dap.Variable{}

	frame, scope := splitScopeRef(req.Arguments.VariablesReference)
	sessionID, level := splitFrameID(frame)
	if s := h.session(sessionID); s != nil {
		if info := s.Info(); info.Current == level {
			resp.Body.Variables = translateVariables(info.Vars, scope)
		}
	}
	h.send(resp)
}

// step runs a step on the thread and reports failures to the client.
// The stop that ends the step arrives as a stopped event.
func (h *handler) step(threadID int, fn func(s *debugger.BreakSession) *future.Future[*debugger.BreakSession]) error {
	s := h.session(threadID)
	if s == nil {
		return errNoThread
	}
	pid := s.Process().ID()
	h.mu.Lock()
	h.stepping[pid] = true
	h.mu.Unlock()
	fut := fn(s)
	go func() {
		if _, err := fut.Await(context.Background()); err != nil && !errors.Is(err, debugger.ErrProcessEnded) {
			h.mu.Lock()
			delete(h.stepping, pid)
			h.mu.Unlock()
			h.output("stderr", err.Error())
		}
	}()
	return nil
}

func (h *handler) onContinue(req *dap.ContinueRequest) {
	resp := &dap.ContinueResponse{}
	resp.Response = h.newResponse(req.Seq, req.Command)
	err := h.step(req.Arguments.ThreadId, (*debugger.BreakSession).Resume)
	if err != nil {
		h.fail(&resp.Response, err)
	}
	h.send(resp)
}

func (h *handler) onNext(req *dap.NextRequest) {
	resp := &dap.NextResponse{}
	resp.Response = h.newResponse(req.Seq, req.Command)
	if err := h.step(req.Arguments.ThreadId, (*debugger.BreakSession).StepOver); err != nil {
		h.fail(&resp.Response, err)
	}
	h.send(resp)
}

func (h *handler) onStepIn(req *dap.StepInRequest) {
	resp := &dap.StepInResponse{}
	resp.Response = h.newResponse(req.Seq, req.Command)
	if err := h.step(req.Arguments.ThreadId, (*debugger.BreakSession).StepIn); err != nil {
		h.fail(&resp.Response, err)
	}
	h.send(resp)
}

func (h *handler) onStepOut(req *dap.StepOutRequest) {
	resp := &dap.StepOutResponse{}
	resp.Response = h.newResponse(req.Seq, req.Command)
	if err := h.step(req.Arguments.ThreadId, (*debugger.BreakSession).StepOut); err != nil {
		h.fail(&resp.Response, err)
	}
	h.send(resp)
}

// onEvaluate looks a variable up in the frame, or with a "goto " prefix
// runs the frame's thread to a location.
func (h *handler) onEvaluate(req *dap.EvaluateRequest) {
	resp := &dap.EvaluateResponse{}
	resp.Response = h.newResponse(req.Seq, req.Command)

	sessionID, _ := splitFrameID(req.Arguments.FrameId)
	if req.Arguments.FrameId == 0 {
		if s := h.engine.ActiveSession(); s != nil {
			sessionID = s.ID()
		}
	}
	s := h.session(sessionID)
	if s == nil {
		h.fail(&resp.Response, debugger.ErrNoActiveSession)
		h.send(resp)
		return
	}
	expr := strings.TrimSpace(req.Arguments.Expression)
	if spec, ok := strings.CutPrefix(expr, gotoPrefix); ok {
		if err := h.step(s.ID(), func(s *debugger.BreakSession) *future.Future[*debugger.BreakSession] {
			return s.StepToLocation(spec)
		}); err != nil {
			h.fail(&resp.Response, err)
		}
		h.send(resp)
		return
	}
	for _, v := range s.Info().Vars {
		if v.Name == strings.TrimPrefix(expr, "$") {
			resp.Body.Result = v.Value
			resp.Body.Type = v.Type
			h.send(resp)
			return
		}
	}
	h.fail(&resp.Response, fmt.Errorf("no variable %q in the selected frame", expr))
	h.send(resp)
}

func (h *handler) onTerminate(req *dap.TerminateRequest) {
	resp := &dap.TerminateResponse{}
	resp.Response = h.newResponse(req.Seq, req.Command)
	if p := h.engine.ActiveProcess(); p != nil {
		if err := p.Terminate(); err != nil {
			h.fail(&resp.Response, err)
		}
	}
	h.send(resp)
}

func (h *handler) onDisconnect(req *dap.DisconnectRequest) {
	resp := &dap.DisconnectResponse{}
	resp.Response = h.newResponse(req.Seq, req.Command)
	h.send(resp)

	if req.Arguments != nil && req.Arguments.TerminateDebuggee {
		for _, p := range h.engine.Processes() {
			if err := p.Terminate(); err != nil {
				h.log.WithError(err).WithField("process", p.ID()).Warn("terminate")
			}
		}
	}

	// Send terminated event.
	h.send(&dap.TerminatedEvent{
		Event: h.newEvent("terminated"),
	})
	h.server.close()
}

// onEvent forwards engine events to the client. It runs on the engine's
// event loop.
func (h *handler) onEvent(ev debugger.Event) {
	switch ev.Type {
	case debugger.EventProcessStarted:
		h.output("console", fmt.Sprintf("debugging %s\n", ev.ProcessID))
		go h.restoreBreakpoints(ev.ProcessID)
	case debugger.EventProcessEnded:
		h.mu.Lock()
		delete(h.stepping, ev.ProcessID)
		h.mu.Unlock()
		h.output("console", fmt.Sprintf("%s ended\n", ev.ProcessID))
	case debugger.EventSessionStarted:
		h.send(&dap.ThreadEvent{
			Event: h.newEvent("thread"),
			Body:  dap.ThreadEventBody{Reason: "started", ThreadId: ev.SessionID},
		})
		reason := "breakpoint"
		h.mu.Lock()
		if h.stepping[ev.ProcessID] {
			reason = "step"
			delete(h.stepping, ev.ProcessID)
		}
		h.mu.Unlock()
		evt := &dap.StoppedEvent{Event: h.newEvent("stopped")}
		evt.Body.Reason = reason
		evt.Body.ThreadId = ev.SessionID
		evt.Body.Description = ev.ProcessID + " thread " + ev.Thread
		h.send(evt)
	case debugger.EventSessionEnded:
		h.send(&dap.ThreadEvent{
			Event: h.newEvent("thread"),
			Body:  dap.ThreadEventBody{Reason: "exited", ThreadId: ev.SessionID},
		})
	}
}

func (h *handler) output(category, text string) {
	h.send(&dap.OutputEvent{
		Event: h.newEvent("output"),
		Body:  dap.OutputEventBody{Category: category, Output: text},
	})
}

// --- helpers ---

func (h *handler) newResponse(reqSeq int, command string) dap.Response {
	return dap.Response{
		ProtocolMessage: dap.ProtocolMessage{Seq: h.server.nextSeq(), Type: "response"},
		RequestSeq:      reqSeq,
		Success:         true,
		Command:         command,
	}
}

func (h *handler) fail(resp *dap.Response, err error) {
	resp.Success = false
	resp.Message = err.Error()
}

func (h *handler) newEvent(event string) dap.Event {
	return dap.Event{
		ProtocolMessage: dap.ProtocolMessage{Seq: h.server.nextSeq(), Type: "event"},
		Event:           event,
	}
}
