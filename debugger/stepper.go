// Copyright © 2018 The ELPS authors

package debugger

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/luthersystems/shdbg/breakpoint"
	"github.com/luthersystems/shdbg/future"
)

// Location directives understood by StepToLocation.
const (
	FrameFuncPrefix   = "frmShFunc:"
	OutsideTrapPrefix = "outsideTrap:"
)

var frameFuncOffset = regexp.MustCompile(`^([+-]\d+)\s+(.*)$`)

// StepToLocation runs the thread to a location and returns its next stop.
//
//	frmShFunc:[(+|-)N ]<prefix>   run until the nearest frame whose shell
//	                              command (or function) starts with
//	                              prefix, offset by N, is innermost
//	outsideTrap:<SIG> <bpspec>    run to bpspec, but not while the SIG
//	                              trap handler is running
//	<bpspec>                      run to a temporary breakpoint
func (s *BreakSession) StepToLocation(spec string) *future.Future[*BreakSession] {
	return callFuture(s.proc.e, func() *future.Future[*BreakSession] { return s.stepToLocation(spec) })
}

func (s *BreakSession) stepToLocation(spec string) *future.Future[*BreakSession] {
	if s.destroyed {
		return future.Rejected[*BreakSession](ErrSessionDestroyed)
	}
	spec = strings.TrimSpace(spec)
	switch {
	case strings.HasPrefix(spec, FrameFuncPrefix):
		level, err := s.frameLevel(strings.TrimPrefix(spec, FrameFuncPrefix))
		if err != nil {
			return future.Rejected[*BreakSession](err)
		}
		return s.stepOutToFrame(level)
	case strings.HasPrefix(spec, OutsideTrapPrefix):
		bp, err := s.proc.e.outsideTrap(strings.TrimPrefix(spec, OutsideTrapPrefix))
		if err != nil {
			return future.Rejected[*BreakSession](err)
		}
		return s.runToBreakpoint(bp)
	default:
		bp, err := breakpoint.Parse(spec)
		if err != nil {
			return future.Rejected[*BreakSession](err)
		}
		bp.Temp = true
		return s.runToBreakpoint(bp)
	}
}

// frameLevel finds the target frame of a frmShFunc directive.
func (s *BreakSession) frameLevel(arg string) (int, error) {
	offset := 0
	prefix := strings.TrimSpace(arg)
	if m := frameFuncOffset.FindStringSubmatch(prefix); m != nil {
		n, err := strconv.Atoi(strings.TrimPrefix(m[1], "+"))
		if err != nil {
			return 0, err
		}
		offset = n
		prefix = m[2]
	}
	if prefix == "" {
		return 0, fmt.Errorf("%w: empty prefix", ErrNoMatchingFrame)
	}
	for i, f := range s.frames {
		if !strings.HasPrefix(frameCommand(f), prefix) {
			continue
		}
		target := i + offset
		if target < 0 || target >= len(s.frames) {
			return 0, fmt.Errorf("%w: %q offset %d leaves the stack", ErrNoMatchingFrame, prefix, offset)
		}
		return s.frames[target].Level, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrNoMatchingFrame, prefix)
}

// frameCommand is the text a frmShFunc prefix is matched against: the
// shell command a decorated frame runs, else its function name.
func frameCommand(f StackFrame) string {
	if f.Hint != "" {
		return f.Hint
	}
	return f.Function
}

// outsideTrap builds the temporary breakpoint for an outsideTrap
// directive: "<SIG> <bpspec>".
func (e *Engine) outsideTrap(arg string) (*breakpoint.Breakpoint, error) {
	arg = strings.TrimSpace(arg)
	sig, rest, _ := strings.Cut(arg, " ")
	num, ok := e.trap.Signals[strings.TrimPrefix(strings.ToUpper(sig), "SIG")]
	if !ok {
		n, err := strconv.Atoi(sig)
		if err != nil {
			return nil, &UnknownSignalError{Signal: sig}
		}
		num = n
	}
	bp, err := breakpoint.Parse(strings.TrimSpace(rest))
	if err != nil {
		return nil, err
	}
	bp.Temp = true
	bp.Condition = fmt.Sprintf(e.trap.Condition, num)
	return bp, nil
}

// runToBreakpoint installs bp and resumes. bp is not added to the
// process's breakpoint list; gdb drops it when it is hit.
func (s *BreakSession) runToBreakpoint(bp *breakpoint.Breakpoint) *future.Future[*BreakSession] {
	out := future.New[*BreakSession]()
	s.proc.backend.RenderBreakpoint(bp, func(err error) {
		if err != nil {
			out.Reject(&BreakpointRenderError{Location: bp.Location, Err: err})
			return
		}
		if s.destroyed {
			out.Reject(ErrSessionDestroyed)
			return
		}
		forward(s.step(Resume), out)
	})
	return out
}
