// Copyright © 2018 The ELPS authors

package dapserver

import (
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/google/go-dap"
	"github.com/luthersystems/shdbg/debugger"
)

// maxFrames bounds the frame levels a frame id can encode.
const maxFrames = 1 << 12

// frameID encodes a session id and frame level into a DAP frame id.
// Frame ids are 1-based so that zero never names a frame.
func frameID(session, level int) int {
	return session*maxFrames + level + 1
}

func splitFrameID(id int) (session, level int) {
	id--
	return id / maxFrames, id % maxFrames
}

// scopeRef encodes a frame id and scope into a variables reference.
func scopeRef(frame int, scope string) int {
	ref := frame * 2
	if scope == debugger.ScopeLocal {
		ref++
	}
	return ref
}

func splitScopeRef(ref int) (frame int, scope string) {
	if ref%2 == 1 {
		return ref / 2, debugger.ScopeLocal
	}
	return ref / 2, debugger.ScopeArg
}

// translateStackFrames converts a session's frames to DAP stack frames,
// innermost first like the session's own.
func translateStackFrames(s debugger.SessionInfo) []dap.StackFrame {
	frames := make([]dap.StackFrame, 0, len(s.Frames))
	for _, f := range s.Frames {
		sf := dap.StackFrame{
			Id:   frameID(s.ID, f.Level),
			Name: frameName(f),
			Line: f.Line,
		}
		// gdb reports a full path only for sources it found.
		switch {
		case filepath.IsAbs(f.File):
			sf.Source = &dap.Source{Name: filepath.Base(f.File), Path: f.File}
		case f.File != "":
			sf.Source = &dap.Source{Name: filepath.Base(f.File)}
			sf.PresentationHint = "subtle"
		default:
			sf.PresentationHint = "subtle"
		}
		frames = append(frames, sf)
	}
	return frames
}

func frameName(f debugger.StackFrame) string {
	name := f.Function
	if name == "" {
		name = "<unknown>"
	}
	if f.Hint != "" {
		name += " [" + f.Hint + "]"
	}
	return name
}

// translateVariables converts the variables of one scope.
func translateVariables(vars []debugger.Variable, scope string) []dap.Variable {
	out := []dap.Variable{}
	for _, v := range vars {
		if v.Scope != scope {
			continue
		}
		out = append(out, dap.Variable{
			Name:  v.Name,
			Value: v.Value,
			Type:  v.Type,
		})
	}
	return out
}

// translateBreakpoint reports a breakpoint's render state.
func translateBreakpoint(info debugger.BreakpointInfo, err error) dap.Breakpoint {
	bp := dap.Breakpoint{
		Line:     info.Location.Line,
		Verified: err == nil && info.ID != "",
	}
	if id, cerr := strconv.Atoi(info.ID); cerr == nil {
		bp.Id = id
	}
	if info.Location.File != "" {
		bp.Source = &dap.Source{Name: filepath.Base(info.Location.File), Path: info.Location.File}
	}
	if len(info.Locations) > 0 {
		loc := info.Locations[0]
		if loc.Line > 0 {
			bp.Line = loc.Line
		}
		if path := loc.Path(); path != "" {
			bp.Source = &dap.Source{Name: filepath.Base(path), Path: path}
		}
	}
	switch {
	case err != nil:
		bp.Message = err.Error()
	case info.Err != "":
		bp.Message = info.Err
	}
	return bp
}

func threadName(p debugger.ProcessInfo, s debugger.SessionInfo) string {
	return fmt.Sprintf("%s (pid %d) thread %s", p.Name, s.PID, s.Thread)
}
