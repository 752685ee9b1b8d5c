// Copyright © 2018 The ELPS authors

package debugger

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/luthersystems/shdbg/breakpoint"
)

// Disposable releases a UI resource handed out by a Host.
type Disposable = breakpoint.Disposable

// DisposeFunc adapts a function to Disposable.
type DisposeFunc func()

func (f DisposeFunc) Dispose() {
	if f != nil {
		f()
	}
}

// Host is the collaborator that presents the engine's state. Every method
// is called on the engine's event loop and must not call back into the
// engine synchronously; a host that needs to drive the engine from a
// callback must do so from another goroutine.
type Host interface {
	// FileExists reports whether source for path is available.
	FileExists(path string) bool
	// Notify surfaces an informational message.
	Notify(msg string)
	// Warn surfaces a problem the user should see.
	Warn(msg string)
	// ShowLocation displays file at line. The hint is the command being
	// executed there, when the backend knows it. The returned handle is
	// released when the break session ends.
	ShowLocation(file string, line int, hint string) (Disposable, error)
	// MarkBreakpoint decorates one rendered location of a breakpoint.
	MarkBreakpoint(bp BreakpointInfo, loc breakpoint.Resolved) Disposable
	// StackChanged is called after a session's stack or selected frame
	// changes.
	StackChanged(s SessionInfo)
	// VarsChanged is called after a session's variables change.
	VarsChanged(s SessionInfo)
}

// EventType identifies the kind of engine event.
type EventType int

const (
	// EventProcessStarted indicates a process was registered.
	EventProcessStarted EventType = iota
	// EventProcessEnded indicates a process was destroyed.
	EventProcessEnded
	// EventSessionStarted indicates a thread stopped.
	EventSessionStarted
	// EventSessionEnded indicates a stopped thread resumed or vanished.
	EventSessionEnded
	// EventActivated indicates the active process or session changed.
	EventActivated
)

func (t EventType) String() string {
	switch t {
	case EventProcessStarted:
		return "process-started"
	case EventProcessEnded:
		return "process-ended"
	case EventSessionStarted:
		return "session-started"
	case EventSessionEnded:
		return "session-ended"
	case EventActivated:
		return "activated"
	}
	return "unknown"
}

// Event is sent to the event callback when the engine state changes.
type Event struct {
	Type      EventType
	ProcessID string
	SessionID int // zero for process events
	Thread    string
}

// EventCallback is called on the event loop, so it must not block.
type EventCallback func(Event)

// StackFrame is one frame of a stopped thread, innermost first.
type StackFrame struct {
	Level    int
	File     string
	Line     int
	Function string
	// Hint is the command text executing in this frame, if known.
	Hint string
	// Loc is a short display form of the location.
	Loc string
	// Raw is the backend's own description of the frame.
	Raw any
}

// Source returns the text of the frame's line, read from disk.
func (f StackFrame) Source() (string, error) {
	if f.File == "" || f.Line <= 0 {
		return "", fmt.Errorf("frame %d has no source location", f.Level)
	}
	b, err := os.ReadFile(f.File)
	if err != nil {
		return "", err
	}
	lines := strings.Split(string(b), "\n")
	if f.Line > len(lines) {
		return "", fmt.Errorf("%s has no line %d", f.File, f.Line)
	}
	return lines[f.Line-1], nil
}

func shortLoc(file string, line int) string {
	if file == "" {
		return "<unknown>"
	}
	if i := strings.LastIndexByte(file, '/'); i >= 0 {
		file = file[i+1:]
	}
	return file + "(" + strconv.Itoa(line) + ")"
}

// Scope tags for variables.
const (
	ScopeArg   = "arg"
	ScopeLocal = "local"
)

// Variable is a named value visible in the selected frame.
type Variable struct {
	Name  string
	Type  string
	Value string
	Scope string
}

var controlUnescaper = strings.NewReplacer(`\n`, "\n", `\t`, "\t")

// unescapeControl turns escaped newlines and tabs in a debugger value
// back into the characters they stand for.
func unescapeControl(s string) string {
	return controlUnescaper.Replace(s)
}

// BreakpointInfo describes a breakpoint and its render state.
type BreakpointInfo struct {
	Location  breakpoint.Location
	Spec      string
	Temp      bool
	Enabled   bool
	Condition string
	ID        string
	Locations []breakpoint.Resolved
	Err       string
}

func breakpointInfo(bp *breakpoint.Breakpoint) BreakpointInfo {
	info := BreakpointInfo{
		Location:  bp.Location,
		Spec:      bp.Spec,
		Temp:      bp.Temp,
		Enabled:   bp.Enabled,
		Condition: bp.Condition,
		ID:        bp.ID,
		Locations: append([]breakpoint.Resolved(nil), bp.Locations...),
	}
	if bp.Err != nil {
		info.Err = bp.Err.Error()
	}
	return info
}

// SessionInfo is a copy of a break session's state.
type SessionInfo struct {
	ID        int
	ProcessID string
	Thread    string
	PID       int
	TopPID    int
	Frames    []StackFrame
	Current   int
	Vars      []Variable
	Pstree    string
	Settled   bool
	Destroyed bool
}

// CurrentFrame returns the selected frame, if there is one.
func (s SessionInfo) CurrentFrame() (StackFrame, bool) {
	if s.Current < 0 || s.Current >= len(s.Frames) {
		return StackFrame{}, false
	}
	return s.Frames[s.Current], true
}

// ProcessInfo is a copy of a process's state.
type ProcessInfo struct {
	ID          string
	Name        string
	PID         int
	Backend     BackendKind
	Active      bool
	ActiveID    int
	Sessions    []SessionInfo
	Breakpoints []BreakpointInfo
	Libraries   []string
	Waiting     []string
}

// Snapshot is a copy of the whole engine state, for introspection.
type Snapshot struct {
	ActiveProcess string
	Processes     []ProcessInfo
	Lookups       []string
	ListenPipe    string
	GdbRunning    bool
}
