// Copyright © 2018 The ELPS authors

package debugger

import (
	"github.com/luthersystems/shdbg/breakpoint"
)

// BackendKind tags the debugger driving a process.
type BackendKind int

const (
	// BackendScript is a script cooperating over named pipes.
	BackendScript BackendKind = iota
	// BackendGdb is a native process under gdb.
	BackendGdb
)

func (k BackendKind) String() string {
	switch k {
	case BackendScript:
		return "script"
	case BackendGdb:
		return "gdb"
	}
	return "unknown"
}

// StepKind selects an execution command.
type StepKind int

const (
	StepIn StepKind = iota
	StepOver
	StepOut
	Resume
)

func (k StepKind) String() string {
	switch k {
	case StepIn:
		return "step-in"
	case StepOver:
		return "step-over"
	case StepOut:
		return "step-out"
	case Resume:
		return "resume"
	}
	return "unknown"
}

// Backend is what a process needs from the debugger driving it. Methods
// are called on the event loop. Completion callbacks must also be invoked
// on the loop, and at most once.
type Backend interface {
	Kind() BackendKind

	// Attach prepares a new session, typically by requesting its stack.
	Attach(s *BreakSession) error
	// Detach releases what Attach acquired.
	Detach(s *BreakSession)

	// IssueStep sends an execution command for the session's thread.
	IssueStep(s *BreakSession, kind StepKind, done func(error))
	// StepOutToFrame runs until the frame at level is the innermost.
	StepOutToFrame(s *BreakSession, level int, done func(error))
	// RequestFrameVariables asks for the variables of a frame. They are
	// delivered through BreakSession.setVars.
	RequestFrameVariables(s *BreakSession, frame int)

	RenderBreakpoint(bp *breakpoint.Breakpoint, done func(error))
	UnrenderBreakpoint(bp *breakpoint.Breakpoint, done func(error))

	// Exit asks the debugged process to end or lets it go.
	Exit() error
	// Close releases the backend when its process is destroyed.
	Close() error
}
