// Copyright © 2018 The ELPS authors

package pipeproto

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind is the closed set of command words understood on script pipes.
type Kind int

const (
	KindUnknown Kind = iota

	// Script to debugger.
	KindEnter
	KindLeave
	KindStack
	KindVars
	KindPstree
	KindHelloFrom
	KindGoodbyeFrom
	KindScriptEnded
	KindPing
	KindAttachToGdb

	// Debugger to script.
	KindStepIn
	KindStepOver
	KindStepOut
	KindResume
	KindGetFrmVars
	KindExit
	KindPong
)

var kindWords = map[string]Kind{
	"enter":       KindEnter,
	"leave":       KindLeave,
	"stack":       KindStack,
	"vars":        KindVars,
	"pstree":      KindPstree,
	"helloFrom":   KindHelloFrom,
	"goodbyeFrom": KindGoodbyeFrom,
	"scriptEnded": KindScriptEnded,
	"ping":        KindPing,
	"attachToGdb": KindAttachToGdb,
	"stepIn":      KindStepIn,
	"stepOver":    KindStepOver,
	"stepOut":     KindStepOut,
	"resume":      KindResume,
	"getFrmVars":  KindGetFrmVars,
	"exit":        KindExit,
	"pong":        KindPong,
}

func (k Kind) String() string {
	for w, kk := range kindWords {
		if kk == k {
			return w
		}
	}
	return "unknown"
}

// Message is one framed pipe message.
type Message struct {
	Raw     string
	Cmd     string
	ArgsRaw string
	Args    []string
	Kind    Kind
}

// ParseMessage splits raw into its command word and arguments. The command
// ends at the first whitespace run; the remainder is split on single spaces
// and may itself contain newlines.
func ParseMessage(raw string) Message {
	m := Message{Raw: raw}
	s := strings.TrimLeft(raw, " \t\n")
	i := strings.IndexAny(s, " \t\n")
	if i < 0 {
		m.Cmd = s
	} else {
		m.Cmd = s[:i]
		m.ArgsRaw = strings.TrimLeft(s[i:], " \t\n")
	}
	if m.ArgsRaw != "" {
		m.Args = strings.Split(m.ArgsRaw, " ")
	}
	m.Kind = kindWords[m.Cmd]
	return m
}

// Check returns an *UnrecognizedMessageError when the command word is not
// one of the known kinds.
func (m Message) Check() error {
	if m.Kind == KindUnknown {
		return &UnrecognizedMessageError{Cmd: m.Cmd, Raw: m.Raw}
	}
	return nil
}

// Format renders an outbound message including its delimiter.
func Format(cmd string, args ...string) string {
	if len(args) == 0 {
		return cmd + Delimiter
	}
	return cmd + " " + strings.Join(args, " ") + Delimiter
}

// UnrecognizedMessageError reports a command word outside the known kinds.
type UnrecognizedMessageError struct {
	Cmd string
	Raw string
}

func (e *UnrecognizedMessageError) Error() string {
	return fmt.Sprintf("unrecognized message %q", e.Cmd)
}

// ParseError reports a known message whose arguments are malformed.
type ParseError struct {
	Kind Kind
	Raw  string
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed %s message: %s", e.Kind, e.Msg)
}

// Enter is the decoded form of an enter message, sent each time a script
// stops in the debug trap.
type Enter struct {
	SessionPipe string
	TopPID      int
	PID         int
	File        string
	Line        int
	Cmd         string
}

// Hello is the decoded form of a helloFrom message.
type Hello struct {
	PipeName string
	PID      int
	Name     string
}

// Ping is the decoded form of a ping message.
type Ping struct {
	ReplyPipe string
	PID       int
}

// DecodeEnter decodes an enter message.
func DecodeEnter(m Message) (Enter, error) {
	if len(m.Args) < 5 {
		return Enter{}, m.perr("expected at least 5 arguments, got %d", len(m.Args))
	}
	var e Enter
	var err error
	e.SessionPipe = m.Args[0]
	if e.TopPID, err = strconv.Atoi(m.Args[1]); err != nil {
		return Enter{}, m.perr("bad top pid %q", m.Args[1])
	}
	if e.PID, err = strconv.Atoi(m.Args[2]); err != nil {
		return Enter{}, m.perr("bad pid %q", m.Args[2])
	}
	e.File = m.Args[3]
	if e.Line, err = strconv.Atoi(m.Args[4]); err != nil {
		return Enter{}, m.perr("bad line %q", m.Args[4])
	}
	e.Cmd = strings.Join(m.Args[5:], " ")
	return e, nil
}

// DecodeHello decodes a helloFrom message.
func DecodeHello(m Message) (Hello, error) {
	if len(m.Args) < 2 {
		return Hello{}, m.perr("expected at least 2 arguments, got %d", len(m.Args))
	}
	pid, err := strconv.Atoi(m.Args[1])
	if err != nil {
		return Hello{}, m.perr("bad pid %q", m.Args[1])
	}
	return Hello{PipeName: m.Args[0], PID: pid, Name: strings.Join(m.Args[2:], " ")}, nil
}

// DecodePing decodes a ping message.
func DecodePing(m Message) (Ping, error) {
	if len(m.Args) < 2 {
		return Ping{}, m.perr("expected 2 arguments, got %d", len(m.Args))
	}
	pid, err := strconv.Atoi(m.Args[1])
	if err != nil {
		return Ping{}, m.perr("bad pid %q", m.Args[1])
	}
	return Ping{ReplyPipe: m.Args[0], PID: pid}, nil
}

// DecodePID decodes a message whose only argument is a pid.
func DecodePID(m Message) (int, error) {
	if len(m.Args) < 1 {
		return 0, m.perr("missing pid")
	}
	pid, err := strconv.Atoi(m.Args[0])
	if err != nil {
		return 0, m.perr("bad pid %q", m.Args[0])
	}
	return pid, nil
}

func (m Message) perr(format string, args ...any) error {
	return &ParseError{Kind: m.Kind, Raw: m.Raw, Msg: fmt.Sprintf(format, args...)}
}
