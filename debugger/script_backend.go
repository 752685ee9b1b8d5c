// Copyright © 2018 The ELPS authors

package debugger

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/luthersystems/shdbg/breakpoint"
	"github.com/luthersystems/shdbg/pipeproto"
	"github.com/tidwall/gjson"
	"github.com/yosuke-furukawa/json5/encoding/json5"
)

// ScriptProcessID returns the registry key of a script process.
func ScriptProcessID(pid int) string {
	return "bash:" + strconv.Itoa(pid)
}

// scriptBackend drives a script that sources the debugger support code.
// The process pipe pair carries lifecycle messages; every stop opens its
// own session pipe pair for stack, variables and step commands.
type scriptBackend struct {
	e    *Engine
	proc *Process
	ch   *pipeproto.Channel
}

var scriptStepWords = map[StepKind]string{
	StepIn:   "stepIn",
	StepOver: "stepOver",
	StepOut:  "stepOut",
	Resume:   "resume",
}

func (e *Engine) startScriptProcess(h pipeproto.Hello) error {
	id := ScriptProcessID(h.PID)
	if _, ok := e.procs[id]; ok {
		return fmt.Errorf("process %s is already being debugged", id)
	}
	in, out := pipeproto.SessionPaths(h.PipeName)
	b := &scriptBackend{e: e}
	p := e.newProcess(id, h.Name, h.PID, b)
	b.proc = p
	b.ch = pipeproto.NewChannel(in, out, pipeproto.WithLogger(p.log))
	b.ch.Subscribe(pipeproto.HandlerFuncs{
		OnMessage: func(m pipeproto.Message) {
			e.post(func() { b.processMessage(m) })
		},
		OnEnd: func() {
			e.post(p.destroy)
		},
	})
	if err := b.ch.Start(); err != nil {
		return err
	}
	e.addProcess(p)
	return nil
}

func (b *scriptBackend) Kind() BackendKind { return BackendScript }

func (b *scriptBackend) processMessage(m pipeproto.Message) {
	p := b.proc
	if p.destroyed {
		return
	}
	switch m.Kind {
	case pipeproto.KindEnter:
		enter, err := pipeproto.DecodeEnter(m)
		if err != nil {
			p.log.WithError(err).Warn("drop message")
			return
		}
		s := p.newSession(strconv.Itoa(enter.PID), enter.PID, enter.TopPID)
		s.file = enter.File
		s.line = enter.Line
		s.cmd = enter.Cmd
		s.sessionPipe = enter.SessionPipe
		p.addSession(s)
	case pipeproto.KindGoodbyeFrom:
		b.e.host.Notify(fmt.Sprintf("The '%s' script has disconnected from the debugger", p.name))
		p.destroy()
	case pipeproto.KindScriptEnded:
		b.e.host.Notify(fmt.Sprintf("The '%s' script has ended", p.name))
		p.destroy()
	case pipeproto.KindAttachToGdb:
		b.e.onAttachToGdb(m)
	default:
		if p.active == nil {
			if err := m.Check(); err != nil {
				p.log.WithError(err).Warn("drop message")
				return
			}
			p.log.WithField("cmd", m.Cmd).Debug("no active session for message")
			return
		}
		b.sessionMessage(p.active, m)
	}
}

func (b *scriptBackend) sessionMessage(s *BreakSession, m pipeproto.Message) {
	if s.destroyed {
		return
	}
	switch m.Kind {
	case pipeproto.KindPstree:
		s.pstree = m.ArgsRaw
	case pipeproto.KindStack:
		s.setStack(decodeScriptStack(m.ArgsRaw))
	case pipeproto.KindVars:
		s.setVars(decodeScriptVars(m.ArgsRaw))
	case pipeproto.KindLeave:
		s.destroy()
	default:
		if err := m.Check(); err != nil {
			s.proc.log.WithError(err).Warn("drop message")
			return
		}
		s.proc.log.WithField("cmd", m.Cmd).Debug("message not expected in a break session")
	}
}

// Attach opens the session's own pipe pair.
func (b *scriptBackend) Attach(s *BreakSession) error {
	if s.sessionPipe == "" {
		return fmt.Errorf("session %d has no pipe", s.id)
	}
	in, out := pipeproto.SessionPaths(s.sessionPipe)
	ch := pipeproto.NewChannel(in, out, pipeproto.WithLogger(b.proc.log.WithField("session", s.id)))
	ch.Subscribe(pipeproto.HandlerFuncs{
		OnMessage: func(m pipeproto.Message) {
			b.e.post(func() { b.sessionMessage(s, m) })
		},
		OnEnd: func() {
			b.e.post(s.destroy)
		},
	})
	if err := ch.Start(); err != nil {
		return err
	}
	s.channel = ch
	return nil
}

func (b *scriptBackend) Detach(s *BreakSession) {
	if s.channel == nil {
		return
	}
	if err := s.channel.Close(); err != nil {
		b.proc.log.WithError(err).WithField("session", s.id).Debug("close session pipe")
	}
}

func (b *scriptBackend) IssueStep(s *BreakSession, kind StepKind, done func(error)) {
	word, ok := scriptStepWords[kind]
	if !ok || s.channel == nil {
		done(ErrUnsupported)
		return
	}
	done(s.channel.Send(word))
}

func (b *scriptBackend) StepOutToFrame(_ *BreakSession, _ int, done func(error)) {
	done(ErrUnsupported)
}

func (b *scriptBackend) RequestFrameVariables(s *BreakSession, frame int) {
	if s.channel == nil {
		return
	}
	if err := s.channel.Send("getFrmVars", strconv.Itoa(frame)); err != nil {
		b.proc.log.WithError(err).WithField("session", s.id).Warn("request frame variables")
	}
}

func (b *scriptBackend) RenderBreakpoint(_ *breakpoint.Breakpoint, done func(error)) {
	done(ErrUnsupported)
}

func (b *scriptBackend) UnrenderBreakpoint(_ *breakpoint.Breakpoint, done func(error)) {
	done(nil)
}

func (b *scriptBackend) Exit() error {
	return b.ch.Send("exit")
}

func (b *scriptBackend) Close() error {
	return b.ch.Close()
}

// decodeScriptStack reads the stack message payload, a JSON array of
// frames, innermost first.
func decodeScriptStack(raw string) []StackFrame {
	frames := []StackFrame{}
	res := parseRelaxed(raw)
	if !res.IsArray() {
		return frames
	}
	for i, f := range res.Array() {
		frame := StackFrame{
			Level:    i,
			File:     f.Get("cmdFile").String(),
			Line:     int(f.Get("cmdLineNo").Int()),
			Function: f.Get("caller").String(),
			Hint:     f.Get("cmdLine").String(),
			Loc:      f.Get("cmdLoc").String(),
			Raw:      f.Raw,
		}
		if lvl := f.Get("level"); lvl.Exists() {
			frame.Level = int(lvl.Int())
		}
		if frame.Loc == "" {
			frame.Loc = shortLoc(frame.File, frame.Line)
		}
		frames = append(frames, frame)
	}
	return frames
}

// decodeScriptVars reads the vars message payload. It is either an array
// of {name, type, value, scope} objects or a plain name to value object.
func decodeScriptVars(raw string) []Variable {
	vars := []Variable{}
	res := parseRelaxed(raw)
	switch {
	case res.IsArray():
		for _, v := range res.Array() {
			scope := v.Get("scope").String()
			if scope == "" {
				scope = ScopeLocal
			}
			vars = append(vars, Variable{
				Name:  v.Get("name").String(),
				Type:  v.Get("type").String(),
				Value: unescapeControl(v.Get("value").String()),
				Scope: scope,
			})
		}
	case res.IsObject():
		res.ForEach(func(k, v gjson.Result) bool {
			vars = append(vars, Variable{
				Name:  k.String(),
				Value: unescapeControl(v.String()),
				Scope: ScopeLocal,
			})
			return true
		})
	}
	return vars
}

// parseRelaxed parses a script payload. Scripts may emit JSON5 (unquoted
// keys, single quotes, trailing commas); such payloads are rewritten as
// strict JSON first. Object keys come back sorted in that case.
func parseRelaxed(raw string) gjson.Result {
	if gjson.Valid(raw) {
		return gjson.Parse(raw)
	}
	var v any
	if err := json5.Unmarshal([]byte(raw), &v); err != nil {
		return gjson.Result{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return gjson.Result{}
	}
	return gjson.ParseBytes(b)
}
