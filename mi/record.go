// Copyright © 2018 The ELPS authors

// Package mi parses the line-oriented output of a debugger speaking the
// GDB machine interface.
//
// Each line is one record. Format details:
// https://sourceware.org/gdb/onlinedocs/gdb/GDB_002fMI-Output-Syntax.html
package mi

import (
	"fmt"
	"strconv"
)

// Type selects the kind of record, from its leading character.
type Type int

const (
	TypeUnknown Type = iota
	TypeResult       // ^
	TypeExec         // *
	TypeStatus       // +
	TypeNotify       // =
	TypeConsole      // ~
	TypeTarget       // @
	TypeLog          // &
	TypeEnd          // (gdb)
)

func (t Type) String() string {
	switch t {
	case TypeResult:
		return "result"
	case TypeExec:
		return "exec"
	case TypeStatus:
		return "status"
	case TypeNotify:
		return "notify"
	case TypeConsole:
		return "console"
	case TypeTarget:
		return "target"
	case TypeLog:
		return "log"
	case TypeEnd:
		return "end"
	}
	return "unknown"
}

// Async reports whether records of this type are unsolicited notifications
// rather than replies.
func (t Type) Async() bool {
	return t == TypeExec || t == TypeStatus || t == TypeNotify
}

// Stream reports whether records of this type carry a text stream.
func (t Type) Stream() bool {
	return t == TypeConsole || t == TypeTarget || t == TypeLog
}

// Tuple is an unordered set of named values. Values are string, Tuple or
// List.
type Tuple map[string]any

// List is an ordered sequence whose elements are either values or Result
// pairs.
type List []any

// Result is a named value inside a List.
type Result struct {
	Name  string
	Value any
}

// Record is one parsed line.
type Record struct {
	Token  string
	Type   Type
	Class  string
	Data   Tuple
	Stream string
	Raw    string
	Err    error
}

// ErrorMsg returns the msg field of an error result.
func (r *Record) ErrorMsg() string {
	return r.Data.Str("msg")
}

// ParseError describes the first structural mismatch in a line.
type ParseError struct {
	Elem     string
	Expected string
	Found    string
	Pos      int
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed %s, expected %s, found %s at %d", e.Elem, e.Expected, e.Found, e.Pos)
}

// Str returns the string value under key, or "".
func (t Tuple) Str(key string) string {
	s, _ := t[key].(string)
	return s
}

// Int returns the value under key parsed as an integer, or def.
func (t Tuple) Int(key string, def int) int {
	n, err := strconv.Atoi(t.Str(key))
	if err != nil {
		return def
	}
	return n
}

// Tuple returns the tuple under key, or nil.
func (t Tuple) Tuple(key string) Tuple {
	v, _ := t[key].(Tuple)
	return v
}

// List returns the list under key, or nil.
func (t Tuple) List(key string) List {
	v, _ := t[key].(List)
	return v
}

// Values returns the list elements with Result names stripped.
func (l List) Values() []any {
	out := make([]any, len(l))
	for i, v := range l {
		if r, ok := v.(Result); ok {
			v = r.Value
		}
		out[i] = v
	}
	return out
}

// Tuples returns the elements that are tuples, named or not.
func (l List) Tuples() []Tuple {
	var out []Tuple
	for _, v := range l.Values() {
		if t, ok := v.(Tuple); ok {
			out = append(out, t)
		}
	}
	return out
}

// Quote renders s as a c-string suitable for a command argument.
func Quote(s string) string {
	var b []byte
	b = append(b, '"')
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '"', '\\':
			b = append(b, '\\', c)
		case '\n':
			b = append(b, '\\', 'n')
		case '\t':
			b = append(b, '\\', 't')
		default:
			b = append(b, c)
		}
	}
	b = append(b, '"')
	return string(b)
}
