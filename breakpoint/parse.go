// Copyright © 2018 The ELPS authors

package breakpoint

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"

	parsec "github.com/prataprc/goparsec"
)

// ErrNoLocation rejects a spec made only of modifiers.
var ErrNoLocation = errors.New("no file, line, function or label")

// LocationSpecParseError rejects a whole spec. Pos is the byte offset of
// the first term that could not be read.
type LocationSpecParseError struct {
	Spec      string
	Pos       int
	Remaining string
	Err       error
}

func (e *LocationSpecParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid location spec %q: %v", e.Spec, e.Err)
	}
	return fmt.Sprintf("unrecognized or invalid location spec term in %q at %d: %q", e.Spec, e.Pos, e.Remaining)
}

func (e *LocationSpecParseError) Unwrap() error {
	return e.Err
}

type term struct {
	pattern string
	re      *regexp.Regexp
	apply   func(b *Breakpoint, m []string) error
}

func newTerm(pattern string, apply func(b *Breakpoint, m []string) error) term {
	return term{pattern: pattern, re: regexp.MustCompile(pattern), apply: apply}
}

func flag(set func(b *Breakpoint)) func(b *Breakpoint, m []string) error {
	return func(b *Breakpoint, _ []string) error {
		set(b)
		return nil
	}
}

func atoi(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

// Terms are tried in order; the first whose pattern matches at the
// cursor consumes its text.
var terms = []term{
	// line:<file>[|<line>]
	newTerm(`^line:([^|\s]+)(?:\|([0-9]+))?`, func(b *Breakpoint, m []string) (err error) {
		b.File = m[1]
		b.Line, err = atoi(m[2])
		return err
	}),
	// func:<name>[|<file>]
	newTerm(`^func:([^|\s]+)(?:\|([^|\s]+))?`, func(b *Breakpoint, m []string) error {
		b.Function = m[1]
		b.File = m[2]
		return nil
	}),
	// label:<label>[|<func>[|<file>]]
	newTerm(`^label:([^|\s]+)(?:\|([^|\s]*))?(?:\|([^|\s]+))?`, func(b *Breakpoint, m []string) error {
		b.Label = m[1]
		b.Function = m[2]
		b.File = m[3]
		return nil
	}),
	newTerm(`^--source\s+(\S+)`, func(b *Breakpoint, m []string) error {
		b.File = m[1]
		return nil
	}),
	newTerm(`^--line\s+([0-9]+)`, func(b *Breakpoint, m []string) (err error) {
		b.Line, err = atoi(m[1])
		return err
	}),
	newTerm(`^--function\s+(\S+)`, func(b *Breakpoint, m []string) error {
		b.Function = m[1]
		return nil
	}),
	newTerm(`^--label\s+(\S+)`, func(b *Breakpoint, m []string) error {
		b.Label = m[1]
		return nil
	}),
	newTerm(`^(?:-t|--temp)`, flag(func(b *Breakpoint) { b.Temp = true })),
	newTerm(`^(?:-h|--hardware)`, flag(func(b *Breakpoint) { b.Hardware = true })),
	newTerm(`^(?:-d|--disabled)`, flag(func(b *Breakpoint) { b.Enabled = false })),
	newTerm(`^(?:-c|--condition)\s+('[^']*'|"[^"]*"|\S+)`, func(b *Breakpoint, m []string) error {
		b.Condition = unquote(m[1])
		return nil
	}),
	newTerm(`^(?:-i|--skipCount)\s+([0-9]+)`, func(b *Breakpoint, m []string) (err error) {
		b.SkipCount, err = atoi(m[1])
		return err
	}),
	newTerm(`^(?:-p|--thread-id)\s+(\S+)`, func(b *Breakpoint, m []string) error {
		b.ThreadID = m[1]
		return nil
	}),
}

func unquote(s string) string {
	if len(s) >= 2 && (s[0] == '\'' || s[0] == '"') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

// Parse reads a location spec: whitespace separated terms consumed from
// the front. Any text that is not a complete term rejects the spec, as
// does a spec that names no location.
func Parse(spec string) (*Breakpoint, error) {
	b := &Breakpoint{Spec: spec, Enabled: true}
	if err := b.parseTerms(spec); err != nil {
		return nil, err
	}
	if b.Location == (Location{}) {
		return nil, &LocationSpecParseError{Spec: spec, Pos: len(spec), Err: ErrNoLocation}
	}
	return b, nil
}

// MustParse is Parse for specs known at compile time.
func MustParse(spec string) *Breakpoint {
	b, err := Parse(spec)
	if err != nil {
		panic(err)
	}
	return b
}

func (b *Breakpoint) parseTerms(spec string) error {
	text := []byte(spec)
	s := parsec.NewScanner(text)
	_, s = s.SkipWS()
	for !s.Endof() {
		pos := s.GetCursor()
		fail := &LocationSpecParseError{Spec: spec, Pos: pos, Remaining: string(text[pos:])}
		matched := false
		for _, t := range terms {
			m, next := s.Match(t.pattern)
			if m == nil {
				continue
			}
			if err := t.apply(b, t.re.FindStringSubmatch(string(m))); err != nil {
				return fail
			}
			s = next
			var ws []byte
			ws, s = s.SkipWS()
			if len(ws) == 0 && !s.Endof() {
				// The term ran straight into more text, e.g. "-tx".
				return fail
			}
			matched = true
			break
		}
		if !matched {
			return fail
		}
	}
	return nil
}
