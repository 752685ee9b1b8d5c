// Copyright © 2018 The ELPS authors

package mi

import (
	"strings"
)

const endMarker = "(gdb)"

type parser struct {
	s string
	i int
}

// Parse reads one line of output. The returned record is never nil; if
// the line is malformed, Err is set and the record holds whatever was read
// before the mismatch.
//
//	output ==> ( out-of-band-record )* [ result-record ] "(gdb)" nl
func Parse(line string) *Record {
	line = strings.TrimRight(line, "\r\n")
	r := &Record{Raw: line}
	if strings.TrimSpace(line) == endMarker {
		r.Type = TypeEnd
		return r
	}
	p := &parser{s: line}
	r.Err = p.parseRecord(r)
	return r
}

func (p *parser) parseRecord(r *Record) error {
	r.Token = p.parseDigits()
	if p.eof() {
		return p.errEOF("record", "type character")
	}
	switch c := p.s[p.i]; c {
	case '^', '*', '+', '=':
		r.Type = typeFor(c)
		p.i++
		r.Class = p.parseWord()
		if r.Class == "" {
			return p.err("record", "class")
		}
		r.Data = Tuple{}
		if p.eof() {
			return nil
		}
		if !p.consume(',') {
			return p.err("record", "','")
		}
		return p.parseResults(r.Data)
	case '~', '@', '&':
		r.Type = typeFor(c)
		p.i++
		if p.eof() {
			return p.errEOF("stream", "'\"'")
		}
		s, err := p.parseString()
		if err != nil {
			return err
		}
		r.Stream = s
		if !p.eof() {
			return p.err("stream", "end of line")
		}
		return nil
	default:
		return p.err("record", "type character")
	}
}

func typeFor(c byte) Type {
	switch c {
	case '^':
		return TypeResult
	case '*':
		return TypeExec
	case '+':
		return TypeStatus
	case '=':
		return TypeNotify
	case '~':
		return TypeConsole
	case '@':
		return TypeTarget
	case '&':
		return TypeLog
	}
	return TypeUnknown
}

// result ( "," result )* to end of line
func (p *parser) parseResults(into Tuple) error {
	for {
		name, v, err := p.parseResult()
		if err != nil {
			return err
		}
		into[name] = v
		if p.eof() {
			return nil
		}
		if !p.consume(',') {
			return p.err("results", "','")
		}
	}
}

// result ==> variable "=" value
func (p *parser) parseResult() (string, any, error) {
	name := p.parseWord()
	if name == "" {
		return "", nil, p.err("result", "name")
	}
	if !p.consume('=') {
		return "", nil, p.err("result", "'='")
	}
	v, err := p.parseValue()
	return name, v, err
}

// value ==> const | tuple | list
func (p *parser) parseValue() (any, error) {
	if p.eof() {
		return nil, p.errEOF("value", `'"', '{' or '['`)
	}
	switch p.s[p.i] {
	case '"':
		return p.parseString()
	case '{':
		return p.parseTuple()
	case '[':
		return p.parseList()
	}
	return nil, p.err("value", `'"', '{' or '['`)
}

// parseString reads a c-string starting at the opening quote and decodes
// its escapes.
func (p *parser) parseString() (string, error) {
	if !p.consume('"') {
		return "", p.err("string", "'\"'")
	}
	var b strings.Builder
	for {
		if p.eof() {
			return b.String(), p.errEOF("string", "terminating '\"'")
		}
		c := p.s[p.i]
		switch c {
		case '"':
			p.i++
			return b.String(), nil
		case '\\':
			p.i++
			if p.eof() {
				return b.String(), p.errEOF("string", "escaped character")
			}
			p.unescape(&b)
		default:
			b.WriteByte(c)
			p.i++
		}
	}
}

func (p *parser) unescape(b *strings.Builder) {
	c := p.s[p.i]
	if c >= '0' && c <= '7' {
		n, j := 0, p.i
		for j < len(p.s) && j < p.i+3 && p.s[j] >= '0' && p.s[j] <= '7' {
			n = n*8 + int(p.s[j]-'0')
			j++
		}
		b.WriteByte(byte(n))
		p.i = j
		return
	}
	switch c {
	case 'n':
		b.WriteByte('\n')
	case 't':
		b.WriteByte('\t')
	case 'r':
		b.WriteByte('\r')
	case 'a':
		b.WriteByte('\a')
	case 'b':
		b.WriteByte('\b')
	case 'f':
		b.WriteByte('\f')
	case 'v':
		b.WriteByte('\v')
	case 'e':
		b.WriteByte(0x1b)
	default:
		b.WriteByte(c)
	}
	p.i++
}

// tuple ==> "{}" | "{" result ( "," result )* "}"
func (p *parser) parseTuple() (Tuple, error) {
	if !p.consume('{') {
		return nil, p.err("tuple", "'{'")
	}
	t := Tuple{}
	if p.consume('}') {
		return t, nil
	}
	for {
		name, v, err := p.parseResult()
		if err != nil {
			return t, err
		}
		t[name] = v
		if p.eof() {
			return t, p.errEOF("tuple", "',' or '}'")
		}
		if !p.consume(',') {
			break
		}
	}
	if !p.consume('}') {
		return t, p.err("tuple", "'}'")
	}
	return t, nil
}

// list ==> "[]" | "[" value ( "," value )* "]" | "[" result ( "," result )* "]"
func (p *parser) parseList() (List, error) {
	if !p.consume('[') {
		return nil, p.err("list", "'['")
	}
	l := List{}
	if p.consume(']') {
		return l, nil
	}
	for {
		if p.eof() {
			return l, p.errEOF("list", "value or result")
		}
		switch c := p.s[p.i]; {
		case c == '"' || c == '{' || c == '[':
			v, err := p.parseValue()
			if err != nil {
				return l, err
			}
			l = append(l, v)
		default:
			name, v, err := p.parseResult()
			if err != nil {
				return l, err
			}
			l = append(l, Result{Name: name, Value: v})
		}
		if p.eof() {
			return l, p.errEOF("list", "',' or ']'")
		}
		if !p.consume(',') {
			break
		}
	}
	if !p.consume(']') {
		return l, p.err("list", "']'")
	}
	return l, nil
}

// parseWord reads letters, digits, '-' and '_', starting with a non-digit.
func (p *parser) parseWord() string {
	start, i := p.i, p.i
	for i < len(p.s) {
		c := p.s[i]
		if 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z' || c == '-' || c == '_' || (i > start && '0' <= c && c <= '9') {
			i++
			continue
		}
		break
	}
	p.i = i
	return p.s[start:i]
}

func (p *parser) parseDigits() string {
	start, i := p.i, p.i
	for i < len(p.s) && '0' <= p.s[i] && p.s[i] <= '9' {
		i++
	}
	p.i = i
	return p.s[start:i]
}

func (p *parser) consume(c byte) bool {
	if p.i < len(p.s) && p.s[p.i] == c {
		p.i++
		return true
	}
	return false
}

func (p *parser) eof() bool {
	return p.i >= len(p.s)
}

func (p *parser) err(elem, expected string) error {
	if p.eof() {
		return p.errEOF(elem, expected)
	}
	return &ParseError{Elem: elem, Expected: expected, Found: "'" + string(p.s[p.i]) + "'", Pos: p.i}
}

func (p *parser) errEOF(elem, expected string) error {
	return &ParseError{Elem: elem, Expected: expected, Found: "end of line", Pos: p.i}
}
