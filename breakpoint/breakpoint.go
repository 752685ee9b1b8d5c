// Copyright © 2018 The ELPS authors

// Package breakpoint describes breakpoints independently of the debugger
// that renders them. A breakpoint's identity is its location; the other
// attributes are hints that a backend may or may not honor.
package breakpoint

import (
	"fmt"
	"strconv"
	"strings"
)

// Location is the identity of a breakpoint. Two breakpoints with equal
// locations are the same breakpoint.
type Location struct {
	File     string
	Line     int
	Label    string
	Function string
}

func (l Location) String() string {
	var parts []string
	if l.Function != "" {
		parts = append(parts, l.Function)
	}
	if l.Label != "" {
		parts = append(parts, "label "+l.Label)
	}
	if l.File != "" {
		if l.Line > 0 {
			parts = append(parts, l.File+":"+strconv.Itoa(l.Line))
		} else {
			parts = append(parts, l.File)
		}
	}
	if len(parts) == 0 {
		return "<nowhere>"
	}
	return strings.Join(parts, " ")
}

// Resolved is one concrete place a rendered breakpoint landed.
type Resolved struct {
	ID       string
	File     string
	Fullname string
	Function string
	Line     int
}

// Path returns the absolute file name when known.
func (r Resolved) Path() string {
	if r.Fullname != "" {
		return r.Fullname
	}
	return r.File
}

// Disposable releases a UI resource such as a gutter marker.
type Disposable interface {
	Dispose()
}

// Breakpoint is a location plus attributes and render state.
type Breakpoint struct {
	Location

	// Spec is the text the breakpoint was parsed from, if any.
	Spec string

	Temp      bool
	Hardware  bool
	Enabled   bool
	Condition string
	SkipCount int
	ThreadID  string

	// ID is the backend's id while rendered; "" means unrendered.
	ID        string
	Locations []Resolved
	Err       error
	Markers   []Disposable
}

// New returns an enabled breakpoint at loc.
func New(loc Location) *Breakpoint {
	return &Breakpoint{Location: loc, Enabled: true}
}

// AtLine returns a breakpoint on a file and line.
func AtLine(file string, line int) *Breakpoint {
	return New(Location{File: file, Line: line})
}

// Identity returns the location that defines the breakpoint.
func (b *Breakpoint) Identity() Location {
	return b.Location
}

// Equal compares identities only.
func (b *Breakpoint) Equal(o *Breakpoint) bool {
	return b.Location == o.Location
}

// Rendered reports whether the breakpoint is currently installed.
func (b *Breakpoint) Rendered() bool {
	return b.ID != ""
}

// Clone copies the spec and attributes without render state.
func (b *Breakpoint) Clone() *Breakpoint {
	c := *b
	c.ID = ""
	c.Locations = nil
	c.Err = nil
	c.Markers = nil
	return &c
}

// ClearRender forgets render state and disposes markers.
func (b *Breakpoint) ClearRender() {
	b.ID = ""
	b.Locations = nil
	b.ReleaseMarkers()
}

// ReleaseMarkers disposes every marker.
func (b *Breakpoint) ReleaseMarkers() {
	for _, m := range b.Markers {
		m.Dispose()
	}
	b.Markers = nil
}

func (b *Breakpoint) String() string {
	s := b.Location.String()
	var attrs []string
	if b.Temp {
		attrs = append(attrs, "temp")
	}
	if b.Hardware {
		attrs = append(attrs, "hw")
	}
	if !b.Enabled {
		attrs = append(attrs, "disabled")
	}
	if b.Condition != "" {
		attrs = append(attrs, "if "+b.Condition)
	}
	if b.SkipCount > 0 {
		attrs = append(attrs, fmt.Sprintf("skip %d", b.SkipCount))
	}
	if b.ThreadID != "" {
		attrs = append(attrs, "thread "+b.ThreadID)
	}
	if len(attrs) > 0 {
		s += " (" + strings.Join(attrs, ", ") + ")"
	}
	return s
}
