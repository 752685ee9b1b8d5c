// Copyright © 2018 The ELPS authors

package breakpoint

// List is an ordered set of breakpoints unique by identity. It is not
// safe for concurrent use; its owner serializes access.
type List struct {
	items []*Breakpoint
}

// All returns the breakpoints in insertion order.
func (l *List) All() []*Breakpoint {
	out := make([]*Breakpoint, len(l.items))
	copy(out, l.items)
	return out
}

// Len returns the number of breakpoints.
func (l *List) Len() int {
	return len(l.items)
}

// Find returns the breakpoint with b's identity, or nil.
func (l *List) Find(b *Breakpoint) *Breakpoint {
	return l.FindLocation(b.Location)
}

// FindLocation returns the breakpoint at loc, or nil.
func (l *List) FindLocation(loc Location) *Breakpoint {
	for _, x := range l.items {
		if x.Location == loc {
			return x
		}
	}
	return nil
}

// ByID returns the rendered breakpoint with the backend id, or nil.
func (l *List) ByID(id string) *Breakpoint {
	if id == "" {
		return nil
	}
	for _, x := range l.items {
		if x.ID == id {
			return x
		}
	}
	return nil
}

// Add appends b unless an identical breakpoint is present. It reports
// whether b was added.
func (l *List) Add(b *Breakpoint) bool {
	if l.Find(b) != nil {
		return false
	}
	l.items = append(l.items, b)
	return true
}

// Remove deletes the breakpoint with b's identity and returns it, or nil
// if none was present.
func (l *List) Remove(b *Breakpoint) *Breakpoint {
	for i, x := range l.items {
		if x.Location == b.Location {
			l.items = append(l.items[:i:i], l.items[i+1:]...)
			return x
		}
	}
	return nil
}
