// Copyright © 2018 The ELPS authors

package breakpoint

import (
	"strconv"
	"strings"

	"github.com/luthersystems/shdbg/mi"
)

// InsertCommand renders the breakpoint as an MI -break-insert command
// using explicit location options.
func (b *Breakpoint) InsertCommand() string {
	args := []string{"-break-insert"}
	if b.Temp {
		args = append(args, "-t")
	}
	if b.Hardware {
		args = append(args, "-h")
	}
	if !b.Enabled {
		args = append(args, "-d")
	}
	if b.Condition != "" {
		args = append(args, "-c", mi.Quote(b.Condition))
	}
	if b.SkipCount > 0 {
		args = append(args, "-i", strconv.Itoa(b.SkipCount))
	}
	if b.ThreadID != "" {
		args = append(args, "-p", b.ThreadID)
	}
	if b.File != "" {
		args = append(args, "--source", mi.Quote(b.File))
	}
	if b.Line > 0 {
		args = append(args, "--line", strconv.Itoa(b.Line))
	}
	if b.Function != "" {
		args = append(args, "--function", b.Function)
	}
	if b.Label != "" {
		args = append(args, "--label", b.Label)
	}
	return strings.Join(args, " ")
}

// DeleteCommand renders the MI command removing the rendered breakpoint.
func (b *Breakpoint) DeleteCommand() string {
	return "-break-delete " + b.ID
}

// ApplyMI records render state from a bkpt tuple, as found in the reply
// to -break-insert and in breakpoint-modified notifications. A
// multi-location breakpoint lists each location under "locations";
// otherwise the tuple itself is the only location.
func (b *Breakpoint) ApplyMI(bkpt mi.Tuple) {
	b.ID = bkpt.Str("number")
	if enabled := bkpt.Str("enabled"); enabled != "" {
		b.Enabled = enabled == "y"
	}
	if cond := bkpt.Str("cond"); cond != "" {
		b.Condition = cond
	}
	b.Locations = b.Locations[:0]
	if locs := bkpt.List("locations"); len(locs) > 0 {
		for _, loc := range locs.Tuples() {
			b.Locations = append(b.Locations, resolvedFromMI(loc))
		}
		return
	}
	b.Locations = append(b.Locations, resolvedFromMI(bkpt))
}

func resolvedFromMI(t mi.Tuple) Resolved {
	file := t.Str("file")
	if file == "" {
		file = t.Str("filename")
	}
	return Resolved{
		ID:       t.Str("number"),
		File:     file,
		Fullname: t.Str("fullname"),
		Function: t.Str("func"),
		Line:     t.Int("line", 0),
	}
}
