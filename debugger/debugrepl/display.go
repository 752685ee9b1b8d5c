// Copyright © 2018 The ELPS authors

package debugrepl

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/luthersystems/shdbg/debugger"
	"github.com/muesli/reflow/indent"
	"github.com/muesli/reflow/truncate"
	"github.com/muesli/reflow/wordwrap"
)

const (
	sourceContextLines = 5
	// hintWidth bounds command text shown beside a frame.
	hintWidth = 60
	// valueWidth is where long variable values wrap.
	valueWidth = 56
	// valueIndent lines wrapped values up under the first line.
	valueIndent = 25
)

// showSourceContext prints a window of source lines around the given line,
// with a --> marker on the current line.
func showSourceContext(w io.Writer, file string, line int) {
	f, err := os.Open(file) //#nosec G304
	if err != nil {
		fmt.Fprintf(w, "  at %s:%d (source not available)\n", file, line) //nolint:errcheck
		return
	}
	defer f.Close() //nolint:errcheck

	scanner := bufio.NewScanner(f)
	lineNum := 0
	start := line - sourceContextLines
	if start < 1 {
		start = 1
	}
	end := line + sourceContextLines

	for scanner.Scan() {
		lineNum++
		if lineNum < start {
			continue
		}
		if lineNum > end {
			break
		}
		marker := "   "
		if lineNum == line {
			marker = "-->"
		}
		fmt.Fprintf(w, "%s %4d  %s\n", marker, lineNum, scanner.Text()) //nolint:errcheck
	}
}

// showFrame prints the selected frame, with its source when there is any.
func showFrame(w io.Writer, info debugger.SessionInfo) {
	f, ok := info.CurrentFrame()
	if !ok {
		fmt.Fprintln(w, "  (empty stack)") //nolint:errcheck
		return
	}
	fmt.Fprintf(w, "  #%d  %s\n", f.Level, frameLabel(f)) //nolint:errcheck
	if f.File != "" && f.Line > 0 {
		showSourceContext(w, f.File, f.Line)
	}
}

func frameLabel(f debugger.StackFrame) string {
	name := f.Function
	if name == "" {
		name = "<unknown>"
	}
	label := name + "  at " + f.Loc
	if f.Hint != "" {
		label += "  [" + truncate.StringWithTail(f.Hint, hintWidth, "...") + "]"
	}
	return label
}

// showBacktrace prints the call stack, innermost first, marking the
// selected frame.
func showBacktrace(w io.Writer, info debugger.SessionInfo) {
	if len(info.Frames) == 0 {
		fmt.Fprintln(w, "  (empty stack)") //nolint:errcheck
		return
	}
	for _, f := range info.Frames {
		marker := " "
		if f.Level == info.Current {
			marker = ">"
		}
		fmt.Fprintf(w, "%s #%-3d %s\n", marker, f.Level, frameLabel(f)) //nolint:errcheck
	}
}

// showVars prints variables one per line. Long and multi-line values wrap
// under their first line.
func showVars(w io.Writer, vars []debugger.Variable) {
	if len(vars) == 0 {
		fmt.Fprintln(w, "  (no variables)") //nolint:errcheck
		return
	}
	for _, v := range vars {
		first, rest, _ := strings.Cut(wordwrap.String(v.Value, valueWidth), "\n")
		fmt.Fprintf(w, "  %-20s = %s\n", scopedName(v), first) //nolint:errcheck
		if rest != "" {
			fmt.Fprintln(w, indent.String(rest, valueIndent)) //nolint:errcheck
		}
	}
}

func scopedName(v debugger.Variable) string {
	if v.Scope == debugger.ScopeArg {
		return v.Name + " (arg)"
	}
	return v.Name
}

// showBreakpoints prints breakpoints ordered by id; unrendered ones last.
func showBreakpoints(w io.Writer, bps []debugger.BreakpointInfo) {
	if len(bps) == 0 {
		fmt.Fprintln(w, "  (no breakpoints)") //nolint:errcheck
		return
	}
	sorted := append([]debugger.BreakpointInfo(nil), bps...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return idOrder(sorted[i].ID) < idOrder(sorted[j].ID)
	})
	for _, bp := range sorted {
		status := "enabled"
		if !bp.Enabled {
			status = "disabled"
		}
		line := fmt.Sprintf("  #%s  %s  %s", displayID(bp.ID), bp.Location, status)
		if bp.Temp {
			line += "  temporary"
		}
		if bp.Condition != "" {
			line += fmt.Sprintf("  if %s", bp.Condition)
		}
		if bp.Err != "" {
			line += fmt.Sprintf("  (pending: %s)", bp.Err)
		}
		fmt.Fprintln(w, line) //nolint:errcheck
		for _, loc := range bp.Locations {
			fmt.Fprintf(w, "        %s:%d\n", loc.Path(), loc.Line) //nolint:errcheck
		}
	}
}

func idOrder(id string) int {
	n, err := strconv.Atoi(id)
	if err != nil {
		return int(^uint(0) >> 1)
	}
	return n
}

func displayID(id string) string {
	if id == "" {
		return "-"
	}
	return id
}

// showProcesses lists debugged processes, marking the active one.
func showProcesses(w io.Writer, snap debugger.Snapshot) {
	if len(snap.Processes) == 0 {
		fmt.Fprintln(w, "  (no processes)") //nolint:errcheck
		return
	}
	for _, p := range snap.Processes {
		marker := " "
		if p.ID == snap.ActiveProcess {
			marker = "*"
		}
		state := "running"
		if n := len(p.Sessions); n > 0 {
			state = fmt.Sprintf("%d stopped", n)
		}
		fmt.Fprintf(w, "%s %-16s %-24s pid %-7d %-6s %s\n", marker, p.ID, p.Name, p.PID, p.Backend, state) //nolint:errcheck
	}
}
