// Copyright © 2018 The ELPS authors

package debugrepl

import (
	"sort"
	"strings"

	"github.com/luthersystems/shdbg/debugger"
)

// debugCommands lists all debug command names for tab completion.
var debugCommands = []string{
	"backtrace",
	"break",
	"breakpoints",
	"continue",
	"cycle",
	"delete",
	"frame",
	"goto",
	"help",
	"locals",
	"next",
	"out",
	"print",
	"processes",
	"quit",
	"step",
	"wait",
	"where",
}

// specPrefixes start the terms of a location spec.
var specPrefixes = []string{
	"func:",
	"label:",
	"line:",
	debugger.FrameFuncPrefix,
}

// debugCompleter implements readline.AutoCompleter for the debug REPL.
// The first word completes to a command. Arguments complete to variable
// names for print and to location spec terms for break and goto.
type debugCompleter struct {
	engine *debugger.Engine
}

func (c *debugCompleter) Do(line []rune, pos int) ([][]rune, int) {
	// Extract prefix (word being typed).
	start := pos
	for start > 0 {
		ch := line[start-1]
		if ch == ' ' || ch == '\t' {
			break
		}
		start--
	}
	prefix := string(line[start:pos])
	words := strings.Fields(string(line[:start]))

	var candidates []string
	switch {
	case len(words) == 0:
		if prefix == "" {
			return nil, 0
		}
		candidates = debugCommands
	case words[0] == "print" || words[0] == "p":
		candidates = c.variables()
	case words[0] == "break" || words[0] == "b" || words[0] == "goto" || words[0] == "g":
		candidates = specPrefixes
	}
	return complete(candidates, prefix), len(prefix)
}

// variables names the selected frame's variables, if a thread is stopped.
func (c *debugCompleter) variables() []string {
	s := c.engine.ActiveSession()
	if s == nil {
		return nil
	}
	var names []string
	for _, v := range s.Info().Vars {
		names = append(names, v.Name)
	}
	return names
}

// complete returns the suffixes of candidates that extend prefix.
func complete(candidates []string, prefix string) [][]rune {
	seen := make(map[string]bool)
	var matches []string
	for _, cand := range candidates {
		if strings.HasPrefix(cand, prefix) && !seen[cand] {
			seen[cand] = true
			matches = append(matches, cand)
		}
	}
	sort.Strings(matches)

	result := make([][]rune, 0, len(matches))
	for _, m := range matches {
		result = append(result, []rune(m[len(prefix):]))
	}
	return result
}
