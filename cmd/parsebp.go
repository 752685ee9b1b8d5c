// Copyright © 2018 The ELPS authors

package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/luthersystems/shdbg/breakpoint"
	"github.com/spf13/cobra"
)

// newParseBPCmd returns the parse-bp command. It does not touch the
// engine so it is built fresh for tests.
func newParseBPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "parse-bp spec...",
		Short: "Show how a location spec is understood",
		Long: `Parse each location spec and print its fields together with the gdb
command that would set it. A spec is a list of whitespace separated terms:

  line:<file>[|<line>]              A file, optionally a line in it
  func:<name>[|<file>]              A function
  label:<label>[|<func>[|<file>]]   A label, optionally within a function
  --source F --line N --function F --label L
                                    gdb's explicit location options
  -t/--temp                         Removed after the first hit
  -h/--hardware                     Hardware breakpoint
  -d/--disabled                     Created disabled
  -c/--condition EXPR               Stop only when EXPR holds
  -i/--skipCount N                  Ignore the first N hits
  -p/--thread-id ID                 Stop only in thread ID

Examples:
  shdbg parse-bp 'line:job.sh|12'
  shdbg parse-bp 'func:main -t' 'line:lib.c|40 -c "n > 3"'`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			var failed int
			for i, spec := range args {
				if i > 0 {
					fmt.Fprintln(w)
				}
				b, err := breakpoint.Parse(spec)
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "%v\n", err)
					failed++
					continue
				}
				printBreakpoint(w, b)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d specs invalid", failed, len(args))
			}
			return nil
		},
	}
}

func printBreakpoint(w io.Writer, b *breakpoint.Breakpoint) {
	fmt.Fprintf(w, "spec:      %s\n", b.Spec)
	fmt.Fprintf(w, "location:  %s\n", b.Location)
	field := func(name string, v any) {
		fmt.Fprintf(w, "%-10s %v\n", name+":", v)
	}
	if b.File != "" {
		field("file", b.File)
	}
	if b.Line > 0 {
		field("line", b.Line)
	}
	if b.Function != "" {
		field("function", b.Function)
	}
	if b.Label != "" {
		field("label", b.Label)
	}
	var attrs []string
	if b.Temp {
		attrs = append(attrs, "temporary")
	}
	if b.Hardware {
		attrs = append(attrs, "hardware")
	}
	if !b.Enabled {
		attrs = append(attrs, "disabled")
	}
	if len(attrs) > 0 {
		field("flags", strings.Join(attrs, ","))
	}
	if b.Condition != "" {
		field("condition", b.Condition)
	}
	if b.SkipCount > 0 {
		field("skip", b.SkipCount)
	}
	if b.ThreadID != "" {
		field("thread", b.ThreadID)
	}
	fmt.Fprintf(w, "gdb:       %s\n", b.InsertCommand())
}
