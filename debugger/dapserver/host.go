// Copyright © 2018 The ELPS authors

package dapserver

import (
	"github.com/google/go-dap"
	"github.com/luthersystems/shdbg/breakpoint"
	"github.com/luthersystems/shdbg/debugger"
)

// dapHost presents engine state to the DAP client. Locations and stacks
// are pulled by the client after a stopped event, so only messages,
// breakpoint changes and new variables are pushed. Everything is also
// logged.
type dapHost struct {
	*debugger.LogHost
	h *handler
}

var _ debugger.Host = (*dapHost)(nil)

func (d *dapHost) Notify(msg string) {
	d.LogHost.Notify(msg)
	d.h.output("console", msg+"\n")
}

func (d *dapHost) Warn(msg string) {
	d.LogHost.Warn(msg)
	d.h.output("stderr", msg+"\n")
}

func (d *dapHost) MarkBreakpoint(bp debugger.BreakpointInfo, loc breakpoint.Resolved) debugger.Disposable {
	info := bp
	info.Locations = []breakpoint.Resolved{loc}
	d.h.send(&dap.BreakpointEvent{
		Event: d.h.newEvent("breakpoint"),
		Body:  dap.BreakpointEventBody{Reason: "changed", Breakpoint: translateBreakpoint(info, nil)},
	})
	return d.LogHost.MarkBreakpoint(bp, loc)
}

func (d *dapHost) VarsChanged(s debugger.SessionInfo) {
	d.LogHost.VarsChanged(s)
	d.h.send(&dap.InvalidatedEvent{
		Event: d.h.newEvent("invalidated"),
		Body: dap.InvalidatedEventBody{
			Areas:        []dap.InvalidatedAreas{"variables"},
			ThreadId:     s.ID,
			StackFrameId: frameID(s.ID, s.Current),
		},
	})
}
