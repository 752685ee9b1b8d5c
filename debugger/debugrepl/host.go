// Copyright © 2018 The ELPS authors

package debugrepl

import (
	"github.com/luthersystems/shdbg/debugger"
)

// replHost prints engine messages between prompts. Locations and stacks
// are shown on demand by commands, so those callbacks only log.
type replHost struct {
	*debugger.LogHost
	h *debugHandler
}

var _ debugger.Host = (*replHost)(nil)

func (r *replHost) Notify(msg string) {
	r.LogHost.Notify(msg)
	r.h.printf("\n%s\n", msg)
}

func (r *replHost) Warn(msg string) {
	r.LogHost.Warn(msg)
	r.h.printf("\nwarning: %s\n", msg)
}
