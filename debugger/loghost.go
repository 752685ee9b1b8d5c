// Copyright © 2018 The ELPS authors

package debugger

import (
	"os"

	"github.com/luthersystems/shdbg/breakpoint"
	"github.com/sirupsen/logrus"
)

// LogHost is a Host that reports everything to a logger. It is the
// default host and a base for front-ends that only care about some
// callbacks.
type LogHost struct {
	Log *logrus.Entry
}

var _ Host = (*LogHost)(nil)

// NewLogHost returns a LogHost writing to log.
func NewLogHost(log *logrus.Entry) *LogHost {
	return &LogHost{Log: log.WithField("component", "host")}
}

func (h *LogHost) FileExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && !fi.IsDir()
}

func (h *LogHost) Notify(msg string) {
	h.Log.Info(msg)
}

func (h *LogHost) Warn(msg string) {
	h.Log.Warn(msg)
}

func (h *LogHost) ShowLocation(file string, line int, hint string) (Disposable, error) {
	h.Log.WithFields(logrus.Fields{"file": file, "line": line, "cmd": hint}).Info("stopped")
	return DisposeFunc(nil), nil
}

func (h *LogHost) MarkBreakpoint(bp BreakpointInfo, loc breakpoint.Resolved) Disposable {
	h.Log.WithFields(logrus.Fields{"breakpoint": bp.ID, "file": loc.Path(), "line": loc.Line}).Debug("breakpoint set")
	return DisposeFunc(nil)
}

func (h *LogHost) StackChanged(s SessionInfo) {
	f, ok := s.CurrentFrame()
	if !ok {
		h.Log.WithField("session", s.ID).Debug("empty stack")
		return
	}
	h.Log.WithFields(logrus.Fields{
		"session": s.ID,
		"frame":   s.Current,
		"depth":   len(s.Frames),
		"loc":     f.Loc,
	}).Debug("stack changed")
}

func (h *LogHost) VarsChanged(s SessionInfo) {
	h.Log.WithFields(logrus.Fields{"session": s.ID, "vars": len(s.Vars)}).Debug("vars changed")
}
