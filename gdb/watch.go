// Copyright © 2018 The ELPS authors

package gdb

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchScript re-sources the script at path whenever it is written or
// replaced, so edits to gdb extensions apply to the running debugger.
// The watch ends when the client is closed.
func (c *Client) WatchScript(path string) error {
	path, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Editors often replace files rather than write them in place, so
	// watch the directory and filter by name.
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close() //nolint:errcheck // best-effort cleanup
		return err
	}
	c.watchers = append(c.watchers, w)
	log := c.log.WithField("script", path)
	c.wg.Go(func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != path || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
					continue
				}
				log.Info("script changed, reloading")
				fut := c.SendCommand(context.Background(), SourceCommand(path))
				go func() {
					if _, err := fut.Await(context.Background()); err != nil {
						log.WithError(err).Warn("reload failed")
					}
				}()
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("watch error")
			case <-c.done:
				return
			}
		}
	})
	return nil
}
