// Copyright © 2018 The ELPS authors

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/luthersystems/shdbg/debugger"
	"github.com/luthersystems/shdbg/debugger/debugrepl"
	"github.com/luthersystems/shdbg/gdb"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	serveWithGdb  bool
	serveHeadless bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Wait for scripts on the listen pipe and debug them",
	Long: `Create the listen pipe and debug every script that announces itself on
it. With --with-gdb a gdb is started as well so native processes can be
attached, either by a script's attachToGdb request or from the console.

By default the interactive console runs in the terminal. With --headless
the engine only logs what happens until it is interrupted.

Examples:
  shdbg serve                           Console on the default listen pipe
  shdbg serve --sandbox proj            Listen pipe for sandbox "proj"
  shdbg serve --with-gdb --gdb gdb-12   Also drive gdb-12
  shdbg serve --headless --log-level debug`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		log := logrus.StandardLogger().WithField("command", "serve")
		shutdown, err := startTelemetry(log, cfg.TraceEnabled)
		if err != nil {
			return err
		}
		defer shutdownTelemetry(log, shutdown)

		e := newEngine()
		defer closeEngine(log, e)
		if err := startFrontEnd(ctx, e, serveWithGdb); err != nil {
			return err
		}

		if serveHeadless {
			<-ctx.Done()
			return nil
		}
		return debugrepl.Run(ctx, e, debugrepl.WithLogger(log))
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveWithGdb, "with-gdb", false,
		"Start gdb for native processes")
	serveCmd.Flags().BoolVar(&serveHeadless, "headless", false,
		"Run without the interactive console")
}

// startFrontEnd opens the listen pipe and optionally starts gdb.
func startFrontEnd(ctx context.Context, e *debugger.Engine, withGdb bool) error {
	path := cfg.ListenPipePath()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("listen pipe directory: %w", err)
	}
	if err := e.Listen(path); err != nil {
		return fmt.Errorf("listen pipe %s: %w", path, err)
	}
	logrus.WithField("path", path).Info("Listening for scripts")
	if !withGdb {
		return nil
	}
	return startGdb(ctx, e)
}

func startGdb(ctx context.Context, e *debugger.Engine) error {
	gc := cfg.DebuggerGdbConfig(gdb.WithLogger(logrus.StandardLogger().WithField("component", "gdb")))
	if err := e.StartGdb(ctx, gc); err != nil {
		return err
	}
	logrus.WithField("gdb", gc.Path).Info("gdb started")
	return nil
}

func closeEngine(log *logrus.Entry, e *debugger.Engine) {
	if err := e.Close(); err != nil {
		log.WithError(err).Warn("Engine shutdown")
	}
}

func shutdownTelemetry(log *logrus.Entry, shutdown func(context.Context) error) {
	if err := shutdown(context.Background()); err != nil {
		log.WithError(err).Warn("Telemetry shutdown")
	}
}
