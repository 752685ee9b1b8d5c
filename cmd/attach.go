// Copyright © 2018 The ELPS authors

package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/luthersystems/shdbg/debugger/debugrepl"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var attachListen bool

var attachCmd = &cobra.Command{
	Use:   "attach [flags] pid [location]",
	Short: "Attach gdb to a running process",
	Long: `Start gdb, attach it to the process with the given pid and open the
interactive console once the process stops.

Without a location the process stops where it was attached. With one it
runs until it reaches that location, as with the console's goto command.
Location specs are described by "shdbg parse-bp --help".

Examples:
  shdbg attach 4242
  shdbg attach 4242 func:main
  shdbg attach 4242 'line:job.sh|12'
  shdbg attach --listen 4242       Also accept scripts on the listen pipe`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := strconv.Atoi(args[0])
		if err != nil || pid <= 0 {
			return fmt.Errorf("invalid pid %q", args[0])
		}
		var spec string
		if len(args) > 1 {
			spec = args[1]
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		log := logrus.StandardLogger().WithFields(logrus.Fields{"command": "attach", "pid": pid})
		shutdown, err := startTelemetry(log, cfg.TraceEnabled)
		if err != nil {
			return err
		}
		defer shutdownTelemetry(log, shutdown)

		e := newEngine()
		defer closeEngine(log, e)
		if attachListen {
			err = startFrontEnd(ctx, e, true)
		} else {
			err = startGdb(ctx, e)
		}
		if err != nil {
			return err
		}

		log.Info("Attaching")
		s, err := e.AttachGdb(pid, spec).Await(ctx)
		if err != nil {
			return fmt.Errorf("attach %d: %w", pid, err)
		}
		log.WithField("thread", s.Thread()).Info("Stopped")
		return debugrepl.Run(ctx, e, debugrepl.WithLogger(log))
	},
}

func init() {
	attachCmd.Flags().BoolVar(&attachListen, "listen", false,
		"Also accept scripts on the listen pipe")
}
