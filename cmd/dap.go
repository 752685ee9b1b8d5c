// Copyright © 2018 The ELPS authors

package cmd

import (
	"os"

	"github.com/luthersystems/shdbg/config"
	"github.com/luthersystems/shdbg/debugger/dapserver"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	dapStdio   bool
	dapWithGdb bool
)

var dapCmd = &cobra.Command{
	Use:   "dap",
	Short: "Serve an editor over the Debug Adapter Protocol",
	Long: `Start a DAP (Debug Adapter Protocol) server for editors (VS Code, Neovim,
Helix, etc.). Scripts announcing themselves on the listen pipe, and native
processes reported by gdb with --with-gdb, appear to the editor as threads
that exist while they are stopped.

Transport modes:
  --addr HOST:PORT  Listen for one DAP client over TCP (default from dap.addr)
  --stdio           Use stdin/stdout (for editors that launch the adapter
                    as a child process). Logs go to stderr.

Examples:
  shdbg dap                          TCP on 127.0.0.1:4711
  shdbg dap --addr :9229             TCP on port 9229
  shdbg dap --stdio --with-gdb       Stdio transport with gdb`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logrus.StandardLogger().WithField("command", "dap")
		shutdown, err := startTelemetry(log, cfg.TraceEnabled)
		if err != nil {
			return err
		}
		defer shutdownTelemetry(log, shutdown)

		e := newEngine()
		defer closeEngine(log, e)
		if err := startFrontEnd(cmd.Context(), e, dapWithGdb); err != nil {
			return err
		}

		srv := dapserver.New(e, dapserver.WithLogger(logrus.StandardLogger().WithField("component", "dap")))
		if dapStdio {
			log.Info("DAP debugger: using stdio transport")
			return srv.ServeStdio(os.Stdin, os.Stdout)
		}
		return srv.ServeTCP(cfg.DAPAddr)
	},
}

func init() {
	dapCmd.Flags().BoolVar(&dapStdio, "stdio", false,
		"Use stdin/stdout for DAP communication")
	dapCmd.Flags().BoolVar(&dapWithGdb, "with-gdb", false,
		"Start gdb for native processes")
	dapCmd.Flags().String("addr", "127.0.0.1:4711", "TCP address for the DAP server")
	_ = viper.BindPFlag(config.KeyDAPAddr, dapCmd.Flags().Lookup("addr"))
}
