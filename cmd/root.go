// Copyright © 2018 The ELPS authors

package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/luthersystems/shdbg/config"
	"github.com/luthersystems/shdbg/debugger"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	cfg     *config.Config
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "shdbg",
	Short: "Shell script and native process debugger",
	Long: `shdbg debugs instrumented shell scripts and native processes.

Scripts announce themselves on a named pipe (the listen pipe) and talk to
the debugger over a per-process pipe pair. Native processes are debugged
through gdb's machine interface. Both kinds stop at breakpoints and can be
stepped from an interactive console or from an editor speaking the Debug
Adapter Protocol.

Getting started:
  shdbg serve                      Wait for scripts on the listen pipe
  shdbg serve --with-gdb           Also start gdb for native processes
  shdbg attach 4242 func:main      Attach gdb to a process and stop in main
  shdbg dap --stdio                Serve an editor over stdin/stdout
  shdbg parse-bp 'line:job.sh|12'  Show how a location spec is understood

Configuration is read from $HOME/.shdbg.yaml (or --config) and from
SHDBG_ environment variables, e.g. SHDBG_GDB_PATH=/usr/bin/gdb.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.shdbg.yaml)")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	flags.String("log-format", "text", `log format: "text" or "json"`)
	flags.String("sandbox", "default", "sandbox name used in the default listen pipe path")
	flags.String("listen-pipe", "", "listen pipe path (default derived from --sandbox)")
	flags.String("gdb", "gdb", "gdb executable")
	flags.Bool("trace", false, "export gdb command spans to the log")
	for key, name := range map[string]string{
		config.KeyLogLevel:     "log-level",
		config.KeyLogFormat:    "log-format",
		config.KeySandbox:      "sandbox",
		config.KeyListenPipe:   "listen-pipe",
		config.KeyGdbPath:      "gdb",
		config.KeyTraceEnabled: "trace",
	} {
		_ = viper.BindPFlag(key, flags.Lookup(name))
	}

	rootCmd.AddCommand(
		serveCmd,
		attachCmd,
		dapCmd,
		newParseBPCmd(),
		versionCmd,
	)
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory.
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}

		// Search config in home directory with name ".shdbg" (without extension).
		viper.AddConfigPath(home)
		viper.SetConfigName(".shdbg")
	}

	viper.SetEnvPrefix("SHDBG")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv() // read in environment variables that match

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		logrus.WithField("file", viper.ConfigFileUsed()).Debug("Using config file")
	}
}

// loadConfig validates the merged settings and configures logging before
// any subcommand runs.
func loadConfig(cmd *cobra.Command, args []string) error {
	c, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	if err := c.Log.Apply(logrus.StandardLogger()); err != nil {
		return err
	}
	cfg = c
	return nil
}

// newEngine builds an engine from the loaded config.
func newEngine(opts ...debugger.Option) *debugger.Engine {
	opts = append(cfg.EngineOptions(), opts...)
	opts = append(opts, debugger.WithLogger(logrus.StandardLogger().WithField("component", "debugger")))
	return debugger.New(opts...)
}
