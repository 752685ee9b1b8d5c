// Copyright © 2018 The ELPS authors

// Package config reads shdbg settings from viper. Keys are dotted paths
// such as gdb.path; the cmd package binds them to flags, the config file
// and SHDBG_ environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/luthersystems/shdbg/debugger"
	"github.com/luthersystems/shdbg/gdb"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
)

// Config keys.
const (
	KeyGdbPath         = "gdb.path"
	KeyGdbArgs         = "gdb.args"
	KeyGdbInitCommands = "gdb.init_commands"
	KeyGdbInitScript   = "gdb.init_script"
	KeyGdbWatchScript  = "gdb.watch_init_script"
	KeyListenPipe      = "listen_pipe"
	KeySandbox         = "sandbox"
	KeyLookupTimeout   = "lookup_timeout"
	KeyTrapSignals     = "trap.signals"
	KeyTrapCondition   = "trap.condition"
	KeyLogLevel        = "log.level"
	KeyLogFormat       = "log.format"
	KeyDAPAddr         = "dap.addr"
	KeyTraceEnabled    = "trace.enabled"
)

// Config is the typed view of the settings.
type Config struct {
	Gdb           GdbConfig
	ListenPipe    string
	Sandbox       string
	LookupTimeout time.Duration
	Trap          debugger.TrapConfig
	Log           LogConfig
	DAPAddr       string
	TraceEnabled  bool
}

// GdbConfig configures the gdb subprocess.
type GdbConfig struct {
	Path            string
	Args            []string
	InitCommands    []string
	InitScript      string
	WatchInitScript bool
}

// LogConfig configures logrus.
type LogConfig struct {
	Level  string
	Format string
}

// SetDefaults installs the default for every key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyGdbPath, "gdb")
	v.SetDefault(KeyGdbArgs, gdb.DefaultArgs)
	v.SetDefault(KeyGdbInitCommands, gdb.DefaultInitCommands)
	v.SetDefault(KeyGdbInitScript, "")
	v.SetDefault(KeyGdbWatchScript, true)
	v.SetDefault(KeyListenPipe, "")
	v.SetDefault(KeySandbox, "default")
	v.SetDefault(KeyLookupTimeout, debugger.DefaultLookupTimeout)
	trap := debugger.DefaultTrapConfig()
	v.SetDefault(KeyTrapSignals, trap.Signals)
	v.SetDefault(KeyTrapCondition, trap.Condition)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "text")
	v.SetDefault(KeyDAPAddr, "127.0.0.1:4711")
	v.SetDefault(KeyTraceEnabled, false)
}

// Load installs defaults on v and returns its validated settings.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)
	c := &Config{
		Gdb: GdbConfig{
			Path:            v.GetString(KeyGdbPath),
			Args:            v.GetStringSlice(KeyGdbArgs),
			InitCommands:    v.GetStringSlice(KeyGdbInitCommands),
			InitScript:      v.GetString(KeyGdbInitScript),
			WatchInitScript: v.GetBool(KeyGdbWatchScript),
		},
		ListenPipe:    v.GetString(KeyListenPipe),
		Sandbox:       v.GetString(KeySandbox),
		LookupTimeout: v.GetDuration(KeyLookupTimeout),
		Trap:          debugger.TrapConfig{Condition: v.GetString(KeyTrapCondition)},
		Log: LogConfig{
			Level:  v.GetString(KeyLogLevel),
			Format: v.GetString(KeyLogFormat),
		},
		DAPAddr:      v.GetString(KeyDAPAddr),
		TraceEnabled: v.GetBool(KeyTraceEnabled),
	}
	if err := v.UnmarshalKey(KeyTrapSignals, &c.Trap.Signals); err != nil {
		return nil, fmt.Errorf("%s: %w", KeyTrapSignals, err)
	}
	// viper folds key case; trap names are upper case.
	signals := make(map[string]int, len(c.Trap.Signals))
	for name, n := range c.Trap.Signals {
		signals[strings.ToUpper(name)] = n
	}
	c.Trap.Signals = signals
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) validate() error {
	var errs []error
	if c.Gdb.Path == "" {
		errs = append(errs, fmt.Errorf("%s is empty", KeyGdbPath))
	}
	if c.LookupTimeout < 0 {
		errs = append(errs, fmt.Errorf("%s is negative", KeyLookupTimeout))
	}
	if strings.Count(c.Trap.Condition, "%d") != 1 {
		errs = append(errs, fmt.Errorf("%s must contain exactly one %%d: %q", KeyTrapCondition, c.Trap.Condition))
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", KeyLogLevel, err))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("%s must be text or json: %q", KeyLogFormat, c.Log.Format))
	}
	return multierr.Combine(errs...)
}

// ListenPipePath is where scripts announce themselves. Unless configured
// it is per user and sandbox under the temp directory.
func (c *Config) ListenPipePath() string {
	if c.ListenPipe != "" {
		return c.ListenPipe
	}
	user := os.Getenv("USER")
	if user == "" {
		user = "nobody"
	}
	return filepath.Join(os.TempDir(), "bgAtomDebugger-"+user, c.Sandbox+"-toAtom")
}

// DebuggerGdbConfig converts the gdb settings for the engine.
func (c *Config) DebuggerGdbConfig(opts ...gdb.Option) debugger.GdbConfig {
	return debugger.GdbConfig{
		Path:            c.Gdb.Path,
		Args:            c.Gdb.Args,
		InitCommands:    c.Gdb.InitCommands,
		InitScript:      c.Gdb.InitScript,
		WatchInitScript: c.Gdb.WatchInitScript,
		ClientOptions:   opts,
	}
}

// EngineOptions are the engine settings carried by the config.
func (c *Config) EngineOptions() []debugger.Option {
	return []debugger.Option{
		debugger.WithLookupTimeout(c.LookupTimeout),
		debugger.WithTrapConfig(c.Trap),
	}
}

// Apply configures log.
func (c LogConfig) Apply(log *logrus.Logger) error {
	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		return err
	}
	log.SetLevel(level)
	if c.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}
