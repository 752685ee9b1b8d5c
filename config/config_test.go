// Copyright © 2018 The ELPS authors

package config

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/luthersystems/shdbg/gdb"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Parallel()
	c, err := Load(viper.New())
	require.NoError(t, err)
	assert.Equal(t, "gdb", c.Gdb.Path)
	assert.Equal(t, gdb.DefaultArgs, c.Gdb.Args)
	assert.Equal(t, gdb.DefaultInitCommands, c.Gdb.InitCommands)
	assert.Empty(t, c.Gdb.InitScript)
	assert.True(t, c.Gdb.WatchInitScript)
	assert.Equal(t, "default", c.Sandbox)
	assert.Equal(t, 5*time.Second, c.LookupTimeout)
	assert.Equal(t, map[string]int{"DEBUG": 65, "ERR": 66, "RETURN": 67}, c.Trap.Signals)
	assert.Equal(t, "running_trap != %d", c.Trap.Condition)
	assert.Equal(t, LogConfig{Level: "info", Format: "text"}, c.Log)
	assert.Equal(t, "127.0.0.1:4711", c.DAPAddr)
	assert.False(t, c.TraceEnabled)
	assert.Len(t, c.EngineOptions(), 2)
}

func TestLoad_ConfigFile(t *testing.T) {
	t.Parallel()
	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader(`
gdb:
  path: /opt/gdb/bin/gdb
  init_script: ~/.shdbg.gdb
  watch_init_script: false
listen_pipe: /run/shdbg/listen
lookup_timeout: 250ms
trap:
  signals:
    debug: 33
    err: 34
  condition: "$_trap != %d"
log:
  level: debug
  format: json
trace:
  enabled: true
`)))
	c, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, "/opt/gdb/bin/gdb", c.Gdb.Path)
	assert.False(t, c.Gdb.WatchInitScript)
	assert.Equal(t, "/run/shdbg/listen", c.ListenPipePath())
	assert.Equal(t, 250*time.Millisecond, c.LookupTimeout)
	assert.Equal(t, map[string]int{"DEBUG": 33, "ERR": 34}, c.Trap.Signals)
	assert.Equal(t, "$_trap != %d", c.Trap.Condition)
	assert.True(t, c.TraceEnabled)

	gc := c.DebuggerGdbConfig(gdb.WithLogger(logrus.NewEntry(logrus.New())))
	assert.Equal(t, c.Gdb.Path, gc.Path)
	assert.Equal(t, c.Gdb.InitScript, gc.InitScript)
	assert.Len(t, gc.ClientOptions, 1)
}

func TestLoad_Invalid(t *testing.T) {
	t.Parallel()
	v := viper.New()
	v.Set(KeyGdbPath, "")
	v.Set(KeyLookupTimeout, "-1s")
	v.Set(KeyTrapCondition, "running_trap != 65")
	v.Set(KeyLogLevel, "chatty")
	v.Set(KeyLogFormat, "xml")
	_, err := Load(v)
	require.Error(t, err)
	for _, key := range []string{KeyGdbPath, KeyLookupTimeout, KeyTrapCondition, KeyLogLevel, KeyLogFormat} {
		assert.Contains(t, err.Error(), key)
	}
}

func TestListenPipePath_Default(t *testing.T) {
	c := &Config{Sandbox: "proj"}
	t.Setenv("USER", "alice")
	assert.Equal(t, filepath.Join(os.TempDir(), "bgAtomDebugger-alice", "proj-toAtom"), c.ListenPipePath())
}

func TestLogConfig_Apply(t *testing.T) {
	t.Parallel()
	log := logrus.New()
	var buf bytes.Buffer
	log.SetOutput(&buf)
	require.NoError(t, LogConfig{Level: "warn", Format: "json"}.Apply(log))
	assert.Equal(t, logrus.WarnLevel, log.GetLevel())
	log.Info("hidden")
	log.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)

	log.SetOutput(io.Discard)
	require.Error(t, LogConfig{Level: "loud"}.Apply(log))
}
