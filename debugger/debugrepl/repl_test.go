// Copyright © 2018 The ELPS authors

package debugrepl

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/luthersystems/shdbg/breakpoint"
	"github.com/luthersystems/shdbg/debugger"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 5 * time.Second

// syncBuffer is a bytes.Buffer safe for the REPL and engine goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func newTestEngine(t *testing.T) *debugger.Engine {
	t.Helper()
	e := debugger.New(debugger.WithLogger(testLogger()))
	t.Cleanup(func() {
		require.NoError(t, e.Close())
	})
	return e
}

func newTestHandler(t *testing.T, e *debugger.Engine) (*debugHandler, *syncBuffer) {
	t.Helper()
	out := &syncBuffer{}
	h := newDebugHandler(e, WithStderr(out), WithHistoryFile(""), WithLogger(testLogger()))
	return h, out
}

func TestShowHelp(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	showHelp(&buf)
	out := buf.String()
	for _, cmd := range debugCommands {
		assert.Contains(t, out, "  "+cmd, "help should mention %s", cmd)
	}
	assert.Contains(t, out, "Empty input repeats the last command.")
}

func TestShowBreakpoints_Empty(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	showBreakpoints(&buf, nil)
	assert.Contains(t, buf.String(), "(no breakpoints)")
}

func TestShowBreakpoints_WithEntries(t *testing.T) {
	t.Parallel()
	bps := []debugger.BreakpointInfo{
		{Location: breakpoint.Location{File: "job.sh", Line: 20}, Enabled: true, Err: "no such file"},
		{
			Location:  breakpoint.Location{File: "job.sh", Line: 10},
			ID:        "2",
			Enabled:   false,
			Condition: "$x > 5",
			Locations: []breakpoint.Resolved{{ID: "2", Fullname: "/src/job.sh", Line: 10}},
		},
		{Location: breakpoint.Location{Function: "main"}, ID: "1", Enabled: true, Temp: true},
	}
	var buf bytes.Buffer
	showBreakpoints(&buf, bps)
	out := buf.String()
	assert.Contains(t, out, "#1")
	assert.Contains(t, out, "temporary")
	assert.Contains(t, out, "#2")
	assert.Contains(t, out, "disabled")
	assert.Contains(t, out, "if $x > 5")
	assert.Contains(t, out, "/src/job.sh:10")
	assert.Contains(t, out, "#-")
	assert.Contains(t, out, "(pending: no such file)")

	// Rendered breakpoints by id, then the pending one.
	idx1 := strings.Index(out, "#1")
	idx2 := strings.Index(out, "#2")
	idxPending := strings.Index(out, "#-")
	assert.Less(t, idx1, idx2, "breakpoints should be sorted by ID")
	assert.Less(t, idx2, idxPending, "pending breakpoints should come last")
}

func TestShowVars(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	showVars(&buf, nil)
	assert.Contains(t, buf.String(), "(no variables)")

	buf.Reset()
	showVars(&buf, []debugger.Variable{
		{Name: "n", Value: "1", Scope: debugger.ScopeArg},
		{Name: "msg", Value: "first\nsecond", Scope: debugger.ScopeLocal},
	})
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "n (arg)")
	assert.Contains(t, lines[0], "= 1")
	assert.Contains(t, lines[1], "msg")
	assert.Contains(t, lines[1], "= first")
	assert.Equal(t, strings.Repeat(" ", valueIndent)+"second", lines[2])
}

func TestShowBacktrace(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	showBacktrace(&buf, debugger.SessionInfo{})
	assert.Contains(t, buf.String(), "(empty stack)")

	buf.Reset()
	showBacktrace(&buf, debugger.SessionInfo{
		Current: 1,
		Frames: []debugger.StackFrame{
			{Level: 0, Function: "execute_command", Loc: "job.sh(3)", Hint: strings.Repeat("x", 100)},
			{Level: 1, Function: "myFunc", Loc: "job.sh(9)"},
			{Level: 2, Loc: "<unknown>"},
		},
	})
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[1], "> #1"), "selected frame should be marked: %q", lines[1])
	assert.True(t, strings.HasPrefix(lines[0], "  #0"))
	assert.Contains(t, lines[0], "...]")
	assert.NotContains(t, lines[0], strings.Repeat("x", hintWidth+1))
	assert.Contains(t, lines[2], "<unknown>")
}

func TestShowSourceContext(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	showSourceContext(&buf, "nonexistent_file.sh", 5)
	assert.Contains(t, buf.String(), "source not available")

	path := filepath.Join(t.TempDir(), "job.sh")
	var src strings.Builder
	for i := 1; i <= 20; i++ {
		src.WriteString("echo line" + strings.Repeat("!", i%3) + "\n")
	}
	require.NoError(t, os.WriteFile(path, []byte(src.String()), 0o600))
	buf.Reset()
	showSourceContext(&buf, path, 10)
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 2*sourceContextLines+1)
	assert.True(t, strings.HasPrefix(lines[sourceContextLines], "-->   10"))
}

func TestShowProcesses(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	showProcesses(&buf, debugger.Snapshot{})
	assert.Contains(t, buf.String(), "(no processes)")

	buf.Reset()
	showProcesses(&buf, debugger.Snapshot{
		ActiveProcess: "bash:7",
		Processes: []debugger.ProcessInfo{
			{ID: "500", Name: "/bin/prog", PID: 500, Backend: debugger.BackendGdb},
			{ID: "bash:7", Name: "job.sh", PID: 7, Backend: debugger.BackendScript, Sessions: []debugger.SessionInfo{{ID: 1}}},
		},
	})
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "  500"))
	assert.Contains(t, lines[0], "running")
	assert.Contains(t, lines[0], "gdb")
	assert.True(t, strings.HasPrefix(lines[1], "* bash:7"))
	assert.Contains(t, lines[1], "1 stopped")
}

func TestCompleter(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	c := &debugCompleter{engine: e}

	got, n := c.Do([]rune("br"), 2)
	assert.Equal(t, 2, n)
	assert.Equal(t, [][]rune{[]rune("eak"), []rune("eakpoints")}, got)

	got, _ = c.Do([]rune(""), 0)
	assert.Empty(t, got)

	got, n = c.Do([]rune("goto frm"), 8)
	assert.Equal(t, 3, n)
	assert.Equal(t, [][]rune{[]rune("ShFunc:")}, got)

	// Nothing is stopped, so there are no variables.
	got, _ = c.Do([]rune("print m"), 7)
	assert.Empty(t, got)
}

func TestFindBreakpoint(t *testing.T) {
	t.Parallel()
	bps := []debugger.BreakpointInfo{
		{Location: breakpoint.Location{File: "job.sh", Line: 3}, ID: "4", Spec: "line:job.sh|3"},
		{Location: breakpoint.Location{Function: "main"}, Spec: "func:main"},
	}
	loc, ok := findBreakpoint(bps, "4")
	require.True(t, ok)
	assert.Equal(t, bps[0].Location, loc)
	loc, ok = findBreakpoint(bps, "#4")
	require.True(t, ok)
	assert.Equal(t, bps[0].Location, loc)
	loc, ok = findBreakpoint(bps, "func:main")
	require.True(t, ok)
	assert.Equal(t, bps[1].Location, loc)
	loc, ok = findBreakpoint(bps, "line:other.sh|1")
	require.True(t, ok)
	assert.Equal(t, breakpoint.Location{File: "other.sh", Line: 1}, loc)
	_, ok = findBreakpoint(bps, "bogus")
	assert.False(t, ok)
}

func TestHandleLine_NothingDebugged(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	h, out := newTestHandler(t, e)
	ctx := context.Background()

	h.handleLine(ctx, "next")
	assert.Contains(t, out.String(), "not stopped")
	h.handleLine(ctx, "bl")
	assert.Contains(t, out.String(), "no process is being debugged")
	h.handleLine(ctx, "break")
	assert.Contains(t, out.String(), "usage: break")
	h.handleLine(ctx, "break nonsense")
	assert.Contains(t, out.String(), "unrecognized or invalid location spec term")
	h.handleLine(ctx, "frame x")
	assert.Contains(t, out.String(), "invalid frame level: x")
	h.handleLine(ctx, "ps")
	assert.Contains(t, out.String(), "(no processes)")
	h.handleLine(ctx, "frobnicate")
	assert.Contains(t, out.String(), `unknown command "frobnicate"`)
	assert.Equal(t, "(shdbg) ", h.prompt())

	// Empty input repeats the last known command.
	before := strings.Count(out.String(), "(no processes)")
	h.handleLine(ctx, "")
	assert.Equal(t, before+1, strings.Count(out.String(), "(no processes)"))

	h.handleLine(ctx, "q")
	h.handleLine(ctx, "q")
	select {
	case <-h.doneCh:
	default:
		t.Fatal("quit should end the REPL")
	}
	assert.Equal(t, 1, strings.Count(out.String(), "quitting debug session"))
}

// fakeGdb stands in for a gdb connected to the engine.
type fakeGdb struct {
	cmds chan string
	out  *io.PipeWriter
}

func connectFakeGdb(t *testing.T, e *debugger.Engine) *fakeGdb {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	g := &fakeGdb{cmds: make(chan string, 64), out: outW}
	go func() {
		sc := bufio.NewScanner(inR)
		for sc.Scan() {
			g.cmds <- sc.Text()
		}
	}()
	c, err := e.ConnectGdb(inW, outR)
	require.NoError(t, err)
	t.Cleanup(func() {
		outW.Close() //nolint:errcheck
		inW.Close()  //nolint:errcheck
		<-c.Done()
	})
	return g
}

func (g *fakeGdb) emit(t *testing.T, lines ...string) {
	t.Helper()
	for _, l := range lines {
		_, err := io.WriteString(g.out, l+"\n")
		require.NoError(t, err)
	}
}

func (g *fakeGdb) expect(t *testing.T, cmd string) {
	t.Helper()
	select {
	case c := <-g.cmds:
		require.Equal(t, cmd, c)
	case <-time.After(waitFor):
		t.Fatalf("gdb never received %q", cmd)
	}
}

// async runs a command that waits on gdb.
func async(h *debugHandler, line string) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.handleLine(context.Background(), line)
	}()
	return done
}

func wait(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("command never finished")
	}
}

func TestHandleLine_GdbSession(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	g := connectFakeGdb(t, e)
	h, out := newTestHandler(t, e)
	ctx := context.Background()

	g.emit(t,
		`=thread-group-started,id="i1",pid="500"`,
		`=thread-created,id="1",group-id="i1"`,
	)
	require.Eventually(t, func() bool { return e.ActiveProcess() != nil }, waitFor, 10*time.Millisecond)
	assert.Equal(t, "(shdbg 500 running) ", h.prompt())

	done := async(h, "break line:job.sh|3")
	g.expect(t, `-break-insert --source "job.sh" --line 3`)
	g.emit(t, `^done,bkpt={number="2",type="breakpoint",enabled="y",file="job.sh",fullname="/src/job.sh",line="3"}`)
	wait(t, done)
	assert.Contains(t, out.String(), "breakpoint 2 set at")

	h.handleLine(ctx, "bl")
	assert.Contains(t, out.String(), "/src/job.sh:3")

	g.emit(t, `*stopped,reason="breakpoint-hit",thread-id="1",frame={fullname="/src/job.sh",line="3"}`)
	g.expect(t, "-stack-list-frames --thread 1")
	require.Eventually(t, func() bool { return e.ActiveSession() != nil }, waitFor, 10*time.Millisecond)
	assert.Equal(t, "(shdbg 500) ", h.prompt())
	g.emit(t, `^done,stack=[frame={level="0",func="execute_command=SH_CMD: echo hi",file="job.sh",fullname="/src/job.sh",line="3"},frame={level="1",func="main",file="shell.c",line="10"}]`)
	g.expect(t, "-stack-list-arguments --thread 1 2 0 0")
	g.expect(t, "-stack-list-locals --thread 1 --frame 0 2")
	g.emit(t,
		`^done,stack-args=[frame={level="0",args=[{name="n",type="int",value="1"}]}]`,
		`^done,locals=[{name="msg",type="char *",value="hello"}]`,
	)
	require.Eventually(t, func() bool { return len(e.ActiveSession().Info().Vars) == 2 }, waitFor, 10*time.Millisecond)

	h.handleLine(ctx, "bt")
	assert.Contains(t, out.String(), "execute_command  at job.sh(3)  [echo hi]")
	assert.Contains(t, out.String(), "#1   main")
	h.handleLine(ctx, "locals")
	assert.Contains(t, out.String(), "hello")
	h.handleLine(ctx, "p $n")
	assert.Contains(t, out.String(), "n (arg)")
	h.handleLine(ctx, "p nope")
	assert.Contains(t, out.String(), `no variable "nope" in frame 0`)

	done = async(h, "next")
	g.expect(t, "-exec-next --thread 1")
	g.emit(t, `^running`, `*running,thread-id="all"`, `*stopped,reason="end-stepping-range",thread-id="1"`)
	g.expect(t, "-stack-list-frames --thread 1")
	g.emit(t, `^done,stack=[]`)
	wait(t, done)
	assert.Contains(t, out.String(), "stopped: 500 thread 1")
	assert.Contains(t, out.String(), "(empty stack)")

	done = async(h, "delete 2")
	g.expect(t, "-break-delete 2")
	g.emit(t, `^done`)
	wait(t, done)
	assert.Contains(t, out.String(), "removed")
}

func TestRun(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	inR, inW := io.Pipe()
	t.Cleanup(func() { inR.Close() }) //nolint:errcheck
	go func() {
		defer inW.Close() //nolint:errcheck
		_, _ = io.WriteString(inW, "help\nps\nquit\nhelp\n")
	}()
	out := &syncBuffer{}
	err := Run(context.Background(), e,
		WithStdin(inR),
		WithStderr(out),
		WithHistoryFile(""),
		WithLogger(testLogger()),
	)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(out.String(), "Debug commands:"))
	assert.Contains(t, out.String(), "(no processes)")
	assert.Contains(t, out.String(), "quitting debug session")
}
