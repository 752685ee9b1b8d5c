// Copyright © 2018 The ELPS authors

package debugger

import (
	"bufio"
	"io"
	"testing"
	"time"

	"github.com/luthersystems/shdbg/breakpoint"
	"github.com/luthersystems/shdbg/mi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGdb stands in for a gdb connected to the engine.
type fakeGdb struct {
	cmds chan string
	out  *io.PipeWriter
}

func connectFakeGdb(t *testing.T, e *Engine) *fakeGdb {
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
	// Registered after the engine, so this runs before the engine closes
	// and waits for the reader.
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

func TestGdbBackend_Session(t *testing.T) {
	t.Parallel()
	host := newFakeHost("/src/job.sh")
	e := newTestEngine(t, WithHost(host))
	g := connectFakeGdb(t, e)

	g.emit(t,
		`=thread-group-started,id="i1",pid="500"`,
		`=thread-created,id="1",group-id="i1"`,
		`=library-loaded,id="/lib/libc.so.6",target-name="/lib/libc.so.6",thread-group="i1"`,
	)
	require.Eventually(t, func() bool { return e.Process(pidKey(500)) != nil }, waitFor, 10*time.Millisecond)
	p := e.Process(pidKey(500))
	assert.Equal(t, BackendGdb, p.Kind())
	assert.Equal(t, 500, p.PID())
	require.Eventually(t, func() bool { return len(p.Info().Libraries) == 1 }, waitFor, 10*time.Millisecond)

	// A stop on a thread nobody owns is ignored.
	g.emit(t, `*stopped,reason="signal-received",thread-id="99"`)

	next := p.WaitForNextBreakSession("1")
	g.emit(t, `*stopped,reason="breakpoint-hit",thread-id="1",frame={fullname="/src/job.sh",line="3"}`)
	g.expect(t, "-stack-list-frames --thread 1")
	s, err := await(t, next)
	require.NoError(t, err)
	assert.Equal(t, "1", s.Thread())

	g.emit(t, `^done,stack=[frame={level="0",func="execute_command=SH_CMD: echo hi",file="job.sh",fullname="/src/job.sh",line="3"},frame={level="1",func="main",file="shell.c",line="10"}]`)
	_, err = await(t, s.WaitSettled())
	require.NoError(t, err)
	info := s.Info()
	require.Len(t, info.Frames, 2)
	assert.Equal(t, "execute_command", info.Frames[0].Function)
	assert.Equal(t, "echo hi", info.Frames[0].Hint)
	assert.Equal(t, "shell.c", info.Frames[1].File)
	assert.Equal(t, "/src/job.sh", host.lastShown())

	g.expect(t, "-stack-list-arguments --thread 1 2 0 0")
	g.expect(t, "-stack-list-locals --thread 1 --frame 0 2")
	g.emit(t,
		`^done,stack-args=[frame={level="0",args=[{name="n",type="int",value="1"}]}]`,
		`^done,locals=[{name="msg",type="char *",value="a\\nb"}]`,
	)
	require.Eventually(t, func() bool { return len(s.Info().Vars) == 2 }, waitFor, 10*time.Millisecond)
	vars := s.Info().Vars
	assert.Equal(t, Variable{Name: "n", Type: "int", Value: "1", Scope: ScopeArg}, vars[0])
	assert.Equal(t, Variable{Name: "msg", Type: "char *", Value: "a\nb", Scope: ScopeLocal}, vars[1])

	step := s.StepOver()
	g.expect(t, "-exec-next --thread 1")
	g.emit(t, `^running`, `*running,thread-id="all"`)
	require.Eventually(t, func() bool { return s.Info().Destroyed }, waitFor, 10*time.Millisecond)
	assert.False(t, step.Settled())

	g.emit(t, `*stopped,reason="end-stepping-range",thread-id="1"`)
	g.expect(t, "-stack-list-frames --thread 1")
	s2, err := await(t, step)
	require.NoError(t, err)
	assert.NotEqual(t, s.ID(), s2.ID())
	g.emit(t, `^done,stack=[]`)
	_, err = await(t, s2.WaitSettled())
	require.NoError(t, err)

	added := p.AddBreakpoint(breakpoint.MustParse("line:job.sh|3"))
	g.expect(t, `-break-insert --source "job.sh" --line 3`)
	g.emit(t, `^done,bkpt={number="2",type="breakpoint",enabled="y",file="job.sh",fullname="/src/job.sh",line="3"}`)
	bp, err := await(t, added)
	require.NoError(t, err)
	assert.Equal(t, "2", bp.ID)
	marks, _ := host.counts()
	assert.Equal(t, 1, marks)

	g.emit(t, `=breakpoint-modified,bkpt={number="2",type="breakpoint",enabled="n",file="job.sh",fullname="/src/job.sh",line="3"}`)
	require.Eventually(t, func() bool {
		bps := p.Breakpoints()
		return len(bps) == 1 && !bps[0].Enabled
	}, waitFor, 10*time.Millisecond)
	marks, unmarked := host.counts()
	assert.Equal(t, 2, marks)
	assert.Equal(t, 1, unmarked, "re-rendering releases the old marker")
	assert.Equal(t, 1, host.locationsReleased(), "only the stepped-from session showed a location")

	g.emit(t, `=breakpoint-deleted,id="2"`)
	require.Eventually(t, func() bool { return len(p.Breakpoints()) == 0 }, waitFor, 10*time.Millisecond)

	g.emit(t, `=thread-group-exited,id="i1",exit-code="0"`)
	require.Eventually(t, func() bool { return e.Process(pidKey(500)) == nil }, waitFor, 10*time.Millisecond)
	assert.True(t, s2.Info().Destroyed)
}

func TestGdbBackend_ThreadRunningOnlyEndsItsSessions(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, WithHost(newFakeHost()))
	g := connectFakeGdb(t, e)

	g.emit(t,
		`=thread-group-started,id="i1",pid="501"`,
		`=thread-created,id="1",group-id="i1"`,
		`=thread-created,id="2",group-id="i1"`,
		`*stopped,thread-id="1"`,
	)
	g.expect(t, "-stack-list-frames --thread 1")
	g.emit(t, `^done,stack=[]`, `*stopped,thread-id="2"`)
	g.expect(t, "-stack-list-frames --thread 2")
	g.emit(t, `^done,stack=[]`)
	p := e.Process(pidKey(501))
	require.NotNil(t, p)
	require.Eventually(t, func() bool { return len(p.Info().Sessions) == 2 }, waitFor, 10*time.Millisecond)

	g.emit(t, `*running,thread-id="1"`)
	require.Eventually(t, func() bool { return len(p.Info().Sessions) == 1 }, waitFor, 10*time.Millisecond)
	assert.Equal(t, "2", p.ActiveSession().Thread())

	g.emit(t, `=thread-exited,id="2",group-id="i1"`)
	require.Eventually(t, func() bool { return len(p.Info().Sessions) == 0 }, waitFor, 10*time.Millisecond)
}

func TestGdbBackend_AttachToLocation(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, WithHost(newFakeHost()))
	g := connectFakeGdb(t, e)

	attached := e.AttachGdb(700, "frmShFunc:myFunc")
	g.expect(t, "-target-attach 700")
	g.emit(t,
		`=thread-group-started,id="i2",pid="700"`,
		`=thread-created,id="7",group-id="i2"`,
		`^done`,
		`*stopped,reason="signal-received",signal-name="SIGINT",thread-id="7"`,
	)
	g.expect(t, "-stack-list-frames --thread 7")
	g.emit(t, `^done,stack=[`+
		`frame={level="0",func="execute_builtin",file="builtins.c",line="1"},`+
		`frame={level="1",func="execute_command=SH_CMD: myFunc x",file="execute_cmd.c",line="2"},`+
		`frame={level="2",func="main",file="shell.c",line="3"}]`)
	g.expect(t, "-stack-list-arguments --thread 7 2 0 0")
	g.expect(t, "-stack-list-locals --thread 7 --frame 0 2")
	g.emit(t, `^done,stack-args=[]`, `^done,locals=[]`)

	g.expect(t, "-exec-finish --thread 7 --frame 0")
	assert.False(t, attached.Settled())
	g.emit(t, `^running`, `*running,thread-id="7"`, `*stopped,reason="function-finished",thread-id="7"`)
	g.expect(t, "-stack-list-frames --thread 7")
	s, err := await(t, attached)
	require.NoError(t, err)
	assert.Equal(t, "7", s.Thread())
	assert.Equal(t, 700, s.Process().PID())
	g.emit(t, `^done,stack=[]`)
}

func TestGdbBackend_AttachFails(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, WithHost(newFakeHost()))

	_, err := await(t, e.AttachGdb(1, ""))
	assert.ErrorIs(t, err, ErrNoGdb)

	g := connectFakeGdb(t, e)
	attached := e.AttachGdb(800, "")
	g.expect(t, "-target-attach 800")
	g.emit(t, `^error,msg="ptrace: Operation not permitted."`)
	_, err = await(t, attached)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Operation not permitted")

	_, err = e.ConnectGdb(io.Discard, eofReader{})
	assert.Error(t, err, "one gdb per engine")
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }

func TestDecodeGdbStack(t *testing.T) {
	t.Parallel()
	r := mi.Parse(`^done,stack=[frame={level="0",func="f=SH_CMD: ls -l",file="a.c",line="4"},frame={level="1",func="??"}]`)
	require.NoError(t, r.Err)
	frames := decodeGdbStack(r.Data.List("stack"))
	require.Len(t, frames, 2)
	assert.Equal(t, "f", frames[0].Function)
	assert.Equal(t, "ls -l", frames[0].Hint)
	assert.Equal(t, "a.c", frames[0].File)
	assert.Equal(t, 4, frames[0].Line)
	assert.Equal(t, shortLoc("a.c", 4), frames[0].Loc)
	assert.Equal(t, 1, frames[1].Level)
	assert.Equal(t, "<error>", frames[1].Loc)
}
