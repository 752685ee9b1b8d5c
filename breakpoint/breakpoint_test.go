// Copyright © 2018 The ELPS authors

package breakpoint

import (
	"testing"

	"github.com/luthersystems/shdbg/mi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_IdentityIgnoresModifiers(t *testing.T) {
	t.Parallel()
	a, err := Parse("line:a.sh|10")
	require.NoError(t, err)
	b, err := Parse("--source a.sh --line 10 -t")
	require.NoError(t, err)

	assert.True(t, a.Equal(b))
	assert.Equal(t, a.Identity(), b.Identity())
	assert.False(t, a.Temp)
	assert.True(t, b.Temp)
}

func TestParse_BogusTerm(t *testing.T) {
	t.Parallel()
	_, err := Parse("line:a.sh|10 --bogus")
	var perr *LocationSpecParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 13, perr.Pos)
	assert.Equal(t, "--bogus", perr.Remaining)
}

func TestParse_Terms(t *testing.T) {
	t.Parallel()
	tests := []struct {
		spec string
		want Breakpoint
	}{
		{"line:a.sh", Breakpoint{Location: Location{File: "a.sh"}, Enabled: true}},
		{"func:main|b.c", Breakpoint{Location: Location{Function: "main", File: "b.c"}, Enabled: true}},
		{"func:main", Breakpoint{Location: Location{Function: "main"}, Enabled: true}},
		{"label:out|main|b.c", Breakpoint{Location: Location{Label: "out", Function: "main", File: "b.c"}, Enabled: true}},
		{"label:out", Breakpoint{Location: Location{Label: "out"}, Enabled: true}},
		{"--function f --label l", Breakpoint{Location: Location{Function: "f", Label: "l"}, Enabled: true}},
		{"  line:a.sh|3   -h -d  ", Breakpoint{Location: Location{File: "a.sh", Line: 3}, Hardware: true}},
		{"--temp --hardware --disabled --skipCount 4 --thread-id 7 line:x|1",
			Breakpoint{Location: Location{File: "x", Line: 1}, Temp: true, Hardware: true, SkipCount: 4, ThreadID: "7"}},
		{"-i 2 -p 3 line:x|1", Breakpoint{Location: Location{File: "x", Line: 1}, Enabled: true, SkipCount: 2, ThreadID: "3"}},
		{`line:x|1 -c "a == b"`, Breakpoint{Location: Location{File: "x", Line: 1}, Enabled: true, Condition: "a == b"}},
		{`line:x|1 --condition 'a != 1'`, Breakpoint{Location: Location{File: "x", Line: 1}, Enabled: true, Condition: "a != 1"}},
		{`line:x|1 -c x>2`, Breakpoint{Location: Location{File: "x", Line: 1}, Enabled: true, Condition: "x>2"}},
		{"--line 7", Breakpoint{Location: Location{Line: 7}, Enabled: true}},
	}
	for _, tc := range tests {
		got, err := Parse(tc.spec)
		require.NoError(t, err, tc.spec)
		tc.want.Spec = tc.spec
		assert.Equal(t, &tc.want, got, tc.spec)
	}
}

func TestParse_Rejects(t *testing.T) {
	t.Parallel()
	for _, spec := range []string{
		"bogus",
		"-tx",
		"line:a.sh|x",
		"--line ten",
		"-c",
		"-i abc",
		"line:a.sh|10 extra",
		"--source",
	} {
		_, err := Parse(spec)
		var perr *LocationSpecParseError
		assert.ErrorAs(t, err, &perr, "spec %q", spec)
	}
}

func TestParse_RequiresLocation(t *testing.T) {
	t.Parallel()
	for _, spec := range []string{
		"",
		"   ",
		"-t",
		"-c 'x == 1'",
		"--temp --hardware -i 3",
	} {
		_, err := Parse(spec)
		var perr *LocationSpecParseError
		require.ErrorAs(t, err, &perr, "spec %q", spec)
		assert.ErrorIs(t, err, ErrNoLocation, "spec %q", spec)
		assert.Equal(t, spec, perr.Spec)
	}
}

func TestInsertCommand(t *testing.T) {
	t.Parallel()
	b := MustParse(`line:/src/a.sh|10 -t -c "running_trap != 65" -i 2 -p 1`)
	assert.Equal(t,
		`-break-insert -t -c "running_trap != 65" -i 2 -p 1 --source "/src/a.sh" --line 10`,
		b.InsertCommand())

	f := MustParse("func:main -d -h")
	assert.Equal(t, "-break-insert -h -d --function main", f.InsertCommand())

	f.ID = "4"
	assert.Equal(t, "-break-delete 4", f.DeleteCommand())
}

func TestApplyMI(t *testing.T) {
	t.Parallel()
	r := mi.Parse(`^done,bkpt={number="2",type="breakpoint",enabled="y",file="a.c",fullname="/src/a.c",line="10",func="main"}`)
	require.NoError(t, r.Err)
	b := AtLine("a.c", 10)
	b.ApplyMI(r.Data.Tuple("bkpt"))
	assert.True(t, b.Rendered())
	assert.Equal(t, "2", b.ID)
	require.Len(t, b.Locations, 1)
	assert.Equal(t, "/src/a.c", b.Locations[0].Path())
	assert.Equal(t, 10, b.Locations[0].Line)

	r = mi.Parse(`=breakpoint-modified,bkpt={number="3",enabled="n",locations=[{number="3.1",file="x.h",line="4"},{number="3.2",filename="y.h",line="9"}]}`)
	require.NoError(t, r.Err)
	m := New(Location{Function: "inl"})
	m.ApplyMI(r.Data.Tuple("bkpt"))
	assert.False(t, m.Enabled)
	require.Len(t, m.Locations, 2)
	assert.Equal(t, "3.2", m.Locations[1].ID)
	assert.Equal(t, "y.h", m.Locations[1].Path())
}

type countingMarker struct{ n *int }

func (m countingMarker) Dispose() { *m.n++ }

func TestClearRenderReleasesMarkers(t *testing.T) {
	t.Parallel()
	n := 0
	b := AtLine("a.sh", 1)
	b.ID = "1"
	b.Markers = []Disposable{countingMarker{&n}, countingMarker{&n}}
	c := b.Clone()
	assert.False(t, c.Rendered())
	assert.Empty(t, c.Markers)

	b.ClearRender()
	assert.Equal(t, 2, n)
	assert.False(t, b.Rendered())
	assert.Empty(t, b.Markers)
}

func TestList(t *testing.T) {
	t.Parallel()
	var l List
	a := MustParse("line:a.sh|1")
	assert.True(t, l.Add(a))
	assert.False(t, l.Add(MustParse("line:a.sh|1 -t")), "same identity is not added twice")
	b := MustParse("func:f")
	assert.True(t, l.Add(b))
	assert.Equal(t, 2, l.Len())
	assert.Same(t, a, l.Find(MustParse("--source a.sh --line 1")))

	b.ID = "7"
	assert.Same(t, b, l.ByID("7"))
	assert.Nil(t, l.ByID(""))

	assert.Same(t, a, l.Remove(MustParse("line:a.sh|1")))
	assert.Nil(t, l.Remove(a))
	assert.Equal(t, []*Breakpoint{b}, l.All())
}

func TestString(t *testing.T) {
	t.Parallel()
	b := MustParse(`line:a.sh|3 -t -c "x > 1"`)
	assert.Equal(t, "a.sh:3 (temp, if x > 1)", b.String())
	assert.Equal(t, "main label out", MustParse("label:out|main").Location.String())
}
