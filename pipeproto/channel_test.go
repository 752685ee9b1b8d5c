// Copyright © 2018 The ELPS authors

package pipeproto

import (
	"bufio"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFifoPair(t *testing.T) (in, out string) {
	t.Helper()
	in, out = SessionPaths(filepath.Join(t.TempDir(), "sess"))
	require.NoError(t, EnsureFifo(in, 0o600))
	require.NoError(t, EnsureFifo(out, 0o600))
	return in, out
}

func TestEnsureFifo(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "sub", "p")
	require.NoError(t, EnsureFifo(path, 0o600))
	require.NoError(t, EnsureFifo(path, 0o600), "existing fifo is accepted")
	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.NotZero(t, fi.Mode()&os.ModeNamedPipe)

	regular := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(regular, nil, 0o600))
	assert.Error(t, EnsureFifo(regular, 0o600))
}

func TestChannel_RoundTrip(t *testing.T) {
	t.Parallel()
	in, out := newFifoPair(t)
	c := NewChannel(in, out)
	msgs := make(chan Message, 4)
	ended := make(chan struct{}, 4)
	c.Subscribe(HandlerFuncs{
		OnMessage: func(m Message) { msgs <- m },
		OnEnd:     func() { ended <- struct{}{} },
	})
	require.NoError(t, c.Start())

	peer, err := os.OpenFile(in, os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = peer.WriteString("leave\n\nvars {}\n\n")
	require.NoError(t, err)

	select {
	case m := <-msgs:
		assert.Equal(t, KindLeave, m.Kind)
	case <-time.After(5 * time.Second):
		t.Fatal("no message")
	}
	m := <-msgs
	assert.Equal(t, "{}", m.ArgsRaw)

	require.NoError(t, c.Send("getFrmVars", "1"))
	reader, err := os.OpenFile(out, os.O_RDONLY, 0)
	require.NoError(t, err)
	defer reader.Close() //nolint:errcheck
	line, err := bufio.NewReader(reader).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "getFrmVars 1\n", line)

	require.NoError(t, peer.Close())
	select {
	case <-ended:
	case <-time.After(5 * time.Second):
		t.Fatal("no end event")
	}
	assert.ErrorIs(t, c.Send("resume"), ErrPeerClosed, "writes fail once the peer is gone")

	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Send("resume"), ErrChannelClosed)
	assert.Len(t, ended, 0, "end is delivered once")
}

func TestChannel_CloseBeforePeer(t *testing.T) {
	t.Parallel()
	in, out := newFifoPair(t)
	c := NewChannel(in, out)
	ended := false
	c.Subscribe(HandlerFuncs{OnEnd: func() { ended = true }})
	require.NoError(t, c.Start())

	done := make(chan error, 1)
	go func() { done <- c.Close() }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("close blocked on pending open")
	}
	assert.False(t, ended)
	assert.ErrorIs(t, c.WriteRaw("x"), ErrChannelClosed)
}

func TestChannel_ReceiveOnly(t *testing.T) {
	t.Parallel()
	in, _ := newFifoPair(t)
	c := NewChannel(in, "", KeepOpen())
	require.NoError(t, c.Start())
	defer c.Close() //nolint:errcheck
	assert.ErrorIs(t, c.Send("pong"), ErrNoOutbound)
}
