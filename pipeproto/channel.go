// Copyright © 2018 The ELPS authors

package pipeproto

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

var (
	// ErrChannelClosed is returned by writes on a closed channel.
	ErrChannelClosed = errors.New("pipe channel closed")
	// ErrNoOutbound is returned by writes on a receive-only channel.
	ErrNoOutbound = errors.New("pipe channel has no outbound pipe")
	// ErrPeerClosed is returned by writes once the peer closed its end
	// of the inbound pipe.
	ErrPeerClosed = errors.New("pipe peer closed")
)

// SessionPaths returns the inbound and outbound fifo paths of a script
// session channel rooted at base.
func SessionPaths(base string) (in, out string) {
	return base + "-fromScript", base + "-toScript"
}

// EnsureFifo creates a named pipe at path unless one already exists.
func EnsureFifo(path string, mode uint32) error {
	fi, err := os.Stat(path)
	if err == nil {
		if fi.Mode()&os.ModeNamedPipe == 0 {
			return fmt.Errorf("%s exists and is not a fifo", path)
		}
		return nil
	}
	if !os.IsNotExist(err) {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	if err := unix.Mkfifo(path, mode); err != nil && !errors.Is(err, unix.EEXIST) {
		return fmt.Errorf("mkfifo %s: %w", path, err)
	}
	return nil
}

// ChannelOption configures a Channel.
type ChannelOption func(*Channel)

// WithLogger sets the logger used for channel diagnostics.
func WithLogger(log *logrus.Entry) ChannelOption {
	return func(c *Channel) {
		c.log = log
	}
}

// KeepOpen opens the inbound pipe read-write so that it never reports end
// of stream when writers come and go. Used for the listen pipe.
func KeepOpen() ChannelOption {
	return func(c *Channel) {
		c.keepOpen = true
	}
}

// Channel is a pair of fifos carrying framed messages. The inbound side
// is read on its own goroutine into a Framer.
type Channel struct {
	inPath   string
	outPath  string
	keepOpen bool
	framer   *Framer
	log      *logrus.Entry

	opened chan struct{}

	mu       sync.Mutex
	in       *os.File
	out      *os.File
	closed   bool
	started  bool
	// peerGone is set at inbound EOF. The outbound fifo is held open
	// read-write, so writes after the peer exits would otherwise succeed
	// into the kernel buffer.
	peerGone bool
	wg       conc.WaitGroup
}

// NewChannel returns a channel reading inPath and writing outPath. Either
// path may be empty for a one-directional channel. Nothing is opened until
// Start.
func NewChannel(inPath, outPath string, opts ...ChannelOption) *Channel {
	c := &Channel{
		inPath:  inPath,
		outPath: outPath,
		framer:  NewFramer(),
		opened:  make(chan struct{}),
		log:     logrus.StandardLogger().WithField("component", "pipe"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.WithField("pipe", inPath)
	return c
}

// Subscribe registers h for inbound messages.
func (c *Channel) Subscribe(h Handler) func() {
	return c.framer.Subscribe(h)
}

// Start opens the outbound pipe and begins reading the inbound pipe. The
// outbound pipe is opened read-write so that the open never waits for a
// peer. The cost is that a write never sees EPIPE; a peer that exits is
// noticed through inbound EOF instead, after which writes fail with
// ErrPeerClosed.
func (c *Channel) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrChannelClosed
	}
	if c.outPath != "" {
		out, err := os.OpenFile(c.outPath, os.O_RDWR, 0)
		if err != nil {
			return fmt.Errorf("open %s: %w", c.outPath, err)
		}
		c.out = out
	}
	if c.inPath != "" {
		c.started = true
		c.wg.Go(c.readLoop)
	}
	return nil
}

func (c *Channel) readLoop() {
	flag := os.O_RDONLY
	if c.keepOpen {
		flag = os.O_RDWR
	}
	in, err := os.OpenFile(c.inPath, flag, 0)
	close(c.opened)
	if err != nil {
		if !c.isClosed() {
			c.log.WithError(err).Error("open inbound pipe")
			c.framer.End()
		}
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		in.Close() //nolint:errcheck // best-effort cleanup
		return
	}
	c.in = in
	c.mu.Unlock()

	_, err = io.Copy(c.framer, in)
	if c.isClosed() {
		return
	}
	if err != nil {
		c.log.WithError(err).Warn("read inbound pipe")
	}
	c.log.Debug("peer closed pipe")
	c.mu.Lock()
	c.peerGone = true
	c.mu.Unlock()
	c.framer.End()
}

func (c *Channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Send writes a message built from cmd and args.
func (c *Channel) Send(cmd string, args ...string) error {
	return c.WriteRaw(Format(cmd, args...))
}

// WriteRaw writes s verbatim to the outbound pipe.
func (c *Channel) WriteRaw(s string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrChannelClosed
	}
	if c.out == nil {
		return ErrNoOutbound
	}
	if c.peerGone {
		return ErrPeerClosed
	}
	_, err := io.WriteString(c.out, s)
	return err
}

// Close closes both pipes and waits for the reader goroutine. No end event
// is delivered for a locally closed channel.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	var err error
	if c.out != nil {
		err = multierr.Append(err, c.out.Close())
	}
	started := c.started
	if c.in != nil {
		err = multierr.Append(err, c.in.Close())
	}
	c.mu.Unlock()
	if started {
		c.unblockOpen()
	}
	c.wg.Wait()
	return err
}

// unblockOpen releases a reader blocked opening the inbound fifo for want
// of a writer. Brief read-write opens are repeated until the reader has
// passed its open call.
func (c *Channel) unblockOpen() {
	for {
		select {
		case <-c.opened:
			return
		default:
		}
		if f, err := os.OpenFile(c.inPath, os.O_RDWR|unix.O_NONBLOCK, 0); err == nil {
			f.Close() //nolint:errcheck // best-effort cleanup
		}
		select {
		case <-c.opened:
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// SendOnce opens path, writes text verbatim and closes it. It is used for
// replies to pipes the peer owns and is already reading.
func SendOnce(path, text string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	_, err = io.WriteString(f, text)
	return multierr.Append(err, f.Close())
}
