// Copyright © 2018 The ELPS authors

// Package dapserver implements a DAP (Debug Adapter Protocol) server for
// the debugger engine. It translates between the DAP wire protocol and
// the debugger.Engine interface, and presents the engine's state to the
// DAP client by acting as its Host.
//
// The server supports two transport modes:
//   - TCP: the server listens on a TCP port and accepts a single client
//     connection.
//   - Stdio: for editors that launch the adapter as a child process.
//
// Every stopped thread of every debugged process is a DAP thread whose id
// is the break session id, so a thread disappears when it resumes and a
// new one appears at its next stop.
package dapserver

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/google/go-dap"
	"github.com/luthersystems/shdbg/debugger"
	"github.com/sirupsen/logrus"
)

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server's logger.
func WithLogger(log *logrus.Entry) Option {
	return func(s *Server) {
		s.log = log
	}
}

// Server is a DAP protocol server that wraps a debugger Engine.
type Server struct {
	engine *debugger.Engine
	log    *logrus.Entry

	mu     sync.Mutex
	seq    int
	writer io.Writer

	// done is closed when the server should stop processing messages.
	done chan struct{}
}

// New creates a new DAP server wrapping the given debugger engine.
func New(engine *debugger.Engine, opts ...Option) *Server {
	s := &Server{
		engine: engine,
		log:    logrus.StandardLogger().WithField("component", "dap"),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServeConn serves DAP messages on a single connection. It blocks until
// the connection is closed or a disconnect request is received.
func (s *Server) ServeConn(conn io.ReadWriteCloser) error {
	defer conn.Close() //nolint:errcheck // best-effort cleanup
	return s.serve(conn, conn)
}

// ServeTCP listens on the given address and serves a single DAP client.
// It blocks until the client disconnects.
func (s *Server) ServeTCP(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	defer ln.Close() //nolint:errcheck // best-effort cleanup
	s.log.WithField("addr", ln.Addr().String()).Info("waiting for DAP client")
	return s.ServeListener(ln)
}

// ServeListener accepts a single connection from the listener and serves
// DAP messages on it.
func (s *Server) ServeListener(ln net.Listener) error {
	conn, err := ln.Accept()
	if err != nil {
		return err
	}
	return s.ServeConn(conn)
}

// ServeStdio serves DAP messages on the given reader and writer,
// typically os.Stdin and os.Stdout.
func (s *Server) ServeStdio(r io.Reader, w io.Writer) error {
	return s.serve(r, w)
}

func (s *Server) serve(r io.Reader, w io.Writer) error {
	s.mu.Lock()
	s.writer = w
	s.mu.Unlock()
	reader := bufio.NewReader(r)

	h := newHandler(s, s.engine)
	s.engine.SetHost(h.host)
	s.engine.SetEventCallback(h.onEvent)
	defer func() {
		s.engine.SetEventCallback(nil)
		s.engine.SetHost(nil)
	}()

	for {
		select {
		case <-s.done:
			return nil
		default:
		}

		msg, err := dap.ReadProtocolMessage(reader)
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
				if errors.Is(err, io.EOF) {
					return nil
				}
				return err
			}
		}

		h.handle(msg)
	}
}

// send writes a DAP protocol message to the client.
// The caller is responsible for setting the Seq field before calling send
// (via the newResponse/newEvent helpers which call nextSeq).
func (s *Server) send(msg dap.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer == nil {
		return io.ErrClosedPipe
	}
	return dap.WriteProtocolMessage(s.writer, msg)
}

// nextSeq returns the next sequence number for outgoing messages.
func (s *Server) nextSeq() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

// close signals the server to stop processing messages.
func (s *Server) close() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}
