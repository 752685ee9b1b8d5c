// Copyright © 2018 The ELPS authors

package gdb

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"go.opentelemetry.io/otel"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
)

// DefaultArgs start gdb quietly speaking MI3.
var DefaultArgs = []string{"-quiet", "--interpreter=mi3"}

// DefaultInitCommands are sent after spawning. They make execution
// asynchronous, report absolute file names and keep gdb attached to the
// parent across forks.
var DefaultInitCommands = []string{
	"-gdb-set mi-async on",
	"-gdb-set filename-display absolute",
	"-gdb-set detach-on-fork on",
	"-gdb-set follow-fork-mode parent",
	"-enable-pretty-printing",
	"-enable-frame-filters",
	"-gdb-set python print-stack full",
}

// exitGrace is how long Close waits for gdb to exit on its own.
const exitGrace = 2 * time.Second

type process struct {
	cmd   *exec.Cmd
	stdin io.Closer
}

// Spawn starts the debugger at path and returns a client attached to its
// stdin and stdout. Its stderr is logged.
func Spawn(ctx context.Context, path string, args []string, opts ...Option) (*Client, error) {
	_, span := otel.GetTracerProvider().Tracer(tracerName).Start(ctx, "gdb spawn",
		trace.WithAttributes(semconv.ProcessExecutableName(path)))
	defer span.End()

	cmd := exec.Command(path, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("gdb: start %s: %w", path, err)
	}
	span.SetAttributes(semconv.ProcessPID(cmd.Process.Pid))

	c := NewClient(stdin, stdout, opts...)
	c.proc = &process{cmd: cmd, stdin: stdin}
	c.log = c.log.WithField("gdb_pid", cmd.Process.Pid)
	c.wg.Go(func() {
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			c.log.WithField("stream", "stderr").Warn(sc.Text())
		}
	})
	return c, nil
}

// Init sends each command in order, waiting for each reply. Every failure
// is reported; a failed command does not stop the rest.
func (c *Client) Init(ctx context.Context, commands []string) error {
	var err error
	for _, cmd := range commands {
		if _, cerr := c.Exec(ctx, cmd); cerr != nil {
			err = multierr.Append(err, cerr)
		}
	}
	return err
}

// SourceCommand returns the MI command that makes gdb read a script.
func SourceCommand(path string) string {
	return "-interpreter-exec console " + quoteConsole("source "+path)
}

func quoteConsole(s string) string {
	b := []byte{'"'}
	for i := 0; i < len(s); i++ {
		if s[i] == '"' || s[i] == '\\' {
			b = append(b, '\\')
		}
		b = append(b, s[i])
	}
	return string(append(b, '"'))
}

// Source makes gdb read the script at path.
func (c *Client) Source(ctx context.Context, path string) error {
	_, err := c.Exec(ctx, SourceCommand(path))
	return err
}

// Close asks gdb to exit, closes its stdin and waits for it. A client
// built with NewClient only stops its watchers and waits for the reader.
func (c *Client) Close() error {
	var err error
	for _, w := range c.watchers {
		err = multierr.Append(err, w.Close())
	}
	if c.proc == nil {
		c.wg.Wait()
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), exitGrace)
	defer cancel()
	fut := c.SendCommand(ctx, "-gdb-exit")
	select {
	case <-fut.Done():
	case <-ctx.Done():
	}
	err = multierr.Append(err, c.proc.stdin.Close())

	select {
	case <-c.done:
	case <-time.After(exitGrace):
		c.log.Warn("gdb did not exit, killing it")
		if kerr := c.proc.cmd.Process.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
			err = multierr.Append(err, kerr)
		}
	}
	c.wg.Wait()
	if werr := c.proc.cmd.Wait(); werr != nil {
		var exitErr *exec.ExitError
		if !errors.As(werr, &exitErr) {
			err = multierr.Append(err, werr)
		}
	}
	return err
}
