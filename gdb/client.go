// Copyright © 2018 The ELPS authors

// Package gdb drives a debugger over its machine interface. Commands are
// written one per line; replies are matched to commands purely by order,
// since the debugger answers synchronous commands in the order it
// receives them even while asynchronous records are interleaved.
package gdb

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/golang-collections/collections/queue"
	"github.com/luthersystems/shdbg/future"
	"github.com/luthersystems/shdbg/mi"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "github.com/luthersystems/shdbg/gdb"

	// maxLineSize bounds a single MI record. Large stack listings and
	// pretty-printed values exceed bufio's default.
	maxLineSize = 16 << 20
)

// Handler receives every record that is not a command reply: exec,
// status and notify records, and console/target/log streams. It is called
// from the client's reader goroutine, one record at a time.
type Handler interface {
	HandleRecord(*mi.Record)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(*mi.Record)

func (f HandlerFunc) HandleRecord(r *mi.Record) { f(r) }

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client's logger.
func WithLogger(log *logrus.Entry) Option {
	return func(c *Client) {
		c.log = log
	}
}

// WithHandler sets the receiver of asynchronous records.
func WithHandler(h Handler) Option {
	return func(c *Client) {
		c.handler = h
	}
}

// WithTracerProvider sets the provider of per-command spans. The global
// provider is used by default.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Client) {
		c.tracer = tp.Tracer(tracerName)
	}
}

type pending struct {
	cmd  string
	fut  *future.Future[*mi.Record]
	span trace.Span
}

// Client correlates commands with replies on one debugger's stdin/stdout.
type Client struct {
	in      io.Writer
	out     io.Reader
	log     *logrus.Entry
	handler Handler
	tracer  trace.Tracer

	// mu makes the stdin write and the queue push one step, so the reader
	// can never see a reply before its command is queued.
	mu     sync.Mutex
	queue  *queue.Queue
	closed bool

	wg      conc.WaitGroup
	done    chan struct{}
	readErr error

	// Set by Spawn.
	proc     *process
	watchers []io.Closer
}

// NewClient starts reading records from out. Commands are written to in.
func NewClient(in io.Writer, out io.Reader, opts ...Option) *Client {
	c := &Client{
		in:      in,
		out:     out,
		log:     logrus.StandardLogger().WithField("component", "gdb"),
		handler: HandlerFunc(func(*mi.Record) {}),
		tracer:  otel.GetTracerProvider().Tracer(tracerName),
		queue:   queue.New(),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.wg.Go(c.readLoop)
	return c
}

// SendCommand writes one command and returns a future for its reply. A
// reply of class "error" rejects the future with *CommandError.
func (c *Client) SendCommand(ctx context.Context, text string) *future.Future[*mi.Record] {
	text = strings.TrimRight(text, "\n")
	_, span := c.tracer.Start(ctx, "gdb "+verb(text),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("gdb.command", text)))
	p := &pending{cmd: text, fut: future.New[*mi.Record](), span: span}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		c.fail(p, ErrClientClosed)
		return p.fut
	}
	if _, err := io.WriteString(c.in, text+"\n"); err != nil {
		c.fail(p, fmt.Errorf("gdb: write %q: %w", text, err))
		return p.fut
	}
	c.log.WithField("cmd", text).Debug("sent")
	c.queue.Enqueue(p)
	return p.fut
}

// Exec sends a command and waits for its reply.
func (c *Client) Exec(ctx context.Context, text string) (*mi.Record, error) {
	return c.SendCommand(ctx, text).Await(ctx)
}

// Pending returns the number of commands awaiting a reply.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.Len()
}

// Done is closed when the debugger's output stream ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the read error that ended the output stream, if any.
func (c *Client) Err() error {
	<-c.done
	return c.readErr
}

func (c *Client) readLoop() {
	sc := bufio.NewScanner(c.out)
	sc.Buffer(make([]byte, 64<<10), maxLineSize)
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		c.dispatch(mi.Parse(line))
	}
	c.readErr = sc.Err()
	c.shutdown()
	close(c.done)
}

func (c *Client) dispatch(r *mi.Record) {
	if r.Err != nil {
		recordCount(MParseErrors)
		c.log.WithError(r.Err).WithField("line", r.Raw).Warn("malformed record")
		if r.Type != mi.TypeResult {
			return
		}
	}
	switch {
	case r.Type == mi.TypeResult:
		c.reply(r)
	case r.Type == mi.TypeEnd:
	case r.Type.Stream():
		c.log.WithField("stream", r.Type.String()).Debug(strings.TrimRight(r.Stream, "\n"))
		c.handler.HandleRecord(r)
	case r.Type.Async():
		c.handler.HandleRecord(r)
	default:
		c.log.WithField("line", r.Raw).Warn("unhandled record")
	}
}

func (c *Client) reply(r *mi.Record) {
	c.mu.Lock()
	v := c.queue.Dequeue()
	c.mu.Unlock()
	if v == nil {
		recordCount(MUnmatchedReplies)
		err := &UnmatchedReplyError{Record: r}
		c.log.WithError(err).Error("command queue out of step with debugger output")
		return
	}
	p := v.(*pending)
	switch {
	case r.Err != nil:
		c.fail(p, &ReplyParseError{Command: p.cmd, Err: r.Err})
	case r.Class == "error":
		c.fail(p, &CommandError{Command: p.cmd, Msg: r.ErrorMsg(), Record: r})
	default:
		recordOutcome(r.Class)
		p.span.SetAttributes(attribute.String("gdb.class", r.Class))
		p.span.End()
		p.fut.Resolve(r)
	}
}

func (c *Client) fail(p *pending, err error) {
	recordOutcome("error")
	p.span.RecordError(err)
	p.span.SetStatus(codes.Error, err.Error())
	p.span.End()
	p.fut.Reject(err)
}

// shutdown refuses further commands and rejects those still queued.
func (c *Client) shutdown() {
	c.mu.Lock()
	c.closed = true
	var rest []*pending
	for c.queue.Len() > 0 {
		rest = append(rest, c.queue.Dequeue().(*pending))
	}
	c.mu.Unlock()
	for _, p := range rest {
		c.fail(p, ErrClientClosed)
	}
}

// verb returns the command name used as a span name.
func verb(cmd string) string {
	if i := strings.IndexAny(cmd, " \t"); i >= 0 {
		return cmd[:i]
	}
	return cmd
}
