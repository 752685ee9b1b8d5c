// Copyright © 2018 The ELPS authors

package gdb

import (
	"errors"
	"fmt"

	"github.com/luthersystems/shdbg/mi"
)

// ErrClientClosed rejects commands sent to, or still queued in, a client
// whose debugger has gone away.
var ErrClientClosed = errors.New("gdb client closed")

// CommandError is the rejection of a command answered with ^error.
type CommandError struct {
	Command string
	Msg     string
	Record  *mi.Record
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("gdb: %s: %s", e.Command, e.Msg)
}

// UnmatchedReplyError means a result record arrived with no command
// waiting for it. The reply stream and the command queue are out of step.
type UnmatchedReplyError struct {
	Record *mi.Record
}

func (e *UnmatchedReplyError) Error() string {
	return fmt.Sprintf("gdb: result record with no pending command: %s", e.Record.Raw)
}

// ReplyParseError rejects a command whose result record was malformed.
type ReplyParseError struct {
	Command string
	Err     error
}

func (e *ReplyParseError) Error() string {
	return fmt.Sprintf("gdb: %s: malformed reply: %v", e.Command, e.Err)
}

func (e *ReplyParseError) Unwrap() error {
	return e.Err
}
