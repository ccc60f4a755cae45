package mcp

import (
	"errors"
	"fmt"
)

// ErrTimeout is returned when no response arrives within the per-call
// deadline. The connection stays open.
var ErrTimeout = errors.New("timed out waiting for response")

// ErrClosed is returned by operations on a closed connection.
var ErrClosed = errors.New("connection closed")

// ConnectionError means the transport could not be opened or died
// mid-session. It is the only failure that triggers a reconnect.
type ConnectionError struct {
	Server string
	// Status is the HTTP status of a failed probe or handshake, or 0.
	Status int
	Err    error
}

func (e *ConnectionError) Error() string {
	msg := "connection failed"
	if e.Server != "" {
		msg = fmt.Sprintf("connection to %s failed", e.Server)
	}
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ToolError means a round trip completed without a usable result: the
// server reported an error, the response was malformed, or every retry
// attempt failed. RPC holds the server-reported error payload, if any.
type ToolError struct {
	Server   string
	Tool     string
	Attempts int
	RPC      *RPCError
	Err      error
}

func (e *ToolError) Error() string {
	target := e.Tool
	if e.Server != "" {
		target = e.Server + "/" + e.Tool
	}
	switch {
	case e.Attempts > 0:
		return fmt.Sprintf("tool %s failed after %d attempts: %v", target, e.Attempts, e.Err)
	case e.RPC != nil:
		return fmt.Sprintf("tool %s: server error: %v", target, e.RPC)
	default:
		return fmt.Sprintf("tool %s: %v", target, e.Err)
	}
}

func (e *ToolError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	if e.RPC != nil {
		return e.RPC
	}
	return nil
}

// PreconditionError signals a usage mistake: a call to an unregistered
// server, or a tool call before the handshake reached Ready. It is never
// retried.
type PreconditionError struct {
	Server string
	Reason string
}

func (e *PreconditionError) Error() string {
	if e.Server == "" {
		return "precondition failed: " + e.Reason
	}
	return fmt.Sprintf("precondition failed for %s: %s", e.Server, e.Reason)
}

// IsConnectionError reports whether err is, or wraps, a ConnectionError.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// IsPreconditionError reports whether err is, or wraps, a PreconditionError.
func IsPreconditionError(err error) bool {
	var pe *PreconditionError
	return errors.As(err, &pe)
}

// isServerError reports whether err carries a server-reported error payload.
func isServerError(err error) bool {
	var rpc *RPCError
	return errors.As(err, &rpc)
}

// tagToolError names the server and tool on a *ToolError inside err.
func tagToolError(err error, server, tool string) error {
	var te *ToolError
	if errors.As(err, &te) {
		if te.Server == "" {
			te.Server = server
		}
		te.Tool = tool
	}
	return err
}
