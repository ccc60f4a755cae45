package mcp

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// stopGrace is how long Close waits for the subprocess to exit after
// stdin is closed before killing it.
const stopGrace = 5 * time.Second

// StdioConfig configures a stdio MCP transport that communicates with
// a subprocess over stdin/stdout using newline-delimited JSON-RPC.
type StdioConfig struct {
	// Command is the executable to run.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// Env are additional environment variables for the subprocess
	// (format: "KEY=VALUE"). These are appended to the current
	// process environment.
	Env []string

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// StdioConn is a live subprocess speaking newline-delimited JSON on
// stdin/stdout. A single reader goroutine feeds lines to Receive so
// that a deadline on Receive never strands a blocked read.
type StdioConn struct {
	config StdioConfig
	logger *slog.Logger

	cmd     *exec.Cmd
	stdin   io.WriteCloser
	writeMu sync.Mutex

	lines      chan inbound
	readerDone chan struct{}
	exited     chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

// OpenStdio spawns the subprocess. The process lifetime is independent
// of ctx; it ends only when Close is called or the process exits.
func OpenStdio(_ context.Context, cfg StdioConfig) (*StdioConn, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Command == "" {
		return nil, &ConnectionError{Err: fmt.Errorf("stdio transport: empty command")}
	}

	logger.Info("starting MCP subprocess",
		"command", cfg.Command,
		"args", cfg.Args,
	)

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = append(os.Environ(), cfg.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &ConnectionError{Err: fmt.Errorf("create stdin pipe: %w", err)}
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, &ConnectionError{Err: fmt.Errorf("create stdout pipe: %w", err)}
	}

	// Captured for logging only; not part of the protocol.
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, &ConnectionError{Err: fmt.Errorf("create stderr pipe: %w", err)}
	}

	if err := cmd.Start(); err != nil {
		stderrPipe.Close()
		stdout.Close()
		stdin.Close()
		return nil, &ConnectionError{Err: fmt.Errorf("start subprocess %s: %w", cfg.Command, err)}
	}

	c := &StdioConn{
		config:     cfg,
		logger:     logger,
		cmd:        cmd,
		stdin:      stdin,
		lines:      make(chan inbound, 16),
		readerDone: make(chan struct{}),
		exited:     make(chan struct{}),
		closed:     make(chan struct{}),
	}

	go c.drainStderr(stderrPipe)
	go c.readLoop(bufio.NewReaderSize(stdout, 1<<20)) // 1 MiB buffer for large responses
	go c.wait()

	logger.Info("MCP subprocess started", "pid", cmd.Process.Pid)
	return c, nil
}

// drainStderr reads stderr lines and logs them at debug level.
func (c *StdioConn) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		c.logger.Debug("MCP subprocess stderr", "line", scanner.Text())
	}
}

// readLoop delivers one stdout line per frame until EOF or error.
func (c *StdioConn) readLoop(r *bufio.Reader) {
	defer close(c.readerDone)
	defer close(c.lines)

	for {
		line, err := r.ReadBytes('\n')
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			select {
			case c.lines <- inbound{data: trimmed}:
			case <-c.closed:
				return
			}
		}
		if err != nil {
			if err == io.EOF {
				err = fmt.Errorf("subprocess closed stdout: %w", err)
			}
			select {
			case c.lines <- inbound{err: err}:
			case <-c.closed:
			}
			return
		}
	}
}

// wait reaps the subprocess once stdout has been fully read.
func (c *StdioConn) wait() {
	<-c.readerDone
	err := c.cmd.Wait()
	c.logger.Debug("MCP subprocess exited", "pid", c.cmd.Process.Pid, "error", err)
	close(c.exited)
}

// Send writes one envelope followed by a newline.
func (c *StdioConn) Send(_ context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.closed:
		return &ConnectionError{Err: ErrClosed}
	default:
	}

	frame := make([]byte, 0, len(data)+1)
	frame = append(frame, data...)
	frame = append(frame, '\n')
	if _, err := c.stdin.Write(frame); err != nil {
		return &ConnectionError{Err: fmt.Errorf("write to subprocess stdin: %w", err)}
	}
	return nil
}

// Receive returns the next stdout line.
func (c *StdioConn) Receive(ctx context.Context) ([]byte, error) {
	return receiveFrom(ctx, c.lines, c.closed)
}

// Close terminates the subprocess: stdin is closed so a well-behaved
// server exits on its own, and it is killed if still running after
// the grace period.
func (c *StdioConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)

		pid := c.cmd.Process.Pid
		c.logger.Info("stopping MCP subprocess", "pid", pid)

		// Not under writeMu: closing the pipe is what unblocks a Send
		// stuck on a server that stopped reading.
		c.stdin.Close()

		select {
		case <-c.exited:
		case <-time.After(stopGrace):
			c.logger.Warn("MCP subprocess did not exit gracefully, killing", "pid", pid)
			_ = c.cmd.Process.Kill()
			select {
			case <-c.exited:
			case <-time.After(stopGrace):
				c.logger.Warn("MCP subprocess still running after kill", "pid", pid)
			}
		}
	})
	return nil
}

// Pid returns the subprocess id.
func (c *StdioConn) Pid() int {
	return c.cmd.Process.Pid
}
