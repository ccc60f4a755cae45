package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/wamcp/internal/connwatch"
)

// caller is the live half of a connection: a bare correlator, or a
// handshake that gates calls on Ready.
type caller interface {
	Call(ctx context.Context, method string, params any) (*Message, error)
	Done() <-chan struct{}
	Close() error
}

// connection is the live channel to one server.
type connection struct {
	kind     TransportKind
	endpoint string
	caller   caller
}

// Option configures a Client.
type Option func(*Client)

// WithDialer replaces [Dial] as the transport opener.
func WithDialer(d DialFunc) Option {
	return func(c *Client) { c.dial = d }
}

// WithSessionRecorder persists session snapshots on connect and
// disconnect.
func WithSessionRecorder(r SessionRecorder) Option {
	return func(c *Client) { c.recorder = r }
}

// WithWatchManager runs health watchers on m instead of a private
// manager.
func WithWatchManager(m *connwatch.Manager) Option {
	return func(c *Client) { c.watch = m }
}

// WithSleep replaces the backoff sleep.
func WithSleep(s SleepFunc) Option {
	return func(c *Client) { c.sleep = s }
}

// WithClock replaces time.Now for session timestamps and expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// Client manages connections to a set of named MCP servers: it opens
// them on demand, tracks a session per server, retries failed calls,
// and watches connection health in the background.
type Client struct {
	logger   *slog.Logger
	dial     DialFunc
	recorder SessionRecorder
	watch    *connwatch.Manager
	sleep    SleepFunc
	now      func() time.Time

	// ctx scopes background work; cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	servers   map[string]ServerConfig
	conns     map[string]*connection
	sessions  map[string]*Session
	lifecycle map[string]*sync.Mutex
}

// NewClient creates a Client with no registered servers.
func NewClient(logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		logger:    logger,
		dial:      Dial,
		sleep:     sleepCtx,
		now:       time.Now,
		servers:   make(map[string]ServerConfig),
		conns:     make(map[string]*connection),
		sessions:  make(map[string]*Session),
		lifecycle: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.watch == nil {
		c.watch = connwatch.NewManager(logger)
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c
}

// AddServer registers a server. Zero fields take the package defaults.
func (c *Client) AddServer(cfg ServerConfig) error {
	if cfg.Name == "" {
		return errors.New("server name is required")
	}
	if cfg.Endpoint == "" {
		return fmt.Errorf("server %s: endpoint is required", cfg.Name)
	}
	if cfg.Transport != "" {
		kind, err := ParseTransportKind(string(cfg.Transport))
		if err != nil {
			return fmt.Errorf("server %s: %w", cfg.Name, err)
		}
		cfg.Transport = kind
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.servers[cfg.Name]; ok {
		return fmt.Errorf("server %s is already registered", cfg.Name)
	}
	c.servers[cfg.Name] = cfg.withDefaults()
	c.lifecycle[cfg.Name] = &sync.Mutex{}
	return nil
}

// UpdateServer replaces a registered server's settings with the result
// of applying fn to a copy. The name cannot change. A live connection
// keeps its transport until the next reconnect; retry and timeout
// settings apply from the next call. A running health watcher is
// restarted when its interval, probe timeout or session timeout change.
func (c *Client) UpdateServer(name string, fn func(*ServerConfig)) error {
	c.mu.Lock()
	cfg, ok := c.servers[name]
	if !ok {
		c.mu.Unlock()
		return &PreconditionError{Server: name, Reason: "server not registered"}
	}
	before := cfg.withDefaults()
	updated := cfg.withDefaults()
	fn(&updated)
	updated.Name = name
	if updated.Transport != "" {
		kind, err := ParseTransportKind(string(updated.Transport))
		if err != nil {
			c.mu.Unlock()
			return fmt.Errorf("server %s: %w", name, err)
		}
		updated.Transport = kind
	}
	updated = updated.withDefaults()
	c.servers[name] = updated
	c.mu.Unlock()

	retimed := before.HealthCheckInterval != updated.HealthCheckInterval ||
		before.Timeout != updated.Timeout ||
		before.SessionTimeout != updated.SessionTimeout
	if retimed && c.watch.Watcher(name) != nil {
		c.logger.Debug("restarting health watcher with new timing", "mcp_server", name)
		c.watch.Unwatch(name)
		c.startWatch(name)
	}
	return nil
}

// RemoveServer disconnects and forgets a server and its session.
func (c *Client) RemoveServer(ctx context.Context, name string) error {
	if err := c.Disconnect(ctx, name); err != nil {
		c.logger.Warn("error disconnecting removed server", "mcp_server", name, "error", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.servers[name]; !ok {
		return &PreconditionError{Server: name, Reason: "server not registered"}
	}
	delete(c.servers, name)
	delete(c.sessions, name)
	delete(c.lifecycle, name)
	return nil
}

// Server returns a copy of the named server's settings.
func (c *Client) Server(name string) (ServerConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cfg, ok := c.servers[name]
	if !ok {
		return ServerConfig{}, false
	}
	return cfg.withDefaults(), true
}

// Servers returns the registered server names, sorted.
func (c *Client) Servers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.servers))
	for name := range c.servers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// lock returns the per-server mutex that serializes connect,
// reconnect, and disconnect.
func (c *Client) lock(name string) (*sync.Mutex, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	mu, ok := c.lifecycle[name]
	if !ok {
		return nil, &PreconditionError{Server: name, Reason: "server not registered"}
	}
	return mu, nil
}

// Connect opens a connection to the named server, replacing any
// existing one, starts a new session, and starts its health watcher.
func (c *Client) Connect(ctx context.Context, name string) error {
	mu, err := c.lock(name)
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()

	if err := c.connectLocked(ctx, name); err != nil {
		return err
	}
	c.startWatch(name)
	return nil
}

// connectLocked tears down any existing connection, then dials and
// (when required) completes the handshake. The caller holds the
// server's lifecycle lock.
func (c *Client) connectLocked(ctx context.Context, name string) error {
	cfg, ok := c.Server(name)
	if !ok {
		return &PreconditionError{Server: name, Reason: "server not registered"}
	}
	logger := c.logger.With("mcp_server", name)

	c.closeLocked(ctx, name)

	logger.Info("connecting to MCP server",
		"transport", string(cfg.Transport),
		"endpoint", cfg.Endpoint,
	)

	metadata := map[string]string{
		"transport": string(cfg.Transport),
		"endpoint":  cfg.Endpoint,
	}

	var live caller
	if cfg.usesHandshake() {
		h := NewHandshake(cfg, c.dial, logger)
		if err := h.Start(ctx); err != nil {
			return err
		}
		if err := h.Initialize(ctx); err != nil {
			return tagToolError(err, name, MethodInitialize)
		}
		for k, v := range h.metadata() {
			metadata[k] = v
		}
		live = h
	} else {
		conn, err := c.dial(ctx, cfg, logger)
		if err != nil {
			return err
		}
		if hc, ok := conn.(*HTTPConn); ok && hc.SessionID() != "" {
			metadata["mcp_session"] = hc.SessionID()
		}
		live = NewCorrelator(conn, cfg.Timeout, logger)
	}

	now := c.now()
	sess := &Session{
		ID:           uuid.NewString(),
		Server:       name,
		CreatedAt:    now,
		LastActivity: now,
		Active:       true,
		Metadata:     metadata,
	}

	c.mu.Lock()
	c.conns[name] = &connection{kind: cfg.Transport, endpoint: cfg.Endpoint, caller: live}
	c.sessions[name] = sess
	snapshot := sess.clone()
	c.mu.Unlock()

	logger.Info("MCP server connected", "session_id", sess.ID)
	c.record(ctx, snapshot)
	return nil
}

// closeLocked closes the server's connection, if any, and marks its
// session inactive. The caller holds the server's lifecycle lock.
func (c *Client) closeLocked(ctx context.Context, name string) error {
	c.mu.Lock()
	conn, ok := c.conns[name]
	delete(c.conns, name)
	var snapshot *Session
	if sess, ok := c.sessions[name]; ok && sess.Active {
		sess.Active = false
		s := sess.clone()
		snapshot = &s
	}
	c.mu.Unlock()

	if snapshot != nil {
		c.record(ctx, *snapshot)
	}
	if !ok {
		return nil
	}

	c.logger.Info("closing MCP connection", "mcp_server", name)
	if err := conn.caller.Close(); err != nil {
		return &ConnectionError{Server: name, Err: err}
	}
	return nil
}

func (c *Client) record(ctx context.Context, s Session) {
	if c.recorder == nil {
		return
	}
	// Recording must not fail or stall on a cancelled call context.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.recorder.RecordSession(rctx, s); err != nil {
		c.logger.Warn("failed to record MCP session", "mcp_server", s.Server, "session_id", s.ID, "error", err)
	}
}

// Reconnect replaces the named server's connection with a fresh one.
// The health watcher, if any, keeps running.
func (c *Client) Reconnect(ctx context.Context, name string) error {
	mu, err := c.lock(name)
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()

	c.logger.Info("reconnecting to MCP server", "mcp_server", name)
	return c.connectLocked(ctx, name)
}

// Disconnect stops the health watcher and closes the connection. The
// session stays recorded with Active cleared.
func (c *Client) Disconnect(ctx context.Context, name string) error {
	c.watch.Unwatch(name)

	mu, err := c.lock(name)
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	return c.closeLocked(ctx, name)
}

// DisconnectAll closes every live connection concurrently and cancels
// every health watcher. Individual failures are logged, never returned.
func (c *Client) DisconnectAll(ctx context.Context) {
	// Every registered server, not just connected ones: a watcher may
	// outlive a failed reconnect.
	names := c.Servers()

	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Disconnect(ctx, name); err != nil {
				c.logger.Warn("error disconnecting MCP server", "mcp_server", name, "error", err)
			}
		}()
	}
	wg.Wait()
}

// Close disconnects every server and stops background work.
func (c *Client) Close(ctx context.Context) {
	c.DisconnectAll(ctx)
	c.cancel()
}

// IsConnected reports whether a live connection exists for name.
func (c *Client) IsConnected(name string) bool {
	return c.usable(name) != nil
}

// usable returns the named connection unless it is missing or its
// transport has ended.
func (c *Client) usable(name string) *connection {
	c.mu.RLock()
	conn, ok := c.conns[name]
	c.mu.RUnlock()
	if !ok {
		return nil
	}
	select {
	case <-conn.caller.Done():
		return nil
	default:
		return conn
	}
}

// Session returns a copy of the named server's session record.
func (c *Client) Session(name string) (Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sess, ok := c.sessions[name]
	if !ok {
		return Session{}, false
	}
	return sess.clone(), true
}

// Sessions returns copies of every session record, ordered by server.
func (c *Client) Sessions() []Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Session, 0, len(c.sessions))
	for _, sess := range c.sessions {
		out = append(out, sess.clone())
	}
	slices.SortFunc(out, func(a, b Session) int {
		switch {
		case a.Server < b.Server:
			return -1
		case a.Server > b.Server:
			return 1
		}
		return 0
	})
	return out
}

// PurgeSession drops an inactive session record. Live sessions are kept.
func (c *Client) PurgeSession(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.sessions[name]
	if !ok || sess.Active {
		return false
	}
	delete(c.sessions, name)
	return true
}

// HealthStatus reports the health watcher state per connected server.
func (c *Client) HealthStatus() map[string]connwatch.ServiceStatus {
	return c.watch.Status()
}

// touch records activity on the named server's session.
func (c *Client) touch(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sess, ok := c.sessions[name]; ok && sess.Active {
		sess.LastActivity = c.now()
	}
}

// live returns the current connection, opening one when none exists or
// the existing one has died.
func (c *Client) live(ctx context.Context, name string) (caller, error) {
	if conn := c.usable(name); conn != nil {
		return conn.caller, nil
	}

	mu, err := c.lock(name)
	if err != nil {
		return nil, err
	}
	mu.Lock()
	defer mu.Unlock()

	// Another caller may have connected while we waited.
	if conn := c.usable(name); conn != nil {
		return conn.caller, nil
	}

	if err := c.connectLocked(ctx, name); err != nil {
		return nil, err
	}
	c.startWatch(name)

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conns[name].caller, nil
}

// call runs one request under the server's retry policy.
func (c *Client) call(ctx context.Context, name, method string, params any) (*Message, error) {
	cfg, ok := c.Server(name)
	if !ok {
		return nil, &PreconditionError{Server: name, Reason: "server not registered"}
	}
	policy := newRetryPolicy(cfg, c.sleep, c.logger.With("mcp_server", name, "method", method))

	var msg *Message
	err := policy.run(ctx,
		func(ctx context.Context) error {
			live, err := c.live(ctx, name)
			if err != nil {
				return err
			}
			callCtx, cancel := context.WithTimeout(ctx, callTimeout(ctx, cfg.Timeout))
			defer cancel()

			m, err := live.Call(callCtx, method, params)
			if err != nil {
				return err
			}
			if method == MethodToolsCall {
				if rpc := toolResultError(m.Result); rpc != nil {
					return &ToolError{RPC: rpc}
				}
			}
			msg = m
			return nil
		},
		func(ctx context.Context) error {
			return c.Reconnect(ctx, name)
		},
	)
	if err != nil {
		return nil, c.classify(err, name)
	}

	c.touch(name)
	return msg, nil
}

type callTimeoutKey struct{}

// WithCallTimeout returns a context that overrides the server's per-call
// timeout for every attempt made with it. Slow tools (exports,
// interactive authentication) use this instead of raising the timeout
// for the whole server.
func WithCallTimeout(ctx context.Context, d time.Duration) context.Context {
	return context.WithValue(ctx, callTimeoutKey{}, d)
}

func callTimeout(ctx context.Context, def time.Duration) time.Duration {
	if d, ok := ctx.Value(callTimeoutKey{}).(time.Duration); ok && d > 0 {
		return d
	}
	return def
}

// classify ensures every failure leaving the Client is one of the
// package's error kinds.
func (c *Client) classify(err error, name string) error {
	var pe *PreconditionError
	if errors.As(err, &pe) {
		if pe.Server == "" {
			pe.Server = name
		}
		return err
	}
	var ce *ConnectionError
	if errors.As(err, &ce) {
		if ce.Server == "" {
			ce.Server = name
		}
	}
	var te *ToolError
	if errors.As(err, &te) {
		if te.Server == "" {
			te.Server = name
		}
		return err
	}
	if errors.Is(err, ErrTimeout) || IsConnectionError(err) {
		return err
	}
	return &ToolError{Server: name, Err: err}
}

// CallTool invokes a tool and returns its raw result object. Results
// flagged isError are reported as a *ToolError.
func (c *Client) CallTool(ctx context.Context, server, tool string, args map[string]any) (json.RawMessage, error) {
	if args == nil {
		args = map[string]any{}
	}
	msg, err := c.call(ctx, server, MethodToolsCall, ToolCallParams{Name: tool, Arguments: args})
	if err != nil {
		return nil, tagToolError(err, server, tool)
	}
	return msg.Result, nil
}

// ListTools returns the tools the server advertises.
func (c *Client) ListTools(ctx context.Context, server string) ([]ToolDefinition, error) {
	msg, err := c.call(ctx, server, MethodToolsList, nil)
	if err != nil {
		return nil, tagToolError(err, server, MethodToolsList)
	}
	return decodeToolsList(server, msg)
}

// Ping sends one ping on the existing connection, without retries or
// auto-connect, and without counting as session activity.
func (c *Client) Ping(ctx context.Context, server string) error {
	cfg, ok := c.Server(server)
	if !ok {
		return &PreconditionError{Server: server, Reason: "server not registered"}
	}

	c.mu.RLock()
	conn, ok := c.conns[server]
	c.mu.RUnlock()
	if !ok {
		return &PreconditionError{Server: server, Reason: "not connected"}
	}

	pctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if _, err := conn.caller.Call(pctx, MethodPing, nil); err != nil {
		return c.classify(err, server)
	}
	return nil
}

// startWatch attaches a health watcher to the named server unless one
// is already running.
func (c *Client) startWatch(name string) {
	cfg, ok := c.Server(name)
	if !ok {
		return
	}
	logger := c.logger.With("mcp_server", name)

	c.watch.Watch(c.ctx, connwatch.WatcherConfig{
		Name:         name,
		Interval:     cfg.HealthCheckInterval,
		ProbeTimeout: cfg.Timeout,
		Logger:       logger,
		Probe: func(ctx context.Context) error {
			if c.sessionExpired(name, cfg.SessionTimeout) {
				return errSessionExpired
			}
			return c.Ping(ctx, name)
		},
		OnFailure: func(ctx context.Context, err error) {
			if errors.Is(err, errSessionExpired) {
				logger.Info("MCP session expired, disconnecting", "session_timeout", cfg.SessionTimeout.String())
				if err := c.Disconnect(ctx, name); err != nil {
					logger.Warn("error disconnecting expired session", "error", err)
				}
				return
			}
			if err := c.Reconnect(ctx, name); err != nil {
				logger.Warn("health-check reconnect failed", "error", err)
			}
		},
	})
}

// errSessionExpired is the probe result for an idle session.
var errSessionExpired = errors.New("session expired")

func (c *Client) sessionExpired(name string, ttl time.Duration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sess, ok := c.sessions[name]
	return ok && sess.Active && sess.expired(c.now(), ttl)
}
