// Package whatsapp is a rate-limited caller for a WhatsApp MCP server
// (tools authenticate, get_status, list_chats, list_messages,
// search_messages, get_chat_info, export_chat and disconnect).
//
// Every operation waits for admission in its rate category before the
// tool call goes out, and decodes the result once into a typed value.
package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/wamcp/internal/config"
	"github.com/nugget/wamcp/internal/mcp"
	"github.com/nugget/wamcp/internal/ratelimit"
)

// Slow tools get their own per-call timeouts.
const (
	authTimeout   = 120 * time.Second
	exportTimeout = 300 * time.Second
)

// Options configures a Client.
type Options struct {
	// Server names the registered MCP server. Defaults to
	// config.DefaultWhatsAppServer.
	Server       string
	PhoneNumber  string
	ExportFormat string // default "json"
	IncludeMedia bool
	Logger       *slog.Logger
	Now          func() time.Time
}

// Client calls WhatsApp tools through an [mcp.Client].
type Client struct {
	mcp     *mcp.Client
	limiter *ratelimit.Limiter
	opts    Options
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.Mutex
	state SessionState
}

// New creates a Client. The limiter may be shared with other callers
// of the same account.
func New(client *mcp.Client, limiter *ratelimit.Limiter, opts Options) *Client {
	if opts.Server == "" {
		opts.Server = config.DefaultWhatsAppServer
	}
	if opts.ExportFormat == "" {
		opts.ExportFormat = "json"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Client{
		mcp:     client,
		limiter: limiter,
		opts:    opts,
		logger:  opts.Logger.With("mcp_server", opts.Server),
		now:     opts.Now,
		state:   SessionState{ConnectionStatus: StatusDisconnected},
	}
}

// LimitsFromConfig converts the configured ceilings.
func LimitsFromConfig(rl config.RateLimitConfig) ratelimit.Limits {
	return ratelimit.Limits{
		PerMinute: map[string]int{
			ratelimit.CategoryMessages: rl.MessagesPerMinute,
			ratelimit.CategoryChats:    rl.ChatsPerMinute,
		},
		DefaultPerMinute: rl.DefaultPerMinute,
		PerSecond:        rl.RequestsPerSecond,
	}
}

// Server returns the MCP server name the client calls.
func (c *Client) Server() string {
	return c.opts.Server
}

// Connect opens the MCP connection and, when autoAuth is set,
// authenticates with the configured phone number.
func (c *Client) Connect(ctx context.Context, autoAuth bool) error {
	if err := c.mcp.Connect(ctx, c.opts.Server); err != nil {
		c.setStatus(StatusError)
		return err
	}
	c.logger.Info("whatsapp MCP client connected")
	if !autoAuth {
		return nil
	}
	_, err := c.Authenticate(ctx, c.opts.PhoneNumber)
	return err
}

func (c *Client) call(ctx context.Context, category, tool string, args map[string]any, timeout time.Duration) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx, category); err != nil {
		return nil, fmt.Errorf("%s: rate limit wait: %w", tool, err)
	}
	if timeout > 0 {
		ctx = mcp.WithCallTimeout(ctx, timeout)
	}
	raw, err := c.mcp.CallTool(ctx, c.opts.Server, tool, args)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.state.LastActivity = c.now()
	c.mu.Unlock()
	return raw, nil
}

func (c *Client) setStatus(status string) {
	c.mu.Lock()
	c.state.ConnectionStatus = status
	c.mu.Unlock()
}

// Authenticate links the WhatsApp account. When the phone has not been
// paired the result carries a QR code and the session moves to
// awaiting_qr.
func (c *Client) Authenticate(ctx context.Context, phoneNumber string) (*AuthResult, error) {
	args := map[string]any{}
	if phoneNumber != "" {
		args["phone_number"] = phoneNumber
	}

	raw, err := c.call(ctx, ratelimit.CategoryAuth, "authenticate", args, authTimeout)
	if err != nil {
		c.logger.Error("whatsapp authentication failed", "error", err)
		c.setStatus(StatusError)
		return nil, fmt.Errorf("authenticate: %w", err)
	}

	var result AuthResult
	if err := decodeObject(raw, &result); err != nil {
		c.setStatus(StatusError)
		return nil, fmt.Errorf("authenticate: %w", err)
	}

	now := c.now()
	c.mu.Lock()
	c.state.PhoneNumber = phoneNumber
	c.state.SessionStart = now
	c.state.LastActivity = now
	switch {
	case result.Status == "authenticated":
		c.state.Authenticated = true
		c.state.QRCodeRequired = false
		c.state.ConnectionStatus = StatusConnected
	case result.QRCode != "":
		c.state.QRCodeRequired = true
		c.state.ConnectionStatus = StatusAwaitingQR
	}
	c.mu.Unlock()

	switch {
	case result.Status == "authenticated":
		c.logger.Info("whatsapp authentication successful")
	case result.QRCode != "":
		c.logger.Info("QR code required for whatsapp authentication")
	}
	return &result, nil
}

// Status asks the server whether the WhatsApp session is connected and
// updates the local session state to match.
func (c *Client) Status(ctx context.Context) (*ConnectionStatus, error) {
	raw, err := c.call(ctx, ratelimit.CategoryStatus, "get_status", nil, 0)
	if err == nil {
		var status ConnectionStatus
		if err = decodeObject(raw, &status); err == nil {
			c.mu.Lock()
			c.state.Authenticated = status.IsConnected
			if status.IsConnected {
				c.state.ConnectionStatus = StatusConnected
			} else {
				c.state.ConnectionStatus = StatusDisconnected
			}
			c.mu.Unlock()
			return &status, nil
		}
	}

	c.logger.Error("failed to get whatsapp connection status", "error", err)
	c.setStatus(StatusError)
	return nil, fmt.Errorf("get status: %w", err)
}

// ListChats returns one page of chats.
func (c *Client) ListChats(ctx context.Context, opts ListChatsOptions) ([]Chat, error) {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.SortBy == "" {
		opts.SortBy = "last_active"
	}
	raw, err := c.call(ctx, ratelimit.CategoryChats, "list_chats", map[string]any{
		"limit":                opts.Limit,
		"page":                 opts.Page,
		"include_last_message": !opts.OmitLastMessage,
		"sort_by":              opts.SortBy,
	}, 0)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	chats, err := decodeList[Chat](raw, "chats")
	return tolerateShape(c.logger, chats, err)
}

// ListMessages returns one page of messages from a chat.
func (c *Client) ListMessages(ctx context.Context, chatJID string, opts ListMessagesOptions) ([]Message, error) {
	if chatJID == "" {
		return nil, errors.New("list messages: chat JID is required")
	}
	if opts.Limit <= 0 {
		opts.Limit = 100
	}
	if !opts.OmitContext {
		if opts.ContextBefore <= 0 {
			opts.ContextBefore = 1
		}
		if opts.ContextAfter <= 0 {
			opts.ContextAfter = 1
		}
	}
	args := map[string]any{
		"chat_jid":        chatJID,
		"limit":           opts.Limit,
		"page":            opts.Page,
		"include_context": !opts.OmitContext,
		"context_before":  opts.ContextBefore,
		"context_after":   opts.ContextAfter,
	}
	if opts.After != "" {
		args["after"] = opts.After
	}
	if opts.Before != "" {
		args["before"] = opts.Before
	}

	raw, err := c.call(ctx, ratelimit.CategoryMessages, "list_messages", args, 0)
	if err != nil {
		return nil, fmt.Errorf("list messages for %s: %w", chatJID, err)
	}
	msgs, err := decodeList[Message](raw, "messages")
	return tolerateShape(c.logger, msgs, err)
}

// SearchMessages searches message text across chats, or within one
// chat when opts.ChatJID is set.
func (c *Client) SearchMessages(ctx context.Context, query string, opts SearchOptions) ([]Message, error) {
	if query == "" {
		return nil, errors.New("search messages: query is required")
	}
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	args := map[string]any{
		"query": query,
		"limit": opts.Limit,
	}
	if opts.ChatJID != "" {
		args["chat_jid"] = opts.ChatJID
	}
	if len(opts.MessageTypes) > 0 {
		args["message_types"] = opts.MessageTypes
	}

	raw, err := c.call(ctx, ratelimit.CategorySearch, "search_messages", args, 0)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	msgs, err := decodeList[Message](raw, "messages")
	return tolerateShape(c.logger, msgs, err)
}

// tolerateShape treats list results in a shape the server should not
// send as empty, logging them.
func tolerateShape[T any](logger *slog.Logger, items []T, err error) ([]T, error) {
	if errors.Is(err, ErrUnexpectedShape) {
		logger.Warn("unexpected list result", "error", err)
		return []T{}, nil
	}
	return items, err
}

// ChatInfo returns details about one chat.
func (c *Client) ChatInfo(ctx context.Context, chatJID string) (*ChatInfo, error) {
	raw, err := c.call(ctx, ratelimit.CategoryInfo, "get_chat_info", map[string]any{"chat_jid": chatJID}, 0)
	if err != nil {
		return nil, fmt.Errorf("chat info for %s: %w", chatJID, err)
	}
	var info ChatInfo
	if err := decodeObject(raw, &info); err != nil {
		return nil, fmt.Errorf("chat info for %s: %w", chatJID, err)
	}
	return &info, nil
}

// ExportChat exports a complete chat.
func (c *Client) ExportChat(ctx context.Context, chatJID string, opts ExportOptions) (*ExportResult, error) {
	if opts.Format == "" {
		opts.Format = c.opts.ExportFormat
	}
	args := map[string]any{
		"chat_jid":      chatJID,
		"format":        opts.Format,
		"include_media": opts.IncludeMedia || c.opts.IncludeMedia,
	}
	if opts.DateRange != nil {
		args["date_range"] = opts.DateRange
	}

	raw, err := c.call(ctx, ratelimit.CategoryExport, "export_chat", args, exportTimeout)
	if err != nil {
		return nil, fmt.Errorf("export chat %s: %w", chatJID, err)
	}
	var result ExportResult
	if err := decodeObject(raw, &result); err != nil {
		return nil, fmt.Errorf("export chat %s: %w", chatJID, err)
	}
	if result.Format == "" {
		result.Format = opts.Format
	}
	return &result, nil
}

// Disconnect logs the WhatsApp session out (when authenticated) and
// closes the MCP connection. Failures are logged, never returned: the
// session is reset either way.
func (c *Client) Disconnect(ctx context.Context) {
	if c.Session().Authenticated {
		if _, err := c.mcp.CallTool(ctx, c.opts.Server, "disconnect", nil); err != nil {
			c.logger.Warn("whatsapp disconnect tool failed", "error", err)
		}
	}
	if err := c.mcp.Disconnect(ctx, c.opts.Server); err != nil {
		c.logger.Warn("error during MCP disconnect", "error", err)
	}

	c.mu.Lock()
	c.state.Authenticated = false
	c.state.ConnectionStatus = StatusDisconnected
	c.state.LastActivity = c.now()
	c.mu.Unlock()
	c.logger.Info("whatsapp MCP client disconnected")
}

// Session returns a copy of the current session state.
func (c *Client) Session() SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsAuthenticated reports whether the last authenticate or get_status
// call found the account linked.
func (c *Client) IsAuthenticated() bool {
	return c.Session().Authenticated
}

// IsConnected reports whether the MCP connection is live.
func (c *Client) IsConnected() bool {
	return c.mcp.IsConnected(c.opts.Server)
}

// HealthCheck pings the MCP server and, when authenticated, asks for
// the WhatsApp connection status. It never fails; problems are
// reported in the returned value.
func (c *Client) HealthCheck(ctx context.Context) HealthReport {
	report := HealthReport{RateLimits: c.limiter.Stats()}

	if err := c.mcp.Ping(ctx, c.opts.Server); err != nil {
		report.Error = err.Error()
	} else {
		report.MCPConnection = true
	}

	if c.IsAuthenticated() {
		status, err := c.Status(ctx)
		if err != nil {
			report.WhatsApp = &ConnectionStatus{Message: err.Error()}
		} else {
			report.WhatsApp = status
		}
	}

	report.Session = c.Session()
	if !report.Session.SessionStart.IsZero() {
		report.SessionDuration = c.now().Sub(report.Session.SessionStart)
	}
	return report
}
