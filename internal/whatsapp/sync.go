package whatsapp

import (
	"context"

	"github.com/nugget/wamcp/internal/syncbridge"
)

// SyncClient exposes the Client's operations to callers that do not
// carry a context. Each call is bounded by the bridge's timeout.
type SyncClient struct {
	c      *Client
	bridge *syncbridge.Bridge
	ctx    context.Context
}

// NewSync wraps c.
func NewSync(c *Client, bridge *syncbridge.Bridge) *SyncClient {
	return &SyncClient{c: c, bridge: bridge, ctx: context.Background()}
}

// InContext returns a SyncClient whose calls are made on behalf of
// ctx. Code already running inside a bridged call passes its context
// here so nested calls run on an isolated worker instead of inheriting
// the outer call's deadline.
func (s *SyncClient) InContext(ctx context.Context) *SyncClient {
	return &SyncClient{c: s.c, bridge: s.bridge, ctx: ctx}
}

// Authenticate is [Client.Authenticate].
func (s *SyncClient) Authenticate(phoneNumber string) (*AuthResult, error) {
	return syncbridge.Call(s.bridge, s.ctx, func(ctx context.Context) (*AuthResult, error) {
		return s.c.Authenticate(ctx, phoneNumber)
	})
}

// Status is [Client.Status].
func (s *SyncClient) Status() (*ConnectionStatus, error) {
	return syncbridge.Call(s.bridge, s.ctx, s.c.Status)
}

// ListChats is [Client.ListChats].
func (s *SyncClient) ListChats(opts ListChatsOptions) ([]Chat, error) {
	return syncbridge.Call(s.bridge, s.ctx, func(ctx context.Context) ([]Chat, error) {
		return s.c.ListChats(ctx, opts)
	})
}

// ListMessages is [Client.ListMessages].
func (s *SyncClient) ListMessages(chatJID string, opts ListMessagesOptions) ([]Message, error) {
	return syncbridge.Call(s.bridge, s.ctx, func(ctx context.Context) ([]Message, error) {
		return s.c.ListMessages(ctx, chatJID, opts)
	})
}

// SearchMessages is [Client.SearchMessages].
func (s *SyncClient) SearchMessages(query string, opts SearchOptions) ([]Message, error) {
	return syncbridge.Call(s.bridge, s.ctx, func(ctx context.Context) ([]Message, error) {
		return s.c.SearchMessages(ctx, query, opts)
	})
}

// ChatInfo is [Client.ChatInfo].
func (s *SyncClient) ChatInfo(chatJID string) (*ChatInfo, error) {
	return syncbridge.Call(s.bridge, s.ctx, func(ctx context.Context) (*ChatInfo, error) {
		return s.c.ChatInfo(ctx, chatJID)
	})
}

// ExportChat is [Client.ExportChat].
func (s *SyncClient) ExportChat(chatJID string, opts ExportOptions) (*ExportResult, error) {
	return syncbridge.Call(s.bridge, s.ctx, func(ctx context.Context) (*ExportResult, error) {
		return s.c.ExportChat(ctx, chatJID, opts)
	})
}

// HealthCheck is [Client.HealthCheck].
func (s *SyncClient) HealthCheck() HealthReport {
	report, _ := syncbridge.Call(s.bridge, s.ctx, func(ctx context.Context) (HealthReport, error) {
		return s.c.HealthCheck(ctx), nil
	})
	return report
}

// Disconnect is [Client.Disconnect].
func (s *SyncClient) Disconnect() {
	_ = s.bridge.DoContext(s.ctx, func(ctx context.Context) error {
		s.c.Disconnect(ctx)
		return nil
	})
}
