package whatsapp

import (
	"encoding/json"
	"time"

	"github.com/nugget/wamcp/internal/ratelimit"
)

// Connection status values tracked in [SessionState].
const (
	StatusDisconnected = "disconnected"
	StatusConnected    = "connected"
	StatusAwaitingQR   = "awaiting_qr"
	StatusError        = "error"
)

// SessionState is the caller's view of the WhatsApp Web session behind
// the MCP server.
type SessionState struct {
	Authenticated    bool      `json:"authenticated"`
	PhoneNumber      string    `json:"phone_number,omitempty"`
	SessionStart     time.Time `json:"session_start,omitzero"`
	LastActivity     time.Time `json:"last_activity,omitzero"`
	QRCodeRequired   bool      `json:"qr_code_required"`
	ConnectionStatus string    `json:"connection_status"`
}

// AuthResult is the authenticate tool's reply. QRCode carries the
// pairing payload to render when the phone has not been linked yet.
type AuthResult struct {
	Status  string `json:"status"`
	QRCode  string `json:"qr_code,omitempty"`
	Message string `json:"message,omitempty"`
}

// ConnectionStatus is the get_status tool's reply.
type ConnectionStatus struct {
	IsConnected bool   `json:"is_connected"`
	PhoneNumber string `json:"phone_number,omitempty"`
	Message     string `json:"message,omitempty"`
}

// Chat is one entry of list_chats. Timestamps are passed through as
// the server formats them.
type Chat struct {
	JID             string `json:"jid"`
	Name            string `json:"name,omitempty"`
	LastMessageTime string `json:"last_message_time,omitempty"`
	LastMessage     string `json:"last_message,omitempty"`
	LastSender      string `json:"last_sender,omitempty"`
	LastIsFromMe    bool   `json:"last_is_from_me,omitempty"`
}

// ChatInfo is the get_chat_info tool's reply.
type ChatInfo struct {
	Chat
	IsGroup      bool     `json:"is_group,omitempty"`
	Participants []string `json:"participants,omitempty"`
	Description  string   `json:"description,omitempty"`
}

// Message is one entry of list_messages or search_messages.
type Message struct {
	ID        string `json:"id"`
	ChatJID   string `json:"chat_jid,omitempty"`
	ChatName  string `json:"chat_name,omitempty"`
	Sender    string `json:"sender,omitempty"`
	Content   string `json:"content,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	IsFromMe  bool   `json:"is_from_me,omitempty"`
	MediaType string `json:"media_type,omitempty"`
}

// ExportResult is the export_chat tool's reply. Servers either write a
// file and report its path or inline the exported data.
type ExportResult struct {
	Format       string          `json:"format,omitempty"`
	FilePath     string          `json:"file_path,omitempty"`
	MessageCount int             `json:"message_count,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// ListChatsOptions filters list_chats. Zero values take the defaults
// noted per field.
type ListChatsOptions struct {
	Limit int // default 50
	Page  int
	// OmitLastMessage drops the last-message preview from each chat.
	OmitLastMessage bool
	SortBy          string // default "last_active"
}

// ListMessagesOptions filters list_messages.
type ListMessagesOptions struct {
	Limit int // default 100
	Page  int
	// Context messages around each hit; ContextBefore and ContextAfter
	// default to 1 unless OmitContext is set.
	OmitContext   bool
	ContextBefore int
	ContextAfter  int
	After         string // ISO-8601
	Before        string // ISO-8601
}

// SearchOptions filters search_messages.
type SearchOptions struct {
	ChatJID      string
	Limit        int // default 50
	MessageTypes []string
}

// DateRange bounds an export.
type DateRange struct {
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

// ExportOptions controls export_chat.
type ExportOptions struct {
	Format       string // json, csv or txt; default from the client
	IncludeMedia bool
	DateRange    *DateRange
}

// HealthReport combines MCP transport health with the WhatsApp
// session's own view.
type HealthReport struct {
	MCPConnection   bool                      `json:"mcp_connection"`
	WhatsApp        *ConnectionStatus         `json:"whatsapp_connection,omitempty"`
	Session         SessionState              `json:"session_info"`
	SessionDuration time.Duration             `json:"session_duration,omitempty"`
	RateLimits      []ratelimit.CategoryStats `json:"rate_limits"`
	Error           string                    `json:"error,omitempty"`
}
