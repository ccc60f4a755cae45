package mcp

import (
	"encoding/json"
	"fmt"
	"strings"
)

// jsonrpcVersion is the JSON-RPC protocol version used by MCP.
const jsonrpcVersion = "2.0"

// Method names used by the client.
const (
	MethodInitialize  = "initialize"
	MethodInitialized = "notifications/initialized"
	MethodToolsCall   = "tools/call"
	MethodToolsList   = "tools/list"
	MethodPing        = "ping"
)

// Request is a JSON-RPC 2.0 request message.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewRequest creates a JSON-RPC 2.0 request with the given method and params.
func NewRequest(id int64, method string, params any) *Request {
	return &Request{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Method:  method,
		Params:  params,
	}
}

// Notification is a JSON-RPC 2.0 notification (no ID, no response expected).
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewNotification creates a JSON-RPC 2.0 notification.
func NewNotification(method string, params any) *Notification {
	return &Notification{
		JSONRPC: jsonrpcVersion,
		Method:  method,
		Params:  params,
	}
}

// Message is the decoded form of any inbound envelope: a response
// (ID plus Result or Error), a server notification (Method, no ID), or
// a server request (Method and ID). Inbound bytes are decoded into a
// Message exactly once, by [DecodeMessage]; nothing downstream looks at
// raw JSON shapes again.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// IsResponse reports whether the message answers a request.
func (m *Message) IsResponse() bool {
	return m.ID != nil && m.Method == ""
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface for RPCError.
func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// DecodeMessage parses one envelope.
func DecodeMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &msg, nil
}

// ToolCallParams is the params object of a tools/call request.
type ToolCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolDefinition is an MCP tool as returned by tools/list.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// toolsListResult is the result payload of a tools/list response.
type toolsListResult struct {
	Tools []ToolDefinition `json:"tools"`
}

// ServerInfo is returned in the initialize response.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// initializeResult is the full initialize response result.
type initializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	ServerInfo      ServerInfo     `json:"serverInfo"`
	Capabilities    map[string]any `json:"capabilities"`
}

// ContentBlock is a single content item in a tools/call result.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// CallToolResult is the standard shape of a tools/call result. Servers
// that return bare JSON leave Content empty.
type CallToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// Text joins all text content blocks into a single string. Non-text
// blocks are represented as inline markers.
func (r CallToolResult) Text() string {
	var parts []string
	for _, b := range r.Content {
		switch b.Type {
		case "text":
			parts = append(parts, b.Text)
		case "image":
			parts = append(parts, "[image]")
		case "resource":
			parts = append(parts, "[resource]")
		default:
			parts = append(parts, fmt.Sprintf("[%s]", b.Type))
		}
	}
	return strings.Join(parts, "\n")
}

// toolResultError reports a tools/call result flagged isError as a
// server-reported error. Results that are not content objects pass.
func toolResultError(result json.RawMessage) *RPCError {
	var r CallToolResult
	if err := json.Unmarshal(result, &r); err != nil || !r.IsError {
		return nil
	}
	return &RPCError{Code: codeToolReported, Message: r.Text()}
}

// codeToolReported marks an RPCError synthesized from an isError result.
const codeToolReported = -32000

// decodeToolsList decodes a tools/list response.
func decodeToolsList(server string, msg *Message) ([]ToolDefinition, error) {
	var result toolsListResult
	if err := json.Unmarshal(msg.Result, &result); err != nil {
		return nil, &ToolError{Server: server, Tool: MethodToolsList, Err: fmt.Errorf("decode result: %w", err)}
	}
	return result.Tools, nil
}
