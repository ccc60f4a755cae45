// Package mcp implements the client side of MCP (Model Context Protocol):
// connecting to tool servers, negotiating capabilities, and invoking
// their tools with correlated JSON-RPC 2.0 calls.
//
// Three transports are supported: stdio (a child process speaking
// newline-delimited JSON), http (JSON POSTs plus an optional
// server-sent event stream), and websocket (one text frame per
// envelope, with keep-alive pings). Every transport satisfies [Conn];
// a [Correlator] sits on top and matches responses to callers by id.
//
// [Client] is the orchestrator. It owns the registered server configs,
// the live connections and the per-server [Session] records, wraps each
// tool call in the retry/backoff policy, and runs a connwatch health
// loop per connected server.
//
// Stdio servers always go through the strict [Handshake]: no tool call
// is accepted before the initialize/initialized exchange completes.
package mcp
