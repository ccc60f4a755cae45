// Package mqtt publishes the health of the configured MCP servers to
// an MQTT broker as Home Assistant discovery entities.
//
// wamcp appears as one HA device. Every MCP server gets a connectivity
// binary sensor whose JSON attributes carry the current session, plus a
// last-activity sensor; the device itself reports uptime, version and
// the number of connected servers.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes retained discovery config payloads and a
// birth message ("online") to the availability topic. A will message
// moves the availability topic to "offline" on unexpected disconnects.
// Servers registered after startup are announced on the next state
// publish.
package mqtt
