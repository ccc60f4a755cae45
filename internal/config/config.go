// Package config handles wamcp configuration loading.
//
// Configuration comes from a single YAML file (see [DefaultSearchPaths])
// with ${VAR} expansion, optionally preceded by a .env file, and is then
// overridden by the MCP_WHATSAPP_* environment variables. Anything still
// unset falls back to the defaults in [Config.ApplyDefaults].
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Transport names accepted in the transport field. Aliases are
// normalized by the mcp package.
var validTransports = map[string]bool{
	"stdio": true, "pipe": true,
	"http": true, "sse": true, "http-stream": true,
	"websocket": true, "socket": true, "ws": true,
}

// Default per-server settings.
const (
	DefaultTimeout             = 30 * time.Second
	DefaultMaxRetries          = 3
	DefaultRetryDelay          = 1 * time.Second
	DefaultHealthCheckInterval = 60 * time.Second
	DefaultSessionTimeout      = time.Hour
)

// DefaultWhatsAppServer is the server name used when the whatsapp
// section does not name one.
const DefaultWhatsAppServer = "whatsapp"

// DefaultSearchPaths returns the config file search order.
// An explicit path (from --config) is checked first.
// Then: ./config.yaml, ~/.config/wamcp/config.yaml, /etc/wamcp/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "wamcp", "config.yaml"))
	}

	paths = append(paths, "/etc/wamcp/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all wamcp configuration.
type Config struct {
	Servers  []ServerConfig `yaml:"servers"`
	WhatsApp WhatsAppConfig `yaml:"whatsapp"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	DataDir  string         `yaml:"data_dir"`
	LogLevel string         `yaml:"log_level"`
}

// ServerConfig describes one MCP server connection.
type ServerConfig struct {
	Name      string `yaml:"name"`
	Transport string `yaml:"transport"` // stdio, http, websocket (and aliases)
	// Endpoint is the executable for stdio servers, or the URL for
	// http and websocket servers.
	Endpoint string   `yaml:"endpoint"`
	Args     []string `yaml:"args"`
	Env      []string `yaml:"env"` // KEY=VALUE, stdio only
	// AuthToken is sent as "Authorization: Bearer <token>".
	AuthToken           string            `yaml:"auth_token"`
	Timeout             time.Duration     `yaml:"timeout"`
	MaxRetries          int               `yaml:"max_retries"`
	RetryDelay          time.Duration     `yaml:"retry_delay"`
	HealthCheckInterval time.Duration     `yaml:"health_check_interval"`
	SessionTimeout      time.Duration     `yaml:"session_timeout"`
	Headers             map[string]string `yaml:"headers"`
	// Handshake forces the initialize/initialized exchange on http and
	// websocket servers. Stdio servers always perform it.
	Handshake bool `yaml:"handshake"`
	// RetryToolErrors extends the retry policy to errors reported by the
	// server itself. Leave off unless every tool on the server is
	// idempotent.
	RetryToolErrors bool `yaml:"retry_tool_errors"`
}

// WhatsAppConfig holds settings for the rate-limited WhatsApp caller.
type WhatsAppConfig struct {
	// Server names the entry in Servers to use.
	Server           string          `yaml:"server"`
	PhoneNumber      string          `yaml:"phone_number"`
	AutoAuthenticate bool            `yaml:"auto_authenticate"`
	RateLimits       RateLimitConfig `yaml:"rate_limits"`
	ExportFormat     string          `yaml:"export_format"`
	IncludeMedia     bool            `yaml:"include_media"`
}

// RateLimitConfig holds per-category admission ceilings.
type RateLimitConfig struct {
	MessagesPerMinute int `yaml:"messages_per_minute"`
	ChatsPerMinute    int `yaml:"chats_per_minute"`
	DefaultPerMinute  int `yaml:"default_per_minute"`
	RequestsPerSecond int `yaml:"requests_per_second"`
}

// MQTTConfig configures the optional server-status publisher. Publishing
// is disabled when Broker is empty.
type MQTTConfig struct {
	Broker          string        `yaml:"broker"` // mqtt://host:1883 or mqtts://host:8883
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	DeviceName      string        `yaml:"device_name"`
	DiscoveryPrefix string        `yaml:"discovery_prefix"`
	PublishInterval time.Duration `yaml:"publish_interval"`
}

// Enabled reports whether an MQTT broker is configured.
func (c MQTTConfig) Enabled() bool {
	return c.Broker != ""
}

// Load reads configuration from a YAML file, applies environment
// overrides and defaults, and validates the result. A .env file next
// to the config file (or in the working directory) is loaded first so
// its values are visible to ${VAR} expansion; variables already set in
// the process environment win.
func Load(path string) (*Config, error) {
	loadDotEnv(filepath.Join(filepath.Dir(path), ".env"), ".env")

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns the configuration used when no file exists: a single
// WhatsApp MCP server reachable over HTTP on localhost, with environment
// overrides applied.
func Default() (*Config, error) {
	loadDotEnv(".env")

	cfg := &Config{
		Servers: []ServerConfig{{
			Name:      DefaultWhatsAppServer,
			Transport: "http",
			Endpoint:  "http://localhost:3000",
		}},
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return cfg, cfg.Validate()
}

func loadDotEnv(paths ...string) {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			// godotenv.Load never overrides variables already set.
			_ = godotenv.Load(p)
			return
		}
	}
}

// ApplyEnv applies the MCP_WHATSAPP_* overrides to the WhatsApp server
// entry, creating it if the file did not declare one.
func (c *Config) ApplyEnv() error {
	name := c.WhatsApp.Server
	if name == "" {
		name = DefaultWhatsAppServer
	}

	var touched bool
	srv := c.Server(name)
	ensure := func() *ServerConfig {
		touched = true
		if srv == nil {
			c.Servers = append(c.Servers, ServerConfig{Name: name})
			srv = &c.Servers[len(c.Servers)-1]
		}
		return srv
	}

	if v, ok := os.LookupEnv("MCP_WHATSAPP_ENDPOINT"); ok {
		ensure().Endpoint = v
	}
	if v, ok := os.LookupEnv("MCP_WHATSAPP_CONNECTION_TYPE"); ok {
		ensure().Transport = v
	}
	if v, ok := os.LookupEnv("MCP_WHATSAPP_AUTH_TOKEN"); ok {
		ensure().AuthToken = v
	}
	if v, ok := os.LookupEnv("MCP_WHATSAPP_TIMEOUT"); ok {
		secs, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("MCP_WHATSAPP_TIMEOUT: %w", err)
		}
		ensure().Timeout = time.Duration(secs) * time.Second
	}
	if v, ok := os.LookupEnv("MCP_WHATSAPP_MAX_RETRIES"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("MCP_WHATSAPP_MAX_RETRIES: %w", err)
		}
		ensure().MaxRetries = n
	}
	if v, ok := os.LookupEnv("MCP_WHATSAPP_PHONE_NUMBER"); ok {
		c.WhatsApp.PhoneNumber = v
	}
	if v, ok := os.LookupEnv("MCP_WHATSAPP_AUTO_AUTH"); ok {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1", "yes":
			c.WhatsApp.AutoAuthenticate = true
		default:
			c.WhatsApp.AutoAuthenticate = false
		}
	}

	if touched {
		c.WhatsApp.Server = name
	}
	return nil
}

// ApplyDefaults fills zero-valued fields. The WhatsApp server gets the
// longer timeouts its slow tools need.
func (c *Config) ApplyDefaults() {
	if c.WhatsApp.Server == "" {
		c.WhatsApp.Server = DefaultWhatsAppServer
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}

	for i := range c.Servers {
		s := &c.Servers[i]
		if s.Name == c.WhatsApp.Server {
			applyServerDefaults(s, 60*time.Second, 5, 2*time.Second, 30*time.Second, 2*time.Hour)
			if s.Headers == nil {
				s.Headers = map[string]string{
					"User-Agent": "WhatsApp-MCP-Client/1.0",
					"Accept":     "application/json",
				}
			}
			continue
		}
		applyServerDefaults(s, DefaultTimeout, DefaultMaxRetries, DefaultRetryDelay,
			DefaultHealthCheckInterval, DefaultSessionTimeout)
	}

	rl := &c.WhatsApp.RateLimits
	if rl.MessagesPerMinute <= 0 {
		rl.MessagesPerMinute = 60
	}
	if rl.ChatsPerMinute <= 0 {
		rl.ChatsPerMinute = 30
	}
	if rl.DefaultPerMinute <= 0 {
		rl.DefaultPerMinute = 30
	}
	if rl.RequestsPerSecond <= 0 {
		rl.RequestsPerSecond = 2
	}
	if c.WhatsApp.ExportFormat == "" {
		c.WhatsApp.ExportFormat = "json"
	}

	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = "wamcp"
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.MQTT.PublishInterval <= 0 {
		c.MQTT.PublishInterval = 60 * time.Second
	}
}

func applyServerDefaults(s *ServerConfig, timeout time.Duration, retries int, delay, health, session time.Duration) {
	if s.Transport == "" {
		s.Transport = "stdio"
	}
	if s.Timeout <= 0 {
		s.Timeout = timeout
	}
	if s.MaxRetries <= 0 {
		s.MaxRetries = retries
	}
	if s.RetryDelay <= 0 {
		s.RetryDelay = delay
	}
	if s.HealthCheckInterval <= 0 {
		s.HealthCheckInterval = health
	}
	if s.SessionTimeout <= 0 {
		s.SessionTimeout = session
	}
}

// Validate reports configuration mistakes that would otherwise surface
// as confusing connection failures later.
func (c *Config) Validate() error {
	var errs []error
	seen := make(map[string]bool, len(c.Servers))
	for i, s := range c.Servers {
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("servers[%d]: name is required", i))
			continue
		}
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("servers[%d]: duplicate name %q", i, s.Name))
		}
		seen[s.Name] = true
		if s.Endpoint == "" {
			errs = append(errs, fmt.Errorf("server %q: endpoint is required", s.Name))
		}
		if !validTransports[strings.ToLower(s.Transport)] {
			errs = append(errs, fmt.Errorf("server %q: unknown transport %q", s.Name, s.Transport))
		}
	}
	return errors.Join(errs...)
}

// Server returns the named server entry, or nil.
func (c *Config) Server(name string) *ServerConfig {
	for i := range c.Servers {
		if c.Servers[i].Name == name {
			return &c.Servers[i]
		}
	}
	return nil
}
