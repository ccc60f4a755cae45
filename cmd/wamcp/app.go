package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nugget/wamcp/internal/config"
	"github.com/nugget/wamcp/internal/mcp"
	"github.com/nugget/wamcp/internal/ratelimit"
	"github.com/nugget/wamcp/internal/sessionstore"
	"github.com/nugget/wamcp/internal/syncbridge"
	"github.com/nugget/wamcp/internal/whatsapp"
)

// app holds everything a command needs. It is built per invocation and
// torn down with close.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	client  *mcp.Client
	store   *sessionstore.Store // nil when the data dir is unusable
	stdout  io.Writer
	output  string
	cfgPath string
}

// newApp loads configuration and registers every configured server.
// Nothing connects until a command asks for it.
func newApp(cmd *cobra.Command, opts *globalOptions) (*app, error) {
	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}

	levelName := cfg.LogLevel
	if opts.logLevel != "" {
		levelName = opts.logLevel
	}
	level, err := config.ParseLogLevel(levelName)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cmd.ErrOrStderr(), level)

	a := &app{
		cfg:     cfg,
		logger:  logger,
		stdout:  cmd.OutOrStdout(),
		output:  opts.output,
		cfgPath: cfgPath,
	}

	var clientOpts []mcp.Option
	if store, err := openStore(cfg.DataDir); err != nil {
		logger.Warn("session history disabled", "data_dir", cfg.DataDir, "error", err)
	} else {
		a.store = store
		clientOpts = append(clientOpts, mcp.WithSessionRecorder(store))
	}

	a.client = mcp.NewClient(logger, clientOpts...)
	for _, s := range cfg.Servers {
		sc, err := toServerConfig(s)
		if err != nil {
			a.close(cmd.Context())
			return nil, err
		}
		if err := a.client.AddServer(sc); err != nil {
			a.close(cmd.Context())
			return nil, err
		}
	}
	return a, nil
}

// close disconnects every server and closes the session store.
func (a *app) close(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	a.client.Close(shutdownCtx)
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("failed to close session store", "error", err)
		}
	}
}

// whatsApp builds the rate-limited WhatsApp caller for the configured
// server.
func (a *app) whatsApp() *whatsapp.Client {
	wa := a.cfg.WhatsApp
	limiter := ratelimit.New(whatsapp.LimitsFromConfig(wa.RateLimits), a.logger)
	return whatsapp.New(a.client, limiter, whatsapp.Options{
		Server:       wa.Server,
		PhoneNumber:  wa.PhoneNumber,
		ExportFormat: wa.ExportFormat,
		IncludeMedia: wa.IncludeMedia,
		Logger:       a.logger,
	})
}

// whatsAppSync wraps the WhatsApp caller for the blocking command
// handlers. Calls are bounded by the longest tool timeout plus the
// retry budget.
func (a *app) whatsAppSync() *whatsapp.SyncClient {
	return whatsapp.NewSync(a.whatsApp(), syncbridge.New(15*time.Minute, a.logger))
}

// printJSON writes v as indented JSON.
func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) jsonOutput() bool {
	return a.output == "json"
}

// loadConfig locates and parses the YAML configuration file. Without
// an explicit path and with no file in the search path, the built-in
// default configuration is used.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, "", err
		}
		cfg, err := config.Default()
		if err != nil {
			return nil, "", fmt.Errorf("default config: %w", err)
		}
		return cfg, "", nil
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

// newLogger creates the text logger every command uses.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

func openStore(dataDir string) (*sessionstore.Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}
	return sessionstore.Open(filepath.Join(dataDir, "sessions.db"))
}

// toServerConfig maps a configured server onto the client's view of it.
func toServerConfig(s config.ServerConfig) (mcp.ServerConfig, error) {
	kind, err := mcp.ParseTransportKind(s.Transport)
	if err != nil {
		return mcp.ServerConfig{}, fmt.Errorf("server %q: %w", s.Name, err)
	}
	return mcp.ServerConfig{
		Name:                s.Name,
		Transport:           kind,
		Endpoint:            s.Endpoint,
		Args:                s.Args,
		Env:                 s.Env,
		AuthToken:           s.AuthToken,
		Timeout:             s.Timeout,
		MaxRetries:          s.MaxRetries,
		RetryDelay:          s.RetryDelay,
		HealthCheckInterval: s.HealthCheckInterval,
		SessionTimeout:      s.SessionTimeout,
		Headers:             s.Headers,
		Handshake:           s.Handshake,
		RetryToolErrors:     s.RetryToolErrors,
	}, nil
}

// parseArguments decodes a tool's JSON argument object. An empty
// string means no arguments.
func parseArguments(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("tool arguments must be a JSON object: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// withApp wraps a command body with app setup and teardown.
func withApp(opts *globalOptions, fn func(ctx context.Context, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, opts)
		if err != nil {
			return err
		}
		defer a.close(cmd.Context())
		return fn(cmd.Context(), a, args)
	}
}
