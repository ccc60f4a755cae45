package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nugget/wamcp/internal/buildinfo"
	"github.com/nugget/wamcp/internal/connwatch"
	"github.com/nugget/wamcp/internal/mcp"
	"github.com/nugget/wamcp/internal/mqtt"
)

func newCallCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "call <server> <tool> [json-arguments]",
		Short: "Invoke one tool and print its result",
		Args:  cobra.RangeArgs(2, 3),
		RunE: withApp(opts, func(ctx context.Context, a *app, args []string) error {
			var raw string
			if len(args) == 3 {
				raw = args[2]
			}
			toolArgs, err := parseArguments(raw)
			if err != nil {
				return err
			}

			result, err := a.client.CallTool(ctx, args[0], args[1], toolArgs)
			if err != nil {
				return err
			}
			return a.printResult(result)
		}),
	}
}

// printResult prints a tool result. Text output shows the joined text
// content for MCP content results and indented JSON otherwise.
func (a *app) printResult(result json.RawMessage) error {
	if !a.jsonOutput() {
		var r mcp.CallToolResult
		if err := json.Unmarshal(result, &r); err == nil && len(r.Content) > 0 {
			_, err := fmt.Fprintln(a.stdout, r.Text())
			return err
		}
	}
	var v any
	if err := json.Unmarshal(result, &v); err != nil {
		_, err := fmt.Fprintln(a.stdout, string(result))
		return err
	}
	return a.printJSON(v)
}

func newToolsCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tools <server>",
		Short: "List the tools a server advertises",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(opts, func(ctx context.Context, a *app, args []string) error {
			tools, err := a.client.ListTools(ctx, args[0])
			if err != nil {
				return err
			}
			if a.jsonOutput() {
				return a.printJSON(tools)
			}
			tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TOOL\tDESCRIPTION")
			for _, t := range tools {
				fmt.Fprintf(tw, "%s\t%s\n", t.Name, firstLine(t.Description))
			}
			return tw.Flush()
		}),
	}
}

// serverStatus is one row of the status report.
type serverStatus struct {
	Server    string       `json:"server"`
	Transport string       `json:"transport"`
	Endpoint  string       `json:"endpoint"`
	Connected bool         `json:"connected"`
	Session   *mcp.Session `json:"session,omitempty"`
	Error     string       `json:"error,omitempty"`
}

func newStatusCommand(opts *globalOptions) *cobra.Command {
	var history int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Connect to every configured server and report",
		Args:  cobra.NoArgs,
		RunE: withApp(opts, func(ctx context.Context, a *app, _ []string) error {
			rows := a.connectAll(ctx)

			var past []mcp.Session
			if history > 0 && a.store != nil {
				var err error
				if past, err = a.store.List(ctx, "", history); err != nil {
					a.logger.Warn("failed to read session history", "error", err)
				}
			}

			if a.jsonOutput() {
				return a.printJSON(map[string]any{"servers": rows, "history": past})
			}

			tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SERVER\tTRANSPORT\tCONNECTED\tSESSION\tERROR")
			for _, r := range rows {
				sessionID := "-"
				if r.Session != nil {
					sessionID = r.Session.ID
				}
				fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\n", r.Server, r.Transport, r.Connected, sessionID, r.Error)
			}
			if len(past) > 0 {
				fmt.Fprintln(tw)
				fmt.Fprintln(tw, "SESSION\tSERVER\tACTIVE\tCREATED\tLAST ACTIVITY")
				for _, s := range past {
					fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\n", s.ID, s.Server, s.Active,
						s.CreatedAt.Local().Format(time.DateTime), s.LastActivity.Local().Format(time.DateTime))
				}
			}
			return tw.Flush()
		}),
	}
	cmd.Flags().IntVar(&history, "history", 0, "also list the N most recent recorded sessions")
	return cmd
}

// connectAll connects to every registered server concurrently and
// reports the outcome per server, sorted by name.
func (a *app) connectAll(ctx context.Context) []serverStatus {
	names := a.client.Servers()
	rows := make([]serverStatus, len(names))

	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cfg, _ := a.client.Server(name)
			row := serverStatus{Server: name, Transport: string(cfg.Transport), Endpoint: cfg.Endpoint}
			if err := a.client.Connect(ctx, name); err != nil {
				row.Error = err.Error()
			}
			row.Connected = a.client.IsConnected(name)
			if s, ok := a.client.Session(name); ok {
				row.Session = &s
			}
			rows[i] = row
		}()
	}
	wg.Wait()
	return rows
}

// sessionRetention is how long closed sessions stay in the history.
const sessionRetention = 30 * 24 * time.Hour

func newWatchCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Keep every server connected and health-checked until interrupted",
		Args:  cobra.NoArgs,
		RunE: withApp(opts, func(ctx context.Context, a *app, _ []string) error {
			a.logger.Info("starting wamcp watch", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "config", a.cfgPath)

			if a.store != nil {
				if n, err := a.store.Purge(ctx, time.Now().Add(-sessionRetention)); err != nil {
					a.logger.Warn("session history purge failed", "error", err)
				} else if n > 0 {
					a.logger.Info("purged old sessions", "count", n)
				}
			}

			for _, r := range a.connectAll(ctx) {
				if r.Error != "" {
					// The health watcher only runs for connected servers;
					// keep retrying the rest on their own interval.
					a.logger.Warn("initial connect failed", "mcp_server", r.Server, "error", r.Error)
					go a.retryConnect(ctx, r.Server)
				}
			}

			if a.cfg.MQTT.Enabled() {
				instanceID, err := mqtt.LoadOrCreateInstanceID(a.cfg.DataDir)
				if err != nil {
					return err
				}
				pub := mqtt.New(a.cfg.MQTT, instanceID, a.client, a.logger.With("component", "mqtt"))
				go func() {
					if err := pub.Start(ctx); err != nil {
						a.logger.Error("mqtt publisher stopped", "error", err)
					}
				}()
				defer func() {
					stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
					defer cancel()
					if err := pub.Stop(stopCtx); err != nil {
						a.logger.Warn("mqtt stop failed", "error", err)
					}
				}()
			}

			<-ctx.Done()
			a.logger.Info("shutting down")
			return nil
		}),
	}
}

// retryConnect keeps trying to connect a server that was down at
// startup, backing off up to its health-check interval.
func (a *app) retryConnect(ctx context.Context, name string) {
	cfg, ok := a.client.Server(name)
	if !ok {
		return
	}
	delay := cfg.RetryDelay
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if err := a.client.Connect(ctx, name); err == nil {
			a.logger.Info("server reachable again", "mcp_server", name)
			return
		} else if errors.Is(err, context.Canceled) {
			return
		}
		delay = min(delay*2, max(cfg.HealthCheckInterval, connwatch.DefaultProbeTimeout))
	}
}

func newVersionCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := cmd.OutOrStdout()
			info := buildinfo.BuildInfo()
			if opts.output == "json" {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			}
			fmt.Fprintln(w, buildinfo.String())
			for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
				if v, ok := info[k]; ok {
					fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
				}
			}
			return nil
		},
	}
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
