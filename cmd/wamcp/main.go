// Wamcp calls tools on MCP servers, with a WhatsApp-specific command
// set on top.
//
// Usage:
//
//	wamcp call <server> <tool> [json]   Invoke one tool and print its result
//	wamcp tools <server>                List a server's tools
//	wamcp status                        Connect to every server and report
//	wamcp watch                         Keep connections healthy; publish to MQTT
//	wamcp auth                          Link the WhatsApp account (shows a QR code)
//	wamcp chats                         List WhatsApp chats
//	wamcp messages <jid>                List messages in a chat
//	wamcp search <query>                Search messages
//	wamcp export <jid>                  Export a chat
//	wamcp init [dir]                    Write an example config
//	wamcp version                       Print version and build information
//
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]); without one, a
// single WhatsApp server on http://localhost:3000 is assumed and the
// MCP_WHATSAPP_* environment variables apply.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// main constructs the OS-level environment and delegates to [run], so
// os.Exit, os.Stdout and os.Args stay out of the application logic.
func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		cancel()
		os.Exit(1)
	}
}

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	output     string // "text" (default) or "json"
	logLevel   string
}

// run is the real entry point. Results go to stdout, logs to stderr.
// It returns nil on success and the command's error otherwise.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	root := newRootCommand(stdout, stderr)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:           "wamcp",
		Short:         "Resilient MCP tool client",
		Long:          "wamcp connects to MCP servers over stdio, HTTP or websocket and invokes their tools with retries, health checks and rate limiting.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if opts.output != "text" && opts.output != "json" {
				return fmt.Errorf("unknown output format %q (valid: text, json)", opts.output)
			}
			return nil
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "path to config file (default: auto-discover)")
	flags.StringVarP(&opts.output, "output", "o", "text", "output format: text or json")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level override: trace, debug, info, warn, error")

	root.AddCommand(
		newCallCommand(opts),
		newToolsCommand(opts),
		newStatusCommand(opts),
		newWatchCommand(opts),
		newAuthCommand(opts),
		newChatsCommand(opts),
		newMessagesCommand(opts),
		newSearchCommand(opts),
		newExportCommand(opts),
		newInitCommand(),
		newVersionCommand(opts),
	)
	return root
}
