package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/nugget/wamcp/internal/whatsapp"
)

func newAuthCommand(opts *globalOptions) *cobra.Command {
	var phone string
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Link the WhatsApp account, rendering a QR code if pairing is needed",
		Args:  cobra.NoArgs,
		RunE: withApp(opts, func(ctx context.Context, a *app, _ []string) error {
			if phone == "" {
				phone = a.cfg.WhatsApp.PhoneNumber
			}
			wa := a.whatsAppSync().InContext(ctx)
			result, err := wa.Authenticate(phone)
			if err != nil {
				return err
			}
			if a.jsonOutput() {
				return a.printJSON(result)
			}

			fmt.Fprintf(a.stdout, "status: %s\n", result.Status)
			if result.Message != "" {
				fmt.Fprintln(a.stdout, result.Message)
			}
			if result.QRCode != "" {
				art, err := renderQR(result.QRCode)
				if err != nil {
					return err
				}
				fmt.Fprintln(a.stdout, "Scan with WhatsApp > Linked devices:")
				fmt.Fprint(a.stdout, art)
			}
			return nil
		}),
	}
	cmd.Flags().StringVar(&phone, "phone", "", "phone number to link (default: whatsapp.phone_number)")
	return cmd
}

// renderQR draws a pairing payload as terminal block characters.
func renderQR(content string) (string, error) {
	q, err := qrcode.New(content, qrcode.Medium)
	if err != nil {
		return "", fmt.Errorf("render QR code: %w", err)
	}
	return q.ToSmallString(false), nil
}

func newChatsCommand(opts *globalOptions) *cobra.Command {
	var listOpts whatsapp.ListChatsOptions
	cmd := &cobra.Command{
		Use:   "chats",
		Short: "List WhatsApp chats, most recently active first",
		Args:  cobra.NoArgs,
		RunE: withApp(opts, func(ctx context.Context, a *app, _ []string) error {
			chats, err := a.whatsAppSync().InContext(ctx).ListChats(listOpts)
			if err != nil {
				return err
			}
			if a.jsonOutput() {
				return a.printJSON(chats)
			}
			tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "JID\tNAME\tLAST MESSAGE")
			for _, c := range chats {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", c.JID, c.Name, c.LastMessageTime)
			}
			return tw.Flush()
		}),
	}
	f := cmd.Flags()
	f.IntVar(&listOpts.Limit, "limit", 0, "maximum chats to return (default 50)")
	f.IntVar(&listOpts.Page, "page", 0, "page number, starting at 0")
	f.StringVar(&listOpts.SortBy, "sort", "", "sort order: last_active or name")
	return cmd
}

func newMessagesCommand(opts *globalOptions) *cobra.Command {
	var listOpts whatsapp.ListMessagesOptions
	cmd := &cobra.Command{
		Use:   "messages <chat-jid>",
		Short: "List messages in one chat",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(opts, func(ctx context.Context, a *app, args []string) error {
			msgs, err := a.whatsAppSync().InContext(ctx).ListMessages(args[0], listOpts)
			if err != nil {
				return err
			}
			return a.printMessages(msgs)
		}),
	}
	f := cmd.Flags()
	f.IntVar(&listOpts.Limit, "limit", 0, "maximum messages to return (default 100)")
	f.IntVar(&listOpts.Page, "page", 0, "page number, starting at 0")
	f.StringVar(&listOpts.After, "after", "", "only messages after this ISO-8601 time")
	f.StringVar(&listOpts.Before, "before", "", "only messages before this ISO-8601 time")
	f.BoolVar(&listOpts.OmitContext, "no-context", false, "omit surrounding context messages")
	return cmd
}

func newSearchCommand(opts *globalOptions) *cobra.Command {
	var searchOpts whatsapp.SearchOptions
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search message content",
		Args:  cobra.MinimumNArgs(1),
		RunE: withApp(opts, func(ctx context.Context, a *app, args []string) error {
			query := strings.Join(args, " ")
			msgs, err := a.whatsAppSync().InContext(ctx).SearchMessages(query, searchOpts)
			if err != nil {
				return err
			}
			return a.printMessages(msgs)
		}),
	}
	f := cmd.Flags()
	f.StringVar(&searchOpts.ChatJID, "chat", "", "restrict the search to one chat")
	f.IntVar(&searchOpts.Limit, "limit", 0, "maximum results (default 50)")
	f.StringSliceVar(&searchOpts.MessageTypes, "type", nil, "message types to include (repeatable)")
	return cmd
}

func (a *app) printMessages(msgs []whatsapp.Message) error {
	if a.jsonOutput() {
		return a.printJSON(msgs)
	}
	tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tCHAT\tSENDER\tCONTENT")
	for _, m := range msgs {
		sender := m.Sender
		if m.IsFromMe {
			sender = "me"
		}
		chat := m.ChatName
		if chat == "" {
			chat = m.ChatJID
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", m.Timestamp, chat, sender, firstLine(m.Content))
	}
	return tw.Flush()
}

func newExportCommand(opts *globalOptions) *cobra.Command {
	var (
		exportOpts whatsapp.ExportOptions
		start, end string
	)
	cmd := &cobra.Command{
		Use:   "export <chat-jid>",
		Short: "Export one chat",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(opts, func(ctx context.Context, a *app, args []string) error {
			if start != "" || end != "" {
				exportOpts.DateRange = &whatsapp.DateRange{Start: start, End: end}
			}
			result, err := a.whatsAppSync().InContext(ctx).ExportChat(args[0], exportOpts)
			if err != nil {
				return err
			}
			if a.jsonOutput() {
				return a.printJSON(result)
			}
			if result.FilePath != "" {
				fmt.Fprintf(a.stdout, "exported %d messages as %s to %s\n", result.MessageCount, result.Format, result.FilePath)
				return nil
			}
			_, err = fmt.Fprintln(a.stdout, string(result.Data))
			return err
		}),
	}
	f := cmd.Flags()
	f.StringVar(&exportOpts.Format, "format", "", "json, csv or txt (default: whatsapp.export_format)")
	f.BoolVar(&exportOpts.IncludeMedia, "media", false, "include media references (also on when whatsapp.include_media is set)")
	f.StringVar(&start, "from", "", "start of the date range (ISO-8601)")
	f.StringVar(&end, "to", "", "end of the date range (ISO-8601)")
	return cmd
}
