package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/duplex/internal/overlay"
	"github.com/roach88/duplex/internal/overlay/sqlitenet"
)

// InboxOptions holds flags for the inbox and peers commands.
type InboxOptions struct {
	*RootOptions
	Database string
	Limit    int
}

// InboxEntry is one mailbox row as printed by inbox.
type InboxEntry struct {
	ID          int64      `json:"id"`
	Sender      string     `json:"sender"`
	Size        int        `json:"size"`
	SentAt      time.Time  `json:"sent_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}

// InboxResult is the output of the inbox command.
type InboxResult struct {
	Address  string       `json:"address"`
	Messages []InboxEntry `json:"messages"`
}

func (r InboxResult) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Inbox of %s (%d messages)", r.Address, len(r.Messages))
	for _, m := range r.Messages {
		state := "pending"
		if m.DeliveredAt != nil {
			state = "delivered " + m.DeliveredAt.Format(time.RFC3339)
		}
		fmt.Fprintf(&b, "\n  #%d from %s, %d bytes, sent %s, %s",
			m.ID, overlay.Address(m.Sender).Short(), m.Size, m.SentAt.Format(time.RFC3339), state)
	}
	return b.String()
}

// PeersResult is the output of the peers command.
type PeersResult struct {
	Peers []string `json:"peers"`
}

func (r PeersResult) String() string {
	if len(r.Peers) == 0 {
		return "No open peers"
	}
	return strings.Join(r.Peers, "\n")
}

// NewInboxCommand creates the inbox command.
func NewInboxCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InboxOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "inbox <address>",
		Short: "List messages addressed to a peer",
		Long: `List the newest messages in a peer's mailbox on the SQLite overlay,
including ones not yet delivered.

Examples:
  duplex inbox --db ./duplex.db 6MRyAjQq8ud7hVNYcfnVPJqcVpscN5So8BhtHuGYqET5
  duplex inbox --db ./duplex.db --limit 5 --format json <address>`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInbox(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to the shared SQLite overlay (default: network.db from config)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "maximum number of messages to list")

	return cmd
}

// NewPeersCommand creates the peers command.
func NewPeersCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InboxOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "peers",
		Short: "List open peers on the overlay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPeers(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to the shared SQLite overlay (default: network.db from config)")

	return cmd
}

func runInbox(cmd *cobra.Command, opts *InboxOptions, raw string) error {
	addr, err := overlay.ParseAddress(raw)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid address", err)
	}

	network, err := opts.open()
	if err != nil {
		return err
	}
	defer network.Close()

	msgs, err := network.Inbox(commandContext(cmd), addr, opts.Limit)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read inbox", err)
	}

	result := InboxResult{Address: addr.String(), Messages: make([]InboxEntry, 0, len(msgs))}
	for _, m := range msgs {
		result.Messages = append(result.Messages, InboxEntry{
			ID:          m.ID,
			Sender:      m.Sender.String(),
			Size:        m.Size,
			SentAt:      m.SentAt,
			DeliveredAt: m.DeliveredAt,
		})
	}
	return opts.formatter(cmd).Success(result)
}

func runPeers(cmd *cobra.Command, opts *InboxOptions) error {
	network, err := opts.open()
	if err != nil {
		return err
	}
	defer network.Close()

	peers, err := network.Peers(commandContext(cmd))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list peers", err)
	}

	result := PeersResult{Peers: make([]string, 0, len(peers))}
	for _, p := range peers {
		result.Peers = append(result.Peers, p.String())
	}
	return opts.formatter(cmd).Success(result)
}

// open opens an existing overlay database. Unlike host and join it never
// creates one.
func (o *InboxOptions) open() (*sqlitenet.Network, error) {
	path := o.Database
	if path == "" && o.Config != nil {
		path = o.Config.Network.DB
	}
	if path == "" {
		return nil, NewExitError(ExitCommandError, "no overlay database: pass --db or set network.db")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, WrapExitError(ExitCommandError, "overlay database not found", err)
	}

	network, err := sqlitenet.Open(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open overlay database", err)
	}
	return network, nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
