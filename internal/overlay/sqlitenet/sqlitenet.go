// Package sqlitenet is an overlay network whose peers share one SQLite file.
//
// Each identity is a row in peers; Send inserts a row in messages and
// Receive claims the oldest undelivered row addressed to the handle. Any
// number of processes can open the same file, which is what the demo CLI
// does to run host and join in separate terminals.
//
// # Database Configuration
//
//   - WAL mode: readers never block the writer
//   - synchronous=NORMAL
//   - busy_timeout=5000: processes wait up to 5 seconds for the write lock
//   - foreign_keys=ON: messages must reference a registered peer
//
// Receive polls. The poll interval is an Option; the clock is injectable so
// tests can drive it.
package sqlitenet

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	cbor "github.com/fxamacker/cbor/v2"
	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/duplex/internal/overlay"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - fresh file
// 1 - peers + messages with pending index
const currentSchemaVersion = 1

// DefaultPoll is the Receive poll interval when none is configured.
const DefaultPoll = 50 * time.Millisecond

// Option configures a Network.
type Option func(*Network)

// WithClock sets the clock used for timestamps and receive polling.
func WithClock(c clock.Clock) Option {
	return func(n *Network) { n.clock = c }
}

// WithPoll sets the receive poll interval. Non-positive values are ignored.
func WithPoll(d time.Duration) Option {
	return func(n *Network) {
		if d > 0 {
			n.poll = d
		}
	}
}

// Network is an overlay backed by a SQLite file.
//
// Thread-safety: safe for concurrent use. SQLite allows one writer at a
// time, so the connection pool is limited to a single connection.
type Network struct {
	db    *sql.DB
	clock clock.Clock
	poll  time.Duration
	enc   cbor.EncMode
	dec   cbor.DecMode
}

// Open creates or opens the network file at path and applies the schema.
// Safe to call from several processes on the same path.
func Open(path string, opts ...Option) (*Network, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	enc, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		db.Close()
		return nil, err
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		db.Close()
		return nil, err
	}

	n := &Network{
		db:    db,
		clock: clock.New(),
		poll:  DefaultPoll,
		enc:   enc,
		dec:   dec,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// Close closes the database. Handles created from this network stop
// working.
func (n *Network) Close() error {
	if n.db == nil {
		return nil
	}
	return n.db.Close()
}

// CreateIdentity implements overlay.Network.
func (n *Network) CreateIdentity(ctx context.Context) (overlay.Handle, error) {
	id, err := overlay.GenerateIdentity()
	if err != nil {
		return nil, err
	}

	_, err = n.db.ExecContext(ctx,
		`INSERT INTO peers (address, created_at) VALUES (?, ?)`,
		string(id.Address), n.now())
	if err != nil {
		return nil, fmt.Errorf("register peer: %w", err)
	}

	slog.Debug("peer registered", "peer", id.Address.Short())
	return &Handle{
		net:  n,
		addr: id.Address,
		done: make(chan struct{}),
	}, nil
}

// Message is one row of a peer's mailbox, as listed by Inbox.
type Message struct {
	ID          int64
	Sender      overlay.Address
	Recipient   overlay.Address
	Size        int
	SentAt      time.Time
	DeliveredAt *time.Time
}

// Inbox lists the newest messages addressed to addr, newest first.
// A zero limit means 100.
func (n *Network) Inbox(ctx context.Context, addr overlay.Address, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := n.db.QueryContext(ctx, `
		SELECT id, sender, recipient, length(envelope), sent_at, delivered_at
		FROM messages
		WHERE recipient = ?
		ORDER BY id DESC
		LIMIT ?
	`, string(addr), limit)
	if err != nil {
		return nil, fmt.Errorf("query inbox: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m         Message
			sender    string
			recipient string
			sentAt    int64
			delivered sql.NullInt64
		)
		if err := rows.Scan(&m.ID, &sender, &recipient, &m.Size, &sentAt, &delivered); err != nil {
			return nil, fmt.Errorf("scan inbox row: %w", err)
		}
		m.Sender = overlay.Address(sender)
		m.Recipient = overlay.Address(recipient)
		m.SentAt = time.Unix(0, sentAt).UTC()
		if delivered.Valid {
			t := time.Unix(0, delivered.Int64).UTC()
			m.DeliveredAt = &t
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Peers lists the addresses of open peers, oldest first.
func (n *Network) Peers(ctx context.Context) ([]overlay.Address, error) {
	rows, err := n.db.QueryContext(ctx,
		`SELECT address FROM peers WHERE closed_at IS NULL ORDER BY created_at ASC, address ASC`)
	if err != nil {
		return nil, fmt.Errorf("query peers: %w", err)
	}
	defer rows.Close()

	var out []overlay.Address
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, fmt.Errorf("scan peer: %w", err)
		}
		out = append(out, overlay.Address(addr))
	}
	return out, rows.Err()
}

func (n *Network) now() int64 {
	return n.clock.Now().UnixNano()
}

// Handle is one identity on a sqlitenet Network.
type Handle struct {
	net  *Network
	addr overlay.Address

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Address implements overlay.Handle.
func (h *Handle) Address() overlay.Address {
	return h.addr
}

// Send implements overlay.Handle.
func (h *Handle) Send(ctx context.Context, env overlay.Envelope, dst overlay.Address) error {
	if h.isClosed() {
		return overlay.ErrClosed
	}

	blob, err := h.net.enc.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	// Peer check and insert must stay one statement: a read snapshot held
	// across the write fails with SQLITE_BUSY_SNAPSHOT under concurrent
	// writers, which busy_timeout does not retry.
	res, err := h.net.db.ExecContext(ctx, `
		INSERT INTO messages (sender, recipient, envelope, sent_at)
		SELECT ?, address, ?, ?
		FROM peers
		WHERE address = ? AND closed_at IS NULL
	`, string(env.Sender), blob, h.net.now(), string(dst))
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", overlay.ErrUnknownPeer, dst)
	}
	return nil
}

// Receive implements overlay.Handle. It polls the mailbox at the network's
// poll interval until a message arrives.
func (h *Handle) Receive(ctx context.Context) (overlay.Envelope, error) {
	for {
		if h.isClosed() {
			return overlay.Envelope{}, overlay.ErrClosed
		}

		env, ok, err := h.claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return overlay.Envelope{}, ctx.Err()
			}
			return overlay.Envelope{}, err
		}
		if ok {
			return env, nil
		}

		select {
		case <-ctx.Done():
			return overlay.Envelope{}, ctx.Err()
		case <-h.done:
			return overlay.Envelope{}, overlay.ErrClosed
		case <-h.net.clock.After(h.net.poll):
		}
	}
}

// claim marks the oldest pending message for this handle as delivered and
// returns it. The UPDATE ... RETURNING runs as one statement, so two
// processes can never claim the same row.
func (h *Handle) claim(ctx context.Context) (overlay.Envelope, bool, error) {
	var blob []byte
	err := h.net.db.QueryRowContext(ctx, `
		UPDATE messages SET delivered_at = ?
		WHERE id = (
			SELECT id FROM messages
			WHERE recipient = ? AND delivered_at IS NULL
			ORDER BY id ASC
			LIMIT 1
		)
		RETURNING envelope
	`, h.net.now(), string(h.addr)).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return overlay.Envelope{}, false, nil
	}
	if err != nil {
		return overlay.Envelope{}, false, fmt.Errorf("claim message: %w", err)
	}

	var env overlay.Envelope
	if err := h.net.dec.Unmarshal(blob, &env); err != nil {
		return overlay.Envelope{}, false, fmt.Errorf("decode envelope: %w", err)
	}
	return env, true, nil
}

// Close implements overlay.Handle. The peer row is kept, marked closed, so
// its mailbox stays listable.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		close(h.done)
		_, err := h.net.db.Exec(
			`UPDATE peers SET closed_at = ? WHERE address = ?`,
			h.net.now(), string(h.addr))
		if err != nil {
			h.closeErr = fmt.Errorf("close peer: %w", err)
		}
	})
	return h.closeErr
}

func (h *Handle) isClosed() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and stamps user_version.
// Idempotent.
func applySchema(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d",
			version, currentSchemaVersion)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}
