package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/roach88/duplex/internal/bridge"
	"github.com/roach88/duplex/internal/codec"
	"github.com/roach88/duplex/internal/config"
	"github.com/roach88/duplex/internal/lifecycle"
	"github.com/roach88/duplex/internal/metrics"
	"github.com/roach88/duplex/internal/overlay"
	"github.com/roach88/duplex/internal/overlay/sqlitenet"
	"github.com/roach88/duplex/internal/session"
	"github.com/roach88/duplex/internal/tick"
)

// RunOptions holds flags shared by host and join.
type RunOptions struct {
	*RootOptions
	Database string
	Rounds   int
}

// NewHostCommand creates the host command.
func NewHostCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "host",
		Short: "Start a session and wait for a peer",
		Long: `Create an identity on the overlay, print its address and wait for a
peer to join. Every received ball is returned with its counter bumped.

Example:
  duplex host --db ./duplex.db
  duplex host --db ./duplex.db --rounds 20 --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd, opts, "")
		},
	}
	addRunFlags(cmd, opts)
	return cmd
}

// NewJoinCommand creates the join command.
func NewJoinCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "join <address>",
		Short: "Start a session and send the handshake to a host",
		Long: `Create an identity on the overlay and send the handshake sentinel to
the given host address, then play pingpong with it.

Example:
  duplex join --db ./duplex.db 6MRyAjQq8ud7hVNYcfnVPJqcVpscN5So8BhtHuGYqET5`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd, opts, args[0])
		},
	}
	addRunFlags(cmd, opts)
	return cmd
}

func addRunFlags(cmd *cobra.Command, opts *RunOptions) {
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to the shared SQLite overlay (default: network.db from config)")
	cmd.Flags().IntVar(&opts.Rounds, "rounds", 10, "stop after the counter passes this value (0 = never)")
}

func runSession(cmd *cobra.Command, opts *RunOptions, peer string) error {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if opts.Rounds < 0 {
		return NewExitError(ExitCommandError, "--rounds must be non-negative")
	}
	dbPath := cfg.Network.DB
	if opts.Database != "" {
		dbPath = opts.Database
	}

	slog.Info("opening overlay", "path", dbPath)
	network, err := sqlitenet.Open(dbPath, sqlitenet.WithPoll(cfg.Network.Poll))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open overlay database", err)
	}
	defer func() {
		if closeErr := network.Close(); closeErr != nil {
			slog.Error("error closing overlay database", "error", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return runPingpong(ctx, pingpongOptions{
		cfg:     cfg,
		network: network,
		out:     opts.formatter(cmd),
		peer:    peer,
		rounds:  opts.Rounds,
	})
}

type pingpongOptions struct {
	cfg     *config.Config
	network overlay.Network
	out     *OutputFormatter
	peer    string
	rounds  int

	// registry receives the session metrics. Nil uses a private registry.
	registry *prometheus.Registry
	ready    func(overlay.Address)
}

// runPingpong runs one side of the exchange until it finishes, the session
// fails or ctx is cancelled.
func runPingpong(ctx context.Context, o pingpongOptions) error {
	cfg := o.cfg

	c, err := codec.ByName[Ball](cfg.Session.Codec)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid codec", err)
	}

	reg := o.registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := metrics.New(reg)
	if cfg.Metrics.Addr != "" {
		shutdown, err := serveMetrics(cfg.Metrics.Addr, reg)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to start metrics endpoint", err)
		}
		defer shutdown()
	}

	machine := lifecycle.NewMachine(lifecycle.WithConnectOnSendSuccess(cfg.Session.ConnectOnSend))
	plugin, err := session.New(session.Config[Ball]{
		Network:     o.network,
		Codec:       c,
		Sentinel:    cfg.Session.Sentinel,
		Machine:     &machine,
		ReceivePoll: cfg.Session.ReceivePoll,
		Metrics:     m,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid session configuration", err)
	}

	pp := &pingpong{
		session:  plugin,
		out:      o.out,
		sentinel: cfg.Session.Sentinel,
		peer:     o.peer,
		rounds:   o.rounds,
		ready:    o.ready,
	}

	app := tick.NewApp(
		tick.WithRate(cfg.Tick.Rate),
		tick.WithShutdownGrace(cfg.Session.ShutdownGrace),
		tick.WithExecutor(newExecutor(cfg.Executor)),
		tick.WithDrainHook(m.Drained),
	)
	app.AddPlugin(plugin)
	app.AddPlugin(pp)

	defer func() {
		// Run has returned, so ctx may already be done.
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Session.ShutdownGrace+time.Second)
		defer cancel()
		if shutdownErr := app.Shutdown(sctx); shutdownErr != nil {
			slog.Warn("shutdown incomplete", "error", shutdownErr)
		}
	}()

	slog.Info("session starting", "executor", cfg.Executor, "codec", c.Name(), "rate", cfg.Tick.Rate)
	if err := app.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "tick loop error", err)
	}

	if err := pp.exitError(); err != nil {
		return err
	}
	slog.Info("session stopped", "status", plugin.Status())
	return nil
}

func newExecutor(name string) bridge.Executor {
	if name == config.ExecutorSerial {
		return bridge.NewSerial()
	}
	return bridge.NewPool()
}

// serveMetrics exposes reg on addr at /metrics. The returned function
// stops the server.
func serveMetrics(addr string, reg *prometheus.Registry) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics endpoint stopped", "error", err)
		}
	}()
	slog.Info("metrics endpoint listening", "addr", ln.Addr().String())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
