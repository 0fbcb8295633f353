// Command gridline runs the data-management control plane: the REST API
// and the undertaker, judge and hermes daemons.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/gridline/gridline/internal/api"
	"github.com/gridline/gridline/internal/config"
	"github.com/gridline/gridline/internal/hermes"
	"github.com/gridline/gridline/internal/judge"
	"github.com/gridline/gridline/internal/rse"
	"github.com/gridline/gridline/internal/rule"
	"github.com/gridline/gridline/internal/storage/sqlite"
	"github.com/gridline/gridline/internal/telemetry"
	"github.com/gridline/gridline/internal/transfer"
	"github.com/gridline/gridline/internal/undertaker"
)

var version = "0.3.0"

type app struct {
	cfg   *config.Config
	store *sqlite.Store
	log   zerolog.Logger

	// flags
	dbPath  string
	verbose bool
	jsonLog bool
	once    bool
	threads int
	bulk    int
	delay   int
}

func main() {
	a := &app{}
	root := a.rootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "gridline",
		Short:         "Data-management control plane",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd.Context())
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			telemetry.Shutdown(shutdownCtx)
			if a.store != nil {
				_ = a.store.Close()
			}
		},
	}

	root.PersistentFlags().StringVar(&a.dbPath, "db", "", "database path (default from config)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "debug logging")
	root.PersistentFlags().BoolVar(&a.jsonLog, "json-log", false, "structured JSON logs instead of console output")

	for _, cmd := range []*cobra.Command{a.serveCmd(), a.undertakerCmd(), a.judgeCmd(), a.hermesCmd()} {
		root.AddCommand(cmd)
	}
	return root
}

func (a *app) setup(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	a.cfg = cfg
	if a.dbPath != "" {
		cfg.Database = a.dbPath
	}

	level := zerolog.InfoLevel
	if a.verbose {
		level = zerolog.DebugLevel
	}
	if a.jsonLog {
		a.log = zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
	} else {
		a.log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
			Level(level).With().Timestamp().Logger()
	}

	if err := telemetry.Init(ctx, "gridline", version); err != nil {
		return err
	}

	store, err := sqlite.New(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	a.store = store
	return nil
}

// engine wires the rule engine with its default collaborators.
func (a *app) engine() *rule.Engine {
	resolver := rse.NewResolver(a.store)
	submitter := transfer.NewOutboxSubmitter(a.store, a.log)
	return rule.NewEngine(a.store, resolver, submitter, a.log)
}

func (a *app) daemonFlags(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&a.once, "once", false, "run a single tick and exit")
	cmd.Flags().IntVar(&a.threads, "threads", 0, "worker threads (default from config)")
	cmd.Flags().IntVar(&a.bulk, "bulk", 0, "rows per tick (default from config)")
	cmd.Flags().IntVar(&a.delay, "delay", 0, "seconds between ticks (default from config)")
}

func (a *app) daemonParams() (threads, bulk int, delay, hbExpiry time.Duration) {
	threads = a.threads
	if threads <= 0 {
		threads = a.cfg.Daemon.Threads
	}
	bulk = a.bulk
	if bulk <= 0 {
		bulk = a.cfg.Daemon.Bulk
	}
	d := a.delay
	if d <= 0 {
		d = a.cfg.Daemon.DelaySeconds
	}
	return threads, bulk, time.Duration(d) * time.Second,
		time.Duration(a.cfg.Daemon.HeartbeatExpirySeconds) * time.Second
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func (a *app) serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the REST API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = a.cfg.HTTPAddr
			}
			server := api.NewServer(a.store, a.engine(), a.log)
			a.log.Info().Str("addr", addr).Msg("listening")
			return server.Router().Run(addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	return cmd
}

func (a *app) undertakerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "undertaker",
		Short: "Reap expired data identifiers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			threads, bulk, delay, hbExpiry := a.daemonParams()

			g, ctx := errgroup.WithContext(ctx)
			for i := 0; i < threads; i++ {
				u := undertaker.New(a.store, i, bulk, delay, hbExpiry, a.log)
				g.Go(func() error { return u.Run(ctx, a.once) })
			}
			return ignoreCancel(g.Wait())
		},
	}
	a.daemonFlags(cmd)
	return cmd
}

func (a *app) judgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "judge",
		Short: "Re-evaluate rules over updated data identifiers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			threads, bulk, delay, hbExpiry := a.daemonParams()
			engine := a.engine()

			g, ctx := errgroup.WithContext(ctx)
			for i := 0; i < threads; i++ {
				j := judge.New(a.store, engine, i, bulk, delay, hbExpiry, a.log)
				g.Go(func() error { return j.Run(ctx, a.once) })
			}
			return ignoreCancel(g.Wait())
		},
	}
	a.daemonFlags(cmd)
	return cmd
}

func (a *app) hermesCmd() *cobra.Command {
	var brokerTimeout, brokerRetry int
	var email bool
	cmd := &cobra.Command{
		Use:   "hermes",
		Short: "Deliver outbox messages to brokers and mail",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			threads, bulk, delay, hbExpiry := a.daemonParams()

			brokerCfg := a.cfg.Broker
			if brokerTimeout > 0 {
				brokerCfg.TimeoutSeconds = brokerTimeout
			}
			if brokerRetry > 0 {
				brokerCfg.RetrySeconds = brokerRetry
			}
			sender, err := hermes.NewSTOMPSender(brokerCfg, a.log)
			if err != nil {
				return err
			}
			defer sender.Close()
			mailer := hermes.NewSMTPMailer(a.cfg.Email)
			h := hermes.New(a.store, sender, mailer, bulk, delay, hbExpiry, a.log)

			g, ctx := errgroup.WithContext(ctx)
			for i := 0; i < threads; i++ {
				thread := i
				g.Go(func() error { return h.RunBroker(ctx, thread, a.once) })
				if email {
					g.Go(func() error { return h.RunEmail(ctx, thread, a.once) })
				}
			}
			return ignoreCancel(g.Wait())
		},
	}
	a.daemonFlags(cmd)
	cmd.Flags().IntVar(&brokerTimeout, "broker-timeout", 0, "seconds per broker send (default from config)")
	cmd.Flags().IntVar(&brokerRetry, "broker-retry", 0, "initial reconnect backoff seconds (default from config)")
	cmd.Flags().BoolVar(&email, "email", true, "also deliver email-typed messages")
	return cmd
}

// ignoreCancel turns the cancellation that follows SIGINT/SIGTERM into a
// clean exit.
func ignoreCancel(err error) error {
	if err == context.Canceled {
		return nil
	}
	return err
}
