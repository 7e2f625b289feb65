package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loykin/exitwatch/internal/collector"
	"github.com/loykin/exitwatch/internal/config"
	"github.com/loykin/exitwatch/internal/history"
	"github.com/loykin/exitwatch/internal/history/factory"
	"github.com/loykin/exitwatch/internal/logger"
	"github.com/loykin/exitwatch/internal/metrics"
	"github.com/loykin/exitwatch/internal/monitor"
	"github.com/loykin/exitwatch/internal/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes the CLI and returns the process exit status.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := createRootCommand(ctx)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(stderr, "error:", err)
		if config.IsConfigError(err) {
			_, _ = fmt.Fprint(stderr, root.UsageString())
		}
		return 1
	}
	return 0
}

func createRootCommand(ctx context.Context) *cobra.Command {
	flags := &WatchFlags{}
	root := &cobra.Command{
		Use:   "exitwatch [flags] PID LOG EXIT [PID LOG EXIT ...]",
		Short: "Report terminated processes to a failure collector",
		Long: `exitwatch watches already-running processes by PID. When one terminates it
reads the exit code its launcher wrote to the EXIT file, and posts a failure
report to the collector. It exits once every target has been reported.

Examples:
  exitwatch 4242 /var/log/app.err /run/app.exit
  exitwatch --collector-url=http://collector:3000/api/failure-data 10 a.log a.exit 11 b.log b.exit
  exitwatch --config=exitwatch.toml`,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(ctx, cmd, flags, args)
		},
	}

	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &config.Error{Field: "flags", Msg: err.Error()}
	})

	f := root.Flags()
	f.StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	f.StringVar(&flags.CollectorURL, "collector-url", "", "collector endpoint (default "+collector.DefaultEndpoint+")")
	f.DurationVar(&flags.Timeout, "timeout", 0, "upload timeout (default 5s)")
	f.BoolVar(&flags.StrictStatus, "strict-status", false, "treat collector responses >= 300 as failed uploads")
	f.DurationVar(&flags.Interval, "interval", 0, "pause between sweeps (default 500ms)")
	f.StringVar(&flags.EventLog, "event-log", "", "local termination log file (default "+logger.DefaultEventLogPath+")")
	f.StringVar(&flags.LogLevel, "log-level", "", "debug, info, warn or error")
	f.StringVar(&flags.MetricsListen, "metrics-listen", "", "serve Prometheus metrics on this address")
	f.StringVar(&flags.ServerListen, "server-listen", "", "serve the status API on this address")
	f.StringSliceVar(&flags.HistorySinks, "history", nil, "history sink DSN (repeatable)")
	return root
}

// applyFlags overrides cfg with the flags the user actually set.
func applyFlags(cmd *cobra.Command, f *WatchFlags, cfg *config.Config) {
	changed := cmd.Flags().Changed
	if changed("collector-url") {
		cfg.Collector.URL = f.CollectorURL
	}
	if changed("timeout") {
		cfg.Collector.Timeout = f.Timeout
	}
	if changed("strict-status") {
		cfg.Collector.StrictStatus = f.StrictStatus
	}
	if changed("interval") {
		cfg.Monitor.Interval = f.Interval
	}
	if changed("event-log") {
		cfg.EventLog.Path = f.EventLog
	}
	if changed("log-level") {
		cfg.Log.Slog.Level = f.LogLevel
	}
	if changed("metrics-listen") {
		cfg.Metrics.Listen = f.MetricsListen
	}
	if changed("server-listen") {
		cfg.Server.Listen = f.ServerListen
	}
	if changed("history") {
		cfg.History.Sinks = append(cfg.History.Sinks, f.HistorySinks...)
	}
}

func runWatch(ctx context.Context, cmd *cobra.Command, flags *WatchFlags, args []string) error {
	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		return err
	}
	applyFlags(cmd, flags, cfg)
	if len(args) > 0 || len(cfg.Targets) == 0 {
		specs, err := config.ParseTriples(args)
		if err != nil {
			return err
		}
		cfg.Targets = append(cfg.Targets, specs...)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, logCloser := cfg.Log.NewSlogger()
	defer func() { _ = logCloser.Close() }()
	slog.SetDefault(log)

	set, err := buildSet(cfg.Targets)
	if err != nil {
		return err
	}

	sinks := openSinks(cfg.History.Sinks, log)
	defer closeSinks(sinks)

	var events *logger.EventLog
	if cfg.EventLog.Path != "" {
		events = logger.NewEventLog(cfg.EventLog)
		defer func() { _ = events.Close() }()
	}

	withMetrics := cfg.Metrics.Listen != ""
	if withMetrics {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			log.Warn("failed to register metrics", slog.Any("error", err))
		}
	}

	up := collector.New(cfg.Collector.URL,
		collector.WithTimeout(cfg.Collector.Timeout),
		collector.WithStrictStatus(cfg.Collector.StrictStatus))
	m := monitor.New(set, up,
		monitor.WithInterval(cfg.Monitor.Interval),
		monitor.WithLogger(log),
		monitor.WithEventLog(events),
		monitor.WithHistorySinks(sinks...),
		monitor.WithSinkTimeout(cfg.History.Timeout))

	var servers []*http.Server
	if cfg.Server.Listen != "" {
		r := server.NewRouter(m, cfg.Server.BasePath, withMetrics)
		servers = append(servers, server.NewServer(cfg.Server.Listen, r, log))
		log.Info("status API listening", slog.String("addr", cfg.Server.Listen), slog.String("base_path", cfg.Server.BasePath))
	}
	if withMetrics && cfg.Metrics.Listen != cfg.Server.Listen {
		servers = append(servers, serveMetrics(cfg.Metrics.Listen, log))
	}
	defer shutdown(servers)

	err = m.Run(ctx)
	if errors.Is(err, context.Canceled) {
		log.Info("interrupted", slog.Int("unreported", m.Active()))
		return nil
	}
	return err
}

func buildSet(specs []monitor.TargetSpec) (*monitor.Set, error) {
	set := monitor.NewSet()
	for i, spec := range specs {
		t, err := spec.Resolve()
		if err == nil {
			err = set.Add(t, nil)
		}
		if err != nil {
			return nil, &config.Error{Field: fmt.Sprintf("targets[%d]", i), Msg: err.Error()}
		}
	}
	return set, nil
}

// openSinks skips sinks that cannot be opened; archival never blocks monitoring.
func openSinks(dsns []string, log *slog.Logger) []history.Sink {
	var sinks []history.Sink
	for _, dsn := range dsns {
		s, err := factory.NewSinkFromDSN(dsn)
		if err != nil {
			log.Warn("history sink disabled", slog.Any("error", err))
			continue
		}
		sinks = append(sinks, s)
	}
	return sinks
}

func closeSinks(sinks []history.Sink) {
	for _, s := range sinks {
		if c, ok := s.(io.Closer); ok {
			_ = c.Close()
		}
	}
}

func serveMetrics(addr string, log *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server stopped", slog.String("addr", addr), slog.Any("error", err))
		}
	}()
	log.Info("metrics listening", slog.String("addr", addr))
	return srv
}

func shutdown(servers []*http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, s := range servers {
		_ = s.Shutdown(ctx)
	}
}
