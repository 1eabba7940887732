package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/broisnischal/create/eventlog/redislog"
	"github.com/broisnischal/create/internal/config"
	"github.com/broisnischal/create/internal/engine"
	"github.com/broisnischal/create/internal/metrics"
	"github.com/broisnischal/create/mcpservice"
	"github.com/broisnischal/create/scaffold"
	"github.com/broisnischal/create/stdio"
	"github.com/broisnischal/create/streaminghttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var serveFlags struct {
	addr       string
	path       string
	eventStore string
	registry   string
	logLevel   string
	stdio      bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the MCP server",
	Long: `Start the MCP server on the streamable HTTP transport, or on stdin/stdout
with --stdio. Flags override the matching CREATE_MCP_* environment variables.`,
	Example: `  # HTTP on :8080/mcp with the in-memory event log
  create-mcp serve

  # Redis-backed event log and a custom registry that reloads on change
  create-mcp serve --event-store redis --registry ./frameworks.yaml

  # Spawned by a local client
  create-mcp serve --stdio`,
	RunE: runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringVar(&serveFlags.addr, "addr", "", "listen address (env CREATE_MCP_ADDR, default :8080)")
	f.StringVar(&serveFlags.path, "path", "", "MCP endpoint path (env CREATE_MCP_PATH, default /mcp)")
	f.StringVar(&serveFlags.eventStore, "event-store", "", "event log backend: memory or redis (env CREATE_MCP_EVENT_STORE)")
	f.StringVar(&serveFlags.registry, "registry", "", "YAML framework registry to load and watch (env CREATE_MCP_REGISTRY_FILE)")
	f.StringVar(&serveFlags.logLevel, "log-level", "", "debug, info, warn or error (env CREATE_MCP_LOG_LEVEL)")
	f.BoolVar(&serveFlags.stdio, "stdio", false, "serve a single client on stdin/stdout instead of HTTP")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	// Load without validation so flags can override first.
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyServeFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// stdout carries the protocol in stdio mode, so logs always go to stderr.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))

	if err := serve(ctx, cfg, serveFlags.stdio, logger); err != nil {
		return err
	}
	logger.Info("create-mcp stopped")
	return nil
}

func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("addr") {
		cfg.Addr = serveFlags.addr
	}
	if f.Changed("path") {
		cfg.Path = serveFlags.path
	}
	if f.Changed("event-store") {
		cfg.EventStore = serveFlags.eventStore
	}
	if f.Changed("registry") {
		cfg.RegistryFile = serveFlags.registry
	}
	if f.Changed("log-level") {
		cfg.LogLevel = serveFlags.logLevel
	}
}

// server is the assembled application: the engine, its tools and the HTTP
// surface around it.
type server struct {
	cfg      *config.Config
	log      *slog.Logger
	registry *scaffold.Registry
	tools    *mcpservice.ToolsContainer
	engine   *engine.Engine
	prom     *prometheus.Registry
	metrics  *metrics.Metrics
	closers  []func() error
}

func newServer(cfg *config.Config, logger *slog.Logger) (*server, error) {
	reg, err := loadRegistry(cfg.RegistryFile)
	if err != nil {
		return nil, err
	}

	prom := prometheus.NewRegistry()
	prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := metrics.New(prom)

	info := engine.DefaultServerInfo
	info.Version = Version

	tools := mcpservice.NewToolsContainer(scaffold.Tools(reg)...)
	eng := engine.New(tools,
		engine.WithLogger(logger),
		engine.WithMetrics(m),
		engine.WithServerInfo(info),
	)

	return &server{
		cfg:      cfg,
		log:      logger,
		registry: reg,
		tools:    tools,
		engine:   eng,
		prom:     prom,
		metrics:  m,
		closers:  []func() error{func() error { tools.Close(); return nil }},
	}, nil
}

// watchRegistry reloads the registry file and republishes the tools, which
// makes the transports announce tools/list_changed.
func (s *server) watchRegistry(ctx context.Context) {
	if s.cfg.RegistryFile == "" {
		return
	}
	go func() {
		err := scaffold.Watch(ctx, s.log, s.cfg.RegistryFile, s.registry, func(ctx context.Context) {
			s.tools.Replace(ctx, scaffold.Tools(s.registry)...)
		})
		if err != nil {
			s.log.ErrorContext(ctx, "registry.watch.fail", slog.String("err", err.Error()))
		}
	}()
}

// handler builds the MCP transport and the mux that serves it next to
// /metrics and /healthz.
func (s *server) handler(ctx context.Context) (*streaminghttp.Handler, http.Handler, error) {
	opts := []streaminghttp.Option{
		streaminghttp.WithLogger(s.log),
		streaminghttp.WithMetrics(s.metrics),
		streaminghttp.WithTombstones(s.cfg.Tombstones),
	}
	if s.cfg.EventStore == config.EventStoreRedis {
		store, err := redislog.New(ctx, s.cfg.Redis, redislog.WithLogger(s.log))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect event store: %w", err)
		}
		s.closers = append(s.closers, store.Close)
		opts = append(opts, streaminghttp.WithEventStore(store))
	}

	h, err := streaminghttp.New(s.engine, opts...)
	if err != nil {
		return nil, nil, err
	}

	mux := http.NewServeMux()
	mux.Handle(s.cfg.Path, h)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","sessions":%d}`, h.Sessions())
	})
	if s.cfg.Metrics {
		mux.Handle("/metrics", promhttp.HandlerFor(s.prom, promhttp.HandlerOpts{Registry: s.prom}))
	}
	return h, mux, nil
}

func (s *server) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.log.Warn("shutdown.close.fail", slog.String("err", err.Error()))
		}
	}
}

func serve(ctx context.Context, cfg *config.Config, useStdio bool, logger *slog.Logger) error {
	s, err := newServer(cfg, logger)
	if err != nil {
		return err
	}
	defer s.close()

	s.watchRegistry(ctx)

	if useStdio {
		logger.Info("stdio.serve", slog.Int("frameworks", s.registry.Len()))
		return stdio.NewHandler(s.engine, stdio.WithLogger(logger)).Serve(ctx)
	}

	h, mux, err := s.handler(ctx)
	if err != nil {
		return err
	}
	go func() {
		if err := h.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("tools.broadcast.fail", slog.String("err", err.Error()))
		}
	}()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http.listen",
			slog.String("addr", cfg.Addr),
			slog.String("path", cfg.Path),
			slog.String("event_store", cfg.EventStore),
			slog.Int("frameworks", s.registry.Len()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutdown.start")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
	defer cancel()

	// Closing the sessions ends their open streams, which Shutdown would
	// otherwise wait on.
	if err := h.Close(shutdownCtx); err != nil {
		logger.Warn("shutdown.sessions.fail", slog.String("err", err.Error()))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
