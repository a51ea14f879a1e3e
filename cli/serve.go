package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	otelapi "go.opentelemetry.io/otel"

	knugget "github.com/mrinal-mann/Knugget-new"
	"github.com/mrinal-mann/Knugget-new/api"
	"github.com/mrinal-mann/Knugget-new/bus"
	"github.com/mrinal-mann/Knugget-new/daemon"
	"github.com/mrinal-mann/Knugget-new/otel"
	"github.com/mrinal-mann/Knugget-new/session"
	"github.com/mrinal-mann/Knugget-new/store"
)

const (
	defaultListenAddr   = "127.0.0.1:7667"
	shutdownTimeout     = 30 * time.Second
	defaultMaxBodyBytes = 1 << 20
)

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the local session daemon",
		Long: `Run the local HTTP daemon that owns the session, proxies summary
operations to the backend, and streams auth events to connected
extension surfaces.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
	cmd.Flags().String("listen", "", "Listen address (default "+defaultListenAddr+")")
	cmd.Flags().String("otlp-endpoint", "", "OTLP trace endpoint, e.g. http://localhost:4318")
	cmd.Flags().Duration("monitor-interval", 0, "Session revalidation interval")
	cmd.Flags().String("monitor-cron", "", "Session revalidation cron expression (overrides interval)")
	cmd.Flags().Duration("read-timeout", 30*time.Second, "HTTP read timeout")
	cmd.Flags().Int64("max-body", defaultMaxBodyBytes, "Maximum request body size in bytes")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadFileConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd)

	otlpEndpoint, _ := cmd.Flags().GetString("otlp-endpoint")
	if strings.TrimSpace(otlpEndpoint) == "" {
		otlpEndpoint = cfg.OTLPEndpoint
	}
	if strings.TrimSpace(otlpEndpoint) != "" {
		shutdownTracing, err := otel.SetupTracing(cmd.Context(), otlpEndpoint, "knugget-daemon")
		if err != nil {
			return exitError(exitConfig, "setting up tracing: %v", err)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracing(flushCtx); err != nil {
				logger.Warn("tracing shutdown", "error", err)
			}
		}()
	}

	client, err := buildClient(cmd, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	observer, err := otel.NewRequestObserver(
		otelapi.GetMeterProvider().Meter("knugget/api"),
		otelapi.GetTracerProvider().Tracer("knugget/api"),
	)
	if err != nil {
		return exitError(exitRuntime, "building request observer: %v", err)
	}
	api.SetObserver(observer)
	defer api.SetObserver(nil)

	metrics, err := otel.NewSessionMetrics(otelapi.GetMeterProvider().Meter("knugget/session"))
	if err != nil {
		return exitError(exitRuntime, "building session metrics: %v", err)
	}
	metricsSub := client.Events()
	metricsDone := bus.Drain(metricsSub, metrics.Handle)
	defer func() {
		_ = metricsSub.Close()
		<-metricsDone
	}()

	monitor, err := newSessionMonitor(cmd, cfg, client, logger)
	if err != nil {
		return err
	}
	if err := monitor.Start(cmd.Context()); err != nil {
		return exitError(exitRuntime, "starting session monitor: %v", err)
	}
	defer func() { _ = monitor.Stop(context.Background()) }()

	events, closeEvents, err := buildEventStore(cfg)
	if err != nil {
		return exitError(exitConfig, "%v", err)
	}
	defer closeEvents()

	server, err := daemon.NewServer(daemon.ServerConfig{
		Client: client,
		Events: events,
		Logger: logger,
	})
	if err != nil {
		return exitError(exitRuntime, "assembling daemon: %v", err)
	}
	defer func() { _ = server.Close() }()

	maxBody, _ := cmd.Flags().GetInt64("max-body")
	readTimeout, _ := cmd.Flags().GetDuration("read-timeout")
	httpServer := &http.Server{
		Addr:              resolveListenAddr(cmd, cfg),
		Handler:           maxBodyMiddleware(withCORS(server.Handler(), cfg.AllowedOrigins), maxBody),
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		// No WriteTimeout: /v1/events holds its response open for the
		// life of the subscription.
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(cmd.OutOrStdout(), "Knugget daemon listening on %s\n", httpServer.Addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(cmd.OutOrStdout(), "Shutting down...")
		// Event stream responses only end once the bus closes, so tear
		// down the client before draining HTTP connections.
		_ = monitor.Stop(context.Background())
		_ = server.Close()
		_ = client.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return exitError(exitRuntime, "shutdown error: %v", err)
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return exitError(exitRuntime, "server error: %v", err)
		}
		return nil
	}
}

func newSessionMonitor(cmd *cobra.Command, cfg knugget.FileConfig, client *knugget.Client, logger *slog.Logger) (*session.Monitor, error) {
	interval, cronSpec, err := cfg.MonitorSchedule()
	if err != nil {
		return nil, exitError(exitConfig, "%v", err)
	}
	if flagInterval, _ := cmd.Flags().GetDuration("monitor-interval"); flagInterval > 0 {
		interval = flagInterval
	}
	if flagCron, _ := cmd.Flags().GetString("monitor-cron"); strings.TrimSpace(flagCron) != "" {
		cronSpec = flagCron
	}
	monitor, err := session.NewMonitor(session.MonitorConfig{
		Manager:  client.Session(),
		Interval: interval,
		Cron:     cronSpec,
		Logger:   logger,
	})
	if err != nil {
		return nil, exitError(exitConfig, "configuring session monitor: %v", err)
	}
	return monitor, nil
}

// buildEventStore picks the daemon's event journal. SQLite credential
// stores share their database file with the journal so one file carries
// all daemon state; everything else journals in memory.
func buildEventStore(cfg knugget.FileConfig) (bus.EventStore, func(), error) {
	if strings.ToLower(strings.TrimSpace(cfg.Store)) != "sqlite" {
		return bus.NewMemEventStore(), func() {}, nil
	}
	dsn := cfg.StorePath
	if strings.TrimSpace(dsn) == "" {
		path, err := store.DefaultSQLitePath()
		if err != nil {
			return nil, nil, err
		}
		dsn = path
	}
	events, err := bus.NewSQLiteEventStore(bus.SQLiteStoreConfig{
		DSN:            dsn,
		RetentionAge:   24 * time.Hour,
		RetentionCount: 10000,
	})
	if err != nil {
		return nil, nil, err
	}
	return events, func() { _ = events.Close() }, nil
}

func resolveListenAddr(cmd *cobra.Command, cfg knugget.FileConfig) string {
	if addr, _ := cmd.Flags().GetString("listen"); strings.TrimSpace(addr) != "" {
		return addr
	}
	if strings.TrimSpace(cfg.Listen) != "" {
		return cfg.Listen
	}
	return defaultListenAddr
}

// withCORS answers preflight requests and echoes allowed origins so web
// pages on those origins can call the daemon directly. Origin
// enforcement for handover messages happens in the message gate, not
// here.
func withCORS(next http.Handler, allowed []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && originAllowed(origin, allowed) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func originAllowed(origin string, allowed []string) bool {
	for _, candidate := range allowed {
		if strings.EqualFold(strings.TrimRight(candidate, "/"), strings.TrimRight(origin, "/")) {
			return true
		}
	}
	return false
}

func maxBodyMiddleware(next http.Handler, maxBytes int64) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if maxBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}
