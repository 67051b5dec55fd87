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
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/arbor-labs/arborflow/bus"
	"github.com/arbor-labs/arborflow/core"
	"github.com/arbor-labs/arborflow/engine"
	"github.com/arbor-labs/arborflow/irisexec"
	"github.com/arbor-labs/arborflow/loader"
	arborotel "github.com/arbor-labs/arborflow/otel"
	"github.com/arbor-labs/arborflow/server"
	"github.com/arbor-labs/arborflow/session"

	otelapi "go.opentelemetry.io/otel"
)

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the workflow HTTP server",
		RunE:  runServe,
	}

	cmd.Flags().IntP("port", "p", 8080, "Listen port")
	cmd.Flags().String("host", "0.0.0.0", "Listen host")
	cmd.Flags().String("cors-origin", "*", "Allowed CORS origin")
	cmd.Flags().String("sqlite-path", "", "Path to SQLite database (default: ~/.arborflow/arborflow.db)")
	cmd.Flags().String("profiles", "", "Workflow file whose profiles are registered at startup")
	cmd.Flags().Bool("echo", false, "Use the echo executor instead of live providers")
	cmd.Flags().StringArray("schedule", nil, "Scheduled workflow as name=cron=file (repeatable)")
	cmd.Flags().Duration("read-timeout", 30*time.Second, "HTTP read timeout")
	cmd.Flags().Duration("write-timeout", 0, "HTTP write timeout (0 to keep streams open)")
	cmd.Flags().Int64("max-body", 1<<20, "Max request body size in bytes")
	cmd.Flags().Bool("trace", false, "Enable OTLP trace export")
	cmd.Flags().String("otlp-endpoint", "localhost:4318", "OTLP/HTTP collector endpoint")
	cmd.Flags().Float64("sample-rate", 1, "Trace sampling rate in [0, 1]")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	host, _ := cmd.Flags().GetString("host")
	port, _ := cmd.Flags().GetInt("port")
	corsOrigin, _ := cmd.Flags().GetString("cors-origin")
	readTimeout, _ := cmd.Flags().GetDuration("read-timeout")
	writeTimeout, _ := cmd.Flags().GetDuration("write-timeout")
	maxBody, _ := cmd.Flags().GetInt64("max-body")
	echo, _ := cmd.Flags().GetBool("echo")
	traceEnabled, _ := cmd.Flags().GetBool("trace")
	otlpEndpoint, _ := cmd.Flags().GetString("otlp-endpoint")
	sampleRate, _ := cmd.Flags().GetFloat64("sample-rate")

	logger := slog.Default()

	dsn, err := resolveSQLiteDSN(cmd)
	if err != nil {
		return err
	}

	tracing, err := arborotel.Init(cmd.Context(), arborotel.ProviderConfig{
		Enabled:    traceEnabled,
		Endpoint:   otlpEndpoint,
		SampleRate: sampleRate,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = tracing.Shutdown(shutdownCtx)
	}()

	eventStore, err := bus.NewSQLiteEventStore(bus.SQLiteStoreConfig{DSN: dsn})
	if err != nil {
		return fmt.Errorf("opening sqlite event store: %w", err)
	}
	defer func() {
		_ = eventStore.Close()
	}()

	sessionStore, err := session.NewSQLiteStore(dsn)
	if err != nil {
		return fmt.Errorf("opening sqlite session store: %w", err)
	}
	defer func() {
		_ = sessionStore.Close()
	}()

	eb := bus.NewMemBus(bus.MemBusConfig{Store: eventStore, Logger: logger})

	profiles, err := loadStartupProfiles(cmd)
	if err != nil {
		return err
	}

	var executor core.WorkerExecutor
	if echo {
		executor = core.NewEchoExecutor()
	} else {
		executor = irisexec.New(irisexec.Config{Logger: logger})
	}

	tracer := otelapi.GetTracerProvider().Tracer("arborflow/engine")
	tracingHandler := arborotel.NewTracingHandler(tracer)

	metricsHandler, err := arborotel.NewMetricsHandler(otelapi.GetMeterProvider().Meter("arborflow/engine"))
	if err != nil {
		return fmt.Errorf("initializing engine metrics: %w", err)
	}

	eng := engine.New(engine.Options{
		Publisher: eb,
		Sessions:  sessionStore,
		Executor:  executor,
		Profiles:  profiles,
		Decorators: []engine.EventEmitterDecorator{
			arborotel.EnrichEmitter(tracingHandler),
			arborotel.MetricsEmitter(metricsHandler),
		},
		Logger: logger,
	})

	scheduler := server.NewScheduler(eng, logger)
	if err := addSchedules(cmd, scheduler); err != nil {
		return err
	}
	scheduler.Start()
	defer scheduler.Stop()

	srv := server.New(server.Config{
		Engine: eng,
		Bus:    eb,
		Logger: logger,
	})

	handler := withCORS(srv.Handler(), corsOrigin)
	handler = maxBodyMiddleware(handler, maxBody)

	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(cmd.OutOrStdout(), "arborflow listening on %s\n", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(cmd.OutOrStdout(), "Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return exitError(exitRuntime, "shutdown error: %v", err)
		}
		_ = eb.Close()
		return nil
	case err := <-errCh:
		_ = eb.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return exitError(exitRuntime, "server error: %v", err)
		}
		return nil
	}
}

func resolveSQLiteDSN(cmd *cobra.Command) (string, error) {
	sqlitePath, _ := cmd.Flags().GetString("sqlite-path")
	dsn := strings.TrimSpace(sqlitePath)
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("ARBORFLOW_SQLITE_PATH"))
	}
	if dsn == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolving default sqlite path: %w", err)
		}
		dir := filepath.Join(home, ".arborflow")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dir, "arborflow.db")
	}
	if !strings.HasPrefix(strings.ToLower(dsn), "file:") {
		dsn = filepath.Clean(dsn)
	}
	return dsn, nil
}

// loadStartupProfiles reads the --profiles workflow file, if any, and
// registers its agent profiles.
func loadStartupProfiles(cmd *cobra.Command) (*core.InMemoryProfileRegistry, error) {
	registry := core.NewInMemoryProfileRegistry()

	path, _ := cmd.Flags().GetString("profiles")
	if strings.TrimSpace(path) == "" {
		return registry, nil
	}

	doc, err := loader.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading profiles from %s: %w", path, err)
	}
	for _, p := range doc.Profiles {
		if err := registry.Register(p); err != nil {
			return nil, fmt.Errorf("registering profile %q: %w", p.Name, err)
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Registered %d profile(s) from %s\n", len(doc.Profiles), path)
	return registry, nil
}

// addSchedules parses --schedule flags of the form name=cron=file and
// registers each with the scheduler.
func addSchedules(cmd *cobra.Command, scheduler *server.Scheduler) error {
	specs, _ := cmd.Flags().GetStringArray("schedule")
	for _, spec := range specs {
		parts := strings.SplitN(spec, "=", 3)
		if len(parts) != 3 {
			return exitError(exitValidation, "invalid schedule %q (want name=cron=file)", spec)
		}
		name, expr, file := parts[0], parts[1], parts[2]

		doc, err := loader.Load(file)
		if err != nil {
			return exitError(exitValidation, "loading scheduled workflow %s: %v", file, err)
		}
		if err := scheduler.Add(name, expr, doc, ""); err != nil {
			return exitError(exitValidation, "registering schedule %q: %v", name, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Scheduled %q (%s) from %s\n", name, expr, file)
	}
	return nil
}

func withCORS(next http.Handler, allowedOrigin string) http.Handler {
	origin := strings.TrimSpace(allowedOrigin)
	if origin == "" {
		origin = "*"
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func maxBodyMiddleware(next http.Handler, maxBody int64) http.Handler {
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBody)
		next.ServeHTTP(w, r)
	})
}
