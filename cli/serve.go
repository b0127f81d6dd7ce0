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
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	otelapi "go.opentelemetry.io/otel"

	"github.com/prompthouse/flowkit/engine"
	"github.com/prompthouse/flowkit/llmprovider"
	"github.com/prompthouse/flowkit/node"
	flowotel "github.com/prompthouse/flowkit/otel"
	"github.com/prompthouse/flowkit/sandbox"
	"github.com/prompthouse/flowkit/server"
	"github.com/prompthouse/flowkit/sink"
	"github.com/prompthouse/flowkit/store"
)

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the flow API server",
		RunE:  runServe,
	}

	cmd.Flags().IntP("port", "p", 8080, "Listen port")
	cmd.Flags().String("host", "0.0.0.0", "Listen host")
	cmd.Flags().String("cors-origin", "*", "Allowed CORS origin")
	cmd.Flags().String("sqlite-path", "", "Path to SQLite database (default: ~/.flowkit/flowkit.db)")
	cmd.Flags().String("config", "", "Path to flowkit.yaml")
	cmd.Flags().String("provider", "", "LLM provider for llm nodes")
	cmd.Flags().StringArray("provider-key", nil, "Set provider API key (repeatable)")
	cmd.Flags().String("sandbox-endpoint", "", "Python sandbox service URL")
	cmd.Flags().Duration("read-timeout", 30*time.Second, "HTTP read timeout")
	cmd.Flags().Duration("write-timeout", 60*time.Second, "HTTP write timeout")
	cmd.Flags().Int64("max-body", 1<<20, "Max request body size in bytes")
	cmd.Flags().Int("concurrency", 0, "Max nodes executing concurrently per run")
	cmd.Flags().Int("max-attempts", 0, "Max attempts per node for retriable failures")
	cmd.Flags().Duration("schedule-poll", 5*time.Second, "Schedule poll interval")
	cmd.Flags().Bool("otel", false, "Export OpenTelemetry traces via OTLP/HTTP")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	host, _ := cmd.Flags().GetString("host")
	port, _ := cmd.Flags().GetInt("port")
	corsOrigin, _ := cmd.Flags().GetString("cors-origin")
	readTimeout, _ := cmd.Flags().GetDuration("read-timeout")
	writeTimeout, _ := cmd.Flags().GetDuration("write-timeout")
	maxBody, _ := cmd.Flags().GetInt64("max-body")
	schedulePoll, _ := cmd.Flags().GetDuration("schedule-poll")
	concurrency, _ := cmd.Flags().GetInt("concurrency")
	maxAttempts, _ := cmd.Flags().GetInt("max-attempts")
	enableOtel, _ := cmd.Flags().GetBool("otel")

	logger := slog.Default()

	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	dsn, err := resolveServeSQLitePath(cmd, cfg)
	if err != nil {
		return err
	}

	flowStore, err := store.NewSQLite(store.SQLiteConfig{DSN: dsn})
	if err != nil {
		return fmt.Errorf("opening flow store: %w", err)
	}
	defer func() {
		_ = flowStore.Close()
	}()

	history, err := sink.NewSQLite(sink.SQLiteConfig{DSN: dsn})
	if err != nil {
		return fmt.Errorf("opening run history: %w", err)
	}
	defer func() {
		_ = history.Close()
	}()

	scheduleStore, err := server.NewSQLiteScheduleStore(flowStore.DB())
	if err != nil {
		return fmt.Errorf("opening schedule store: %w", err)
	}

	registry := serveRegistry(cmd, cfg, logger)

	var eventHandler engine.EventHandler
	if enableOtel {
		tracer, shutdown, err := flowotel.NewTracer(cmd.Context(), "flowkit")
		if err != nil {
			return fmt.Errorf("initializing tracing: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(shutdownCtx)
		}()

		tracing := flowotel.NewTracingHandler(tracer)
		metrics, err := flowotel.NewMetricsHandler(otelapi.GetMeterProvider().Meter("flowkit"))
		if err != nil {
			return fmt.Errorf("initializing metrics: %w", err)
		}
		eventHandler = engine.MultiEventHandler(tracing.Handle, metrics.Handle)
	}

	eng := engine.New(registry, history, engine.Options{
		Concurrency: concurrency,
		MaxAttempts: maxAttempts,
		Logger:      logger,
	})
	runner := engine.NewRunner(eng, logger)

	apiServer := server.New(server.Config{
		Store:         flowStore,
		ScheduleStore: scheduleStore,
		Runner:        runner,
		History:       history,
		EventHandler:  eventHandler,
		CORSOrigin:    corsOrigin,
		MaxBody:       maxBody,
		Logger:        logger,
	})

	scheduler, err := server.NewScheduler(server.SchedulerConfig{
		Flows:        flowStore,
		Schedules:    scheduleStore,
		Runner:       runner,
		EventHandler: eventHandler,
		PollInterval: schedulePoll,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("creating scheduler: %w", err)
	}
	scheduler.Start()
	defer func() {
		_ = scheduler.Stop(context.Background())
	}()

	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      apiServer.Handler(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(cmd.OutOrStdout(), "flowkit listening on %s\n", addr)
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
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return exitError(exitRuntime, "server error: %v", err)
		}
		return nil
	}
}

func resolveServeSQLitePath(cmd *cobra.Command, cfg Config) (string, error) {
	sqlitePath, _ := cmd.Flags().GetString("sqlite-path")
	path := strings.TrimSpace(sqlitePath)
	if path == "" {
		path = strings.TrimSpace(os.Getenv("FLOWKIT_SQLITE_PATH"))
	}
	if path == "" {
		path = strings.TrimSpace(cfg.SQLitePath)
	}
	if path == "" {
		defaultPath, err := DefaultSQLitePath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}
	return path, nil
}

// serveRegistry registers every executor the server can support. Unlike
// single-file runs, the served flows are not known up front: a missing
// provider or sandbox is logged and the matching node kind stays
// unregistered, so only flows that need it are affected.
func serveRegistry(cmd *cobra.Command, cfg Config, logger *slog.Logger) *node.Registry {
	registry := node.Builtin()

	providerFlag, _ := cmd.Flags().GetString("provider")
	provider := cfg.providerName(providerFlag)
	client, err := llmprovider.NewClient(provider, llmprovider.Config{
		APIKey: cfg.resolveAPIKey(provider),
	})
	if err != nil {
		logger.Warn("llm nodes unavailable", "provider", provider, "error", err)
	} else if err := registry.Register(node.NewLLMExecutor(client)); err != nil {
		logger.Warn("registering llm executor", "error", err)
	}

	if cfg.Sandbox.Endpoint != "" {
		runner, err := sandbox.NewHTTPRunner(cfg.Sandbox)
		if err != nil {
			logger.Warn("python nodes unavailable", "error", err)
		} else if err := registry.Register(node.NewPythonExecutor(runner)); err != nil {
			logger.Warn("registering python executor", "error", err)
		}
	}

	return registry
}
