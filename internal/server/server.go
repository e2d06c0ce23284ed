// Package server provides the shared service lifecycle runner.
// cmd/ services delegate to server.Run for signal handling, config loading,
// observability init, health checks, and graceful shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aelexs/wacrm/internal/config"
	"github.com/aelexs/wacrm/internal/domain"
	"github.com/aelexs/wacrm/internal/observability"
)

// SetupDeps is what Run hands to a service's composition root.
type SetupDeps struct {
	Config *config.Config
	Logger *slog.Logger
}

// Cleanup releases resources created by a SetupFunc. It runs after the HTTP
// server has drained and before telemetry is flushed.
type Cleanup func(ctx context.Context) error

// SetupFunc builds the service handler. ctx is canceled when shutdown
// begins, so background work started here should stop on ctx.Done().
type SetupFunc func(ctx context.Context, deps SetupDeps) (http.Handler, Cleanup, error)

// Params configures a service's lifecycle runner.
type Params struct {
	// Name identifies the service (e.g. "accounts").
	Name string

	// PortFromConfig extracts the HTTP port for this service from config.
	PortFromConfig func(cfg *config.Config) int

	// Setup mounts the service routes next to /healthz. Optional.
	Setup SetupFunc
}

// Run executes the full service lifecycle: signal handling, config loading,
// observability initialization, HTTP server with health checks, and graceful
// shutdown. If ln is non-nil, it is used instead of creating a new listener
// from config (enables port-0 testing).
func Run(ctx context.Context, p Params, ln net.Listener) error {
	// Signal-based cancellation: ctx.Done() closes on SIGTERM/SIGINT.
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Structured logging with secret redaction
	logger := observability.InitLogger(observability.LogConfig{
		Level:       cfg.LogLevel,
		Format:      cfg.LogFormat,
		ServiceName: p.Name,
		Environment: cfg.Environment,
	})

	// --- Startup order: tracer -> metrics -> setup -> HTTP server ---

	service := observability.Service{Name: p.Name, Environment: cfg.Environment}

	tracerProvider, err := observability.InitTracer(ctx, observability.TracerConfig{
		Service:      service,
		OTLPEndpoint: cfg.OTEL.Endpoint,
		OTLPInsecure: cfg.OTEL.Insecure,
	})
	if err != nil {
		return fmt.Errorf("initialize tracer: %w", err)
	}

	metricsProvider, err := observability.InitMetrics(ctx, observability.MetricsConfig{
		Service:      service,
		OTLPEndpoint: cfg.OTEL.Endpoint,
		OTLPInsecure: cfg.OTEL.Insecure,
	})
	if err != nil {
		flushTelemetry(logger, nil, tracerProvider)
		return fmt.Errorf("initialize metrics: %w", err)
	}

	// Health check shutdown coordination via atomic flag.
	var shuttingDown atomic.Bool

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if shuttingDown.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, `{"status":"shutting_down","service":%q}`, p.Name)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"healthy","service":%q}`, p.Name)
	})

	var cleanup Cleanup
	if p.Setup != nil {
		handler, c, setupErr := p.Setup(ctx, SetupDeps{Config: cfg, Logger: logger})
		if setupErr != nil {
			flushTelemetry(logger, metricsProvider, tracerProvider)
			return fmt.Errorf("setup %s: %w", p.Name, setupErr)
		}
		if handler != nil {
			mux.Handle("/", handler)
		}
		cleanup = c
	}

	// Bind listener (use injected listener or create from config).
	if ln == nil {
		ln, err = (&net.ListenConfig{}).Listen(ctx, "tcp", fmt.Sprintf(":%d", p.PortFromConfig(cfg)))
		if err != nil {
			runCleanup(logger, cleanup)
			flushTelemetry(logger, metricsProvider, tracerProvider)
			return fmt.Errorf("listen: %w", err)
		}
	}

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// --- Structured concurrency via errgroup ---
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting HTTP server",
			slog.String("addr", ln.Addr().String()),
			slog.String("environment", cfg.Environment),
		)
		if serveErr := server.Serve(ln); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			return serveErr
		}
		return nil
	})

	// Shutdown runs in reverse of startup: HTTP server -> setup cleanup ->
	// metrics -> tracer.
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("received shutdown signal, starting graceful shutdown")

		// Health checks return 503 while the load balancer catches up.
		shuttingDown.Store(true)
		time.Sleep(domain.ShutdownDrainDelay)

		httpCtx, httpCancel := context.WithTimeout(context.Background(), domain.ShutdownHTTPTimeout)
		defer httpCancel()
		if shutdownErr := server.Shutdown(httpCtx); shutdownErr != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", shutdownErr.Error()))
		}

		runCleanup(logger, cleanup)
		flushTelemetry(logger, metricsProvider, tracerProvider)

		logger.Info("shutdown complete")
		return nil
	})

	return g.Wait()
}

func runCleanup(logger *slog.Logger, cleanup Cleanup) {
	if cleanup == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), domain.ShutdownHTTPTimeout)
	defer cancel()
	if err := cleanup(ctx); err != nil {
		logger.Error("service cleanup error", slog.String("error", err.Error()))
	}
}

type shutdowner interface {
	Shutdown(ctx context.Context) error
}

// flushTelemetry shuts down metrics first, then the tracer. A nil provider
// is skipped.
func flushTelemetry(logger *slog.Logger, metrics, tracer shutdowner) {
	ctx, cancel := context.WithTimeout(context.Background(), domain.ShutdownOTELTimeout)
	defer cancel()
	if metrics != nil {
		if err := metrics.Shutdown(ctx); err != nil {
			logger.Error("failed to shutdown metrics", slog.String("error", err.Error()))
		}
	}
	if tracer != nil {
		if err := tracer.Shutdown(ctx); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}
}
