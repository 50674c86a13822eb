// Command scoutflow runs the task execution server: the HTTP/WebSocket
// surface, the scheduling engine, the browser session pool and the optional
// JetStream intake, wired onto one event bus.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/scoutflow/scoutflow/internal/accounts"
	"github.com/scoutflow/scoutflow/internal/common/config"
	"github.com/scoutflow/scoutflow/internal/common/logger"
	"github.com/scoutflow/scoutflow/internal/common/tracing"
	"github.com/scoutflow/scoutflow/internal/consumer"
	"github.com/scoutflow/scoutflow/internal/db"
	"github.com/scoutflow/scoutflow/internal/engine"
	"github.com/scoutflow/scoutflow/internal/events"
	"github.com/scoutflow/scoutflow/internal/export"
	gateway "github.com/scoutflow/scoutflow/internal/gateway/websocket"
	"github.com/scoutflow/scoutflow/internal/server"
	"github.com/scoutflow/scoutflow/internal/sessions"
	"github.com/scoutflow/scoutflow/internal/task/store/sqlite"
	"github.com/scoutflow/scoutflow/internal/worker"
	"github.com/scoutflow/scoutflow/internal/worker/mock"
	ws "github.com/scoutflow/scoutflow/pkg/websocket"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger.SetDefault(log)
	defer func() { _ = log.Sync() }()

	log.Info("Starting scoutflow server",
		zap.Int("port", cfg.Server.Port),
		zap.String("log_level", cfg.Logging.Level),
		zap.String("time_zone", cfg.Scheduler.TimeZone))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Event bus: NATS when configured, in-memory otherwise.
	provided, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	eventBus := provided.Bus
	if provided.NATS != nil {
		log.Info("Connected to NATS", zap.String("url", cfg.NATS.URL))
	} else {
		log.Info("Using in-memory event bus")
	}

	// Task store.
	pool, closeDB, err := db.Open(&cfg.Database, log)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	defer func() { _ = closeDB() }()
	st, err := sqlite.NewWithPool(pool)
	if err != nil {
		log.Fatal("Failed to initialize task store", zap.Error(err))
	}

	// Account registry.
	registry, err := accounts.LoadRegistry(cfg.Accounts.File)
	if err != nil {
		log.Fatal("Failed to load account registry", zap.Error(err))
	}
	accts := accounts.NewPool(registry, log)
	log.Info("Account registry loaded",
		zap.Int("accounts", len(registry)),
		zap.Int("enabled", accts.EnabledCount()))

	// Worker driver and session pool.
	runtime, factory, err := buildDriver(cfg.Driver)
	if err != nil {
		log.Fatal("Failed to initialize worker driver", zap.Error(err))
	}
	sessPool := sessions.NewPool(runtime, accts, cfg.Sessions, eventBus, log)
	sessPool.Start(ctx)

	// Post-run CSV ledger.
	exporter := export.NewWriter(cfg.Export, log)
	if exporter != nil {
		log.Info("CSV export enabled", zap.String("path", exporter.Path()))
	}

	// Task manager.
	manager, err := engine.NewManager(cfg.Scheduler, st, accts, sessPool, factory, eventBus, exporter, nil, log)
	if err != nil {
		log.Fatal("Failed to build task manager", zap.Error(err))
	}
	if err := manager.Start(ctx); err != nil {
		log.Fatal("Failed to start task manager", zap.Error(err))
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	// WebSocket gateway. Subscribers receive the current task state first,
	// then live events from the bus.
	gw := gateway.NewGateway(log)
	gw.Hub.SetTaskSnapshotProvider(func(ctx context.Context, taskID string) (*ws.Message, error) {
		t, err := manager.Get(ctx, taskID)
		if err != nil {
			return nil, err
		}
		return ws.NewNotification(ws.ActionTaskUpdated, t.ToAPI(time.Now()))
	})
	go gw.Hub.Run(ctx)
	broadcaster := gateway.RegisterTaskNotifications(ctx, eventBus, gw.Hub, log)
	defer broadcaster.Close()

	// Queue intake. consumer.New returns nil when disabled; a nil consumer
	// still serves the cancel-current route as a no-op.
	var natsConn *nats.Conn
	if provided.NATS != nil {
		natsConn = provided.NATS.Conn()
	}
	queue := consumer.New(cfg.Consumer, manager, natsConn, log)
	if queue != nil {
		if err := queue.Start(ctx); err != nil {
			log.Fatal("Failed to start queue consumer", zap.Error(err))
		}
		log.Info("Queue consumer started",
			zap.String("stream", cfg.Consumer.Stream),
			zap.String("ack_mode", cfg.Consumer.AckMode))
	}

	// HTTP surface.
	loc, err := time.LoadLocation(cfg.Scheduler.TimeZone)
	if err != nil {
		log.Fatal("Failed to load scheduler time zone", zap.Error(err))
	}
	router := server.NewRouter(log)
	server.RegisterTaskRoutes(router, gw.Dispatcher, manager, loc, log)
	server.RegisterPoolRoutes(router, accts, sessPool, log)
	server.RegisterConsumerRoutes(router, queue, log)
	gw.SetupRoutes(router)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}
	go func() {
		log.Info("HTTP server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info("Shutting down", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop intake first, let running tasks checkpoint, then close the fabric.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown failed", zap.Error(err))
	}
	queue.Drain()
	manager.Shutdown(shutdownCtx)
	queue.Close(shutdownCtx)
	cancel()
	sessPool.Shutdown()
	_ = closeBus()
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("Tracing shutdown failed", zap.Error(err))
	}

	log.Info("Shutdown complete")
}

// buildDriver maps the configured driver name onto a runtime/factory pair.
func buildDriver(cfg config.DriverConfig) (worker.Runtime, worker.Factory, error) {
	switch cfg.Name {
	case "", "mock":
		return &mock.Runtime{}, &mock.Factory{}, nil
	default:
		return nil, nil, fmt.Errorf("unknown worker driver %q", cfg.Name)
	}
}
