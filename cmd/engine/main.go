package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/lyzr/flowengine/common/bootstrap"
	"github.com/lyzr/flowengine/common/config"
	"github.com/lyzr/flowengine/common/db"
	"github.com/lyzr/flowengine/common/logger"
	"github.com/lyzr/flowengine/internal/activity"
	"github.com/lyzr/flowengine/internal/broker"
	"github.com/lyzr/flowengine/internal/consumer"
	"github.com/lyzr/flowengine/internal/expr"
	"github.com/lyzr/flowengine/internal/interpreter"
	"github.com/lyzr/flowengine/internal/outbox"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Bootstrap common components (config, logger, DB, telemetry); the DB
	// init hook brings up the definitions/waits/retries tables on a fresh
	// database.
	components, err := bootstrap.Setup(ctx, "engine", bootstrap.WithDBInitHook(func(d *db.DB) error {
		return outbox.New(d.Pool).EnsureSchema(ctx)
	}))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap engine: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(context.Background())

	cfg := components.Config
	log := components.Logger

	store := outbox.New(components.DB.Pool)
	defs := outbox.NewDefinitionStore(components.DB.Pool)

	b, err := newBroker(cfg, log)
	if err != nil {
		log.Error("failed to initialize broker", "error", err)
		os.Exit(1)
	}
	defer b.Close()

	ev, err := expr.New()
	if err != nil {
		log.Error("failed to initialize expression evaluator", "error", err)
		os.Exit(1)
	}

	deps := interpreter.Deps{
		Expr:     ev,
		HTTP:     activity.NewStdHTTPCaller(),
		GRPC:     activity.FakeGRPCCaller{},
		AsyncAPI: activity.FakeAsyncAPIPublisher{},
		Runner:   activity.FakeRunner{},
		Emitter:  newEventEmitter(b, cfg.Broker.OutTopic),
	}

	cons := consumer.New(b, store, defs, deps, cfg.Broker.InTopic, log)
	cons.Deps.SubWorkflow = consumer.SubWorkflows{Consumer: cons}

	// Worker pool: each Run loop handles one message at a time, so
	// in-process parallelism is the number of loops.
	for i := 0; i < cfg.Service.Workers; i++ {
		go cons.Run(ctx)
	}

	startProcessors(ctx, cfg, store, b, log)

	e := setupEcho()
	registerAdminRoutes(e, newAdmin(components, defs, b, cfg.Broker.InTopic))

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			log.Error("http shutdown failed", "error", err)
		}
	}()

	log.Info("Starting engine", "port", cfg.Service.Port, "broker", cfg.Broker.Type, "workers", cfg.Service.Workers)
	if err := e.Start(fmt.Sprintf(":%d", cfg.Service.Port)); err != nil && err != http.ErrServerClosed {
		log.Error("Server error", "error", err)
		os.Exit(1)
	}
}

// newBroker selects the transport by configuration: in-memory for a
// single-process deployment, Redis Streams for multi-process.
func newBroker(cfg *config.Config, log *logger.Logger) (broker.Broker, error) {
	switch cfg.Broker.Type {
	case "memory":
		return broker.NewMemory(log.Logger), nil
	case "redis":
		return broker.NewRedis(cfg.Broker.URL, cfg.Broker.Group, log.Logger)
	default:
		return nil, fmt.Errorf("unknown broker type: %q", cfg.Broker.Type)
	}
}

// startProcessors launches one claim loop and one reaper per outbox table.
func startProcessors(ctx context.Context, cfg *config.Config, store *outbox.Store, b broker.Broker, log *logger.Logger) {
	for _, table := range []outbox.Table{outbox.Waits, outbox.Retries} {
		p := outbox.NewProcessor(store, table, cfg.Broker.InTopic, b, log.Logger)
		p.Interval = cfg.Outbox.Interval
		p.BatchSize = cfg.Outbox.BatchSize
		p.MaxAttempts = cfg.Outbox.MaxAttempts
		p.Retention = cfg.Outbox.Retention
		p.ReapInterval = cfg.Outbox.ReapInterval
		p.Backoff = outbox.BackoffPolicy{
			Base:       cfg.Outbox.Backoff.Base,
			Multiplier: cfg.Outbox.Backoff.Multiplier,
			Cap:        cfg.Outbox.Backoff.Cap,
			JitterFrom: cfg.Outbox.Backoff.JitterFrom,
			JitterTo:   cfg.Outbox.Backoff.JitterTo,
		}
		go p.Run(ctx)
		go p.RunReaper(ctx)
	}
}

// setupEcho initializes the Echo server with basic configuration
func setupEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	return e
}
