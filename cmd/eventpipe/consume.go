package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/eventpipe/internal/config"
	"github.com/ehr/eventpipe/internal/domain/events"
	"github.com/ehr/eventpipe/internal/domain/notification"
	"github.com/ehr/eventpipe/internal/pipeline"
	"github.com/ehr/eventpipe/internal/platform/auth"
	"github.com/ehr/eventpipe/internal/platform/broker"
	"github.com/ehr/eventpipe/internal/platform/db"
	"github.com/ehr/eventpipe/internal/platform/metrics"
	"github.com/ehr/eventpipe/internal/platform/middleware"
	"github.com/ehr/eventpipe/internal/platform/tracing"
)

func consumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Consume notification queues and serve the ops and query API",
		RunE: func(cmd *cobra.Command, args []string) error {
			queues, _ := cmd.Flags().GetStringSlice("queue")
			migrate, _ := cmd.Flags().GetBool("migrate")
			return runConsumer(queues, migrate)
		},
	}
	cmd.Flags().StringSlice("queue", events.NotificationQueues(), "Queues to consume")
	cmd.Flags().Bool("migrate", false, "Apply pending migrations before consuming")
	return cmd
}

// selectQueues rejects queues the topology does not declare.
func selectQueues(requested []string) ([]string, error) {
	topo := events.Topology()
	seen := make(map[string]bool, len(requested))
	var out []string
	for _, q := range requested {
		if !topo.HasQueue(q) {
			return nil, fmt.Errorf("queue %q is not part of the topology", q)
		}
		if !seen[q] {
			seen[q] = true
			out = append(out, q)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("no queues to consume")
	}
	return out, nil
}

func runConsumer(requested []string, migrate bool) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	queues, err := selectQueues(requested)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing := tracing.Setup(cfg.OTelServiceName, logger)
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn().Err(err).Msg("tracer shutdown")
		}
	}()

	pool, err := openPool(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	if migrate {
		n, err := db.NewMigrator(pool, cfg.MigrationsDir, logger).Up(ctx)
		if err != nil {
			return err
		}
		logger.Info().Int("applied", n).Msg("migrations applied")
	}

	m := metrics.New()
	proc, repo, closeContacts, err := notificationProcessor(ctx, cfg, pool, m, logger)
	if err != nil {
		return err
	}
	defer closeContacts()

	conn, err := dialBroker(ctx, cfg, "eventpipe-consumer", logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	topo := brokerTopology(cfg.QueueType)
	dispatcher := pipeline.NewDispatcher(proc, logger)
	consumers := make(map[string]*broker.Consumer, len(queues))
	for _, q := range queues {
		ch, err := conn.Channel()
		if err != nil {
			return err
		}
		consumers[q] = broker.NewConsumer(ch, topo, broker.ConsumerConfig{
			Queue:         q,
			Prefetch:      cfg.ConsumerPrefetch,
			Workers:       cfg.ConsumerWorkers,
			MaxDeliveries: cfg.MaxDeliveries,
			GracePeriod:   cfg.ShutdownGrace,
		}, dispatcher, logger, m)
	}

	e := newServer(cfg, pool, repo, proc, m, consumers, logger)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting ops server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("ops server failed")
			stop()
		}
	}()

	// A lost connection ends every consumer; exit so the supervisor restarts
	// the process against a fresh connection.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	connClosed := conn.NotifyClose()
	go func() {
		select {
		case amqpErr := <-connClosed:
			if amqpErr != nil {
				logger.Error().Str("reason", amqpErr.Reason).Int("code", amqpErr.Code).Msg("broker connection lost")
			}
			cancelRun()
		case <-runCtx.Done():
		}
	}()

	var (
		wg     sync.WaitGroup
		errMu  sync.Mutex
		runErr error
	)
	for q, c := range consumers {
		wg.Add(1)
		go func(q string, c *broker.Consumer) {
			defer wg.Done()
			if err := c.Run(runCtx); err != nil {
				errMu.Lock()
				if runErr == nil {
					runErr = fmt.Errorf("consumer %s: %w", q, err)
				}
				errMu.Unlock()
				cancelRun()
			}
		}(q, c)
	}
	wg.Wait()
	logger.Info().Msg("consumers stopped")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("ops server shutdown failed")
	}
	logger.Info().Msg("stopped")

	if runErr != nil && ctx.Err() == nil {
		return runErr
	}
	return nil
}

// newServer builds the ops endpoints and the notification query API.
func newServer(cfg *config.Config, pool *pgxpool.Pool, repo notification.Repository, proc *notification.Processor, m *metrics.Collector, consumers map[string]*broker.Consumer, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))

	reporters := make(map[string]stateReporter, len(consumers))
	for q, c := range consumers {
		reporters[q] = c
	}
	e.GET("/health", consumerHealth(reporters))
	e.GET("/health/db", db.HealthHandler(pool))
	e.GET("/metrics", m.Handler())

	api := e.Group("/api/v1", middleware.NoStore(), middleware.RequestTimeout(15*time.Second))
	if cfg.IsDev() {
		api.Use(auth.DevAuthMiddleware())
	} else {
		api.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			SigningKey: []byte(cfg.AuthSigningKey),
		}))
	}
	notification.NewHandler(repo, proc).RegisterRoutes(api)
	return e
}

type stateReporter interface {
	State() broker.State
}

// consumerHealth reports 503 until every consumer is subscribed, and again
// once any of them has lost its channel.
func consumerHealth(consumers map[string]stateReporter) echo.HandlerFunc {
	return func(c echo.Context) error {
		states := make(map[string]string, len(consumers))
		healthy := true
		for q, cons := range consumers {
			s := cons.State()
			states[q] = s.String()
			if s == broker.StateDisconnected || s == broker.StateIdle {
				healthy = false
			}
		}
		status, code := "ok", http.StatusOK
		if !healthy {
			status, code = "degraded", http.StatusServiceUnavailable
		}
		return c.JSON(code, map[string]interface{}{
			"status":    status,
			"consumers": states,
		})
	}
}
