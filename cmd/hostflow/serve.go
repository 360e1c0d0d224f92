package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	_ "modernc.org/sqlite"

	"hostflow/internal/api"
	"hostflow/internal/config"
	"hostflow/internal/eventbus"
	"hostflow/internal/handlers/greet"
	httpjob "hostflow/internal/handlers/http"
	"hostflow/internal/handlers/shell"
	"hostflow/internal/jobs"
	"hostflow/internal/logging"
	"hostflow/internal/queue"
	"hostflow/internal/scheduler"
	"hostflow/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the workers, the job dispatcher and the HTTP API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("http-addr", ":8080", "HTTP bind address")
	serveCmd.Flags().String("store", "sqlite", "job store: sqlite | memory | redis")
	serveCmd.Flags().String("db-path", "hostflow.db", "SQLite DB path")
	serveCmd.Flags().String("redis-addr", "localhost:6379", "Redis address (host:port)")
	serveCmd.Flags().Duration("dispatch-period", 5*time.Second, "job dispatcher tick period")
	serveCmd.Flags().Int("batch-size", 1000, "jobs of one type executed per dispatcher tick")
	serveCmd.Flags().Int("concurrency", 8, "job types drained in parallel")
	serveCmd.Flags().Int("max-attempts", 1, "attempts per job before it is marked failed")
	serveCmd.Flags().Duration("job-timeout", 0, "per-job execution timeout; 0 disables")
	serveCmd.Flags().Duration("schedule-interval", 5*time.Second, "how often cron schedules are checked")
	serveCmd.Flags().Duration("stop-timeout", 10*time.Second, "how long shutdown waits for workers")
	serveCmd.Flags().Duration("demo-period", 0, "period of the sample greeting worker; 0 disables")

	bindFlag("http_addr", serveCmd.Flags(), "http-addr")
	bindFlag("store", serveCmd.Flags(), "store")
	bindFlag("db_path", serveCmd.Flags(), "db-path")
	bindFlag("redis_addr", serveCmd.Flags(), "redis-addr")
	bindFlag("dispatch_period", serveCmd.Flags(), "dispatch-period")
	bindFlag("batch_size", serveCmd.Flags(), "batch-size")
	bindFlag("concurrency", serveCmd.Flags(), "concurrency")
	bindFlag("max_attempts", serveCmd.Flags(), "max-attempts")
	bindFlag("job_timeout", serveCmd.Flags(), "job-timeout")
	bindFlag("schedule_interval", serveCmd.Flags(), "schedule-interval")
	bindFlag("stop_timeout", serveCmd.Flags(), "stop-timeout")
	bindFlag("demo_period", serveCmd.Flags(), "demo-period")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	if err != nil {
		return err
	}
	log.Logger = logger

	store, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	bus := eventbus.NewLocal(
		eventbus.WithLogger(logger),
		eventbus.WithStatic(greet.Greeted{}.EventName(), eventbus.HandlerFor(func(_ context.Context, e greet.Greeted) error {
			log.Debug().Str("name", e.Name).Msg("greeting delivered")
			return nil
		})),
		eventbus.WithStatic(jobs.JobFailed{}.EventName(), eventbus.HandlerFor(func(_ context.Context, e jobs.JobFailed) error {
			if !e.Retrying {
				log.Warn().Str("job_id", e.ID).Str("job_type", e.Type).Str("error", e.Error).Msg("job gave up")
			}
			return nil
		})),
	)

	retry := jobs.NoRetry()
	if cfg.MaxAttempts > 1 {
		retry = jobs.Backoff{MaxAttempts: cfg.MaxAttempts, Base: time.Second, Max: time.Minute}
	}
	manager := jobs.NewManager(store, jobs.NewRegistry(),
		jobs.WithLogger(logger),
		jobs.WithBus(bus),
		jobs.WithRetryPolicy(retry),
		jobs.WithPeriod(cfg.DispatchPeriod),
		jobs.WithBatchSize(cfg.BatchSize),
		jobs.WithConcurrency(cfg.Concurrency),
		jobs.WithMiddleware(jobs.Logging(logger), jobs.Timeout(cfg.JobTimeout)),
	)
	for _, h := range []interface{ Register(*jobs.Registry) error }{
		greet.New(logger, bus),
		httpjob.New(nil, logger),
		shell.New(logger),
	} {
		if err := h.Register(manager.Registry()); err != nil {
			return fmt.Errorf("register job handler: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := worker.NewRegistry(worker.WithStopTimeout(cfg.StopTimeout), worker.WithRegistryLogger(logger))
	workers := []worker.Worker{manager.Worker()}

	deps := api.Deps{Jobs: manager, Workers: registry, Bus: bus, Logger: logger}
	if ss, ok := store.(queue.ScheduleStore); ok {
		svc := scheduler.NewService(ss, manager, scheduler.WithLogger(logger), scheduler.WithInterval(cfg.ScheduleInterval))
		deps.Schedules = svc
		workers = append(workers, svc.Worker())
	} else {
		log.Warn().Str("store", cfg.Store).Msg("store has no schedule support; cron schedules disabled")
	}
	if cfg.DemoPeriod > 0 {
		workers = append(workers, demoWorkers(manager, cfg.DemoPeriod, logger)...)
	}
	workers = append(workers, api.NewServerWorker(cfg.HTTPAddr, api.NewServer(deps), logger))

	for _, w := range workers {
		if err := registry.Add(ctx, w); err != nil {
			return err
		}
	}
	if err := registry.StartAll(ctx); err != nil {
		log.Error().Err(err).Msg("some workers failed to start")
	}
	log.Info().Str("store", cfg.Store).Int("workers", len(workers)).Msg("hostflow started")

	<-ctx.Done()
	log.Info().Msg("shutting down")
	if err := registry.StopAll(context.Background(), "signal"); err != nil {
		log.Error().Err(err).Msg("shutdown incomplete")
		return err
	}
	return nil
}

func openStore(cfg config.Config) (queue.Store, func(), error) {
	switch cfg.Store {
	case "memory":
		return queue.NewMemoryStore(), func() {}, nil
	case "redis":
		client := queue.NewRedisClient(cfg.RedisAddr)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
		}
		return queue.NewRedisStore(client), func() { _ = client.Close() }, nil
	default:
		dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", cfg.DBPath)
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("open db: %w", err)
		}
		db.SetMaxOpenConns(1) // SQLite single writer
		if err := queue.EnsureSchema(db); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("ensure schema: %w", err)
		}
		return queue.NewSQLiteRepo(db), func() { _ = db.Close() }, nil
	}
}

// demoWorkers returns a periodic worker that enqueues a greeting on every
// tick and a manual worker that reports how long the host has been up.
func demoWorkers(manager *jobs.Manager, period time.Duration, logger zerolog.Logger) []worker.Worker {
	n := 0
	ticker := worker.NewPeriodic("demo-greeter", period, func(ctx context.Context) error {
		n++
		_, err := manager.Enqueue(ctx, greet.JobType, greet.Args{
			Name:        fmt.Sprintf("tick-%d", n),
			Description: "enqueued by demo-greeter",
		})
		return err
	}, worker.WithLogger(logger))

	uptime := worker.NewManual("demo-uptime", func(ctx context.Context) error {
		started := time.Now()
		<-ctx.Done()
		logger.Info().Dur("uptime", time.Since(started)).Msg("demo-uptime stopping")
		return nil
	}, worker.WithLogger(logger))

	return []worker.Worker{ticker, uptime}
}
