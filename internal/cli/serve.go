package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"mailflow/internal/api"
	"mailflow/internal/config"
	"mailflow/internal/domain"
	"mailflow/internal/handlers"
	"mailflow/internal/handlers/email"
	"mailflow/internal/handlers/maintenance"
	"mailflow/internal/kafka"
	"mailflow/internal/mail"
	"mailflow/internal/postgres"
	"mailflow/internal/queue"
	redisstore "mailflow/internal/redis"
	"mailflow/internal/scheduler"
	"mailflow/internal/sqlite"
	"mailflow/internal/telemetry"
	"mailflow/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API, scheduler and worker pool",
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.String("addr", ":3000", "HTTP bind address")
	f.String("store", "sqlite", "job store: sqlite | postgres")
	f.String("db-path", "mailflow.db", "SQLite database path")
	f.String("postgres-dsn", "", "PostgreSQL DSN (store=postgres)")
	f.String("redis-addr", "", "Redis address for leader election and rate limiting; empty disables")
	f.String("kafka-brokers", "", "comma-separated Kafka brokers for job events; empty disables")
	f.String("kafka-topic", "mailflow.jobs.events", "Kafka topic for job events")
	f.Int("min-workers", 2, "minimum worker count")
	f.Int("max-workers", 8, "maximum worker count")
	f.Int("scale-threshold", 50, "backlog handled per worker")
	f.Duration("check-interval", 5*time.Second, "pool scaling check period")
	f.Duration("poll-interval", time.Second, "idle worker poll period")
	f.Duration("job-timeout", 5*time.Minute, "per-job execution timeout")
	f.Duration("lease-timeout", 10*time.Minute, "time an active job may go without a heartbeat; must exceed job-timeout")
	f.Duration("reap-interval", 30*time.Second, "stale job recovery period")
	f.Duration("schedule-tick", scheduler.DefaultTick, "scheduler check period")
	f.Int("max-attempts", 5, "default attempts per job")
	f.Duration("backoff-delay", time.Second, "default exponential backoff base delay")
	f.Int("retention-keep", 100, "completed and failed jobs kept by clean-old-jobs")
	f.String("transport", "smtp", "mail transport: smtp | http")
	f.String("smtp-host", "localhost", "SMTP server host")
	f.Int("smtp-port", 1025, "SMTP server port")
	f.String("smtp-from", "noreply@mailflow.dev", "sender address")
	f.String("smtp-username", "", "SMTP auth username")
	f.String("smtp-password", "", "SMTP auth password")
	f.Int("smtp-rate-limit", 5, "sends per second (requires redis-addr)")
	f.String("relay-url", "", "HTTP relay endpoint (transport=http)")
	f.String("template-dir", "", "directory of *.html email templates")
	f.String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")

	for _, name := range []string{
		"addr", "store", "db-path", "postgres-dsn", "redis-addr", "kafka-brokers", "kafka-topic",
		"min-workers", "max-workers", "scale-threshold", "check-interval", "poll-interval",
		"job-timeout", "lease-timeout", "reap-interval", "schedule-tick", "max-attempts",
		"backoff-delay", "retention-keep", "transport", "smtp-host", "smtp-port", "smtp-from",
		"smtp-username", "smtp-password", "smtp-rate-limit", "relay-url", "template-dir", "otel-endpoint",
	} {
		bindFlag(flagKey(name), f, name)
	}
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func flagKey(name string) string { return strings.ReplaceAll(name, "-", "_") }

// jobStore is what both the queue and the scheduler persist through.
type jobStore interface {
	queue.Store
	scheduler.Store
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	setupLogger(cfg.LogLevel, cfg.LogFormat)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	instanceID := "mailflow-" + uuid.NewString()[:8]

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "mailflow", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	store, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	q := queue.New(store,
		queue.WithDefaults(domain.JobOptions{
			MaxAttempts: cfg.MaxAttempts,
			Backoff:     domain.Backoff{Kind: domain.BackoffExponential, Delay: cfg.BackoffDelay},
		}),
		queue.WithLease(cfg.LeaseTimeout),
	)
	q.Observe(q.LogObserver())

	if len(cfg.KafkaBrokers) > 0 {
		producer := kafka.NewProducer(cfg.KafkaBrokers)
		defer func() { _ = producer.Close() }()
		q.Observe(kafka.NewEventPublisher(producer, cfg.KafkaTopic))
		log.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("publishing job events")
	}

	var schedOpts []scheduler.Option
	var limiter mail.Limiter
	if cfg.RedisAddr != "" {
		initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		client, err := redisstore.NewClient(initCtx, cfg.RedisAddr)
		cancel()
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer func() { _ = client.Close() }()

		leader := redisstore.NewLeader(client, redisstore.DefaultLeaderKey, instanceID, leaderTTL(cfg.ScheduleTick))
		defer func() { _ = leader.Release(context.Background()) }()
		schedOpts = append(schedOpts, scheduler.WithLeader(leader))

		if cfg.SMTPRateLimit > 0 {
			limiter = redisstore.NewRateLimiter(client, "mail:send", cfg.SMTPRateLimit, time.Second)
		}
	}

	transport, err := newTransport(cfg, limiter)
	if err != nil {
		return err
	}
	renderer, err := mail.NewRenderer(cfg.TemplateDir)
	if err != nil {
		return err
	}

	registry := handlers.NewRegistry()
	registry.Register(email.NewHandler(email.JobSendEmail, transport, renderer))
	registry.Register(email.NewHandler(email.JobSendScheduledEmail, transport, renderer))
	registry.Register(maintenance.NewCleanupHandler(q, cfg.RetentionKeep))
	registry.Register(maintenance.NewStatsHandler(q))

	schedOpts = append(schedOpts, scheduler.WithTick(cfg.ScheduleTick), scheduler.WithJobNames(registry))
	sched := scheduler.NewService(store, q, schedOpts...)

	pool, err := worker.NewPool(q, registry, worker.Config{
		MinWorkers:     cfg.MinWorkers,
		MaxWorkers:     cfg.MaxWorkers,
		ScaleThreshold: cfg.ScaleThreshold,
		CheckInterval:  cfg.CheckInterval,
		PollInterval:   cfg.PollInterval,
		JobTimeout:     cfg.JobTimeout,
	})
	if err != nil {
		return fmt.Errorf("worker pool: %w", err)
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	if n, err := q.RecoverStale(runCtx); err != nil {
		log.Error().Err(err).Msg("recover stale jobs at startup")
	} else if n > 0 {
		log.Info().Int("recovered", n).Msg("recovered stale jobs at startup")
	}
	if err := registerMaintenance(runCtx, sched); err != nil {
		log.Error().Err(err).Msg("register maintenance schedules")
	}

	go q.RunReaper(runCtx, cfg.ReapInterval)
	go sched.Run(runCtx)
	pool.Start()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.NewServer(q, sched, pool),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Str("store", cfg.Store).Str("transport", transport.Name()).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	select {
	case <-quit:
		log.Info().Msg("shutting down, draining in-flight jobs...")
	case err := <-serveErr:
		log.Error().Err(err).Msg("http server")
	}

	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)

	sched.Stop()
	pool.Stop()
	runCancel()
	log.Info().Msg("stopped cleanly")
	return nil
}

// leaderTTL keeps the scheduler lock alive across at least three ticks so the
// holder renews it well before expiry.
func leaderTTL(tick time.Duration) time.Duration {
	if ttl := 3 * tick; ttl > redisstore.DefaultLeaderTTL {
		return ttl
	}
	return redisstore.DefaultLeaderTTL
}

func openStore(cfg config.Config) (jobStore, func(), error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch cfg.Store {
	case "", "sqlite":
		db, err := sqlite.Open(cfg.DBPath)
		if err != nil {
			return nil, nil, err
		}
		if err := sqlite.EnsureSchema(ctx, db); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return sqlite.New(db), func() { _ = db.Close() }, nil
	case "postgres":
		pool, err := postgres.NewPool(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}
		if err := postgres.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return postgres.New(pool), pool.Close, nil
	}
	return nil, nil, &domain.ValidationError{Field: "store", Reason: fmt.Sprintf("unknown store %q", cfg.Store)}
}

func newTransport(cfg config.Config, limiter mail.Limiter) (mail.Transport, error) {
	switch cfg.Transport {
	case "", "smtp":
		return mail.NewSMTPTransport(mail.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			From:     cfg.SMTPFrom,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
		}, limiter), nil
	case "http":
		if cfg.RelayURL == "" {
			return nil, &domain.ValidationError{Field: "relay_url", Reason: "is required for transport http"}
		}
		return mail.NewRelayTransport(cfg.RelayURL, cfg.SMTPFrom, 0), nil
	}
	return nil, &domain.ValidationError{Field: "transport", Reason: fmt.Sprintf("unknown transport %q", cfg.Transport)}
}

// registerMaintenance adds the housekeeping schedules unless they already
// exist from a previous run.
func registerMaintenance(ctx context.Context, sched *scheduler.Service) error {
	for _, m := range []struct{ job, interval string }{
		{maintenance.JobCleanOldJobs, maintenance.CleanInterval},
		{maintenance.JobReportQueueStats, maintenance.StatsInterval},
	} {
		existing, err := sched.List(ctx, m.job)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			continue
		}
		id, err := sched.ScheduleRecurring(ctx, m.job, nil, m.interval, domain.JobOptions{})
		if err != nil {
			return fmt.Errorf("schedule %s: %w", m.job, err)
		}
		log.Info().Str("schedule_id", id).Str("job", m.job).Str("interval", m.interval).Msg("maintenance schedule registered")
	}
	return nil
}
