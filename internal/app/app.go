// Package app wires every component into the two runnable processes: the
// api server and the deployment/metrics worker. Run is the sole entry point
// cmd/auditor calls.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/festion/homelab-gitops-auditor/internal/audit"
	"github.com/festion/homelab-gitops-auditor/internal/auth"
	"github.com/festion/homelab-gitops-auditor/internal/capability"
	"github.com/festion/homelab-gitops-auditor/internal/config"
	"github.com/festion/homelab-gitops-auditor/internal/deployment"
	"github.com/festion/homelab-gitops-auditor/internal/eventbus"
	"github.com/festion/homelab-gitops-auditor/internal/httpserver"
	"github.com/festion/homelab-gitops-auditor/internal/metrics"
	"github.com/festion/homelab-gitops-auditor/internal/orchestration"
	"github.com/festion/homelab-gitops-auditor/internal/pipeline"
	"github.com/festion/homelab-gitops-auditor/internal/platform"
	"github.com/festion/homelab-gitops-auditor/internal/secrets"
	"github.com/festion/homelab-gitops-auditor/internal/store"
	"github.com/festion/homelab-gitops-auditor/internal/telemetry"
	"github.com/festion/homelab-gitops-auditor/internal/validate"
	"github.com/festion/homelab-gitops-auditor/internal/webhook"
	"github.com/festion/homelab-gitops-auditor/pkg/notify"
)

// Run takes the loaded config, connects to infrastructure common to both modes, and
// starts the one named by cfg.Mode.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting gitops-auditor", "mode", cfg.Mode, "listen", cfg.ListenAddr())

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	pool, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	s := store.NewPostgres(pool)
	clock := platform.SystemClock{}
	ids := platform.UUIDGenerator{}

	metricsReg := telemetry.NewMetricsRegistry()

	commandTimeout := config.MustParseDuration(cfg.CommandTimeout)
	repoHost := capability.NewCommandRepoHost(cfg.ReposDir, commandTimeout)
	ciHost := capability.NewCommandCIHost(cfg.ReposDir, commandTimeout)

	remoteFSRoots, err := cfg.RemoteFSRootMap()
	if err != nil {
		return fmt.Errorf("parsing remote filesystem roots: %w", err)
	}
	remoteFS := capability.NewCommandRemoteFS(remoteFSRoots, cfg.MaxContentBytes, commandTimeout)
	allowedShares := make([]string, 0, len(remoteFSRoots))
	for name := range remoteFSRoots {
		allowedShares = append(allowedShares, name)
	}

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, s, rdb, clock, ids, repoHost, ciHost, remoteFS, allowedShares, metricsReg)
	case "worker":
		return runWorker(ctx, cfg, logger, s, rdb, clock, ids, repoHost, remoteFS, metricsReg)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

func runAPI(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	s store.Store,
	rdb *redis.Client,
	clock platform.Clock,
	ids platform.IDGenerator,
	repoHost capability.RepoHost,
	ciHost capability.CIHost,
	remoteFS capability.RemoteFS,
	allowedShares []string,
	metricsReg *prometheus.Registry,
) error {
	secretProvider := secrets.NewProvider(secrets.EnvFallbackBackend{}, config.MustParseDuration(cfg.SecretCacheTTL), 0)

	authSvc := auth.NewService(s, clock, ids, config.MustParseDuration(cfg.SessionTTL), cfg.ConcurrentSessionsMax, cfg.PasswordWorkFactor)

	auditWriter := audit.NewWriter(s, clock, ids, logger)
	auditWriter.Start(ctx)
	defer auditWriter.Close()
	authSvc.SetAuditRecorder(auditWriter)

	validators := deploymentValidators(cfg)
	engine := deployment.NewEngine(s, repoHost, remoteFS, clock, ids, validators, deployment.NewHTTPHealthChecker(), logger, deployment.Config{
		WorkerCount:         cfg.DeploymentPool,
		VerifyMaxAttempts:   30,
		VerifyInterval:      10 * time.Second,
		BackupRetentionDays: cfg.BackupRetentionDays,
	})

	supervisor := pipeline.NewSupervisor(s, ciHost, clock, ids, logger)

	bus := eventbus.NewBus(rdb, clock, ids, logger)
	bus.Start(ctx)

	engine.SetEventPublisher(bus)
	supervisor.SetEventPublisher(bus)

	notifyRegistry := notify.NewRegistry(logger)
	if cfg.SlackBotToken != "" {
		notifyRegistry.Register("slack", notify.NewSlackSender(cfg.SlackBotToken, cfg.SlackAlertChannel, logger))
		logger.Info("slack notifications enabled", "channel", cfg.SlackAlertChannel)
	} else {
		logger.Info("slack notifications disabled (SLACK_BOT_TOKEN not set)")
	}

	planner := orchestration.NewPlanner(s, engine, supervisor, clock, ids, logger)
	planner.SetEventPublisher(bus)
	planner.SetAuditRecorder(auditWriter)
	planner.SetNotifier(notifyRegistry)

	profiles, err := orchestration.LoadProfiles(cfg.ProfilesDir)
	if err != nil {
		logger.Warn("loading orchestration profiles", "dir", cfg.ProfilesDir, "error", err)
		profiles = nil
	}

	webhookPipeline := webhook.NewPipeline(s, secretProvider, rdb, engine, clock, ids, logger)
	mappings, err := webhook.LoadMappings(cfg.WebhookMappingsDir)
	if err != nil {
		logger.Warn("loading webhook mappings", "dir", cfg.WebhookMappingsDir, "error", err)
	} else {
		webhookPipeline.SetMappings(mappings)
	}

	srv := httpserver.NewServer(logger, httpserver.Deps{
		Store:                 s,
		AuthService:           authSvc,
		DeploymentEngine:      engine,
		PipelineSupervisor:    supervisor,
		OrchestrationPlanner:  planner,
		OrchestrationProfiles: profiles,
		WebhookPipeline:       webhookPipeline,
		RepoHost:              repoHost,
		Clock:                 clock,
		EventBus:              bus,
		MetricsRegistry:       metricsReg,
		CORSAllowedOrigins:    cfg.CORSAllowedOrigins,
		AllowedShares:         allowedShares,
	})

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// runWorker hosts the long-running background processors that mutate state
// rather than respond to requests: the deployment queue drain and the
// hourly metrics rollup. It shares the same database and redis as the api
// process but never serves HTTP.
func runWorker(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	s store.Store,
	rdb *redis.Client,
	clock platform.Clock,
	ids platform.IDGenerator,
	repoHost capability.RepoHost,
	remoteFS capability.RemoteFS,
	metricsReg *prometheus.Registry,
) error {
	logger.Info("worker started")

	validators := deploymentValidators(cfg)
	engine := deployment.NewEngine(s, repoHost, remoteFS, clock, ids, validators, deployment.NewHTTPHealthChecker(), logger, deployment.Config{
		WorkerCount:         cfg.DeploymentPool,
		VerifyMaxAttempts:   30,
		VerifyInterval:      10 * time.Second,
		BackupRetentionDays: cfg.BackupRetentionDays,
	})

	bus := eventbus.NewBus(rdb, clock, ids, logger)
	bus.Start(ctx)
	engine.SetEventPublisher(bus)

	notifyRegistry := notify.NewRegistry(logger)
	if cfg.SlackBotToken != "" {
		notifyRegistry.Register("slack", notify.NewSlackSender(cfg.SlackBotToken, cfg.SlackAlertChannel, logger))
		engine.SetNotifier(notifyRegistry, []string{"slack"})
	}

	engine.Start(ctx)

	aggregator := metrics.NewAggregator(s)
	seriesSource := metrics.NewStoreSeriesSource(s, nil)
	scheduler := metrics.NewScheduler(aggregator, seriesSource, logger, nil)
	if err := scheduler.Start(); err != nil {
		return fmt.Errorf("starting metrics scheduler: %w", err)
	}
	defer scheduler.Stop()

	retentionDone := make(chan struct{})
	go runRetentionLoop(ctx, s, cfg.TerminalRetentionDays, logger, retentionDone)

	<-ctx.Done()
	logger.Info("shutting down worker")
	engine.Wait()
	<-retentionDone
	return nil
}

// runRetentionLoop periodically sweeps terminal rows older than the
// configured retention window. It runs once at start, then every 24 hours.
func runRetentionLoop(ctx context.Context, s store.Store, retentionDays int, logger *slog.Logger, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	sweep := func() {
		counts, err := s.Cleanup(ctx, retentionDays)
		if err != nil {
			logger.Error("retention sweep", "error", err)
			return
		}
		logger.Info("retention sweep complete", "deleted", counts)
	}

	sweep()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}

// deploymentValidators builds the Deployment Engine's file-content
// validators from the shared validate package: path traversal, maximum
// content size, and the same YAML syntax check the Compliance Evaluator
// applies to YAML files.
func deploymentValidators(cfg *config.Config) []deployment.Validator {
	return []deployment.Validator{
		deployment.ValidatorFunc(func(_ context.Context, path string, content []byte) error {
			return validate.PathTraversal(path)
		}),
		deployment.ValidatorFunc(func(_ context.Context, _ string, content []byte) error {
			return validate.MaxContentSize(content, cfg.MaxContentBytes)
		}),
		deployment.ValidatorFunc(func(_ context.Context, path string, content []byte) error {
			if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
				return validate.YAMLSyntax(content)
			}
			return nil
		}),
	}
}
