package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/workstead/provisioner/config"
	"github.com/workstead/provisioner/internal/adapters/mailer"
	"github.com/workstead/provisioner/internal/core"
	"github.com/workstead/provisioner/internal/data"
	"github.com/workstead/provisioner/internal/observability/notify"
	"github.com/workstead/provisioner/internal/observability/notify/slack"
	"github.com/workstead/provisioner/internal/observability/statsd"
	"github.com/workstead/provisioner/internal/service"
)

// Repositories groups data adapters backing service ports.
type Repositories struct {
	DB        *sql.DB
	Redis     redis.UniversalClient
	Ledger    *data.LedgerRepo
	Tasks     *data.TaskRepo
	Cache     *data.RedisCacheRepo
	Directory *data.DirectoryRepo
	Employees *data.EmployeeRepo
}

// ServiceContainer holds all application services.
type ServiceContainer struct {
	Intake        *service.IntakeService
	Ledger        *service.LedgerService
	Tasks         *service.TaskService
	Resolver      *service.Resolver
	Processor     *service.Processor
	Events        *service.Dispatcher
	Mailer        core.Mailer
	Repos         *Repositories
	Observability ObservabilityContainer
}

// ObservabilityContainer groups shared observability dependencies.
type ObservabilityContainer struct {
	MetricsSink    *statsd.Client
	MetricsConfig  config.ObservabilityMetricsConfig
	FailureSink    notify.Sink
	NotifierConfig config.ObservabilityNotificationsConfig
}

// ServiceDeps groups dependencies for service initialization.
type ServiceDeps struct {
	Config      *config.AppConfig
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

// buildObservability configures metrics and notification adapters.
func buildObservability(logger *slog.Logger, cfg config.ObservabilityConfig) ObservabilityContainer {
	obsLogger := logger
	if obsLogger == nil {
		obsLogger = slog.Default()
	}

	var metricsSink *statsd.Client
	if cfg.Metrics.IsEnabled() {
		client, err := statsd.NewClient(statsd.Config{
			Enabled: true,
			Address: cfg.Metrics.StatsdAddress,
			Prefix:  "provisioner",
			Logger:  obsLogger,
		})
		if err != nil {
			obsLogger.Error("failed to initialise statsd client", "error", err)
		} else {
			metricsSink = client
		}
	}

	var failureSink notify.Sink
	if cfg.Notifications.Enabled && cfg.Notifications.Slack.Enabled {
		client, err := slack.NewClient(slack.Config{
			WebhookURL: cfg.Notifications.Slack.WebhookURL,
			Channel:    cfg.Notifications.Slack.Channel,
			Username:   cfg.Notifications.Slack.Username,
			Timeout:    cfg.Notifications.Timeout,
			RetryLimit: cfg.Notifications.RetryLimit,
		})
		if err != nil {
			obsLogger.Error("failed to initialise slack notifier", "error", err)
		} else {
			failureSink = client
		}
	}

	return ObservabilityContainer{
		MetricsSink:    metricsSink,
		MetricsConfig:  cfg.Metrics,
		FailureSink:    failureSink,
		NotifierConfig: cfg.Notifications,
	}
}

// BuildRepositories builds repositories backing service ports; no business rules here.
func BuildRepositories(db *sql.DB, redisClient redis.UniversalClient, logger *slog.Logger) *Repositories {
	return &Repositories{
		DB:        db,
		Redis:     redisClient,
		Ledger:    data.NewLedgerRepo(db, data.LedgerRepoConfig{Logger: logger}),
		Tasks:     data.NewTaskRepo(db, data.TaskRepoConfig{Logger: logger}),
		Cache:     data.NewRedisCacheRepo(redisClient),
		Directory: data.NewDirectoryRepo(db),
		Employees: data.NewEmployeeRepo(db, nil),
	}
}

func buildMailer(cfg config.MailConfig, logger *slog.Logger) core.Mailer {
	if cfg.Enabled {
		client, err := mailer.NewClient(mailer.Config{
			EndpointURL: cfg.EndpointURL,
			APIKey:      cfg.APIKey,
			FromAddress: cfg.FromAddress,
			Timeout:     cfg.Timeout,
		})
		if err == nil {
			return client
		}
		if logger != nil {
			logger.Error("failed to initialise mail gateway; invitations will be logged", "error", err)
		}
	}
	return &mailer.LogMailer{Logger: logger}
}

func buildDispatcher(logger *slog.Logger, obs ObservabilityContainer) *service.Dispatcher {
	dispatcher := service.NewDispatcher(logger)
	if obs.MetricsSink != nil {
		dispatcher.Register(service.NewMetricsObserver(obs.MetricsSink))
	}
	if obs.FailureSink != nil {
		dispatcher.Register(service.NewFailureSinkObserver(obs.FailureSink))
	}
	return dispatcher
}

// NewServices wires repositories, observability, and domain services.
func NewServices(deps *ServiceDeps) (ServiceContainer, error) {
	if deps == nil {
		return ServiceContainer{}, errors.New("service deps are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	appCfg := deps.Config
	if appCfg == nil {
		appCfg = &config.AppConfig{}
		appCfg.Sanitize()
	}

	observability := buildObservability(logger, appCfg.Observability)
	repos := BuildRepositories(deps.DB, deps.RedisClient, logger)
	dispatcher := buildDispatcher(logger, observability)

	taskService := service.MustNewTaskService(service.TaskServiceOptions{
		Repo:         repos.Tasks,
		DefaultLease: appCfg.Worker.TaskLease,
		Logger:       logger,
	})

	ledgerService, err := service.NewLedgerService(service.LedgerServiceOptions{
		Repo:   repos.Ledger,
		Events: dispatcher,
		Logger: logger,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("create ledger service: %w", err)
	}

	resolver, err := service.NewResolver(service.ResolverOptions{
		Cache:     repos.Cache,
		Directory: repos.Directory,
		TTL:       appCfg.Cache.ReferenceTTL,
		Logger:    logger,
		Metrics:   observability.MetricsSink,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("create resolver: %w", err)
	}

	invitationMailer := buildMailer(appCfg.Mail, logger)
	processor, err := service.NewProcessor(service.ProcessorOptions{
		Employees:     repos.Employees,
		Mailer:        invitationMailer,
		RecordTimeout: appCfg.Worker.RecordTimeout,
		Retries:       appCfg.Worker.RecordRetries,
		InvitationTTL: appCfg.Worker.InvitationTTL,
		Logger:        logger,
		Metrics:       observability.MetricsSink,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("create processor: %w", err)
	}

	intake, err := service.NewIntakeService(service.IntakeServiceOptions{
		Ledger:          repos.Ledger,
		Tasks:           taskService,
		Events:          dispatcher,
		Logger:          logger,
		MaxBatchRecords: appCfg.Intake.MaxBatchRecords,
		TaskMaxRetries:  appCfg.Intake.TaskMaxRetries,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("create intake service: %w", err)
	}

	return ServiceContainer{
		Intake:        intake,
		Ledger:        ledgerService,
		Tasks:         taskService,
		Resolver:      resolver,
		Processor:     processor,
		Events:        dispatcher,
		Mailer:        invitationMailer,
		Repos:         repos,
		Observability: observability,
	}, nil
}

// ServiceOrchestrationConfig contains configuration for service orchestration.
type ServiceOrchestrationConfig struct {
	Config      *config.AppConfig
	Services    ServiceContainer
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

const (
	// shutdownWaitTimeout is the maximum time to wait for services to stop gracefully.
	shutdownWaitTimeout = 15 * time.Second
)

// serviceStartupDeps groups dependencies for service startup.
type serviceStartupDeps struct {
	ctx             context.Context
	cfg             *ServiceOrchestrationConfig
	logger          *slog.Logger
	enabledServices map[config.ServiceMode]bool
	errCh           chan error
}

// backgroundService describes a startable background component.
type backgroundService struct {
	mode  config.ServiceMode
	name  string
	start func(context.Context) error
}

// backgroundServiceHandle tracks a running background service.
type backgroundServiceHandle struct {
	name string
	done <-chan struct{}
}

func launchBackground(ctx context.Context, deps *serviceStartupDeps, descriptor backgroundService) <-chan struct{} {
	if deps == nil || !deps.enabledServices[descriptor.mode] {
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := descriptor.start(ctx); err != nil {
			errMsg := fmt.Errorf("%s failed: %w", descriptor.name, err)
			select {
			case deps.errCh <- errMsg:
			case <-ctx.Done():
			default:
				deps.logger.WarnContext(ctx, "dropping background service error",
					"service", descriptor.name,
					"error", errMsg,
				)
			}
		}
	}()

	deps.logger.InfoContext(ctx, "background service started", "service", descriptor.name, "mode", descriptor.mode)

	return done
}

func startBackgroundServices(deps *serviceStartupDeps, services []backgroundService) []backgroundServiceHandle {
	if deps == nil {
		return nil
	}
	handles := make([]backgroundServiceHandle, 0, len(services))

	for _, svc := range services {
		done := launchBackground(deps.ctx, deps, svc)
		if done == nil {
			continue
		}

		handles = append(handles, backgroundServiceHandle{
			name: svc.name,
			done: done,
		})
	}

	return handles
}

func newWorkerBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeWorker,
		name: "batch worker",
		start: func(ctx context.Context) error {
			if deps == nil || deps.cfg == nil {
				return nil
			}
			var workerCfg config.WorkerConfig
			var cacheCfg config.CacheConfig
			if deps.cfg.Config != nil {
				workerCfg = deps.cfg.Config.Worker
				cacheCfg = deps.cfg.Config.Cache
			}
			return RunWorker(ctx, WorkerRunConfig{
				Services: deps.cfg.Services,
				Worker:   workerCfg,
				Cache:    cacheCfg,
				Logger:   deps.logger,
			})
		},
	}
}

func newReaperBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeReaper,
		name: "reaper",
		start: func(ctx context.Context) error {
			if deps == nil || deps.cfg == nil {
				return nil
			}
			var reaperCfg config.ReaperConfig
			if deps.cfg.Config != nil {
				reaperCfg = deps.cfg.Config.Reaper
			}
			return RunReaper(ctx, ReaperRunConfig{
				Services: deps.cfg.Services,
				Config:   reaperCfg,
				Logger:   deps.logger,
			})
		},
	}
}

func buildBackgroundServices(deps *serviceStartupDeps) []backgroundService {
	if deps == nil {
		return nil
	}
	return []backgroundService{
		newWorkerBackgroundService(deps),
		newReaperBackgroundService(deps),
	}
}

// RunServicesWithShutdown starts all enabled services and manages their lifecycle.
// This function blocks until a shutdown signal is received or a service fails.
func RunServicesWithShutdown(cfg *ServiceOrchestrationConfig) error {
	if cfg == nil {
		return errors.New("service orchestration config is required")
	}
	if cfg.Config == nil {
		return errors.New("service orchestration config missing AppConfig")
	}

	serviceCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// Determine which services are enabled
	enabledServices, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}
	errCh := make(chan error, len(enabledServices)+1)

	deps := &serviceStartupDeps{
		ctx:             serviceCtx,
		cfg:             cfg,
		logger:          logger,
		enabledServices: enabledServices,
		errCh:           errCh,
	}
	handles := startBackgroundServices(deps, buildBackgroundServices(deps))

	// Wait for shutdown signal or error
	return waitForShutdown(shutdownConfig{
		cancel:      cancel,
		errCh:       errCh,
		tasks:       cfg.Services.Tasks,
		logger:      logger,
		backgrounds: handles,
	})
}

// shutdownConfig contains dependencies for graceful shutdown.
type shutdownConfig struct {
	cancel      context.CancelFunc
	errCh       <-chan error
	tasks       *service.TaskService
	logger      *slog.Logger
	backgrounds []backgroundServiceHandle
}

// waitForShutdown waits for shutdown signal or service error.
func waitForShutdown(cfg shutdownConfig) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
		cfg.logger.Info("shutting down services...")
		cfg.cancel()
		gracefulStop(cfg)
		return nil
	case err := <-cfg.errCh:
		cfg.logger.Error("service error", "error", err)
		cfg.cancel()
		gracefulStop(cfg)
		return err
	}
}

// gracefulStop waits for background services and closes queue listeners.
func gracefulStop(cfg shutdownConfig) {
	if cfg.tasks != nil {
		cfg.tasks.StopListeners()
	}

	for _, svc := range cfg.backgrounds {
		waitForService(svc.done, svc.name, cfg.logger)
	}
}

// waitForService waits for a service to finish with timeout.
func waitForService(done <-chan struct{}, name string, logger *slog.Logger) {
	if done == nil {
		return
	}
	select {
	case <-done:
		logger.Info(name + " stopped")
	case <-time.After(shutdownWaitTimeout):
		logger.Warn("timeout waiting for " + name + " to stop")
	}
}
