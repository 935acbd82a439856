package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/codeblabdev-max/codeb-server-sub006/internal/config"
	"github.com/codeblabdev-max/codeb-server-sub006/internal/httpserver"
	"github.com/codeblabdev-max/codeb-server-sub006/internal/platform"
	"github.com/codeblabdev-max/codeb-server-sub006/internal/reconcile"
	"github.com/codeblabdev-max/codeb-server-sub006/internal/telemetry"
	"github.com/codeblabdev-max/codeb-server-sub006/pkg/audit"
	"github.com/codeblabdev-max/codeb-server-sub006/pkg/cleanup"
	"github.com/codeblabdev-max/codeb-server-sub006/pkg/control"
	"github.com/codeblabdev-max/codeb-server-sub006/pkg/deploy"
	"github.com/codeblabdev-max/codeb-server-sub006/pkg/executor"
	"github.com/codeblabdev-max/codeb-server-sub006/pkg/healthcheck"
	"github.com/codeblabdev-max/codeb-server-sub006/pkg/notify"
	"github.com/codeblabdev-max/codeb-server-sub006/pkg/portledger"
	"github.com/codeblabdev-max/codeb-server-sub006/pkg/promote"
	"github.com/codeblabdev-max/codeb-server-sub006/pkg/rollback"
	"github.com/codeblabdev-max/codeb-server-sub006/pkg/slot"
	"github.com/codeblabdev-max/codeb-server-sub006/pkg/team"
)

// lockTTL is the control lock's lease duration: long enough to cover the
// slowest single engine run (deploy), released explicitly by the engine
// well before it would otherwise expire.
const lockTTL = 5 * time.Minute

// Run is the main application entry point. It reads config, connects to
// infrastructure, wires every engine, and starts the configured mode
// (api or reconciler).
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting codebd",
		"mode", cfg.Mode,
		"listen", cfg.ListenAddr(),
	)

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer rdb.Close()

	metricsReg := telemetry.NewMetricsRegistry()

	servers, err := cfg.Servers()
	if err != nil {
		return fmt.Errorf("parsing fleet: %w", err)
	}
	execServers := make([]executor.ServerDef, 0, len(servers))
	hostByName := make(map[string]string, len(servers))
	for _, s := range servers {
		execServers = append(execServers, executor.ServerDef{Name: s.Name, Host: s.Host})
		hostByName[s.Name] = s.Host
	}

	ex, err := executor.New(executor.Config{
		Servers:                execServers,
		LocalServerName:        cfg.LocalServerName,
		SSHUser:                cfg.SSHUser,
		SSHKeyPath:             cfg.SSHKeyPath,
		SSHKnownHostsPath:      cfg.SSHKnownHostsPath,
		MaxConcurrentPerServer: cfg.MaxConcurrentPerServer,
	})
	if err != nil {
		return fmt.Errorf("building executor: %w", err)
	}

	portStore := portledger.NewStore(cfg.BaseDir)
	ports := portledger.New(portStore, nil)

	registry := slot.NewRegistry(cfg.BaseDir)

	teamStore := team.NewStore(cfg.BaseDir)
	teamSvc := team.NewService(teamStore)

	locker := control.NewLocker(rdb, lockTTL, time.Duration(cfg.LockWaitSeconds)*time.Second)

	auditW := audit.NewWriter(cfg.BaseDir, logger)
	auditW.Start(ctx)
	defer auditW.Close()

	notifier := notify.New(cfg.SlackBotToken, cfg.SlackChannel, logger)

	appHost := hostByName[cfg.AppServer]

	healthTimeout := time.Duration(cfg.RollbackTimeoutSeconds) * time.Second
	prober := healthcheck.NewHTTPProber(healthTimeout)

	deployEngine := deploy.New(ex, ports, registry, auditW, prober, logger, deploy.Config{
		BaseDir:        cfg.BaseDir,
		ImageOrg:       cfg.ImageOrg,
		AppServer:      cfg.AppServer,
		AppServerHost:  appHost,
		DaemonTimeout:  time.Duration(cfg.DeployTimeoutSeconds) * time.Second,
		HealthSettle:   2 * time.Second,
		HealthInterval: time.Second,
		HealthTimeout:  time.Duration(cfg.DeployTimeoutSeconds) * time.Second,
	})

	promoteEngine := promote.New(ex, registry, auditW, prober, logger, promote.Config{
		ProxyServer:    cfg.ProxyServer,
		AppHost:        appHost,
		ProxySitesDir:  cfg.ProxySitesDir,
		BaseDomain:     cfg.BaseDomain,
		ReloadTimeout:  time.Duration(cfg.PromoteTimeoutSeconds) * time.Second,
		HealthTimeout:  time.Duration(cfg.PromoteTimeoutSeconds) * time.Second,
		HealthInterval: time.Second,
	})

	rollbackEngine := rollback.New(ex, registry, auditW, prober, logger, rollback.Config{
		ProxyServer:   cfg.ProxyServer,
		AppHost:       appHost,
		ProxySitesDir: cfg.ProxySitesDir,
		BaseDomain:    cfg.BaseDomain,
		ReloadTimeout: time.Duration(cfg.RollbackTimeoutSeconds) * time.Second,
		HealthTimeout: time.Duration(cfg.RollbackTimeoutSeconds) * time.Second,
	})

	cleanupEngine := cleanup.New(ex, registry, auditW, logger, cleanup.Config{
		BaseDir:       cfg.BaseDir,
		AppServer:     cfg.AppServer,
		DaemonTimeout: time.Duration(cfg.CleanupTimeoutSeconds) * time.Second,
	})

	walker := reconcile.New(ex, registry, locker, auditW, logger, reconcile.Config{
		ProxyServer:   cfg.ProxyServer,
		ProxySitesDir: cfg.ProxySitesDir,
	})

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, rdb, metricsReg, registry, teamStore, teamSvc, locker, auditW, notifier,
			deployEngine, promoteEngine, rollbackEngine, cleanupEngine, walker)
	case "reconciler":
		return runReconciler(ctx, cfg, logger, walker, cleanupEngine)
	default:
		return fmt.Errorf("unknown mode %q: want \"api\" or \"reconciler\"", cfg.Mode)
	}
}

func runAPI(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	rdb *redis.Client,
	metricsReg *prometheus.Registry,
	registry *slot.Registry,
	teamStore *team.Store,
	teamSvc *team.Service,
	locker *control.Locker,
	auditW *audit.Writer,
	notifier *notify.Notifier,
	deployEngine *deploy.Engine,
	promoteEngine *promote.Engine,
	rollbackEngine *rollback.Engine,
	cleanupEngine *cleanup.Engine,
	walker *reconcile.Walker,
) error {
	deps := &httpserver.Deps{
		TeamStore:           teamStore,
		TeamSvc:             teamSvc,
		Registry:            registry,
		Locker:              locker,
		AuditW:              auditW,
		Notifier:            notifier,
		Deploy:              deployEngine,
		Promote:             promoteEngine,
		Rollback:            rollbackEngine,
		Cleanup:             cleanupEngine,
		DefaultGracePeriod:  time.Duration(cfg.DefaultGracePeriodHours) * time.Hour,
		BootstrapOwnerToken: cfg.BootstrapOwnerToken,
	}

	srv := httpserver.NewServer(cfg, logger, rdb, metricsReg, deps)

	reconcile.RunStartupWalk(ctx, walker, logger)

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

// runReconciler runs the periodic state-reconciliation walk (spec §4.9)
// alongside the grace-period cleanup scan, with no HTTP surface.
func runReconciler(ctx context.Context, cfg *config.Config, logger *slog.Logger, walker *reconcile.Walker, cleanupEngine *cleanup.Engine) error {
	logger.Info("reconciler started")

	reconcile.RunStartupWalk(ctx, walker, logger)

	interval := time.Duration(cfg.CleanupScanIntervalSeconds) * time.Second
	go cleanup.RunPeriodicScan(ctx, cleanupEngine, logger, interval)

	reconcile.RunPeriodicWalk(ctx, walker, logger, interval)
	return nil
}
