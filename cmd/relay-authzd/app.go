package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/tokligence/relay-authz/internal/adminhttp"
	"github.com/tokligence/relay-authz/internal/authz"
	"github.com/tokligence/relay-authz/internal/config"
	"github.com/tokligence/relay-authz/internal/health"
	"github.com/tokligence/relay-authz/internal/hooks"
	"github.com/tokligence/relay-authz/internal/ledger"
	"github.com/tokligence/relay-authz/internal/ledger/memory"
	"github.com/tokligence/relay-authz/internal/ledger/postgres"
	"github.com/tokligence/relay-authz/internal/ledger/sqlite"
	"github.com/tokligence/relay-authz/internal/metrics"
	"github.com/tokligence/relay-authz/internal/nauthz"
	"github.com/tokligence/relay-authz/internal/notify"
	"github.com/tokligence/relay-authz/internal/payment"
)

// openStore opens the configured ledger backend.
func openStore(cfg config.LedgerConfig) (ledger.Store, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return memory.New(), nil
	case config.BackendPostgres:
		return postgres.New(cfg.DSN, postgres.PoolConfig{
			MaxOpen:         cfg.MaxOpenConns,
			MaxIdle:         cfg.MaxIdleConns,
			LifetimeMinutes: cfg.ConnMaxLifetimeMinutes,
			IdleTimeMinutes: cfg.ConnMaxIdleMinutes,
		})
	case config.BackendSQLite, "":
		return sqlite.New(cfg.Path)
	}
	return nil, fmt.Errorf("unknown ledger backend %q", cfg.Backend)
}

// app holds every long-lived component of the serve command.
type app struct {
	cfg    config.Config
	logger *zap.Logger

	store   ledger.Store
	sender  notify.Sender
	queue   *notify.Queue
	metrics *metrics.Collector

	grpc     *grpc.Server
	grpcHlth *grpchealth.Server
	admin    *http.Server
}

func newApp(cfg config.Config, logger *zap.Logger) (*app, error) {
	store, err := openStore(cfg.Ledger)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	a := &app{cfg: cfg, logger: logger, store: store, metrics: metrics.NewCollector()}

	dispatcher := &hooks.Dispatcher{}
	h, err := cfg.Hooks.ScriptHandler()
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if h != nil {
		dispatcher.Register(h)
		logger.Info("hooks dispatcher enabled", zap.String("script", cfg.Hooks.ScriptPath))
	}

	var breaker *notify.BreakerSender
	if cfg.NotifierConfigured() {
		nostrSender, err := notify.NewNostrSender(cfg.Info.RelayURL, cfg.Info.NostrKey)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		breaker = notify.NewBreakerSender(nostrSender, notify.BreakerConfig{
			Failures: cfg.Notify.BreakerFailures,
			Cooldown: cfg.Notify.BreakerCooldown,
		}, logger.Named("notify"))
		a.sender = nostrSender
		logger.Info("direct messages enabled",
			zap.String("relay", cfg.Info.RelayURL),
			zap.String("service_pubkey", nostrSender.PublicKey()))
	} else {
		a.sender = notify.LogSender{Logger: logger.Named("notify")}
		logger.Info("no relay or service key configured, direct messages are only logged")
	}
	var sender notify.Sender = a.sender
	if breaker != nil {
		sender = breaker
	}
	a.queue = notify.NewQueue(sender, notify.Config{
		QueueSize:            cfg.Notify.QueueSize,
		Workers:              cfg.Notify.Workers,
		Timeout:              cfg.Notify.Timeout,
		AdmissionMessage:     cfg.Info.AdmissionMessage,
		BalanceNotifications: cfg.Info.BalanceNotifications,
	}, notify.WithHooks(dispatcher), notify.WithRecorder(a.metrics), notify.WithLogger(logger.Named("notify")))

	svc := ledger.NewService(store, ledger.WithNotifier(a.queue), ledger.WithLogger(logger.Named("ledger")))
	pipeline := payment.NewPipeline(svc, logger.Named("payment"))
	policy := cfg.Policy()
	decider := authz.New(svc, pipeline, policy,
		authz.WithLogger(logger.Named("authz")),
		authz.WithRecorder(a.metrics))

	grpcLogger := logger.Named("grpc")
	a.grpc = grpc.NewServer(
		grpc.ForceServerCodec(nauthz.Codec{}),
		grpc.ChainUnaryInterceptor(nauthz.WithLogging(grpcLogger, a.metrics), nauthz.WithRecovery(grpcLogger)),
	)
	nauthz.RegisterAuthorizationServer(a.grpc, nauthz.NewServer(decider, grpcLogger))
	a.grpcHlth = grpchealth.NewServer()
	grpc_health_v1.RegisterHealthServer(a.grpc, a.grpcHlth)
	a.grpcHlth.SetServingStatus(nauthz.ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

	if cfg.Server.AdminAddress != "" {
		checkCfg := health.Config{Ledger: store}
		if breaker != nil {
			checkCfg.Notifier = breaker
		}
		admin := adminhttp.NewServer(adminhttp.Config{
			Ledger:  svc,
			Health:  health.New(checkCfg),
			Metrics: a.metrics,
			Cost:    policy.Cost,
			Logger:  logger.Named("admin"),
		})
		a.admin = &http.Server{
			Addr:              cfg.Server.AdminAddress,
			Handler:           admin.Router(),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	logger.Info("admission policy loaded",
		zap.String("zapper", policy.Zapper),
		zap.Int("denylist", len(policy.Denylist)),
		zap.Int("trusted", len(policy.Trusted)),
		zap.Int64("admission_cost", policy.Cost.Admission),
		zap.Int64("per_event_cost", policy.Cost.PerEvent),
		zap.String("payment_failure_policy", string(policy.FailurePolicy)))
	return a, nil
}

// run serves gRPC on grpcLis and, when configured, the admin API on
// adminLis until ctx is cancelled or a server fails.
func (a *app) run(ctx context.Context, grpcLis, adminLis net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("gRPC server listening", zap.String("address", grpcLis.Addr().String()))
		if err := a.grpc.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc serve: %w", err)
		}
		return nil
	})
	if a.admin != nil && adminLis != nil {
		g.Go(func() error {
			a.logger.Info("admin API listening", zap.String("address", adminLis.Addr().String()))
			if err := a.admin.Serve(adminLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin serve: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		a.shutdown()
		return nil
	})
	return g.Wait()
}

// shutdown stops accepting work and waits for in-flight calls, up to the
// configured timeout, before forcing the gRPC server closed.
func (a *app) shutdown() {
	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	a.logger.Info("shutting down", zap.Duration("timeout", timeout))
	a.grpcHlth.Shutdown()

	if a.admin != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := a.admin.Shutdown(ctx); err != nil {
			a.logger.Warn("admin shutdown failed", zap.Error(err))
		}
		cancel()
	}

	done := make(chan struct{})
	go func() {
		a.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		a.logger.Warn("graceful stop timed out, closing open calls")
		a.grpc.Stop()
	}
}

// Close drains the notification queue and releases the ledger.
func (a *app) Close() error {
	var errs []error
	if a.queue != nil {
		errs = append(errs, a.queue.Close())
	}
	if c, ok := a.sender.(interface{ Close() error }); ok {
		errs = append(errs, c.Close())
	}
	errs = append(errs, a.store.Close())
	return errors.Join(errs...)
}
