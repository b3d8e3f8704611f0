// Package app builds the service's dependency graph from configuration.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/aalan294/PEC-MediPlus/internal/api"
	"github.com/aalan294/PEC-MediPlus/internal/identity"
	"github.com/aalan294/PEC-MediPlus/internal/ledger"
	"github.com/aalan294/PEC-MediPlus/internal/ledger/devchain"
	"github.com/aalan294/PEC-MediPlus/internal/ledger/evm"
	"github.com/aalan294/PEC-MediPlus/internal/prescription"
	"github.com/aalan294/PEC-MediPlus/internal/registrar"
	"github.com/aalan294/PEC-MediPlus/internal/signerlock"
	"github.com/aalan294/PEC-MediPlus/internal/store"
	"github.com/aalan294/PEC-MediPlus/pkg/config"
	"github.com/aalan294/PEC-MediPlus/pkg/database"
	"github.com/aalan294/PEC-MediPlus/pkg/logger"
	"github.com/aalan294/PEC-MediPlus/pkg/monitoring"
)

const serviceName = "mediplus"

// Version is set at build time.
var Version = "dev"

// App holds the wired service components.
type App struct {
	Config        *config.Config
	Logger        *logger.Logger
	Metrics       *monitoring.MetricsCollector
	Tracing       *monitoring.TracingManager
	Health        *monitoring.HealthManager
	Ledger        *ledger.Registry
	Keyring       *ledger.Keyring
	Store         store.RecordStore
	Locker        signerlock.Locker
	Auth          *identity.RequestAuthenticator
	Registrar     *registrar.Registrar
	Prescriptions *prescription.Coordinator

	replay  identity.ReplayGuard
	closers []func(ctx context.Context) error
}

// New connects every backend named by cfg. On error, whatever was already
// opened is closed.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (a *App, err error) {
	a = &App{
		Config: cfg,
		Logger: log,
		Health: monitoring.NewHealthManager(serviceName, Version),
	}
	defer func() {
		if err != nil {
			a.Close(context.Background())
			a = nil
		}
	}()

	if cfg.Monitoring.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		a.Metrics = monitoring.NewMetricsCollector(serviceName, reg)
	}

	if err = a.initTracing(); err != nil {
		return a, err
	}
	if err = a.initLedger(ctx); err != nil {
		return a, err
	}
	if err = a.initStore(ctx); err != nil {
		return a, err
	}
	if err = a.initLocker(ctx); err != nil {
		return a, err
	}
	a.Auth = identity.NewRequestAuthenticator(cfg.Server.SignatureWindow, a.replay, log)

	retry := store.RetryPolicy{
		Attempts: cfg.Coordinator.StoreRetryAttempts,
		Backoff:  cfg.Coordinator.StoreRetryBackoff,
	}
	a.Registrar = registrar.NewRegistrar(a.Store, a.Ledger, identity.NewVerifier(a.Ledger, log),
		log, a.Metrics, a.Tracing, registrar.Options{
			SubmitTimeout:      cfg.Chain.ConfirmTimeout,
			StoreRetry:         retry,
			RequireWalletProof: cfg.Registration.RequireWalletProof,
		})
	a.Prescriptions = prescription.NewCoordinator(a.Store, a.Ledger, log, a.Metrics, a.Tracing,
		prescription.Options{
			SubmitTimeout: cfg.Chain.ConfirmTimeout,
			StoreRetry:    retry,
		})

	log.WithComponent("app").WithFields(map[string]interface{}{
		"chain_backend": cfg.Chain.Backend,
		"store_driver":  cfg.Database.Driver,
		"signers":       len(a.Keyring.Addresses()),
		"redis_locks":   cfg.Redis.Enabled,
	}).Info("Service components initialized")
	return a, nil
}

func (a *App) initTracing() error {
	if !a.Config.Tracing.Enabled {
		a.Tracing = monitoring.NewNoopTracingManager()
		return nil
	}
	tm, err := monitoring.NewStdoutTracingManager(&monitoring.TracingConfig{
		ServiceName:    serviceName,
		ServiceVersion: Version,
		Environment:    a.Config.Tracing.Environment,
		SamplingRate:   a.Config.Tracing.SamplingRate,
	}, os.Stdout)
	if err != nil {
		return err
	}
	a.Tracing = tm
	a.closers = append(a.closers, tm.Shutdown)
	return nil
}

func (a *App) initLedger(ctx context.Context) error {
	cfg := a.Config.Chain

	keyring, err := ledger.NewKeyring(append([]string{cfg.AdminKey}, cfg.SignerKeys...)...)
	if err != nil {
		return fmt.Errorf("failed to load signer keys: %w", err)
	}
	a.Keyring = keyring

	var client ledger.Client
	switch cfg.Backend {
	case "evm":
		c, err := evm.Dial(ctx, evm.Config{
			RPCURL:          cfg.RPCURL,
			ContractAddress: cfg.ContractAddress,
			ChainID:         cfg.ChainID,
			ConfirmTimeout:  cfg.ConfirmTimeout,
		}, a.Logger)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func(context.Context) error { c.Close(); return nil })
		client = c

	case "devchain":
		admin, err := devchainAdmin(cfg)
		if err != nil {
			return err
		}
		var chain *devchain.Chain
		if cfg.DataDir == "" {
			chain, err = devchain.OpenMemory(admin, a.Logger)
		} else {
			chain, err = devchain.Open(cfg.DataDir, admin, a.Logger)
		}
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func(context.Context) error { return chain.Close() })
		client = chain

	default:
		return fmt.Errorf("unknown chain backend: %q", cfg.Backend)
	}

	a.Ledger = ledger.NewRegistry(client, a.Logger, a.Metrics, a.Tracing)
	a.Health.Register("ledger", true, func(ctx context.Context) (map[string]interface{}, error) {
		admin, err := a.Ledger.Admin(ctx)
		if err != nil {
			return nil, fmt.Errorf("ledger read failed: %w", err)
		}
		count, err := a.Ledger.PrescriptionCount(ctx)
		if err != nil {
			return nil, fmt.Errorf("ledger read failed: %w", err)
		}
		return map[string]interface{}{"admin": admin.Hex(), "prescriptions": count}, nil
	})
	return nil
}

func devchainAdmin(cfg config.ChainConfig) (common.Address, error) {
	if cfg.AdminAddress != "" {
		if !common.IsHexAddress(cfg.AdminAddress) {
			return common.Address{}, fmt.Errorf("invalid chain admin_address %q", cfg.AdminAddress)
		}
		return common.HexToAddress(cfg.AdminAddress), nil
	}
	key, err := ledger.NewKeySigner(cfg.AdminKey)
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid chain admin_key: %w", err)
	}
	return key.Address(), nil
}

func (a *App) initStore(ctx context.Context) error {
	switch a.Config.Database.Driver {
	case "memory":
		a.Store = store.NewMemoryStore()
		return nil

	case "postgres":
		db, err := database.NewConnection(ctx, &a.Config.Database, a.Logger)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func(context.Context) error { return db.Close() })

		if a.Config.Database.AutoMigrate {
			if err := db.CreateSchema(ctx); err != nil {
				return err
			}
		}
		a.Store = store.NewPostgresStore(db.DB, a.Logger, a.Metrics)
		a.Health.Register("database", true, monitoring.DatabaseProbe(db.DB))
		return nil

	default:
		return fmt.Errorf("unknown database driver: %q", a.Config.Database.Driver)
	}
}

func (a *App) initLocker(ctx context.Context) error {
	cfg := a.Config.Redis
	if !cfg.Enabled {
		a.Locker = signerlock.NewLocal()
		a.replay = identity.NewLocalReplayGuard()
		return nil
	}

	client, err := signerlock.NewRedisClient(ctx, fmt.Sprintf("%s:%d", cfg.Host, cfg.Port), cfg.Password, cfg.DB, cfg.PoolSize)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func(context.Context) error { return client.Close() })
	a.Locker = signerlock.NewRedis(client, cfg.LockTTL, a.Logger)
	a.replay = identity.NewRedisReplayGuard(client)

	a.Health.Register("redis", false, func(ctx context.Context) (map[string]interface{}, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping failed: %w", err)
		}
		return nil, nil
	})
	return nil
}

// Router returns the HTTP handler serving the API, health and metrics.
func (a *App) Router() http.Handler {
	handlers := api.NewHandlers(a.Registrar, a.Prescriptions, a.Keyring, a.Auth, a.Locker, a.Logger)
	router := api.NewRouter(handlers, monitoring.NewMonitoringMiddleware(a.Metrics, a.Tracing, a.Logger))

	if limit := a.Config.Server.RateLimit; limit > 0 {
		rl := api.NewRateLimiter(limit, time.Minute, a.Config.Server.TrustedProxies)
		router.Use(rl.Middleware)

		ticker := time.NewTicker(10 * time.Minute)
		done := make(chan struct{})
		go func() {
			for {
				select {
				case <-ticker.C:
					rl.Cleanup(time.Hour)
				case <-done:
					return
				}
			}
		}()
		a.closers = append(a.closers, func(context.Context) error {
			ticker.Stop()
			close(done)
			return nil
		})
	}

	mon := a.Config.Monitoring
	health := a.Health.HTTPHandler()
	router.Handle(mon.HealthPath, health).Methods(http.MethodGet)
	router.Handle("/api/v1"+mon.HealthPath, health).Methods(http.MethodGet)
	if a.Metrics != nil {
		router.Handle(mon.MetricsPath, a.Metrics.Handler()).Methods(http.MethodGet)
	}
	return router
}

// Close releases every backend in reverse order of opening.
func (a *App) Close(ctx context.Context) error {
	var firstErr error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.closers = nil
	return firstErr
}
