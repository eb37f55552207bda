package daemon

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/finlink/internal/api"
	"github.com/matheus3301/finlink/internal/apiclient"
	"github.com/matheus3301/finlink/internal/bus"
	"github.com/matheus3301/finlink/internal/config"
	"github.com/matheus3301/finlink/internal/conn"
	"github.com/matheus3301/finlink/internal/lock"
	"github.com/matheus3301/finlink/internal/logging"
	"github.com/matheus3301/finlink/internal/metrics"
	"github.com/matheus3301/finlink/internal/profile"
	"github.com/matheus3301/finlink/internal/registry"
	"github.com/matheus3301/finlink/internal/retry"
	"github.com/matheus3301/finlink/internal/store"
	"github.com/matheus3301/finlink/internal/vault"
)

const initialLoadTimeout = 30 * time.Second

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile    string
	SocketPath string // optional override for testing; empty = use default
	Config     *config.Config
}

func (p Params) config() *config.Config {
	if p.Config == nil {
		return config.Default()
	}
	return p.Config
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideMetrics,
			provideLock,
			provideStore,
			provideCredentials,
			provideAPIClient,
			provideConnManager,
			provideRegistry,
			providePersister,
			provideService,
			provideMetricsServer,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.Profile), p.Profile, p.config().Log.Level)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideMetrics() (*prometheus.Registry, *metrics.Metrics) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, metrics.New(reg)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore depends on the lock so the database is never opened by two
// daemons.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.Profile)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

// provideCredentials drops stored credentials that can no longer be
// opened, e.g. after the key file was replaced. The user signs in again.
func provideCredentials(p Params, db *store.DB, logger *zap.Logger) (*store.CredentialStore, error) {
	v, err := vault.Open(profile.VaultKeyPath(p.Profile))
	if err != nil {
		return nil, err
	}
	creds := store.NewCredentialStore(db, v)
	if _, err := creds.Load(); err != nil {
		logger.Warn("discarding unreadable credentials", zap.Error(err))
		if err := creds.Clear(); err != nil {
			return nil, err
		}
	}
	return creds, nil
}

func provideAPIClient(p Params, creds *store.CredentialStore, m *metrics.Metrics, logger *zap.Logger) (*apiclient.Client, error) {
	cfg := p.config()
	return apiclient.New(apiclient.Config{
		BaseURL:     cfg.API.BaseURL,
		Credentials: creds,
		Retry: retry.Policy{
			MaxRetries: cfg.HTTP.MaxRetries,
			BaseDelay:  cfg.HTTP.RetryBaseDelay.Duration,
		},
		RequestTimeout: cfg.HTTP.RequestTimeout.Duration,
		RatePerSecond:  cfg.HTTP.RatePerSecond,
		Burst:          cfg.HTTP.Burst,
		Metrics:        m,
		Logger:         logger.Named("apiclient"),
	})
}

func provideConnManager(p Params, client *apiclient.Client, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *conn.Manager {
	cfg := p.config()
	return conn.NewManager(conn.Config{
		URL:         cfg.API.WebsocketURL,
		Tokens:      client,
		MaxAttempts: cfg.Realtime.MaxReconnectAttempts,
		BaseDelay:   cfg.Realtime.ReconnectBaseDelay.Duration,
		DialTimeout: cfg.Realtime.DialTimeout.Duration,
		Bus:         b,
		Metrics:     m,
		Logger:      logger.Named("conn"),
	})
}

func provideRegistry(client *apiclient.Client, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *registry.Registry {
	return registry.New(registry.Config{
		Remote:  client,
		Bus:     b,
		Metrics: m,
		Logger:  logger.Named("registry"),
	})
}

func providePersister(reg *registry.Registry, db *store.DB, b *bus.Bus, logger *zap.Logger) *registry.Persister {
	return registry.NewPersister(reg, db, b, registry.DefaultFlushInterval, logger.Named("persister"))
}

func provideService(p Params, client *apiclient.Client, mgr *conn.Manager, reg *registry.Registry, b *bus.Bus, logger *zap.Logger) *api.Service {
	return api.NewService(p.Profile, client, mgr, reg, b, logger.Named("api"))
}

// provideMetricsServer returns nil when no listen address is configured.
func provideMetricsServer(p Params, reg *prometheus.Registry, logger *zap.Logger) *metrics.Server {
	addr := p.config().Metrics.Listen
	if addr == "" {
		return nil
	}
	return metrics.NewServer(addr, reg, logger)
}

type lifecycleDeps struct {
	fx.In

	Server    *Server
	Lock      *lock.Lock
	DB        *store.DB
	Client    *apiclient.Client
	Conn      *conn.Manager
	Registry  *registry.Registry
	Persister *registry.Persister
	Metrics   *metrics.Server
	Bus       *bus.Bus
	Logger    *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, d lifecycleDeps) {
	logger := d.Logger
	var (
		unsubscribe func()
		loadCancel  context.CancelFunc
		loads       sync.WaitGroup
	)

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			snap, err := d.DB.LoadSnapshot()
			if err != nil {
				logger.Warn("failed to load snapshot, starting empty", zap.Error(err))
			} else {
				d.Registry.Restore(snap)
				logger.Info("snapshot restored", zap.Int("conversations", len(snap.Conversations)))
			}

			d.Registry.Start(context.Background())
			d.Persister.Start(context.Background())
			unsubscribe = d.Conn.OnMessage(d.Registry.HandleEvent)

			// A failed refresh means the user must sign in again; stop
			// reconnecting with a token the server rejects.
			d.Client.OnCredentialsCleared(func() {
				logger.Warn("credentials cleared after failed refresh")
				d.Conn.Disconnect()
				d.Bus.Emit(bus.KindCredentialsCleared, nil)
			})

			if d.Metrics != nil {
				if err := d.Metrics.Start(); err != nil {
					return err
				}
			}

			go func() {
				if err := d.Server.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			if !d.Client.Authenticated() {
				logger.Info("no credentials found, login required")
				return nil
			}
			if u := d.Client.User(); u != nil {
				d.Registry.SetSelf(u.ID)
			}
			var stopped context.Context
			stopped, loadCancel = context.WithCancel(context.Background())
			loads.Add(1)
			go func() {
				defer loads.Done()
				ctx, cancel := context.WithTimeout(stopped, initialLoadTimeout)
				defer cancel()
				if _, err := d.Registry.LoadConversations(ctx); err != nil {
					logger.Warn("initial conversation load failed", zap.Error(err))
				}
				if stopped.Err() == nil {
					d.Conn.Connect()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			d.Server.Stop(ctx)
			if loadCancel != nil {
				loadCancel()
			}
			loads.Wait()
			d.Conn.Close()
			if unsubscribe != nil {
				unsubscribe()
			}
			d.Registry.Stop()
			d.Registry.Wait()
			d.Persister.Stop()
			if d.Metrics != nil {
				if err := d.Metrics.Stop(ctx); err != nil {
					logger.Warn("error stopping metrics server", zap.Error(err))
				}
			}
			if err := d.DB.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := d.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
