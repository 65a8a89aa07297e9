package daemon

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/matheus3301/feedsync/internal/api"
	"github.com/matheus3301/feedsync/internal/bus"
	"github.com/matheus3301/feedsync/internal/config"
	"github.com/matheus3301/feedsync/internal/gateway"
	"github.com/matheus3301/feedsync/internal/lock"
	"github.com/matheus3301/feedsync/internal/logging"
	"github.com/matheus3301/feedsync/internal/push"
	"github.com/matheus3301/feedsync/internal/session"
	"github.com/matheus3301/feedsync/internal/status"
	"github.com/matheus3301/feedsync/internal/store"
	intsync "github.com/matheus3301/feedsync/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile    string
	SocketPath string // optional override for testing; empty = use default
	ConfigPath string // optional override; empty = ~/.feedsync/config.toml
	LogLevel   zapcore.Level
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideTokenRelay,
			provideGateway,
			provideChannel,
			provideSessionManager,
			provideHost,
			provideCacheEngine,
			provideFeedService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.Profile), p.Profile, p.LogLevel)
}

func provideConfig(p Params, logger *zap.Logger) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = session.ConfigPath()
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, err
	}
	logger.Info("config loaded",
		zap.String("path", path),
		zap.String("api_url", cfg.APIURL),
		zap.String("events_url", cfg.PushURL()),
	)
	return cfg, nil
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(session.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore depends on the lock so the database is never opened by two
// daemons at once.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.Profile)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("store initialized",
		zap.String("path", dbPath),
		zap.Uint("schema_from", result.From),
		zap.Uint("schema", result.Version),
		zap.Bool("migrated", result.Changed),
	)
	return db, nil
}

// tokenRelay hands the session manager's bearer token to the transports,
// which have to exist before the manager does.
type tokenRelay struct {
	m atomic.Pointer[session.Manager]
}

func (r *tokenRelay) Token() string {
	if m := r.m.Load(); m != nil {
		return m.Token()
	}
	return ""
}

func provideTokenRelay() *tokenRelay {
	return &tokenRelay{}
}

func provideGateway(cfg *config.Config, tokens *tokenRelay, logger *zap.Logger) *gateway.Client {
	return gateway.New(cfg.APIURL, tokens,
		gateway.WithTimeout(cfg.RequestTimeout.Duration),
		gateway.WithLogger(logger.Named("gateway")),
	)
}

func provideChannel(cfg *config.Config, tokens *tokenRelay, m *status.Machine, b *bus.Bus, logger *zap.Logger) *push.Channel {
	dialer := push.NewWebsocketDialer(cfg.PushURL(), tokens, push.DefaultWebsocketSettings(), logger.Named("push"))
	return push.NewChannel(dialer, m, b,
		push.WithPolicy(push.Policy{
			MaxAttempts:  cfg.Reconnect.MaxAttempts,
			InitialDelay: cfg.Reconnect.InitialDelay.Duration,
			MaxDelay:     cfg.Reconnect.MaxDelay.Duration,
		}),
		push.WithLogger(logger.Named("push")),
	)
}

func provideSessionManager(db *store.DB, ch *push.Channel, gw *gateway.Client, tokens *tokenRelay, b *bus.Bus, logger *zap.Logger) *session.Manager {
	m := session.NewManager(db, ch, gw, b, logger.Named("session"))
	tokens.m.Store(m)
	return m
}

func provideHost(cfg *config.Config, gw *gateway.Client, ch *push.Channel, db *store.DB, b *bus.Bus, logger *zap.Logger) *intsync.Host {
	return intsync.NewHost(gw, ch, db, b, logger.Named("feed"), cfg.PageSize)
}

func provideCacheEngine(cfg *config.Config, host *intsync.Host, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(host, b, logger.Named("cache"), cfg.CacheFlush.Duration)
}

func provideFeedService(p Params, m *session.Manager, ch *push.Channel, host *intsync.Host, gw *gateway.Client, b *bus.Bus, logger *zap.Logger) *api.FeedService {
	return api.NewFeedService(p.Profile, m, ch, host, gw, b, logger.Named("api"))
}

// bindSession mounts a feed view on every login and unmounts it on logout.
func bindSession(m *session.Manager, host *intsync.Host, logger *zap.Logger) {
	m.OnLogin(func(_ context.Context, id session.Identity) {
		host.Mount(id)
		go func() {
			if err := host.LoadFirst(context.Background()); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("initial feed load failed", zap.Error(err))
			}
		}()
	})
	m.OnLogout(host.Unmount)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, db *store.DB, m *session.Manager, ch *push.Channel, host *intsync.Host, cache *intsync.Engine, logger *zap.Logger) {
	bindSession(m, host, logger)

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			cache.Start(context.Background())

			// Start gRPC server in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			// Resume the stored session; connecting may take a while.
			go func() {
				restored, err := m.Restore(context.Background())
				switch {
				case err != nil:
					logger.Error("session restore failed", zap.Error(err))
				case !restored:
					logger.Info("no credentials found, login required")
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if f := host.Current(); f != nil {
				if err := f.Engine().Drain(ctx); err != nil {
					logger.Warn("mutations still in flight at shutdown", zap.Int("count", f.Engine().InFlight()))
				}
			}
			cache.Stop()
			host.Unmount()
			ch.Disconnect()
			srv.Stop(ctx)
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
