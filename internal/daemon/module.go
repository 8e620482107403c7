package daemon

import (
	"context"

	"github.com/lmonteiro/parley/internal/bus"
	"github.com/lmonteiro/parley/internal/config"
	"github.com/lmonteiro/parley/internal/gateway"
	"github.com/lmonteiro/parley/internal/httpapi"
	"github.com/lmonteiro/parley/internal/lock"
	"github.com/lmonteiro/parley/internal/logging"
	"github.com/lmonteiro/parley/internal/push"
	"github.com/lmonteiro/parley/internal/session"
	"github.com/lmonteiro/parley/internal/status"
	"github.com/lmonteiro/parley/internal/store"
	"github.com/lmonteiro/parley/internal/syncer"
	"github.com/lmonteiro/parley/internal/timeline"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideProfile,
			provideStore,
			provideGateway,
			provideListener,
			provideEngine,
			provideCoordinator,
			provideHandlers,
			provideServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideProfile(p Params) (*config.Profile, error) {
	profile, err := config.LoadProfile(session.ProfilePath(p.SessionName))
	if err != nil {
		return nil, err
	}
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	return profile, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.SessionName)
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

func provideGateway(profile *config.Profile, logger *zap.Logger) *gateway.Client {
	return gateway.NewClient(profile.ServerURL, profile.AuthToken, nil, logger)
}

func provideListener(profile *config.Profile, b *bus.Bus, machine *status.Machine, logger *zap.Logger) *push.Listener {
	return push.NewListener(profile.PushURL, profile.AuthToken, b, machine, logger)
}

func provideEngine(db *store.DB, client *gateway.Client, b *bus.Bus, profile *config.Profile, logger *zap.Logger) *timeline.Engine {
	return timeline.NewEngine(db, client, b, profile.UserID, logger)
}

func provideCoordinator(db *store.DB, client *gateway.Client, b *bus.Bus, machine *status.Machine, logger *zap.Logger) *syncer.Coordinator {
	return syncer.NewCoordinator(db, client, b, machine, logger)
}

func provideHandlers(db *store.DB, engine *timeline.Engine, coord *syncer.Coordinator, machine *status.Machine, logger *zap.Logger) *httpapi.Handlers {
	return httpapi.NewHandlers(db, engine, coord, machine, logger)
}

func provideServer(p Params, h *httpapi.Handlers, logger *zap.Logger) (*httpapi.Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = session.SocketPath(p.SessionName)
	}
	return httpapi.NewServer(socketPath, h, logger)
}

func registerLifecycle(
	lc fx.Lifecycle,
	srv *httpapi.Server,
	lk *lock.Lock,
	listener *push.Listener,
	engine *timeline.Engine,
	coord *syncer.Coordinator,
	machine *status.Machine,
	logger *zap.Logger,
) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Engine and coordinator subscribe to the bus before the push
			// channel can publish anything.
			engine.Start(context.Background())
			coord.Start(context.Background())

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("api server error", zap.Error(err))
				}
			}()

			_ = machine.Transition(status.Connecting)
			listener.Start(context.Background())

			// Initial hydration pass; the cache stays displayable even if
			// the server is unreachable.
			go func() {
				if _, err := coord.SyncAll(context.Background()); err != nil {
					logger.Warn("initial sync failed", zap.Error(err))
				}
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			listener.Stop()
			coord.Stop()
			engine.Stop()
			srv.Stop(ctx)
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
