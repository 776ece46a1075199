// Package daemon composes the server process: delivery hub, websocket
// endpoint, REST API, and their lifecycles.
package daemon

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/mistnote/mistnote/internal/delivery"
	"github.com/mistnote/mistnote/internal/logging"
)

// Params holds the resolved server configuration passed to the fx module.
type Params struct {
	ListenAddr  string
	DBPath      string
	TokenSecret string
	LogPath     string
}

// Module returns the fx module for the server daemon.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideStore,
			provideAuthenticator,
			provideRegistry,
			provideHub,
			provideDeliveryServer,
			provideAPI,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(p.LogPath, "server")
}

func provideStore(p Params, logger *zap.Logger) (*delivery.SQLiteStore, error) {
	store, err := delivery.OpenSQLite(p.DBPath)
	if err != nil {
		return nil, err
	}
	logger.Info("server store initialized", zap.String("path", p.DBPath))
	return store, nil
}

func provideAuthenticator(p Params) *delivery.JWTAuthenticator {
	return delivery.NewJWTAuthenticator(p.TokenSecret)
}

func provideRegistry() *delivery.OnlineRegistry {
	return delivery.NewOnlineRegistry()
}

func provideHub(store *delivery.SQLiteStore, registry *delivery.OnlineRegistry, logger *zap.Logger) *delivery.Hub {
	return delivery.NewHub(store, registry, logger)
}

func provideDeliveryServer(hub *delivery.Hub, auth *delivery.JWTAuthenticator, store *delivery.SQLiteStore, logger *zap.Logger) *delivery.Server {
	return delivery.NewServer(hub, auth, store, store, logger)
}

func provideAPI(auth *delivery.JWTAuthenticator, store *delivery.SQLiteStore, registry *delivery.OnlineRegistry, logger *zap.Logger) *API {
	return NewAPI(auth, store, store, registry, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, hub *delivery.Hub, store *delivery.SQLiteStore, logger *zap.Logger) {
	hubCtx, cancelHub := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go hub.Run(hubCtx)
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			srv.Stop(ctx)
			cancelHub()
			if err := store.Close(); err != nil {
				logger.Warn("store close failed", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
