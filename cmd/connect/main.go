package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	cacheadapter "github.com/crowdpost/connect/internal/adapter/cache"
	oauthadapter "github.com/crowdpost/connect/internal/adapter/oauth"
	"github.com/crowdpost/connect/internal/config"
	httptransport "github.com/crowdpost/connect/internal/http"
	"github.com/crowdpost/connect/internal/http/handler"
	apimiddleware "github.com/crowdpost/connect/internal/middleware"
	"github.com/crowdpost/connect/internal/provider"
	"github.com/crowdpost/connect/internal/refresh"
	"github.com/crowdpost/connect/internal/repository"
	"github.com/crowdpost/connect/internal/server"
	connectservice "github.com/crowdpost/connect/internal/service/connect"
	"github.com/crowdpost/connect/internal/state"
	"github.com/crowdpost/connect/internal/telemetry"
	"github.com/crowdpost/connect/internal/vault"
)

func main() {
	app := fx.New(
		fx.Provide(
			newConfig,
			newLogger,
			newTelemetry,
			newSnowflake,
			newPGXPool,
			newRedisClient,
			newStateStore,
			newStateService,
			newProviderRegistry,
			newProviderClient,
			newVault,
			newConnectionRepository,
			newRefreshManager,
			connectservice.NewService,
			handler.NewConnectHandler,
			newRateLimiter,
			httptransport.NewRouter,
			server.NewHTTPServer,
		),
		fx.Invoke(useTelemetry, startHTTPServer),
	)

	app.Run()
}

func newConfig() (config.Config, error) {
	return config.Load()
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Environment == "development" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

func newTelemetry(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*telemetry.Provider, error) {
	provider, err := telemetry.New(context.Background(), cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry init: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return provider.Shutdown(stopCtx)
		},
	})

	return provider, nil
}

func newSnowflake() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}

func newPGXPool(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			pool.Close()
			return nil
		},
	})

	return pool, nil
}

func newRedisClient(lc fx.Lifecycle, cfg config.Config) (redis.UniversalClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client, nil
}

func newStateStore(client redis.UniversalClient) state.Store {
	return cacheadapter.NewRedisStateStore(client)
}

func newStateService(store state.Store, cfg config.Config, logger *zap.Logger) *state.Service {
	return state.NewService(store, cfg.StateTTL, logger)
}

func newProviderRegistry(cfg config.Config, logger *zap.Logger) *provider.Registry {
	return provider.New(cfg, logger)
}

func newProviderClient(cfg config.Config, logger *zap.Logger) oauthadapter.ProviderClient {
	return oauthadapter.NewHTTPProviderClient(&http.Client{Timeout: cfg.ProviderHTTPTimeout}, logger)
}

func newVault(cfg config.Config) (*vault.Vault, error) {
	return vault.New(cfg)
}

func newConnectionRepository(pool *pgxpool.Pool, node *snowflake.Node) repository.ConnectionRepository {
	return repository.NewPostgresConnectionRepo(pool, node)
}

func newRefreshManager(repos repository.ConnectionRepository, registry *provider.Registry, client oauthadapter.ProviderClient, v *vault.Vault, cfg config.Config, logger *zap.Logger) *refresh.Manager {
	return refresh.NewManager(repos, registry, client, v, cfg.RefreshSafetyMargin, logger)
}

func newRateLimiter(cfg config.Config) *apimiddleware.RateLimiter {
	return apimiddleware.NewRateLimiter(cfg.RateLimitRPM)
}

func startHTTPServer(lc fx.Lifecycle, srv *server.HTTPServer, cfg config.Config, logger *zap.Logger) {
	addr := ":" + cfg.HTTPPort
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			done = make(chan struct{})

			go func() {
				if err := srv.Run(runCtx, addr); err != nil {
					logger.Error("http server stopped", zap.Error(err))
				}
				close(done)
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			if done == nil {
				return nil
			}
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

func useTelemetry(*telemetry.Provider) {}
