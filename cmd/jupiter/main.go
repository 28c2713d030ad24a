package main

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	cacheadapter "github.com/ebrett/jupiter-sub001/internal/adapter/cache"
	"github.com/ebrett/jupiter-sub001/internal/adapter/captcha"
	oauthadapter "github.com/ebrett/jupiter-sub001/internal/adapter/oauth"
	"github.com/ebrett/jupiter-sub001/internal/bootstrap"
	"github.com/ebrett/jupiter-sub001/internal/config"
	httptransport "github.com/ebrett/jupiter-sub001/internal/http"
	"github.com/ebrett/jupiter-sub001/internal/http/handler"
	httpmiddleware "github.com/ebrett/jupiter-sub001/internal/http/middleware"
	"github.com/ebrett/jupiter-sub001/internal/jwt"
	apimiddleware "github.com/ebrett/jupiter-sub001/internal/middleware"
	"github.com/ebrett/jupiter-sub001/internal/nationbuilder"
	"github.com/ebrett/jupiter-sub001/internal/notify"
	"github.com/ebrett/jupiter-sub001/internal/repository"
	"github.com/ebrett/jupiter-sub001/internal/secretbox"
	"github.com/ebrett/jupiter-sub001/internal/server"
	authservice "github.com/ebrett/jupiter-sub001/internal/service/auth"
	"github.com/ebrett/jupiter-sub001/internal/telemetry"
	"github.com/ebrett/jupiter-sub001/internal/token"
	"github.com/ebrett/jupiter-sub001/internal/workflow"
	"github.com/ebrett/jupiter-sub001/migrations"
)

func main() {
	app := fx.New(
		fx.Provide(
			newConfig,
			newLogger,
			newTelemetry,
			newSnowflake,
			newPGXPool,
			newSecretBox,
			newUserRepository,
			newRequestRepository,
			newFeatureFlagRepository,
			newTokenRepository,
			newRedisClient,
			newOAuthStateStore,
			newChallengeStore,
			newOAuthProviderClient,
			newTokenManager,
			newNotificationQueue,
			newWorkflowService,
			newNationBuilderClient,
			newSessionGenerator,
			newCaptchaVerifier,
			newSignInService,
			newAuthMiddleware,
			newRateLimiter,
			newHandlers,
			httptransport.NewRouter,
			server.NewHTTPServer,
		),
		fx.Invoke(
			useTelemetry,
			runMigrations,
			bootstrap.EnsureAdmin,
			startTokenSweeper,
			startNotificationWorker,
			startHTTPServer,
		),
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
	if cfg.IsDevelopment() {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
		gin.SetMode(gin.ReleaseMode)
	}
	if err != nil {
		return nil, err
	}
	logger = logger.With(zap.String("service", cfg.ServiceName))
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

func runMigrations(cfg config.Config, logger *zap.Logger) error {
	if !cfg.MigrateOnStart {
		logger.Info("skipping migrations")
		return nil
	}
	return repository.ApplyMigrations(migrations.FS, cfg.DatabaseURL, logger)
}

func newSecretBox(cfg config.Config) (secretbox.Sealer, error) {
	box, err := secretbox.New(cfg.TokenEncryptionKey, cfg.TokenEncryptionSalt)
	if err != nil {
		return nil, fmt.Errorf("token encryption: %w", err)
	}
	return box, nil
}

func newUserRepository(pool *pgxpool.Pool) repository.UserRepository {
	return repository.NewPostgresUserRepo(pool)
}

func newRequestRepository(pool *pgxpool.Pool) repository.RequestRepository {
	return repository.NewPostgresRequestRepo(pool)
}

func newFeatureFlagRepository(pool *pgxpool.Pool) repository.FeatureFlagRepository {
	return repository.NewPostgresFeatureFlagRepo(pool)
}

func newTokenRepository(pool *pgxpool.Pool, box secretbox.Sealer) repository.TokenRepository {
	return repository.NewPostgresTokenRepo(pool, box)
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

func newOAuthStateStore(client redis.UniversalClient) repository.OAuthStateStore {
	return cacheadapter.NewRedisStateStore(client)
}

func newChallengeStore(client redis.UniversalClient) repository.ChallengeStore {
	return cacheadapter.NewRedisChallengeStore(client)
}

func newOAuthProviderClient(cfg config.Config) *oauthadapter.HTTPProviderClient {
	return oauthadapter.NewHTTPProviderClient(cfg.Provider(), &http.Client{Timeout: cfg.ProviderTimeout})
}

func newTokenManager(cfg config.Config, tokens repository.TokenRepository, provider *oauthadapter.HTTPProviderClient, client redis.UniversalClient, node *snowflake.Node, logger *zap.Logger) *token.Manager {
	opts := token.DefaultOptions()
	opts.RefreshBuffer = cfg.TokenRefreshBuffer
	locker := cacheadapter.NewRedisLocker(client, cfg.RefreshLockTTL, logger)
	return token.NewManager(tokens, provider, locker, node, opts, logger)
}

func newNotificationQueue(client redis.UniversalClient, logger *zap.Logger) *notify.Queue {
	return notify.NewQueue(client, notify.LogSender{Logger: logger}, notify.DefaultMaxQueueSize, logger)
}

func newWorkflowService(requests repository.RequestRepository, flags repository.FeatureFlagRepository, queue *notify.Queue, node *snowflake.Node, logger *zap.Logger) *workflow.Service {
	return workflow.NewService(requests, flags, queue, node, logger)
}

func newNationBuilderClient(cfg config.Config, manager *token.Manager, logger *zap.Logger) *nationbuilder.Client {
	burst := int(math.Ceil(cfg.NationBuilderAPIRPS))
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(cfg.NationBuilderAPIRPS), burst)
	return nationbuilder.NewClient(cfg.Provider(), manager, &http.Client{Timeout: cfg.ProviderTimeout}, limiter, logger)
}

func newSessionGenerator(cfg config.Config) (*jwt.Generator, error) {
	return jwt.NewGenerator(cfg.SessionSecret, cfg.ServiceName, cfg.SessionTTL)
}

func newCaptchaVerifier(cfg config.Config) captcha.Verifier {
	return captcha.NewTurnstileVerifier(cfg.TurnstileSecretKey)
}

func newSignInService(
	cfg config.Config,
	states repository.OAuthStateStore,
	challenges repository.ChallengeStore,
	manager *token.Manager,
	provider *oauthadapter.HTTPProviderClient,
	users repository.UserRepository,
	sessions *jwt.Generator,
	verifier captcha.Verifier,
	node *snowflake.Node,
	logger *zap.Logger,
) *authservice.Service {
	return authservice.NewService(authservice.Deps{
		Provider:   cfg.Provider(),
		States:     states,
		Challenges: challenges,
		Tokens:     manager,
		Profiles:   provider,
		Users:      users,
		Sessions:   sessions,
		Verifier:   verifier,
		Node:       node,
		Logger:     logger,
	}, authservice.Options{
		ChallengeTTL:     cfg.ChallengeTTL,
		TurnstileSiteKey: cfg.TurnstileSiteKey,
	})
}

func newAuthMiddleware(signIn *authservice.Service) *httpmiddleware.Auth {
	return &httpmiddleware.Auth{Authenticator: signIn}
}

func newRateLimiter(cfg config.Config) *apimiddleware.RateLimiter {
	return apimiddleware.NewRateLimiter(cfg.RateLimitRPM)
}

func newHandlers(cfg config.Config, signIn *authservice.Service, nb *nationbuilder.Client, wf *workflow.Service, manager *token.Manager) httptransport.Handlers {
	return httptransport.Handlers{
		Auth:     handler.NewAuthHandler(signIn, nb),
		Requests: handler.NewRequestHandler(wf),
		Admin:    handler.NewAdminHandler(manager, cfg.TokenRetention),
	}
}

func startTokenSweeper(lc fx.Lifecycle, cfg config.Config, manager *token.Manager, logger *zap.Logger) {
	sweeper := token.NewSweeper(manager, cfg.TokenRetention, cfg.TokenCleanupInterval, logger)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			sweeper.Start(context.Background())
			return nil
		},
		OnStop: func(context.Context) error {
			sweeper.Stop()
			return nil
		},
	})
}

func startNotificationWorker(lc fx.Lifecycle, queue *notify.Queue) {
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
				defer close(done)
				queue.Run(runCtx)
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel == nil {
				return nil
			}
			cancel()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
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
