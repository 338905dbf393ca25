package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/aura-webinar/restream/config"
	"github.com/aura-webinar/restream/internal/auth"
	"github.com/aura-webinar/restream/internal/live"
	"github.com/aura-webinar/restream/internal/mediacontrol"
	"github.com/aura-webinar/restream/internal/middleware"
	"github.com/aura-webinar/restream/internal/models"
	"github.com/aura-webinar/restream/internal/realtime"
	"github.com/aura-webinar/restream/internal/republish"
	"github.com/aura-webinar/restream/internal/streamapps"
	"github.com/aura-webinar/restream/internal/telemetry"
	"github.com/aura-webinar/restream/pkg/database"
	"github.com/aura-webinar/restream/pkg/queue"
	"github.com/aura-webinar/restream/pkg/redis"
	"github.com/aura-webinar/restream/pkg/response"
)

func runServe(ctx context.Context) error {
	cfg, logger, err := bootstrap()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool, logger); err != nil {
		return err
	}

	telemetry.Init()

	// Redis is optional: without it locks are in-process, failed cleanups are
	// only logged and events reach clients of this instance only.
	var (
		locker       live.Locker = live.NewLocalLocker()
		cleanupQueue republish.CleanupQueue
		hub          = realtime.NewHub(logger, nil, nil)
	)
	if cfg.Redis.Addr != "" {
		rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			return err
		}
		defer rdb.Close()
		locker = live.NewRedisLocker(rdb.Client, cfg.Locks.TTL, logger)
		cleanupQueue = queue.NewQueue(rdb.Client, logger)
		pubsub := realtime.NewRedisPubSub(rdb.Client, logger)
		hub = realtime.NewHub(logger, pubsub, pubsub)
	} else {
		logger.Warn("REDIS_ADDR not set; running single-instance")
	}

	mediaClient := newMediaClient(cfg.MediaControl, logger)
	if !mediaClient.Enabled() {
		logger.Warn("media control credentials missing; destinations will need manual configuration")
	}
	coordinator := republish.New(mediaClient, republish.Options{
		MaxParallel:        cfg.MediaControl.MaxParallel,
		DestinationTimeout: cfg.MediaControl.DestinationTimeout,
		Queue:              cleanupQueue,
		Logger:             logger,
	})

	registry := streamapps.NewRegistry(streamapps.NewRepository(pool), logger)
	streamRepo := live.NewRepository(pool)
	manager := live.NewManager(live.Deps{
		Repo:        streamRepo,
		Sources:     registry,
		Republisher: coordinator,
		Probe:       mediaClient,
		Events:      hub,
		Locker:      locker,
		RTMP:        live.RTMPConfig{Host: cfg.RTMP.Host, Port: cfg.RTMP.Port},
		Logger:      logger,
	})
	seedLiveGauge(ctx, streamRepo, logger)

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	router := newRouter(cfg, logger, routes{
		jwt:         jwtService,
		auth:        auth.NewHandler(auth.NewRepository(pool), jwtService, logger),
		live:        live.NewHandler(manager, logger),
		streamApps:  streamapps.NewHandler(registry, logger),
		mediaServer: mediacontrol.NewHandler(mediaClient, logger),
		hub:         hub,
		pool:        pool,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
	return nil
}

func newMediaClient(mc config.MediaControlConfig, logger *zap.Logger) *mediacontrol.Client {
	return mediacontrol.NewClient(mediacontrol.Config{
		BaseURL:    mc.BaseURL,
		APIPath:    mc.APIPath,
		ServerUUID: mc.ServerUUID,
		Secret:     mc.Secret,
		Timeout:    mc.Timeout,
	}, mediacontrol.WithLogger(logger), mediacontrol.WithMetrics(telemetry.Remote{}))
}

func seedLiveGauge(ctx context.Context, repo *live.PgRepository, logger *zap.Logger) {
	n, err := repo.CountLive(ctx)
	if err != nil {
		logger.Warn("count live streams failed", zap.Error(err))
		return
	}
	telemetry.AddLive(n)
}

type routes struct {
	jwt         *auth.JWTService
	auth        *auth.Handler
	live        *live.Handler
	streamApps  *streamapps.Handler
	mediaServer *mediacontrol.Handler
	hub         *realtime.Hub
	pool        *pgxpool.Pool
}

func newRouter(cfg *config.Config, logger *zap.Logger, r routes) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSOrigins()))
	router.Use(middleware.Logger(logger))

	router.GET("/health", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := r.pool.Ping(ctx); err != nil {
			response.ServiceUnavailable(c, "database unavailable")
			return
		}
		response.OK(c, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.auth.Register(router.Group("/auth"))

	// WebSocket (token in query; no Authorization header required)
	router.GET("/live/events", realtime.ServeWs(r.hub, logger, r.jwt.Owner))

	api := router.Group("")
	api.Use(middleware.JWT(r.jwt))
	r.live.Register(api.Group("/live"))
	r.streamApps.Register(api.Group("/stream-apps"))
	r.mediaServer.Register(api.Group("/media-server", middleware.RequireRole(models.RoleAdmin)))
	return router
}
