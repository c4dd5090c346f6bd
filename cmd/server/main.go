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
	"golang.org/x/sync/errgroup"

	"github.com/tullo/livecore/config"
	"github.com/tullo/livecore/internal/auth"
	"github.com/tullo/livecore/internal/cache"
	"github.com/tullo/livecore/internal/chat"
	"github.com/tullo/livecore/internal/database"
	"github.com/tullo/livecore/internal/ephemeral"
	"github.com/tullo/livecore/internal/gift"
	"github.com/tullo/livecore/internal/handlers"
	"github.com/tullo/livecore/internal/lifecycle"
	"github.com/tullo/livecore/internal/logger"
	"github.com/tullo/livecore/internal/middleware"
	"github.com/tullo/livecore/internal/models"
	"github.com/tullo/livecore/internal/repository"
	"github.com/tullo/livecore/internal/signaling"
	"github.com/tullo/livecore/internal/websocket"
)

// store is everything the server needs from persistence. Both the Postgres
// store and the in-memory store satisfy it.
type store interface {
	lifecycle.Store
	gift.Store
	handlers.UserStore
	handlers.WalletStore
	handlers.ModeratorStore
	chat.ModerationStore
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.L().Fatal().Err(err).Msg("failed to load config")
	}
	logger.Init(logger.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty, Service: "livecore"})

	if err := run(cfg); err != nil {
		logger.L().Fatal().Err(err).Msg("server stopped")
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logger.L()
	ctx = logger.WithLogger(ctx, *log)

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	var redis *cache.RedisClient
	if cfg.Redis.Enabled {
		redis, err = cache.NewRedisClient(ctx, cfg.GetRedisAddr(), cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Warn().Err(err).Msg("running without Redis, stream list and rate limits are per instance")
			redis = nil
		} else {
			defer redis.Close()
		}
	}

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpiryHours)

	// Stream lifecycle
	lcCfg := lifecycle.Config{
		StaleThreshold: cfg.Stream.StaleThreshold,
		SweepInterval:  cfg.Stream.ReapInterval,
	}
	if redis != nil {
		lcCfg.Viewers = redis
	}
	streams := lifecycle.New(st, lcCfg)
	restored, err := streams.Restore(ctx)
	if err != nil {
		return err
	}
	log.Info().Int("streams", restored).Msg("restored live streams")

	gifts := gift.NewProcessor(st, streams, nil)
	if err := gifts.LoadCatalog(ctx); err != nil {
		return err
	}

	// Duplex transport and the components behind it
	hub := websocket.NewHub(redis)
	relay := signaling.NewRelay(hub)

	var limiter chat.Limiter = chat.NewLocalLimiter(cfg.Chat.RateLimit, cfg.Chat.RateBurst)
	if redis != nil {
		limiter = chat.NewRedisLimiter(redis, cfg.Chat.RateLimit, cfg.Chat.RateBurst)
	}
	chatManager := chat.New(hub, hub, chat.NewStreamAuthorizer(streams, st), chat.Config{
		MaxLength: cfg.Chat.MaxLength,
		Filter:    chat.NewFilter(cfg.Chat.BannedWords, cfg.Chat.SpamRepeats, cfg.Chat.SpamWindow),
		Limiter:   limiter,
		Logs:      st,
	})

	router := websocket.NewRouter(hub, streams, relay, chatManager, gifts)
	streams.SetSink(router)
	hub.OnDisconnect(router.Disconnect)

	regCfg := ephemeral.Config{
		TTL:           cfg.Ephemeral.TTL,
		SweepInterval: cfg.Ephemeral.SweepInterval,
	}
	if redis != nil {
		regCfg.Notifier = redis
	}
	registry := ephemeral.New(regCfg)

	wsHandler := websocket.NewHandler(ctx, hub, router, jwtService, st, cfg.WebSocket, cfg.CORS.AllowedOrigins)
	authHandler := handlers.NewAuthHandler(st, jwtService)
	streamHandler := handlers.NewStreamHandler(streams, st, router)
	giftHandler := handlers.NewGiftHandler(gifts, st, router, !cfg.IsProduction())
	handoffHandler := handlers.NewHandoffHandler(registry, jwtService)

	rateLimiter := middleware.NewRateLimiter(cfg.API.RateLimitMessagesPerSec)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery(), logger.GinMiddleware(), middleware.CORSMiddleware(cfg.CORS.AllowedOrigins))

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"connections": hub.ConnectionCount(),
			"subscribers": hub.GroupSize(models.StreamListGroup),
			"live":        len(streams.List()),
		})
	})
	engine.GET("/ws", wsHandler.HandleWebSocket)

	// Public routes
	public := engine.Group("/", middleware.RateLimitMiddleware(rateLimiter))
	{
		public.POST("/auth/register", authHandler.Register)
		public.POST("/auth/login", authHandler.Login)
		public.POST("/auth/handoff", handoffHandler.Create)
		public.GET("/auth/handoff/:id", handoffHandler.Status)
		public.GET("/streams", streamHandler.ListStreams)
		public.GET("/streams/:id", streamHandler.GetStream)
		public.GET("/gifts", giftHandler.Catalog)
	}

	// Protected routes
	api := engine.Group("/api/v1")
	api.Use(middleware.AuthMiddleware(jwtService), middleware.RateLimitMiddleware(rateLimiter))
	{
		api.GET("/me", authHandler.GetMe)

		api.POST("/streams", streamHandler.StartStream)
		api.POST("/streams/schedule", streamHandler.ScheduleStream)
		api.GET("/streams/me", streamHandler.GetMyStream)
		api.POST("/streams/:id/end", streamHandler.EndStream)
		api.POST("/streams/:id/heartbeat", streamHandler.Heartbeat)
		api.POST("/streams/:id/gifts", giftHandler.SendGift)
		api.POST("/moderators", streamHandler.AddModerator)

		api.GET("/wallet", giftHandler.Balance)
		api.POST("/wallet/topup", giftHandler.TopUp)

		api.POST("/handoff/:id/scan", handoffHandler.Scan)
		api.POST("/handoff/:id/confirm", handoffHandler.Confirm)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return streams.Run(gctx) })
	g.Go(func() error { return registry.Run(gctx) })
	g.Go(func() error {
		rateLimiter.Cleanup(gctx, 5*time.Minute)
		return nil
	})
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Str("env", cfg.Server.Env).Msg("starting livecore server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.Info().Msg("shutting down")
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// openStore connects the configured store. Postgres is migrated before use;
// the memory store starts with the default gift catalog.
func openStore(ctx context.Context, cfg *config.Config) (store, func(), error) {
	log := logger.Ctx(ctx)

	if cfg.Database.Driver == "memory" {
		log.Warn().Msg("using the in-memory store, data is lost on restart")
		return repository.NewMemoryStore(nil), func() {}, nil
	}

	sqlDB, err := database.Open(cfg.GetDSN())
	if err != nil {
		return nil, nil, err
	}
	log.Info().Msg("running database migrations")
	err = database.RunMigrations(sqlDB)
	sqlDB.Close()
	if err != nil {
		return nil, nil, err
	}

	pool, err := database.NewPool(ctx, cfg.GetDSN())
	if err != nil {
		return nil, nil, err
	}
	return repository.New(pool), pool.Close, nil
}
