package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"signalrelay/internal/auth"
	"signalrelay/internal/cache"
	"signalrelay/internal/config"
	cronrunner "signalrelay/internal/cron"
	"signalrelay/internal/db"
	"signalrelay/internal/digest"
	"signalrelay/internal/dispatch"
	"signalrelay/internal/eligibility"
	"signalrelay/internal/fanout"
	"signalrelay/internal/handler"
	"signalrelay/internal/ingest"
	"signalrelay/internal/ledger"
	"signalrelay/internal/logger"
	"signalrelay/internal/models"
	"signalrelay/internal/notification"
	"signalrelay/internal/paas"
	"signalrelay/internal/repository"
	gormrepository "signalrelay/internal/repository/gorm"
	"signalrelay/internal/repository/memory"
	"signalrelay/internal/service"

	_ "signalrelay/docs"
)

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("SR_CONFIG")
	if cfgPath == "" {
		cfgPath = "config/config.yaml"
	}
	envOnly := false
	if raw := os.Getenv("SR_ENV_ONLY"); raw != "" {
		envOnly = strings.EqualFold(raw, "true") || raw == "1"
	}

	cfg, err := config.Load(cfgPath, envOnly)
	if err != nil {
		panic(err)
	}

	logger, err := logger.New(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store repository.Repository
	if strings.TrimSpace(cfg.DB.DSN) == "" {
		logger.Warn("db dsn empty, using in-memory store (data is lost on restart)")
		store = memory.New()
	} else {
		dbConn, err := db.Open(cfg.DB)
		if err != nil {
			logger.Fatal("db open failed", zap.Error(err))
		}
		defer db.Close(dbConn)
		if err := db.SetTimezone(dbConn, cfg.DB.Timezone); err != nil {
			logger.Warn("failed to set timezone", zap.Error(err))
		}
		if err := db.AutoMigrate(dbConn, cfg.DB.MigrateAccounts); err != nil {
			logger.Fatal("auto-migrate failed", zap.Error(err))
		}
		store = gormrepository.New(dbConn.Gorm)
	}

	kv := cache.New(cfg.Cache)
	var cachePinger handler.Pinger
	if rs, ok := kv.(*cache.RedisStore); ok {
		defer rs.Close()
		cachePinger = rs
	}

	signalLedger := ledger.New(store)
	resolver := &eligibility.Resolver{
		Accounts: store,
		Tiers:    eligibility.NewTiers(cfg.Tiers),
		Ceilings: ceilings(cfg.Dispatch),
		Logger:   logger.Named("eligibility"),
	}

	paasClient := paas.NewClient(cfg.PaaS)
	sinks := dispatch.Sinks{dispatch.LogSink{Logger: logger}}
	if paasClient != nil {
		sinks = append(sinks, paas.DeadLetterSink{Client: paasClient, Agent: cfg.PaaS.Agent, Logger: logger})
	}

	dispatcher := dispatch.New(dispatch.Options{
		Config:    cfg.Dispatch,
		Providers: initProviders(ctx, cfg.Channels, logger),
		Jobs:      store,
		Composer:  dispatch.Composer{Signals: signalLedger},
		Checker:   resolver,
		Sink:      sinks,
		Logger:    logger,
	})

	registry := fanout.NewRegistry(cfg.Fanout.MaxPerTicker, logger.Named("fanout"))
	wsServer := fanout.NewWSServer(cfg.Fanout, cfg.Webhook.SupportedTickers, registry, logger)

	signalSvc := &service.SignalService{
		Jobs:     store,
		Signals:  signalLedger,
		Fanout:   registry,
		Resolver: resolver,
		Dispatch: dispatcher,
		Config:   cfg.Service,
		Logger:   logger.Named("service"),
	}

	gate := ingest.NewGate(cfg.Webhook, signalLedger, signalSvc, kv, logger.Named("ingest"))
	if cfg.Cache.IdempotencyTTL > 0 {
		gate.IdempotencyTTL = cfg.Cache.IdempotencyTTL
	}

	scheduler := &digest.Scheduler{
		Store:      store,
		Ledger:     signalLedger,
		Resolver:   resolver,
		Dispatch:   dispatcher,
		Lock:       kv,
		LockTTL:    cfg.Digest.LockTTL,
		MaxSignals: cfg.Digest.MaxSignals,
		Logger:     logger.Named("digest"),
	}

	if strings.EqualFold(cfg.App.Env, "dev") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware())

	operatorAuth := auth.RequireOperator(auth.JWT{Secret: []byte(cfg.Auth.JWTSecret)})
	healthHandler := &handler.HealthHandler{Store: store, Cache: cachePinger}
	healthHandler.Register(engine)
	paas.RegisterDocs(engine)
	webhookHandler := &handler.WebhookHandler{Gate: gate, Config: cfg.Webhook, Logger: logger}
	webhookHandler.Register(engine)
	liveHandler := &handler.LiveHandler{Server: wsServer}
	liveHandler.Register(engine)
	signalHandler := &handler.SignalHandler{Ledger: signalLedger, Auth: operatorAuth}
	signalHandler.Register(engine)
	adminHandler := &handler.AdminHandler{Jobs: store, Breakers: dispatcher, Digest: scheduler, Auth: operatorAuth}
	adminHandler.Register(engine)

	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	srv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Background work outlives the signal context so it can drain after the
	// HTTP server stops taking alerts.
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	cronRunner := cronrunner.New(logger, bgCtx)
	if _, err := cronRunner.Add("dispatch-poll", cfg.Dispatch.PollSpec, dispatcher.Tick); err != nil {
		logger.Warn("cron register dispatch poll failed", zap.Error(err))
	}
	if _, err := cronRunner.Add("signal-catchup", cfg.Service.CatchupSpec, func(ctx context.Context) {
		if _, err := signalSvc.CatchUp(ctx); err != nil {
			logger.Warn("signal catch-up failed", zap.Error(err))
		}
	}); err != nil {
		logger.Warn("cron register catch-up failed", zap.Error(err))
	}
	if err := scheduler.Register(cronRunner, cfg.Digest); err != nil {
		logger.Warn("cron register digest failed", zap.Error(err))
	}

	// Requeue whatever was pending before the restart.
	dispatcher.Tick(bgCtx)
	cronRunner.Start()

	var loops errgroup.Group
	runLoop := func(name string, run func(context.Context) error) {
		loops.Go(func() error {
			if err := run(bgCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("background loop stopped", zap.String("loop", name), zap.Error(err))
			}
			return nil
		})
	}
	runLoop("dispatcher", dispatcher.Run)
	runLoop("signal-service", signalSvc.Run)
	runLoop("fanout-registry", registry.Run)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", zap.String("addr", cfg.Server.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
	}

	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// Order: stop taking alerts, stop scheduling, then drain queued signals and
	// in-flight sends, all within one deadline.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	waitOrTimeout(shutdownCtx, logger, "cron", func() error {
		cronRunner.Stop()
		return nil
	})
	bgCancel()
	waitOrTimeout(shutdownCtx, logger, "background loops", loops.Wait)
	logger.Info("shutdown complete")
}

func waitOrTimeout(ctx context.Context, logger *zap.Logger, what string, wait func() error) {
	done := make(chan struct{})
	go func() {
		_ = wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logger.Warn("shutdown deadline reached", zap.String("waiting_for", what))
	}
}

func ceilings(cfg config.DispatchConfig) map[string]int {
	out := make(map[string]int, len(cfg.Channels))
	for ch, p := range cfg.Channels {
		out[ch] = p.MaxAttempts
	}
	return out
}

// initProviders builds the enabled channel providers. A channel that fails to
// initialize is left to notification.Unconfigured, so its jobs retry and
// eventually dead-letter instead of vanishing.
func initProviders(ctx context.Context, cfg config.ChannelsConfig, logger *zap.Logger) map[string]notification.Provider {
	providers := map[string]notification.Provider{}
	if cfg.Email.Enabled {
		providers[models.ChannelEmail] = notification.NewEmailProvider(cfg.Email)
	}
	if cfg.SMS.Enabled {
		providers[models.ChannelSMS] = notification.NewSMSProvider(cfg.SMS)
	}
	if cfg.Push.Enabled {
		initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		p, err := notification.NewPushProvider(initCtx, cfg.Push)
		cancel()
		if err != nil {
			logger.Warn("push provider disabled", zap.Error(err))
		} else {
			providers[models.ChannelPush] = p
		}
	}
	if cfg.Chat.Enabled {
		p, err := notification.NewChatProvider(cfg.Chat)
		if err != nil {
			logger.Warn("chat provider disabled", zap.Error(err))
		} else {
			providers[models.ChannelChat] = p
		}
	}
	for _, ch := range models.AllChannels {
		if _, ok := providers[ch]; !ok {
			logger.Warn("channel provider not configured", zap.String("channel", ch))
		}
	}
	return providers
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization,X-Webhook-Secret")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
