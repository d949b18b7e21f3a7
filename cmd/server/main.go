package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ArmaGroupHolding/wildduck/internal/attachments"
	"github.com/ArmaGroupHolding/wildduck/internal/config"
	"github.com/ArmaGroupHolding/wildduck/internal/counters"
	"github.com/ArmaGroupHolding/wildduck/internal/imap"
	"github.com/ArmaGroupHolding/wildduck/internal/logger"
	"github.com/ArmaGroupHolding/wildduck/internal/mailstore"
	"github.com/ArmaGroupHolding/wildduck/internal/monitoring"
	"github.com/ArmaGroupHolding/wildduck/internal/notify"
	"github.com/ArmaGroupHolding/wildduck/internal/retention"
	smtpingress "github.com/ArmaGroupHolding/wildduck/internal/smtp"
	"github.com/ArmaGroupHolding/wildduck/internal/storage"
	"github.com/ArmaGroupHolding/wildduck/internal/storage/memory"
	redisstore "github.com/ArmaGroupHolding/wildduck/internal/storage/redis"
	sqlstore "github.com/ArmaGroupHolding/wildduck/internal/storage/sql"
	"github.com/ArmaGroupHolding/wildduck/internal/threads"
	httptransport "github.com/ArmaGroupHolding/wildduck/internal/transport/http"
	"github.com/ArmaGroupHolding/wildduck/internal/websocket"
)

// main 启动同时包含 HTTP API 与 SMTP 入站投递的综合服务。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	log, err := logger.NewLogger(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		MaxSize:     100,
		MaxBackups:  3,
		MaxAge:      28,
		Compress:    true,
	})
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	log.Info("starting message store",
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
	)

	// 初始化存储层
	var store storage.Store
	if cfg.Database.DSN != "" {
		store, err = sqlstore.NewStore(sqlstore.Config{
			DSN:             cfg.Database.DSN,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			panic(fmt.Sprintf("failed to initialize sql storage: %v", err))
		}
		log.Info("using sql storage")
	} else {
		store = memory.NewStore()
		log.Info("using memory storage (development mode)")
	}
	defer store.Close()

	// Redis：跨进程总线与计数器（可选）
	var (
		redisClient *redisstore.Client
		counterSvc  counters.Service
		bus         notify.Bus
	)
	if cfg.Redis.Address != "" {
		redisClient, err = redisstore.New(redisstore.Config{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, log)
		if err != nil {
			panic(fmt.Sprintf("failed to connect to redis: %v", err))
		}
		defer redisClient.Close()
		counterSvc = counters.NewRedis(redisClient)
		bus = redisClient
	} else {
		counterSvc = counters.NewMemory()
		log.Info("redis not configured, using in-process bus and counters")
	}

	// 核心组件
	metrics := monitoring.NewMetrics()
	notifier := notify.NewNotifier(store, counterSvc, bus, log)
	attachStore := attachments.NewStore(store, log)
	threadResolver := threads.NewResolver(store, log)
	mailHandler := mailstore.NewHandler(store, attachStore, threadResolver, notifier, log)
	imapHandler := imap.NewHandler(store, mailHandler, cfg.IMAP.DisableSTARTTLS, log)
	sweeper := retention.NewSweeper(store, mailHandler, cfg.Retention.SweepInterval, cfg.Retention.BatchSize, log)

	var redisPinger monitoring.Pinger
	if redisClient != nil {
		redisPinger = redisClient
	}
	healthChecker := monitoring.NewHealthChecker(store, redisPinger, log)

	wsHub := websocket.NewHub(notifier, cfg.JWT.Secret, log)

	// HTTP 服务器
	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:   cfg,
		Store:    store,
		Notifier: notifier,
		IMAP:     imapHandler,
		Hub:      wsHub,
		Metrics:  metrics,
		Health:   healthChecker,
		Logger:   log,
	})

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// SMTP 入站投递服务器
	smtpBackend := smtpingress.NewBackend(store, mailHandler, cfg.SMTP.MaxMessageBytes, log)
	smtpServer := gosmtp.NewServer(smtpBackend)
	smtpServer.Addr = cfg.SMTP.BindAddr
	smtpServer.Domain = cfg.SMTP.Domain
	smtpServer.ReadTimeout = 10 * time.Second
	smtpServer.WriteTimeout = 10 * time.Second
	smtpServer.MaxMessageBytes = cfg.SMTP.MaxMessageBytes
	smtpServer.MaxRecipients = 50

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	notifier.Run(groupCtx)

	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	group.Go(func() error {
		log.Info("starting SMTP server",
			zap.String("address", cfg.SMTP.BindAddr),
			zap.String("domain", cfg.SMTP.Domain),
		)
		if err := smtpServer.ListenAndServe(); err != nil {
			log.Error("SMTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	group.Go(func() error {
		wsHub.Run(groupCtx)
		return nil
	})

	group.Go(func() error {
		return sweeper.Run(groupCtx)
	})

	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		if err := smtpServer.Close(); err != nil {
			log.Warn("SMTP server close warning", zap.Error(err))
		}

		log.Info("servers stopped")
		return nil
	})

	if err := group.Wait(); err != nil && err != context.Canceled {
		log.Fatal("server error", zap.Error(err))
	}

	log.Info("server exited cleanly")
}
