package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"tempo-accounts/internal/config"
	"tempo-accounts/internal/database"
	"tempo-accounts/internal/events"
	httpapi "tempo-accounts/internal/http"
	"tempo-accounts/internal/logger"
	"tempo-accounts/internal/repository"
	"tempo-accounts/internal/service"
	"tempo-accounts/internal/store"
)

func main() {
	cfg := config.Load()

	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "tempo-accounts")
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	// Redis：重发限流计数。不可用时退化为进程内 KV。
	var kv store.KV
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		kv = store.NewRedisKV(redisClient)
	} else {
		kv = store.NewMemoryKV()
		log.Info("Redis disabled, using in-memory KV")
	}

	// 存储：DB 可用用 Postgres，否则内存 repo（本地联测）
	var db *sql.DB
	var repo repository.EmailChangeRepository
	var users repository.UsersRepository
	if cfg.DBEnabled {
		if d, err := database.NewPostgresDB(&cfg.Database); err == nil {
			db = d
			log.Info("DB enabled for tempo-accounts")
		} else {
			log.Warn("DB enabled but connection failed, falling back to memory repos", zap.Error(err))
		}
	}
	if db != nil {
		repo = repository.NewPostgresEmailChangeRepository(db)
		users = repository.NewPostgresUsersRepository(db)
	} else {
		repo = repository.NewMemoryEmailChangeRepository()
		users = repository.NewMemoryUsersRepository()
	}

	// 邮件投递：未配置 BaseURL 时只记日志
	var mailer service.Mailer
	if cfg.Mailer.BaseURL != "" {
		mailer = service.NewRestyMailer(cfg.Mailer.BaseURL, cfg.Mailer.APIKey, cfg.Mailer.Sender, log)
	} else {
		mailer = service.NewLogMailer(log)
		log.Info("Mailer not configured, emails will be logged only")
	}
	notifier := service.NewNotificationService(mailer, cfg.VerifyBaseURL, cfg.AdminNotifyEmail, log)

	// 身份提供方：未配置时用进程内 stub
	var idp service.IdentityProvider
	if cfg.IdP.BaseURL != "" {
		idp = service.NewRestyIdentityProvider(cfg.IdP.BaseURL, cfg.IdP.APIKey, log)
	} else {
		idp = service.NewStubIdentityProvider()
		log.Info("IdP not configured, using in-process stub")
	}

	// 生命周期事件发布（默认禁用）
	var pub events.Publisher = events.NopPublisher{}
	if cfg.MQTT.Enabled {
		if p, err := events.NewMQTTPublisher(&cfg.MQTT, log); err == nil {
			pub = p
		} else {
			log.Warn("MQTT enabled but connection failed, events disabled", zap.Error(err))
		}
	}
	defer pub.Close()

	svc := service.NewEmailChangeService(repo, users, notifier, idp, kv, pub, log)

	router := httpapi.NewRouter(log)
	router.RegisterEmailChangeRoutes(httpapi.NewEmailChangeHandler(svc, log))
	router.RegisterHealthRoutes()

	srv := service.NewServer(cfg.HTTP.Addr, router, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		cancel()
	case <-errCh:
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 5*time.Second)
	defer shutdownCancel()
	_ = srv.Stop(shutdownCtx)
	if redisClient != nil {
		_ = redisClient.Close()
	}
	if db != nil {
		_ = db.Close()
	}
}
