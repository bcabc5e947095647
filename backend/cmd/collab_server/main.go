package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/zyonwee/cs3219-ay2526s1-project-g36/backend/config"
	"github.com/zyonwee/cs3219-ay2526s1-project-g36/backend/internal/cache"
	"github.com/zyonwee/cs3219-ay2526s1-project-g36/backend/internal/collab"
	"github.com/zyonwee/cs3219-ay2526s1-project-g36/backend/internal/httpapi/handlers"
	"github.com/zyonwee/cs3219-ay2526s1-project-g36/backend/internal/httpapi/middleware"
	"github.com/zyonwee/cs3219-ay2526s1-project-g36/backend/internal/logstore"
	"github.com/zyonwee/cs3219-ay2526s1-project-g36/backend/internal/store"
	"github.com/zyonwee/cs3219-ay2526s1-project-g36/backend/internal/ws"
)

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Log.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// openStore 按 store.backend 选择日志存储
func openStore(cfg *config.Config, rdb redis.UniversalClient) (store.KV, error) {
	switch cfg.Store.Backend {
	case "redis":
		if rdb == nil {
			return nil, errors.New("store.backend=redis but redis is unreachable")
		}
		return store.NewRedisStore(rdb), nil
	case "mysql":
		db, err := store.InitMySQL(cfg.Mysql.DSN)
		if err != nil {
			return nil, err
		}
		return store.NewMySQLStore(db)
	default:
		return store.OpenBolt(cfg.Store.BoltPath)
	}
}

func connectRedis(cfg *config.Config) redis.UniversalClient {
	// 多个地址时 NewUniversalClient 返回集群客户端
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Warn("redis unreachable, presence mirror disabled", "addrs", cfg.Redis.Addrs, "err", err)
		_ = rdb.Close()
		return nil
	}
	return rdb
}

func newKafkaDispatcher(cfg *config.Config, logger *slog.Logger) (*collab.KafkaDispatcher, sarama.SyncProducer, error) {
	kafkaCfg := sarama.NewConfig()
	// SyncProducer 必须开启 Return.Successes
	kafkaCfg.Producer.Return.Successes = true
	kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect kafka: %w", err)
	}
	d := collab.NewKafkaDispatcher(producer, cfg.Kafka.Topic, collab.NewSemaphoreControl(cfg.Kafka.Workers*2),
		collab.KafkaDispatcherOptions{
			QueueSize:   cfg.Kafka.QueueSize,
			Workers:     cfg.Kafka.Workers,
			MaxRetry:    cfg.Kafka.MaxRetry,
			BaseBackoff: 50 * time.Millisecond,
			MaxBackoff:  1 * time.Second,
			Logger:      logger,
		},
	)
	return d, producer, nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("init config failed", "err", err)
		os.Exit(1)
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	rdb := connectRedis(cfg)
	kv, err := openStore(cfg, rdb)
	if err != nil {
		logger.Error("open store failed", "backend", cfg.Store.Backend, "err", err)
		os.Exit(1)
	}
	logger.Info("store opened", "backend", cfg.Store.Backend)

	svc := collab.NewService(logstore.New(kv, logger), collab.Options{
		SnapshotInterval:    cfg.SnapshotInterval(),
		OperationsThreshold: cfg.Collab.OperationsThreshold,
		PruneHorizon:        cfg.PruneHorizon(),
		TypeBurst:           cfg.TypeBurst(),
		MaxBurst:            cfg.MaxBurst(),
		HistoryLimit:        cfg.Collab.HistoryLimit,
		Logger:              logger,
	})

	var presence cache.PresenceCache
	if rdb != nil {
		presence = cache.NewRedisPresence(rdb)
	}
	hub := ws.NewHub(presence, logger)
	svc.AddNotifier(hub)

	var dispatcher *collab.KafkaDispatcher
	if cfg.Kafka.Enabled {
		d, producer, err := newKafkaDispatcher(cfg, logger)
		if err != nil {
			logger.Error("kafka disabled", "err", err)
		} else {
			dispatcher = d
			svc.AddNotifier(d)
			defer producer.Close()
		}
	}

	wsSem := collab.NewSemaphoreControl(collab.DefaultMaxSemaphore)
	manager := ws.NewManager(hub, svc, wsSem, cfg.PresenceTTL(), cfg.Cors.AllowOrigins)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.Cors.AllowOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	group := r.Group("/collab")
	group.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok"})
	})
	// 从 Authorization 或 ?token= 提取 token，调用 /v1/auth/verify，写入 userId/username
	authed := group.Group("", middleware.AuthMiddleware(cfg.Auth.VerifyURL, nil))
	authed.GET("/ws", manager.WebSocketConnect)
	handlers.NewSessions(svc, hub, logger).Register(authed)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Running.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		logger.Info("collab server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen failed", "err", err)
			stop()
		}
	}()
	<-ctx.Done()

	// 停机顺序：停止接收请求 -> flush burst -> 排空 kafka -> 关闭存储
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	svc.Close()
	if dispatcher != nil {
		dispatcher.Close()
	}
	if err := kv.Close(); err != nil {
		logger.Warn("close store", "err", err)
	}
	if rdb != nil && cfg.Store.Backend != "redis" {
		_ = rdb.Close()
	}
	logger.Info("collab server stopped")
}
