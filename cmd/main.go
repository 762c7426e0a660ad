package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Gopher0727/UbiquiTimes/config"
	"github.com/Gopher0727/UbiquiTimes/internal/api"
	"github.com/Gopher0727/UbiquiTimes/internal/consumer"
	"github.com/Gopher0727/UbiquiTimes/internal/handlers"
	"github.com/Gopher0727/UbiquiTimes/internal/models"
	"github.com/Gopher0727/UbiquiTimes/internal/pkg/discord"
	"github.com/Gopher0727/UbiquiTimes/internal/pkg/kafka"
	"github.com/Gopher0727/UbiquiTimes/internal/pkg/redis"
	"github.com/Gopher0727/UbiquiTimes/internal/repositories"
	"github.com/Gopher0727/UbiquiTimes/internal/routers"
	"github.com/Gopher0727/UbiquiTimes/internal/scheduler"
	"github.com/Gopher0727/UbiquiTimes/internal/services"
	"github.com/Gopher0727/UbiquiTimes/internal/storage"
	"github.com/Gopher0727/UbiquiTimes/internal/utils"
	"github.com/Gopher0727/UbiquiTimes/middleware/jwt"
	logger "github.com/Gopher0727/UbiquiTimes/middleware/log"
	"github.com/Gopher0727/UbiquiTimes/utils/consistenthash"
	"github.com/Gopher0727/UbiquiTimes/utils/snowflake"
)

func main() {
	configPath := os.Getenv("UT_CONFIG")
	if configPath == "" {
		configPath = "./config.toml"
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("配置初始化失败: %v", err)
	}

	appLog, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		log.Fatalf("日志初始化失败: %v", err)
	}
	defer appLog.Close()
	zlog := appLog.Logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 初始化注册表 (PostgreSQL 或 SQLite)
	db, err := storage.Open(cfg, zlog)
	if err != nil {
		zlog.Fatal("存储初始化失败", zap.Error(err))
	}
	registry := repositories.NewGormRegistry(db)

	// 初始化 Redis：分布式锁与清理台账
	redisClient, err := redis.NewClient(&cfg.Redis)
	if err != nil {
		zlog.Fatal("redis 初始化失败", zap.Error(err))
	}
	defer redisClient.Close()
	locker := redis.NewLocker(redisClient, cfg.Lock, zlog)
	ledger := redis.NewSweepLedger(redisClient, zlog)

	platform, err := discord.NewPlatform(cfg.Discord, zlog)
	if err != nil {
		zlog.Fatal("discord 初始化失败", zap.Error(err))
	}

	// 初始化全局 Worker Pool，限制广播并发
	pool := utils.NewWorkerPool(cfg.WorkerPool.Size, cfg.WorkerPool.QueueSize, zlog)
	pool.Start()
	defer pool.Stop()

	ids, err := snowflake.NewGenerator(snowflake.Config{WorkerID: cfg.Snowflake.WorkerID})
	if err != nil {
		zlog.Fatal("snowflake 初始化失败", zap.Error(err))
	}

	// 初始化 Kafka (可选)：领域事件与异步发布队列
	var (
		events       services.EventPublisher = services.NopPublisher{}
		releaseQueue services.ReleaseQueue
		producer     *kafka.Producer
	)
	if cfg.Kafka.Enabled {
		producer, err = kafka.NewProducer(&cfg.Kafka, zlog)
		if err != nil {
			zlog.Warn("Kafka 生产者初始化失败，异步发布与事件将被禁用", zap.Error(err))
		} else {
			defer producer.Close()
			events = kafka.NewEventPublisher(producer, cfg.Kafka.Topics.Events)
			releaseQueue = kafka.NewReleaseQueue(producer, cfg.Kafka.Topics.Releases)
		}
	}

	timesService := services.NewTimesService(registry, platform, locker, ledger, events, cfg.Discord.CallTimeout, zlog)
	broadcaster := services.NewBroadcaster(platform, pool, cfg.Broadcast, zlog)
	releaseService := services.NewReleaseService(registry, broadcaster, ids, events, releaseQueue, zlog)

	if producer != nil {
		releaseConsumer := consumer.NewReleaseConsumer(releaseService, appLog)
		kafkaConsumer, err := kafka.NewConsumer(&cfg.Kafka, []string{cfg.Kafka.Topics.Releases}, releaseConsumer.Handle, zlog)
		if err != nil {
			zlog.Warn("Kafka 消费者初始化失败，排队的发布不会被处理", zap.Error(err))
		} else {
			defer kafkaConsumer.Stop()
			go func() {
				if err := kafkaConsumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
					zlog.Error("Kafka 消费者启动失败", zap.Error(err))
				}
			}()
		}
	}

	// 一致性哈希环：按频道把清理任务分片到各节点
	if cfg.Sweep.Enabled {
		ring := consistenthash.NewWeighted(128, cfg.Gateway.Nodes)
		if ring.IsEmpty() {
			ring.Add(cfg.Gateway.NodeID)
		}
		owns := func(channelID models.ID) bool {
			return ring.Owns(cfg.Gateway.NodeID, channelID.String())
		}
		sweeper := services.NewSweeper(registry, platform, ledger, locker, owns, cfg.Discord.CallTimeout, zlog)
		job, err := scheduler.NewSweepJob(cfg.Sweep.Schedule, sweeper, zlog)
		if err != nil {
			zlog.Fatal("清理任务初始化失败", zap.Error(err))
		}
		job.Start(ctx)
		defer job.Stop()
	}

	tokenManager := jwt.NewTokenManager(cfg.JWT.Secret, cfg.JWT.ExpireHours, cfg.JWT.RefreshHours)

	// 配置并创建 Gin 引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	routers.SetupRoutes(r, api.NewMiddlewareManager(tokenManager, appLog), routers.Handlers{
		Auth:      handlers.NewAuthHandler(tokenManager),
		Community: handlers.NewCommunityHandler(timesService),
		Times:     handlers.NewTimesHandler(timesService),
		Release:   handlers.NewReleaseHandler(releaseService),
	})

	srv := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.Server.Port),
		Handler: r,
	}
	go func() {
		zlog.Info("正在启动服务器", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Error("服务器异常退出", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	zlog.Info("正在关闭服务器")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error("服务器关闭失败", zap.Error(err))
	}
}
