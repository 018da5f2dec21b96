// Package service 告警服务（整合各层）
package service

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/4peng/Udara-sub000/internal/config"
	"github.com/4peng/Udara-sub000/internal/consumer"
	"github.com/4peng/Udara-sub000/internal/cooldown"
	"github.com/4peng/Udara-sub000/internal/dispatcher"
	"github.com/4peng/Udara-sub000/internal/httpapi"
	"github.com/4peng/Udara-sub000/internal/push"
	"github.com/4peng/Udara-sub000/internal/repository"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// AlertService 告警服务
// 管线侧：读数摄入 → 派发器；客户端侧：通知读写 HTTP API
type AlertService struct {
	config      *config.Config
	db          *sql.DB
	redisClient *redis.Client
	logger      *zap.Logger

	// 各层组件
	deviceRepo       *repository.DeviceRepository
	subscriptionRepo *repository.SubscriptionRepository
	readingRepo      *repository.ReadingRepository
	notificationRepo *repository.NotificationRepository
	userRepo         *repository.UserRepository
	tracker          *cooldown.Tracker
	pushClient       *push.Client
	dispatcher       *dispatcher.Dispatcher

	pollConsumer   *consumer.PollConsumer
	streamConsumer *consumer.StreamConsumer
	mqttConsumer   *consumer.MQTTConsumer

	httpServer *http.Server
}

// NewAlertService 创建告警服务
func NewAlertService(cfg *config.Config, logger *zap.Logger) (*AlertService, error) {
	// 1. 连接数据库
	db, err := sql.Open("postgres", buildDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// 2. 连接 Redis（仅实时流摄入需要）
	var redisClient *redis.Client
	if cfg.Feed.StreamEnabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("failed to ping redis: %w", err)
		}
	}

	// 3. 创建 Repository 层
	deviceRepo := repository.NewDeviceRepository(db, logger)
	subscriptionRepo := repository.NewSubscriptionRepository(db, logger)
	readingRepo := repository.NewReadingRepository(db, logger)
	notificationRepo := repository.NewNotificationRepository(db, logger, cfg.Alert.RecentLimit)
	userRepo := repository.NewUserRepository(db, logger)

	// 4. 创建派发器及其依赖
	tracker := cooldown.NewTracker(cfg.Alert.CooldownWindow)
	pushClient := push.NewClient(cfg.Push.BaseURL, cfg.Push.RatePerSecond, logger)
	disp := dispatcher.NewDispatcher(
		deviceRepo,
		subscriptionRepo,
		notificationRepo,
		userRepo,
		pushClient,
		tracker,
		cfg.Alert.Workers,
		logger,
	)

	s := &AlertService{
		config:           cfg,
		db:               db,
		redisClient:      redisClient,
		logger:           logger,
		deviceRepo:       deviceRepo,
		subscriptionRepo: subscriptionRepo,
		readingRepo:      readingRepo,
		notificationRepo: notificationRepo,
		userRepo:         userRepo,
		tracker:          tracker,
		pushClient:       pushClient,
		dispatcher:       disp,
	}

	// 5. 创建摄入消费者（两种形态共用同一个派发入口）
	if cfg.Feed.PollEnabled {
		s.pollConsumer = consumer.NewPollConsumer(readingRepo, disp, cfg.Feed.PollInterval, cfg.Feed.Freshness, logger)
	}
	if cfg.Feed.StreamEnabled {
		s.streamConsumer = consumer.NewStreamConsumer(
			redisClient, disp,
			cfg.Feed.Stream, cfg.Feed.ConsumerGroup, cfg.Feed.ConsumerName, cfg.Feed.BatchSize,
			logger,
		)
	}
	if cfg.Feed.MQTTEnabled {
		s.mqttConsumer = consumer.NewMQTTConsumer(consumer.MQTTConfig{
			Broker:   cfg.Feed.MQTTBroker,
			ClientID: cfg.Feed.MQTTClientID,
			Username: cfg.Feed.MQTTUsername,
			Password: cfg.Feed.MQTTPassword,
			Topic:    cfg.Feed.MQTTTopic,
			QoS:      cfg.Feed.MQTTQoS,
		}, disp, logger)
	}

	// 6. 创建 HTTP API
	router := httpapi.NewRouter(logger)
	handler := httpapi.NewNotificationHandler(subscriptionRepo, notificationRepo, userRepo, disp, logger)
	router.RegisterNotificationRoutes(handler)
	s.httpServer = &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: router.Handler(),
	}

	return s, nil
}

// Start 启动服务（阻塞直到 ctx 取消或组件失败）
func (s *AlertService) Start(ctx context.Context) error {
	s.logger.Info("Starting alert service",
		zap.String("http_addr", s.config.HTTP.Addr),
		zap.Bool("poll_enabled", s.pollConsumer != nil),
		zap.Bool("stream_enabled", s.streamConsumer != nil),
		zap.Bool("mqtt_enabled", s.mqttConsumer != nil),
	)

	errChan := make(chan error, 4)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("http server failed: %w", err)
		}
	}()

	if s.pollConsumer != nil {
		go func() {
			if err := s.pollConsumer.Start(ctx); err != nil {
				errChan <- fmt.Errorf("poll consumer failed: %w", err)
			}
		}()
	}
	if s.streamConsumer != nil {
		go func() {
			if err := s.streamConsumer.Start(ctx); err != nil {
				errChan <- fmt.Errorf("stream consumer failed: %w", err)
			}
		}()
	}
	if s.mqttConsumer != nil {
		go func() {
			if err := s.mqttConsumer.Start(ctx); err != nil {
				errChan <- fmt.Errorf("mqtt consumer failed: %w", err)
			}
		}()
	}

	// 冷却跟踪器定期清理，保持内存有界
	go s.sweepLoop(ctx)

	select {
	case <-ctx.Done():
		return nil
	case err := <-errChan:
		return err
	}
}

// sweepLoop 周期清理过期冷却条目
func (s *AlertService) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.Alert.CooldownWindow)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			removed := s.tracker.Sweep(now)
			if removed > 0 {
				s.logger.Debug("Swept cooldown entries",
					zap.Int("removed", removed),
				)
			}
		}
	}
}

// Stop 停止服务
func (s *AlertService) Stop() error {
	s.logger.Info("Stopping alert service")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("Failed to shut down http server",
			zap.Error(err),
		)
	}

	if err := s.db.Close(); err != nil {
		s.logger.Error("Failed to close database",
			zap.Error(err),
		)
	}

	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			s.logger.Error("Failed to close redis",
				zap.Error(err),
			)
		}
	}

	return nil
}

// buildDSN 构建数据库连接字符串
func buildDSN(cfg *config.Config) string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Database.Host,
		cfg.Database.Port,
		cfg.Database.User,
		cfg.Database.Password,
		cfg.Database.Database,
		cfg.Database.SSLMode,
	)
}
