package service

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"lonelycare-monitor/internal/activity"
	"lonelycare-monitor/internal/classifier"
	"lonelycare-monitor/internal/config"
	"lonelycare-monitor/internal/consumer"
	"lonelycare-monitor/internal/database"
	"lonelycare-monitor/internal/dispatcher"
	"lonelycare-monitor/internal/httpapi"
	"lonelycare-monitor/internal/mqtt"
	rediscommon "lonelycare-monitor/internal/redis"
	"lonelycare-monitor/internal/repository"

	"go.uber.org/zap"
)

// MonitorService 监护服务（整合各层）
type MonitorService struct {
	config      *config.Config
	db          *sql.DB
	redisClient *rediscommon.Client
	mqttClient  *mqtt.Client
	logger      *zap.Logger

	// 各层组件
	subjectRepo     *repository.SubjectStatusRepository
	bucketRepo      *repository.HourBucketRepository
	attemptRepo     *repository.NotificationAttemptRepository
	cacheManager    *consumer.CacheManager
	stateManager    *consumer.StateManager
	classifier      *classifier.Classifier
	counter         *activity.Counter
	dispatcher      *dispatcher.Dispatcher
	sensorConsumer  *consumer.SensorConsumer
	checkinConsumer *consumer.CheckinConsumer
	monitorConsumer *consumer.MonitorConsumer
	httpServer      *http.Server
}

// NewMonitorService 创建监护服务
func NewMonitorService(cfg *config.Config, logger *zap.Logger) (*MonitorService, error) {
	// 1. 连接数据库
	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// 2. 连接 Redis
	redisClient := rediscommon.NewRedisClient(&cfg.Redis)
	if err := rediscommon.Ping(context.Background(), redisClient); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	// 3. 连接 MQTT
	mqttClient, err := mqtt.NewClient(&cfg.MQTT, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mqtt broker: %w", err)
	}

	// 4. 创建 Repository 层
	subjectRepo := repository.NewSubjectStatusRepository(db, logger)
	bucketRepo := repository.NewHourBucketRepository(db, logger)
	attemptRepo := repository.NewNotificationAttemptRepository(db, logger)

	// 5. 创建 Redis 状态管理
	cacheManager := consumer.NewCacheManager(cfg, redisClient, logger)
	stateManager := consumer.NewStateManager(cfg, redisClient, logger)

	// 6. 创建核心组件
	cls := classifier.NewClassifier(cfg, logger)
	counter := activity.NewCounter(cfg, bucketRepo, logger)

	// 7. 创建通知通道与派发器
	channels := []dispatcher.Channel{
		dispatcher.NewDeviceNotifyChannel(mqttClient, cfg.Dispatch.NotifyTopicRoot, cfg.MQTT.QoS, logger),
		dispatcher.NewAudibleCueChannel(mqttClient, cfg.Dispatch.NotifyTopicRoot, cfg.MQTT.QoS, logger),
		dispatcher.NewHapticCueChannel(mqttClient, cfg.Dispatch.NotifyTopicRoot, cfg.MQTT.QoS, logger),
		dispatcher.NewPushChannel(cfg.Dispatch.PushGatewayURL, cfg.Dispatch.ChannelTimeout, logger),
	}
	disp := dispatcher.NewDispatcher(
		channels,
		stateManager,
		attemptRepo,
		subjectRepo,
		cfg.Dispatch.RetryMaxAttempts,
		cfg.Dispatch.RetryDelay,
		cfg.Dispatch.ChannelTimeout,
		logger,
	)

	// 8. 创建 Consumer 层
	sensorConsumer := consumer.NewSensorConsumer(cfg, mqttClient, cls, counter, subjectRepo, logger)
	checkinConsumer := consumer.NewCheckinConsumer(cfg, redisClient, counter, subjectRepo, logger)
	monitorConsumer := consumer.NewMonitorConsumer(cfg, subjectRepo, cacheManager, stateManager, counter, disp, logger)

	// 9. 创建 HTTP 服务
	router := httpapi.NewRouter(logger)
	subjectHandler := httpapi.NewSubjectHandler(cfg, subjectRepo, attemptRepo, bucketRepo, cacheManager, counter, redisClient, logger)
	router.RegisterSubjectRoutes(subjectHandler)

	httpServer := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return &MonitorService{
		config:          cfg,
		db:              db,
		redisClient:     redisClient,
		mqttClient:      mqttClient,
		logger:          logger,
		subjectRepo:     subjectRepo,
		bucketRepo:      bucketRepo,
		attemptRepo:     attemptRepo,
		cacheManager:    cacheManager,
		stateManager:    stateManager,
		classifier:      cls,
		counter:         counter,
		dispatcher:      disp,
		sensorConsumer:  sensorConsumer,
		checkinConsumer: checkinConsumer,
		monitorConsumer: monitorConsumer,
		httpServer:      httpServer,
	}, nil
}

// Start 启动服务（阻塞直到上下文取消或出错）
func (s *MonitorService) Start(ctx context.Context) error {
	s.logger.Info("Starting monitor service",
		zap.String("http_addr", s.config.HTTP.Addr))

	// 重试队列处理循环
	s.dispatcher.Start(ctx)

	// 订阅传感器事件
	if err := s.sensorConsumer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start sensor consumer: %w", err)
	}

	errChan := make(chan error, 3)

	// 签到流消费循环
	go func() {
		if err := s.checkinConsumer.Start(ctx); err != nil {
			errChan <- fmt.Errorf("checkin consumer failed: %w", err)
		}
	}()

	// 升级评估循环
	go func() {
		if err := s.monitorConsumer.Start(ctx); err != nil {
			errChan <- fmt.Errorf("monitor consumer failed: %w", err)
		}
	}()

	// HTTP 服务
	go func() {
		s.logger.Info("HTTP server listening", zap.String("addr", s.config.HTTP.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("http server failed: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errChan:
		return err
	}
}

// Stop 停止服务
func (s *MonitorService) Stop() error {
	s.logger.Info("Stopping monitor service")

	// 停止接收新事件
	s.sensorConsumer.Stop()
	s.mqttClient.Disconnect()

	// 关闭 HTTP 服务
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("Failed to shutdown http server", zap.Error(err))
	}

	// 关闭数据库连接
	if err := database.Close(s.db); err != nil {
		s.logger.Error("Failed to close database", zap.Error(err))
	}

	// 关闭 Redis 连接
	if err := rediscommon.Close(s.redisClient); err != nil {
		s.logger.Error("Failed to close redis", zap.Error(err))
	}

	return nil
}
