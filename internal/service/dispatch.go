package service

import (
	"context"
	"database/sql"
	"fmt"

	commondb "dentra-dispatch/common/database"
	commonmqtt "dentra-dispatch/common/mqtt"
	commonredis "dentra-dispatch/common/redis"
	"dentra-dispatch/internal/collaborator"
	"dentra-dispatch/internal/config"
	"dentra-dispatch/internal/consumer"
	"dentra-dispatch/internal/notify"
	"dentra-dispatch/internal/repository"
	"dentra-dispatch/internal/scheduling"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// DispatchService 事件调度服务（整合各层）
type DispatchService struct {
	config      *config.Config
	db          *sql.DB
	redisClient *redis.Client
	mqttClient  *commonmqtt.Client
	logger      *zap.Logger

	ledger   repository.IdempotencyRepository
	events   *repository.PostgresEventsRepository
	notifier *notify.Notifier
	engine   *scheduling.Engine
	registry *consumer.Registry
	worker   *consumer.Worker
}

// Connections 外部连接；Redis 与 MQTT 可以为 nil
type Connections struct {
	DB    *sql.DB
	Redis *redis.Client
	MQTT  notify.Publisher
}

// NewDispatchService 按配置建立连接并创建服务
func NewDispatchService(cfg *config.Config, logger *zap.Logger) (*DispatchService, error) {
	// 1. 连接数据库
	db, err := commondb.NewPostgresDB(&cfg.Database)
	if err != nil {
		return nil, err
	}
	conns := Connections{DB: db}

	// 2. 连接 Redis（可选）
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = commonredis.NewRedisClient(&cfg.Redis)
		if err := commonredis.Ping(context.Background(), redisClient); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to ping redis: %w", err)
		}
		conns.Redis = redisClient
	}

	// 3. 连接 MQTT（可选）
	var mqttClient *commonmqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = commonmqtt.NewClient(&cfg.MQTT, logger)
		if err != nil {
			db.Close()
			commonredis.Close(redisClient)
			return nil, err
		}
		conns.MQTT = mqttClient
	}

	s, err := NewDispatchServiceWith(cfg, conns, repository.SystemClock, logger)
	if err != nil {
		db.Close()
		commonredis.Close(redisClient)
		if mqttClient != nil {
			mqttClient.Disconnect()
		}
		return nil, err
	}
	s.mqttClient = mqttClient
	return s, nil
}

// NewDispatchServiceWith 使用已建立的连接创建服务
func NewDispatchServiceWith(cfg *config.Config, conns Connections, now repository.Clock, logger *zap.Logger) (*DispatchService, error) {
	if conns.DB == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	caps := cfg.Capabilities

	// 4. Repository 层
	ledger := repository.NewPostgresIdempotencyRepository(conns.DB, now, logger)
	events := repository.NewPostgresEventsRepository(conns.DB, ledger, repository.EventStoreOptions{
		MaxAttempts:        cfg.Worker.MaxAttempts,
		DedupeTTL:          cfg.Worker.DedupeTTL,
		DeadLetterState:    caps.DeadLetterState,
		LegacyPendingAlias: caps.LegacyPendingAlias,
	}, now, logger)
	appts := repository.NewAppointmentsRepository(logger)
	cases := repository.NewCasesRepository()

	// 5. 通知出口
	notifier := notify.NewNotifier(ledger, buildSink(cfg, conns, logger), logger)

	// 6. 排班引擎与处理器
	policy, err := BuildPolicy(cfg)
	if err != nil {
		return nil, err
	}
	engine := scheduling.NewEngine(appts, cases, policy, now, logger)
	handlers := consumer.DomainHandlers{
		Appointment: scheduling.NewAppointmentHandler(engine, appts, ledger, notifier, scheduling.HandlerOptions{
			AuditLog:              caps.AuditLog,
			RescheduleSuggestions: caps.RescheduleSuggestions,
		}, logger),
	}
	remoteOpts := collaborator.DefaultOptions()
	if cfg.Collaborators.Timeout > 0 {
		remoteOpts.Timeout = cfg.Collaborators.Timeout
	}
	// 未配置地址的协作服务保持 nil 接口，不参与注册
	if url := cfg.Collaborators.InventoryURL; url != "" {
		handlers.Inventory = collaborator.NewRemoteHandler("inventory", url, remoteOpts, logger)
	}
	if url := cfg.Collaborators.RevenueURL; url != "" {
		handlers.Revenue = collaborator.NewRemoteHandler("revenue", url, remoteOpts, logger)
	}
	if url := cfg.Collaborators.CaseURL; url != "" {
		handlers.Case = collaborator.NewRemoteHandler("case", url, remoteOpts, logger)
	}
	registry := consumer.DefaultRegistry(handlers)

	// 7. tick、心跳与 worker
	ticks := consumer.NewTickScheduler(events, consumer.DefaultTicks(consumer.TickIntervals{
		Inventory:          cfg.Ticks.Inventory,
		Revenue:            cfg.Ticks.Revenue,
		Case:               cfg.Ticks.Case,
		AppointmentMonitor: cfg.Ticks.AppointmentMonitor,
	}), policy.Location, now, logger)
	heartbeat := consumer.NewHeartbeat(events, conns.Redis, cfg.Worker.HeartbeatKey, cfg.Worker.ID,
		cfg.Worker.HeartbeatInterval, now, logger)
	worker := consumer.NewWorker(conns.DB, events, registry, ticks, heartbeat, notifier, consumer.Options{
		WorkerID:     cfg.Worker.ID,
		PollInterval: cfg.Worker.PollInterval,
		Lease:        cfg.Worker.Lease,
		RetryDelay:   cfg.Worker.RetryDelay,
	}, logger)

	return &DispatchService{
		config:      cfg,
		db:          conns.DB,
		redisClient: conns.Redis,
		logger:      logger,
		ledger:      ledger,
		events:      events,
		notifier:    notifier,
		engine:      engine,
		registry:    registry,
		worker:      worker,
	}, nil
}

// buildSink Redis Stream 与 MQTT 均未启用时只写日志
func buildSink(cfg *config.Config, conns Connections, logger *zap.Logger) notify.Sink {
	var sinks notify.MultiSink
	if conns.Redis != nil {
		sinks = append(sinks, notify.NewRedisStreamSink(conns.Redis, cfg.Notify.Stream, cfg.Notify.StreamMaxLen))
	}
	if conns.MQTT != nil {
		sinks = append(sinks, notify.NewMQTTSink(conns.MQTT, cfg.Notify.TopicPrefix, cfg.MQTT.QoS))
	}
	switch len(sinks) {
	case 0:
		return notify.LogSink{Logger: logger}
	case 1:
		return sinks[0]
	}
	return sinks
}

// BuildPolicy 由配置生成排班规则
func BuildPolicy(cfg *config.Config) (scheduling.Policy, error) {
	p := scheduling.DefaultPolicy(cfg.Scheduling.Location)

	var err error
	if p.WorkStart, err = scheduling.ParseClock(cfg.Scheduling.WorkStart); err != nil {
		return p, err
	}
	if p.WorkEnd, err = scheduling.ParseClock(cfg.Scheduling.WorkEnd); err != nil {
		return p, err
	}
	if p.WorkEnd <= p.WorkStart {
		return p, fmt.Errorf("workday end %s must be after start %s", cfg.Scheduling.WorkEnd, cfg.Scheduling.WorkStart)
	}
	if cfg.Scheduling.SlotStep > 0 {
		p.SlotStep = cfg.Scheduling.SlotStep
	}
	if cfg.Scheduling.DaysAhead > 0 {
		p.DaysAhead = cfg.Scheduling.DaysAhead
	}
	if cfg.Scheduling.DelayGrace > 0 {
		p.DelayGrace = cfg.Scheduling.DelayGrace
	}
	if cfg.Scheduling.NoShowGrace > 0 {
		p.NoShowGrace = cfg.Scheduling.NoShowGrace
	}
	if cfg.Scheduling.SuggestionLimit > 0 {
		p.SuggestionLimit = cfg.Scheduling.SuggestionLimit
	}
	p.OperatoryConflicts = cfg.Capabilities.OperatoryConflicts
	p.DurationHistory = cfg.Capabilities.DurationHistory
	return p, nil
}

// Events 事件仓库（生产者入队、死信导出）
func (s *DispatchService) Events() *repository.PostgresEventsRepository {
	return s.events
}

// Registry 当前分发表
func (s *DispatchService) Registry() *consumer.Registry {
	return s.registry
}

// Start 运行 worker 循环，直到 ctx 取消
func (s *DispatchService) Start(ctx context.Context) error {
	s.logger.Info("Starting dispatch service",
		zap.String("worker_id", s.config.Worker.ID),
		zap.String("timezone", s.engine.Policy().Location.String()),
		zap.Bool("redis", s.redisClient != nil),
		zap.Bool("mqtt", s.mqttClient != nil),
	)
	return s.worker.Run(ctx)
}

// Stop 关闭连接
func (s *DispatchService) Stop() error {
	s.logger.Info("Stopping dispatch service")

	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}
	if err := commonredis.Close(s.redisClient); err != nil {
		s.logger.Error("Failed to close redis", zap.Error(err))
	}
	if err := commondb.Close(s.db); err != nil {
		s.logger.Error("Failed to close database", zap.Error(err))
	}
	return nil
}

// DB 数据库连接
func (s *DispatchService) DB() *sql.DB {
	return s.db
}
