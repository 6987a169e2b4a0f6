package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // 容器镜像可能没有系统时区库

	"dentra-dispatch/common/config"

	"github.com/google/uuid"
)

// Config 调度 worker 配置
type Config struct {
	Database config.DatabaseConfig
	Redis    config.RedisConfig
	MQTT     config.MQTTConfig

	Worker struct {
		ID                string
		PollInterval      time.Duration // 空闲轮询间隔，默认 1200ms
		Lease             time.Duration // 租约时长，默认 60s
		RetryDelay        time.Duration // 失败重试延迟，默认 20s
		MaxAttempts       int           // 默认 8
		HeartbeatInterval time.Duration // 默认 2s
		HeartbeatKey      string        // Redis 心跳键前缀
		DefaultPriority   int           // 入队默认优先级，默认 50
		DedupeTTL         time.Duration // 入队去重键 TTL，默认 24h
	}

	// 周期性 tick 间隔
	Ticks struct {
		Inventory          time.Duration
		Revenue            time.Duration
		Case               time.Duration
		AppointmentMonitor time.Duration
	}

	Scheduling struct {
		Location        *time.Location
		LocationName    string
		WorkStart       string // "09:00"
		WorkEnd         string // "18:00"
		SlotStep        time.Duration
		DaysAhead       int
		DelayGrace      time.Duration
		NoShowGrace     time.Duration
		SuggestionLimit int
	}

	// 外部协作服务地址，空表示未接入
	Collaborators struct {
		InventoryURL string
		RevenueURL   string
		CaseURL      string
		Timeout      time.Duration
	}

	Notify struct {
		Stream       string
		StreamMaxLen int64
		TopicPrefix  string
	}

	Capabilities Capabilities

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Database.Host = "localhost"
	cfg.Database.Port = 5432
	cfg.Database.User = "postgres"
	cfg.Database.Password = "postgres"
	cfg.Database.Database = "dentra"
	cfg.Database.SSLMode = "disable"
	cfg.Database.MaxConns = 10
	cfg.Database.MaxIdle = 2
	if err := cfg.Database.LoadFromEnv("DB"); err != nil {
		return nil, err
	}
	if err := cfg.Database.Validate(); err != nil {
		return nil, err
	}

	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.Enabled = false
	if err := cfg.Redis.LoadFromEnv("REDIS"); err != nil {
		return nil, err
	}

	cfg.MQTT.Broker = "tcp://localhost:1883"
	cfg.MQTT.ClientID = "dentra-worker"
	cfg.MQTT.QoS = 1
	if err := cfg.MQTT.LoadFromEnv("MQTT"); err != nil {
		return nil, err
	}

	var err error
	hostname, _ := os.Hostname()
	// 同一主机上多个进程也互不冲突
	cfg.Worker.ID = getEnv("WORKER_ID", fmt.Sprintf("worker-%s-%s", hostname, uuid.NewString()[:8]))
	if cfg.Worker.PollInterval, err = getEnvMillis(firstEnv("POLL_INTERVAL_MS", "POLL_MS"), 1200); err != nil {
		return nil, err
	}
	if cfg.Worker.Lease, err = getEnvSeconds(firstEnv("EVENT_LOCK_SECONDS", "LOCK_TTL_SECONDS"), 60); err != nil {
		return nil, err
	}
	if cfg.Worker.RetryDelay, err = getEnvSeconds("EVENT_RETRY_DELAY_SEC", 20); err != nil {
		return nil, err
	}
	if cfg.Worker.MaxAttempts, err = getEnvInt("MAX_EVENT_ATTEMPTS", 8); err != nil {
		return nil, err
	}
	if cfg.Worker.HeartbeatInterval, err = getEnvSeconds("HEARTBEAT_INTERVAL_SEC", 2); err != nil {
		return nil, err
	}
	cfg.Worker.HeartbeatKey = getEnv("HEARTBEAT_KEY_PREFIX", "dispatch:heartbeat:")
	cfg.Worker.DefaultPriority = 50
	cfg.Worker.DedupeTTL = 24 * time.Hour

	if cfg.Ticks.Inventory, err = getEnvMinutes("INVENTORY_MONITOR_INTERVAL_MIN", 60); err != nil {
		return nil, err
	}
	if cfg.Ticks.Revenue, err = getEnvMinutes("REVENUE_MONITOR_INTERVAL_MIN", 60); err != nil {
		return nil, err
	}
	if cfg.Ticks.Case, err = getEnvMinutes("CASE_MONITOR_INTERVAL_MIN", 1440); err != nil {
		return nil, err
	}
	if cfg.Ticks.AppointmentMonitor, err = getEnvMinutes("APPOINTMENT_MONITOR_INTERVAL_MIN", 5); err != nil {
		return nil, err
	}

	cfg.Scheduling.LocationName = getEnv("APP_TZ", "Asia/Kolkata")
	if cfg.Scheduling.Location, err = time.LoadLocation(cfg.Scheduling.LocationName); err != nil {
		return nil, fmt.Errorf("invalid APP_TZ %q: %w", cfg.Scheduling.LocationName, err)
	}
	cfg.Scheduling.WorkStart = getEnv("WORKDAY_START", "09:00")
	cfg.Scheduling.WorkEnd = getEnv("WORKDAY_END", "18:00")
	cfg.Scheduling.SlotStep = 15 * time.Minute
	if cfg.Scheduling.DaysAhead, err = getEnvInt("SUGGEST_DAYS_AHEAD", 7); err != nil {
		return nil, err
	}
	if cfg.Scheduling.DelayGrace, err = getEnvMinutes("DELAY_GRACE_MIN", 10); err != nil {
		return nil, err
	}
	if cfg.Scheduling.NoShowGrace, err = getEnvMinutes("NO_SHOW_GRACE_MIN", 45); err != nil {
		return nil, err
	}
	cfg.Scheduling.SuggestionLimit = 10

	cfg.Collaborators.InventoryURL = strings.TrimRight(getEnv("INVENTORY_SERVICE_URL", ""), "/")
	cfg.Collaborators.RevenueURL = strings.TrimRight(getEnv("REVENUE_SERVICE_URL", ""), "/")
	cfg.Collaborators.CaseURL = strings.TrimRight(getEnv("CASE_SERVICE_URL", ""), "/")
	cfg.Collaborators.Timeout = 15 * time.Second

	cfg.Notify.Stream = getEnv("NOTIFY_STREAM", "notifications:outbox")
	cfg.Notify.StreamMaxLen = 100000
	cfg.Notify.TopicPrefix = getEnv("NOTIFY_TOPIC_PREFIX", "dentra/notifications")

	cfg.Capabilities, err = LoadCapabilities(getEnv("CAPABILITIES_FILE", ""))
	if err != nil {
		return nil, err
	}

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// firstEnv 返回第一个已设置的变量名，用于兼容旧变量名
func firstEnv(keys ...string) string {
	for _, k := range keys {
		if os.Getenv(k) != "" {
			return k
		}
	}
	return keys[0]
}

func getEnvInt(key string, defaultValue int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func getEnvMillis(key string, defaultValue int) (time.Duration, error) {
	v, err := getEnvInt(key, defaultValue)
	return time.Duration(v) * time.Millisecond, err
}

func getEnvSeconds(key string, defaultValue int) (time.Duration, error) {
	v, err := getEnvInt(key, defaultValue)
	return time.Duration(v) * time.Second, err
}

func getEnvMinutes(key string, defaultValue int) (time.Duration, error) {
	v, err := getEnvInt(key, defaultValue)
	return time.Duration(v) * time.Minute, err
}
