package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host           string
	Port           int
	User           string
	Password       string
	Database       string
	SSLMode        string
	MaxConns       int
	MaxIdle        int
	ConnectTimeout time.Duration
}

// RedisConfig Redis配置；Enabled 为 false 时不建立连接
type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// MQTTConfig MQTT配置（仅用于发布通知）
type MQTTConfig struct {
	Enabled  bool
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
}

// GetDSN 连接串；密码等字段按 URL 规则转义
func (c *DatabaseConfig) GetDSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   "/" + c.Database,
	}
	q := url.Values{}
	if c.SSLMode != "" {
		q.Set("sslmode", c.SSLMode)
	}
	if c.ConnectTimeout > 0 {
		q.Set("connect_timeout", strconv.Itoa(int(c.ConnectTimeout/time.Second)))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Validate 启动前检查必填项
func (c *DatabaseConfig) Validate() error {
	switch {
	case c.Host == "":
		return fmt.Errorf("database host is required")
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("invalid database port %d", c.Port)
	case c.Database == "":
		return fmt.Errorf("database name is required")
	}
	return nil
}

// LoadFromEnv 从环境变量加载配置（prefix 如 "DB"：DB_HOST、DB_NAME、DB_MAX_CONNS …）
func (c *DatabaseConfig) LoadFromEnv(prefix string) error {
	env := envReader{prefix: prefix}
	env.str("HOST", &c.Host)
	env.str("USER", &c.User)
	env.str("PASSWORD", &c.Password)
	env.str("NAME", &c.Database)
	env.str("SSLMODE", &c.SSLMode)
	env.int("PORT", &c.Port)
	env.int("MAX_CONNS", &c.MaxConns)
	env.int("MAX_IDLE", &c.MaxIdle)
	var seconds int
	if env.int("CONNECT_TIMEOUT_SEC", &seconds) {
		c.ConnectTimeout = time.Duration(seconds) * time.Second
	}
	return env.err
}

// LoadFromEnv 从环境变量加载Redis配置；设置了 _ADDR 也视为启用
func (c *RedisConfig) LoadFromEnv(prefix string) error {
	env := envReader{prefix: prefix}
	if env.str("ADDR", &c.Addr) {
		c.Enabled = true
	}
	env.bool("ENABLED", &c.Enabled)
	env.str("PASSWORD", &c.Password)
	env.int("DB", &c.DB)
	env.int("POOL_SIZE", &c.PoolSize)
	return env.err
}

// LoadFromEnv 从环境变量加载MQTT配置
func (c *MQTTConfig) LoadFromEnv(prefix string) error {
	env := envReader{prefix: prefix}
	if env.str("BROKER", &c.Broker) {
		c.Enabled = true
	}
	env.bool("ENABLED", &c.Enabled)
	env.str("CLIENT_ID", &c.ClientID)
	env.str("USERNAME", &c.Username)
	env.str("PASSWORD", &c.Password)
	var qos int
	if env.int("QOS", &qos) {
		if qos < 0 || qos > 2 {
			env.fail("QOS", fmt.Errorf("must be 0, 1 or 2"))
		} else {
			c.QoS = byte(qos)
		}
	}
	return env.err
}

// envReader 读取 <prefix>_<name>；记录第一个解析错误
type envReader struct {
	prefix string
	err    error
}

func (e *envReader) lookup(name string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(e.prefix + "_" + name))
	return v, v != ""
}

func (e *envReader) fail(name string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("invalid %s_%s: %w", e.prefix, name, err)
	}
}

func (e *envReader) str(name string, dst *string) bool {
	v, ok := e.lookup(name)
	if ok {
		*dst = v
	}
	return ok
}

func (e *envReader) int(name string, dst *int) bool {
	v, ok := e.lookup(name)
	if !ok {
		return false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(name, err)
		return false
	}
	*dst = n
	return true
}

func (e *envReader) bool(name string, dst *bool) bool {
	v, ok := e.lookup(name)
	if !ok {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(name, err)
		return false
	}
	*dst = b
	return true
}
