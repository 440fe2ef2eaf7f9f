package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config tempo-accounts（HTTP API）配置
type Config struct {
	HTTP struct {
		Addr string
	}
	DBEnabled bool
	Database  DatabaseConfig
	Redis     struct {
		Enabled  bool
		Addr     string
		Password string
		DB       int
	}
	Log struct {
		Level  string
		Format string
	}
	Mailer MailerConfig
	IdP    IdPConfig
	MQTT   MQTTConfig
	// VerifyBaseURL 验证链接的前端基址（拼到验证邮件里）
	VerifyBaseURL string
	// AdminNotifyEmail 待审批通知的收件地址（管理员分发列表）
	AdminNotifyEmail string
}

// DatabaseConfig PostgreSQL 连接配置
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int
}

// DSN 生成 lib/pq 连接串
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// MailerConfig 邮件投递服务（模板发送 API）配置
type MailerConfig struct {
	BaseURL string // 空 = 仅记录日志不真正发送（本地开发）
	APIKey  string
	Sender  string // 发件人地址
}

// IdPConfig 外部身份提供方（Process 阶段换绑登录邮箱用）配置
type IdPConfig struct {
	BaseURL string // 空 = 使用本地 stub（开发）
	APIKey  string
}

// MQTTConfig 生命周期事件发布配置（默认禁用）
type MQTTConfig struct {
	Enabled  bool
	Broker   string // 如 "tcp://localhost:1883"
	ClientID string
	Username string
	Password string
	Topic    string // 事件主题前缀
}

func Load() *Config {
	cfg := &Config{}
	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8080")

	// Default to true for local dev: if DB is unavailable, tempo-accounts falls back to memory repos.
	cfg.DBEnabled = getEnv("DB_ENABLED", "true") == "true"
	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = parseInt(getEnv("DB_PORT", "5432"), 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "tempo")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = parseInt(getEnv("DB_MAX_CONNS", "10"), 10)
	cfg.Database.MaxIdle = parseInt(getEnv("DB_MAX_IDLE", "5"), 5)

	cfg.Redis.Enabled = getEnv("REDIS_ENABLED", "true") == "true"
	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = 0

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	// 邮件投递（空 BaseURL = 本地日志模式）
	cfg.Mailer.BaseURL = getEnv("MAILER_BASE_URL", "")
	cfg.Mailer.APIKey = getEnv("MAILER_API_KEY", "")
	cfg.Mailer.Sender = getEnv("MAILER_SENDER", "no-reply@tempo.local")

	// 外部身份提供方
	cfg.IdP.BaseURL = getEnv("IDP_BASE_URL", "")
	cfg.IdP.APIKey = getEnv("IDP_API_KEY", "")

	// MQTT 事件发布（默认禁用）
	cfg.MQTT.Enabled = getEnv("MQTT_ENABLED", "false") == "true"
	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "tempo-accounts")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.Topic = getEnv("MQTT_TOPIC", "tempo/email-change")

	cfg.VerifyBaseURL = getEnv("VERIFY_BASE_URL", "https://app.tempo.local")
	cfg.AdminNotifyEmail = getEnv("ADMIN_NOTIFY_EMAIL", "admins@tempo.local")

	return cfg
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseInt(s string, def int) int {
	i, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return i
}
