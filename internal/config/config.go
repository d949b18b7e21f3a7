package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ServerConfig 定义 HTTP 服务器的监听配置参数
type ServerConfig struct {
	Host string // 监听地址，默认 "0.0.0.0"
	Port int    // 监听端口，默认 8080
}

// IMAPConfig 定义 IMAP 接入层相关配置
type IMAPConfig struct {
	DisableSTARTTLS bool // 允许明文认证（仅用于测试环境）
}

// SMTPConfig 定义入站投递服务器的配置
type SMTPConfig struct {
	BindAddr        string // 监听地址，格式 "host:port"，默认 ":2525"
	Domain          string // HELO/EHLO 响应域名
	MaxMessageBytes int64  // 单封消息大小上限
}

// LogConfig 定义日志系统配置
type LogConfig struct {
	Level       string // 日志级别: debug, info, warn, error
	Development bool   // 开发模式: 彩色输出与详细堆栈
}

// DatabaseConfig 定义 PostgreSQL 连接配置；留空时使用内存存储
type DatabaseConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig 定义 Redis 服务配置；留空 Address 时退化为进程内总线
type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

// JWTConfig 定义事件流端点的令牌校验配置
type JWTConfig struct {
	Secret string // HMAC 签名密钥，必须至少 32 字符
	Issuer string
}

// EventsConfig 定义事件流端点的行为参数
type EventsConfig struct {
	IdleInterval time.Duration // 空闲注释间隔，默认 15s
	IdleTimeout  time.Duration // 服务端空闲超时，默认 30m
}

// RetentionConfig 定义到期清理任务配置
type RetentionConfig struct {
	SweepInterval time.Duration // 扫描间隔，默认 10m；0 表示禁用
	BatchSize     int           // 单轮最多清理的消息数
}

// Config 是系统核心配置的根结构体
type Config struct {
	Server    ServerConfig
	IMAP      IMAPConfig
	SMTP      SMTPConfig
	Log       LogConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	Events    EventsConfig
	Retention RetentionConfig
}

// Load 从环境变量和 .env 文件加载系统配置
//
// 配置加载优先级（从高到低）：
//  1. 系统环境变量
//  2. .env 文件（如果存在）
//  3. 默认值
//
// 环境变量前缀: WILDDUCK_
// 例如: WILDDUCK_SERVER_PORT, WILDDUCK_JWT_SECRET
func Load() (*Config, error) {
	loadEnvFile()

	viper.SetEnvPrefix("wildduck")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("imap.disable_starttls", false)
	viper.SetDefault("smtp.bind_addr", ":2525")
	viper.SetDefault("smtp.domain", "localhost")
	viper.SetDefault("smtp.max_message_bytes", 32*1024*1024)
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.development", false)
	viper.SetDefault("database.dsn", "") // 默认为空，使用内存存储
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", "5m")
	viper.SetDefault("redis.address", "")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("jwt.secret", "")
	viper.SetDefault("jwt.issuer", "wildduck")
	viper.SetDefault("events.idle_interval", "15s")
	viper.SetDefault("events.idle_timeout", "30m")
	viper.SetDefault("retention.sweep_interval", "10m")
	viper.SetDefault("retention.batch_size", 500)

	connMaxLifetime, err := time.ParseDuration(viper.GetString("database.conn_max_lifetime"))
	if err != nil {
		connMaxLifetime = 5 * time.Minute
	}

	idleInterval, err := time.ParseDuration(viper.GetString("events.idle_interval"))
	if err != nil {
		idleInterval = 15 * time.Second
	}

	idleTimeout, err := time.ParseDuration(viper.GetString("events.idle_timeout"))
	if err != nil {
		idleTimeout = 30 * time.Minute
	}

	sweepInterval, err := time.ParseDuration(viper.GetString("retention.sweep_interval"))
	if err != nil {
		sweepInterval = 10 * time.Minute
	}

	jwtSecret := viper.GetString("jwt.secret")
	if jwtSecret != "" && len(jwtSecret) < 32 {
		return nil, fmt.Errorf("jwt.secret must be at least 32 characters long")
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: viper.GetString("server.host"),
			Port: viper.GetInt("server.port"),
		},
		IMAP: IMAPConfig{
			DisableSTARTTLS: viper.GetBool("imap.disable_starttls"),
		},
		SMTP: SMTPConfig{
			BindAddr:        viper.GetString("smtp.bind_addr"),
			Domain:          viper.GetString("smtp.domain"),
			MaxMessageBytes: viper.GetInt64("smtp.max_message_bytes"),
		},
		Log: LogConfig{
			Level:       viper.GetString("log.level"),
			Development: viper.GetBool("log.development"),
		},
		Database: DatabaseConfig{
			DSN:             viper.GetString("database.dsn"),
			MaxOpenConns:    viper.GetInt("database.max_open_conns"),
			MaxIdleConns:    viper.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: connMaxLifetime,
		},
		Redis: RedisConfig{
			Address:  viper.GetString("redis.address"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret: jwtSecret,
			Issuer: viper.GetString("jwt.issuer"),
		},
		Events: EventsConfig{
			IdleInterval: idleInterval,
			IdleTimeout:  idleTimeout,
		},
		Retention: RetentionConfig{
			SweepInterval: sweepInterval,
			BatchSize:     viper.GetInt("retention.batch_size"),
		},
	}

	return cfg, nil
}

// loadEnvFile 尝试加载 .env 文件
//
// 加载顺序：当前目录的 .env，再尝试父目录的 .env。
// 文件不存在时静默失败；已存在的环境变量优先级更高。
func loadEnvFile() {
	if err := godotenv.Load(".env"); err == nil {
		return
	}
	parentEnv := filepath.Join("..", ".env")
	if _, err := os.Stat(parentEnv); err == nil {
		_ = godotenv.Load(parentEnv)
	}
}
