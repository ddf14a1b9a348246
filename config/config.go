package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config 应用配置
type Config struct {
	Environment string
	LogLevel    string
	LogPretty   bool

	Server    ServerConfig
	Redis     RedisConfig
	Database  DatabaseConfig
	Store     StoreConfig
	Chain     ChainConfig
	Session   SessionConfig
	MQ        MQConfig
	RateLimit RateLimitConfig
}

// ServerConfig HTTP服务配置
type ServerConfig struct {
	Port            string
	AllowOrigins    []string
	ShutdownTimeout time.Duration
	// AdminKey 管理接口的密钥，为空时不注册管理接口
	AdminKey string
}

// RedisConfig Redis连接配置
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// DatabaseConfig 关系数据库配置，Driver 为 mysql 或 sqlite
type DatabaseConfig struct {
	Driver   string
	DSN      string
	User     string
	Password string
	Host     string
	Port     string
	Name     string
}

// StoreConfig 文档存储配置，Backend 为 redis 或 sql
type StoreConfig struct {
	Backend string
}

// ChainConfig 链上合约访问配置
type ChainConfig struct {
	RPCURL      string
	PrivateKey  string
	CallTimeout time.Duration
	MineTimeout time.Duration
	CacheTTL    time.Duration
}

// SessionConfig 钱包会话配置
type SessionConfig struct {
	ChallengeTTL time.Duration
	TokenTTL     time.Duration
}

// MQConfig 事件队列配置，Driver 为 redis、rocketmq 或 memory
type MQConfig struct {
	Driver         string
	RocketNameSrv  string
	RocketGroup    string
	MaxRetries     int
	RetryDelay     time.Duration
	ProcessTimeout time.Duration
}

// RateLimitConfig 限流配置
type RateLimitConfig struct {
	Enabled     bool
	GlobalRate  int
	GlobalBurst int
	UserRate    int
	UserBurst   int
}

// Load 读取 .env 文件和环境变量，生成配置
func Load() *Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("加载 .env 文件失败: %v", err)
	}

	globalRate := getEnvInt("GLOBAL_RATE_LIMIT", 100)
	userRate := getEnvInt("USER_RATE_LIMIT", 10)

	return &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogPretty:   getEnvBool("LOG_PRETTY", true),
		Server: ServerConfig{
			Port:            getEnv("SERVER_PORT", "8090"),
			AllowOrigins:    getEnvList("CORS_ALLOW_ORIGINS", []string{"*"}),
			ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 5*time.Second),
			AdminKey:        getEnv("ADMIN_KEY", ""),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:16379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 10),
		},
		Database: DatabaseConfig{
			Driver:   getEnv("DB_DRIVER", "mysql"),
			DSN:      getEnv("DB_DSN", ""),
			User:     getEnv("DB_USER", "voteuser"),
			Password: getEnv("DB_PASSWORD", "votepassword"),
			Host:     getEnv("DB_HOST", "mysql"),
			Port:     getEnv("DB_PORT", "3306"),
			Name:     getEnv("DB_NAME", "votingdb"),
		},
		Store: StoreConfig{
			Backend: getEnv("STORE_BACKEND", "redis"),
		},
		Chain: ChainConfig{
			RPCURL:      getEnv("ETH_RPC_URL", "http://localhost:8545"),
			PrivateKey:  getEnv("ETH_PRIVATE_KEY", ""),
			CallTimeout: getEnvDuration("ETH_CALL_TIMEOUT", 15*time.Second),
			MineTimeout: getEnvDuration("ETH_MINE_TIMEOUT", 2*time.Minute),
			CacheTTL:    getEnvDuration("VOTES_CACHE_TTL", 15*time.Second),
		},
		Session: SessionConfig{
			ChallengeTTL: getEnvDuration("SESSION_CHALLENGE_TTL", 5*time.Minute),
			TokenTTL:     getEnvDuration("SESSION_TOKEN_TTL", 12*time.Hour),
		},
		MQ: MQConfig{
			Driver:         getEnv("MQ_DRIVER", "redis"),
			RocketNameSrv:  getEnv("ROCKETMQ_NAMESRV_ADDR", "localhost:9876"),
			RocketGroup:    getEnv("ROCKETMQ_GROUP", "vote_events"),
			MaxRetries:     getEnvInt("MQ_MAX_RETRIES", 3),
			RetryDelay:     getEnvDuration("MQ_RETRY_DELAY", 30*time.Second),
			ProcessTimeout: getEnvDuration("MQ_PROCESS_TIMEOUT", 5*time.Minute),
		},
		RateLimit: RateLimitConfig{
			Enabled:     getEnvBool("ENABLE_RATE_LIMIT", false),
			GlobalRate:  globalRate,
			GlobalBurst: globalRate * 2,
			UserRate:    userRate,
			UserBurst:   userRate * 2,
		},
	}
}

// getEnv 获取环境变量值或使用默认值
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, err := strconv.ParseBool(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, err := time.ParseDuration(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
