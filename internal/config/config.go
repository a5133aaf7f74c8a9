package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"
)

const (
	minSecretLength = 20
	minBcryptCost   = 12
)

type Config struct {
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	ServerIdleTimeout  time.Duration
	RequestTimeout     time.Duration
	ShutdownTimeout    time.Duration

	DatabaseURL   string
	DBMaxConns    int32
	DBMinConns    int32
	DBPingTimeout time.Duration
	AutoMigrate   bool

	JWTSecret     string
	JWTAlgorithm  string
	JWTLeeway     time.Duration
	JWTAccessTTL  time.Duration
	JWTRefreshTTL time.Duration
	BcryptCost    int

	CORSOrigins      []string
	RateLimitRPM     int
	AuthRateLimitRPM int

	CleanupEnabled      bool
	CleanupInterval     time.Duration
	CleanupJitter       time.Duration
	CleanupInitialDelay time.Duration
	CleanupBatchSize    int
	CleanupLockTTL      time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	RabbitMQURL   string
	RabbitMQQueue string

	PhoneRegion string
	LogLevel    string
	LogFormat   string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		ServerPort:         getEnv("SERVER_PORT", "8080"),
		ServerReadTimeout:  getDuration("SERVER_READ_TIMEOUT", 15*time.Second),
		ServerWriteTimeout: getDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
		ServerIdleTimeout:  getDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
		RequestTimeout:     getDuration("REQUEST_TIMEOUT", 30*time.Second),
		ShutdownTimeout:    getDuration("SHUTDOWN_TIMEOUT", 10*time.Second),

		DatabaseURL:   strings.TrimSpace(os.Getenv("DATABASE_URL")),
		DBMaxConns:    int32(getInt("DB_MAX_CONNS", 10)),
		DBMinConns:    int32(getInt("DB_MIN_CONNS", 1)),
		DBPingTimeout: getDuration("DB_PING_TIMEOUT", 5*time.Second),
		AutoMigrate:   getBool("DB_AUTO_MIGRATE", true),

		JWTSecret:     strings.TrimSpace(os.Getenv("JWT_SECRET")),
		JWTAlgorithm:  getEnv("JWT_ALGORITHM", "HS256"),
		JWTLeeway:     getDuration("JWT_LEEWAY", 5*time.Second),
		JWTAccessTTL:  getDuration("JWT_ACCESS_TTL", 40*time.Minute),
		JWTRefreshTTL: getDuration("JWT_REFRESH_TTL", 72*time.Hour),
		BcryptCost:    getInt("BCRYPT_COST", minBcryptCost),

		CORSOrigins:      splitCSV(getEnv("CORS_ORIGINS", "*")),
		RateLimitRPM:     getInt("RATE_LIMIT_RPM", 100),
		AuthRateLimitRPM: getInt("AUTH_RATE_LIMIT_RPM", 10),

		CleanupEnabled:      getBool("CLEANUP_ENABLED", true),
		CleanupInterval:     getDuration("CLEANUP_INTERVAL", 6*time.Hour),
		CleanupJitter:       getDuration("CLEANUP_JITTER", 10*time.Minute),
		CleanupInitialDelay: getDuration("CLEANUP_INITIAL_DELAY", 30*time.Second),
		CleanupBatchSize:    getInt("CLEANUP_BATCH_SIZE", 1000),
		CleanupLockTTL:      getDuration("CLEANUP_LOCK_TTL", 15*time.Minute),

		RedisAddr:     strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getInt("REDIS_DB", 0),

		RabbitMQURL:   strings.TrimSpace(os.Getenv("RABBITMQ_URL")),
		RabbitMQQueue: getEnv("RABBITMQ_QUEUE", "auth.events"),

		PhoneRegion: strings.ToUpper(getEnv("PHONE_REGION", "NG")),
		LogLevel:    strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:   strings.ToLower(getEnv("LOG_FORMAT", "pretty")),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.ServerPort == "" {
		return fmt.Errorf("SERVER_PORT cannot be empty")
	}

	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.DBMaxConns <= 0 || c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS must be between 0 and DB_MAX_CONNS (%d)", c.DBMaxConns)
	}

	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}

	if len(c.JWTSecret) < minSecretLength {
		return fmt.Errorf("JWT_SECRET must be at least %d characters", minSecretLength)
	}

	switch strings.ToUpper(c.JWTAlgorithm) {
	case "HS256", "HS384", "HS512":
	default:
		return fmt.Errorf("JWT_ALGORITHM must be one of HS256, HS384, HS512")
	}

	if c.JWTAccessTTL <= 0 || c.JWTRefreshTTL <= 0 {
		return fmt.Errorf("JWT_ACCESS_TTL and JWT_REFRESH_TTL must be positive")
	}

	if c.JWTLeeway < 0 {
		return fmt.Errorf("JWT_LEEWAY cannot be negative")
	}

	if c.BcryptCost < minBcryptCost || c.BcryptCost > bcrypt.MaxCost {
		return fmt.Errorf("BCRYPT_COST must be between %d and %d", minBcryptCost, bcrypt.MaxCost)
	}

	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive")
	}

	if c.RateLimitRPM <= 0 || c.AuthRateLimitRPM <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPM and AUTH_RATE_LIMIT_RPM must be positive")
	}

	if c.CleanupInterval <= 0 {
		return fmt.Errorf("CLEANUP_INTERVAL must be positive")
	}

	if c.CleanupJitter < 0 || c.CleanupInitialDelay < 0 {
		return fmt.Errorf("CLEANUP_JITTER and CLEANUP_INITIAL_DELAY cannot be negative")
	}

	if c.CleanupBatchSize <= 0 {
		return fmt.Errorf("CLEANUP_BATCH_SIZE must be positive")
	}

	if c.RedisAddr != "" && c.CleanupLockTTL <= 0 {
		return fmt.Errorf("CLEANUP_LOCK_TTL must be positive when REDIS_ADDR is set")
	}

	if len(c.PhoneRegion) != 2 {
		return fmt.Errorf("PHONE_REGION must be a two-letter region code")
	}

	switch c.LogFormat {
	case "pretty", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be pretty or json")
	}

	return nil
}

func getEnv(key string, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}

	return v
}

func getInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}

	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}

	return v
}

func getBool(key string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}

	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}

	return v
}

func getDuration(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}

	v, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return v
}

func splitCSV(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}

	return out
}
