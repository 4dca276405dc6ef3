package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Remote
	RemoteDatabaseURL string
	RemoteTimeout     time.Duration
	TokenCacheFile    string

	// Local
	LocalDBPath string

	// Session
	SessionFile          string
	SessionRedisAddr     string
	SessionRedisPassword string
	SessionRedisDB       int

	// Sync
	ConnectivityProbeInterval time.Duration
	FlushRatePerSec           float64
	FlushBurst                int

	// Photo
	PhotoEndpoint      string
	PhotoAccessKey     string
	PhotoSecretKey     string
	PhotoBucket        string
	PhotoRegion        string
	PhotoUseSSL        bool
	PhotoPublicBaseURL string
	PhotoFetchTimeout  time.Duration
	PhotoMaxSize       int64

	// Rate Limit
	RateLimitGeneral int
	RateLimitAuth    int

	// Cleanup
	RevokedTokenRetentionDays int

	// Logging
	LogLevel string

	// Server
	ServerPort string

	// CORS
	CORSAllowedOrigin string
}

// PhotoEnabled はプロフィール写真のオブジェクトストレージが設定されているかを返す。
func (c *Config) PhotoEnabled() bool {
	return c.PhotoEndpoint != ""
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.RemoteDatabaseURL = os.Getenv("REMOTE_DATABASE_URL")
	if cfg.RemoteDatabaseURL == "" {
		missing = append(missing, "REMOTE_DATABASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.RemoteTimeout = getEnvDuration("REMOTE_TIMEOUT", 10*time.Second)
	cfg.TokenCacheFile = getEnvString("TOKEN_CACHE_FILE", "token.json")
	cfg.LocalDBPath = getEnvString("LOCAL_DB_PATH", "eventsync.db")
	cfg.SessionFile = getEnvString("SESSION_FILE", "session.json")
	cfg.SessionRedisAddr = getEnvString("SESSION_REDIS_ADDR", "")
	cfg.SessionRedisPassword = getEnvString("SESSION_REDIS_PASSWORD", "")
	cfg.SessionRedisDB = getEnvInt("SESSION_REDIS_DB", 0)
	cfg.ConnectivityProbeInterval = getEnvDuration("CONNECTIVITY_PROBE_INTERVAL", 15*time.Second)
	cfg.FlushRatePerSec = getEnvFloat("FLUSH_RATE_PER_SEC", 5)
	cfg.FlushBurst = getEnvInt("FLUSH_BURST", 1)
	cfg.PhotoEndpoint = getEnvString("PHOTO_ENDPOINT", "")
	cfg.PhotoAccessKey = getEnvString("PHOTO_ACCESS_KEY", "")
	cfg.PhotoSecretKey = getEnvString("PHOTO_SECRET_KEY", "")
	cfg.PhotoBucket = getEnvString("PHOTO_BUCKET", "profile-photos")
	cfg.PhotoRegion = getEnvString("PHOTO_REGION", "")
	cfg.PhotoUseSSL = getEnvBool("PHOTO_USE_SSL", false)
	cfg.PhotoPublicBaseURL = getEnvString("PHOTO_PUBLIC_BASE_URL", "")
	cfg.PhotoFetchTimeout = getEnvDuration("PHOTO_FETCH_TIMEOUT", 10*time.Second)
	cfg.PhotoMaxSize = getEnvInt64("PHOTO_MAX_SIZE", 5242880)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitAuth = getEnvInt("RATE_LIMIT_AUTH", 10)
	cfg.RevokedTokenRetentionDays = getEnvInt("REVOKED_TOKEN_RETENTION_DAYS", 30)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return defaultVal
	}
	return f
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
