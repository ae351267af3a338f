// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Session Storeのドライバー名
const (
	StoreDriverSQLite   = "sqlite"
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Identity provider
	IdentityURL        string
	IdentityAPIKey     string
	IdentityTimeout    time.Duration
	IdentityRateLimit  float64
	IdentityClientInfo string

	// Database (Profile store)
	DatabaseURL string

	// Session store
	SessionStoreDriver string
	SessionStorePath   string
	SessionStorageKey  string
	SessionRetention   time.Duration // 共有ストアの古いエントリの保持期間

	// Refresh
	RefreshLeeway        time.Duration
	RefreshCheckInterval time.Duration
	AutoRefresh          bool

	// Rate Limit (req/min/IP)
	RateLimitGeneral     int
	RateLimitCredentials int

	// Server
	ServerHost string
	ServerPort string

	// CORS（カンマ区切りで複数指定可）
	CORSAllowedOrigin string

	// Logging
	LogLevel string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合は、未設定の変数をまとめてエラーとして返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.IdentityURL = strings.TrimRight(os.Getenv("IDENTITY_URL"), "/")
	if cfg.IdentityURL == "" {
		missing = append(missing, "IDENTITY_URL")
	}

	cfg.IdentityAPIKey = os.Getenv("IDENTITY_API_KEY")
	if cfg.IdentityAPIKey == "" {
		missing = append(missing, "IDENTITY_API_KEY")
	}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	if err := validateIdentityURL(cfg.IdentityURL); err != nil {
		return nil, err
	}

	// Optional fields with defaults
	cfg.IdentityTimeout = getEnvDuration("IDENTITY_TIMEOUT", 10*time.Second)
	cfg.IdentityRateLimit = getEnvFloat("IDENTITY_RATE_LIMIT", 10)
	cfg.IdentityClientInfo = getEnvString("IDENTITY_CLIENT_INFO", "aizily-go")
	cfg.SessionStoreDriver = getEnvChoice("SESSION_STORE_DRIVER", StoreDriverSQLite,
		StoreDriverSQLite, StoreDriverPostgres, StoreDriverMemory)
	cfg.SessionStorePath = getEnvString("SESSION_STORE_PATH", "aizily-session.db")
	cfg.SessionStorageKey = getEnvString("SESSION_STORAGE_KEY", "aizily-auth-token")
	cfg.SessionRetention = getEnvDuration("SESSION_RETENTION", 30*24*time.Hour)
	cfg.RefreshLeeway = getEnvDuration("REFRESH_LEEWAY", 60*time.Second)
	cfg.RefreshCheckInterval = getEnvDuration("REFRESH_CHECK_INTERVAL", 30*time.Second)
	cfg.AutoRefresh = getEnvBool("AUTO_REFRESH", true)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitCredentials = getEnvInt("RATE_LIMIT_CREDENTIALS", 10)
	cfg.ServerHost = getEnvString("SERVER_HOST", "127.0.0.1")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:5173")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	return cfg, nil
}

// Addr はHTTPサーバーの待ち受けアドレスを返す。
func (c *Config) Addr() string {
	return c.ServerHost + ":" + c.ServerPort
}

func validateIdentityURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("IDENTITY_URL is invalid: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("IDENTITY_URL must be an absolute http(s) URL: %q", raw)
	}
	return nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// getEnvChoice は許可された値のいずれかを返す。それ以外はデフォルト値とする。
func getEnvChoice(key, defaultVal string, allowed ...string) string {
	v := strings.ToLower(os.Getenv(key))
	for _, a := range allowed {
		if v == a {
			return v
		}
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil || i <= 0 {
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
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}
