// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// セッションストアの種別。
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// minSessionSecretLen はSESSION_SECRETに要求する最小バイト数。
const minSessionSecretLen = 32

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`

	// OAuth
	GitHubClientID     string `envconfig:"GITHUB_CLIENT_ID" required:"true"`
	GitHubClientSecret string `envconfig:"GITHUB_CLIENT_SECRET" required:"true"`
	GitHubCallbackURL  string `envconfig:"GITHUB_CALLBACK_URL" required:"true"`

	// Session
	SessionSecret        string        `envconfig:"SESSION_SECRET" required:"true"`
	SessionMaxAge        int           `envconfig:"SESSION_MAX_AGE" default:"86400"`
	SessionStore         string        `envconfig:"SESSION_STORE" default:"postgres"`
	SessionStoreTimeout  time.Duration `envconfig:"SESSION_STORE_TIMEOUT" default:"2s"`
	SessionFailurePolicy string        `envconfig:"SESSION_FAILURE_POLICY" default:"open"`
	SessionRolling       bool          `envconfig:"SESSION_ROLLING" default:"false"`
	SessionSweepInterval time.Duration `envconfig:"SESSION_SWEEP_INTERVAL" default:"1h"`
	RedisURL             string        `envconfig:"REDIS_URL"`

	// Redirect
	LoginSuccessURL string `envconfig:"LOGIN_SUCCESS_URL"`
	LoginFailureURL string `envconfig:"LOGIN_FAILURE_URL"`

	// Rate Limit（req/min）
	RateLimitGeneral int `envconfig:"RATE_LIMIT_GENERAL" default:"120"`
	RateLimitLogin   int `envconfig:"RATE_LIMIT_LOGIN" default:"20"`

	// Logging
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// Server
	ServerPort string `envconfig:"SERVER_PORT" default:"8080"`
	BaseURL    string `envconfig:"BASE_URL" required:"true"`

	// Cookie
	CookieDomain string `envconfig:"COOKIE_DOMAIN"`
	CookieSecure bool   `ignored:"true"`

	// CORS（カンマ区切り）
	CORSAllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"http://localhost:5173"`
}

// SessionTTL はセッションの有効期間を返す。
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionMaxAge) * time.Second
}

// Load は.envファイル（存在する場合）と環境変数からConfigを読み込む。
// 必須環境変数の未設定や不正な値がある場合はエラーを返す。
func Load() (*Config, error) {
	// .envが無い場合は環境変数のみを使用する
	_ = godotenv.Load()

	cfg := &Config{}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment: %w", err)
	}

	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// normalize は導出値を設定し、値を検証する。
func (c *Config) normalize() error {
	var errs []error

	// envconfigのrequiredは「設定済みで空」を許容するため、ここで空文字列も弾く
	var missing []string
	for key, v := range map[string]string{
		"DATABASE_URL":         c.DatabaseURL,
		"GITHUB_CLIENT_ID":     c.GitHubClientID,
		"GITHUB_CLIENT_SECRET": c.GitHubClientSecret,
		"BASE_URL":             c.BaseURL,
	} {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		errs = append(errs, fmt.Errorf("required environment variables are not set: %v", missing))
	}

	callback, err := url.Parse(c.GitHubCallbackURL)
	if err != nil || !callback.IsAbs() || (callback.Scheme != "http" && callback.Scheme != "https") || callback.Host == "" {
		errs = append(errs, fmt.Errorf("GITHUB_CALLBACK_URL must be an absolute http(s) URL: %q", c.GitHubCallbackURL))
	} else {
		c.CookieSecure = callback.Scheme == "https"
	}

	if len(c.SessionSecret) < minSessionSecretLen {
		errs = append(errs, fmt.Errorf("SESSION_SECRET must be at least %d bytes", minSessionSecretLen))
	}
	if c.SessionMaxAge <= 0 {
		errs = append(errs, fmt.Errorf("SESSION_MAX_AGE must be positive: %d", c.SessionMaxAge))
	}
	if c.SessionStoreTimeout <= 0 {
		errs = append(errs, fmt.Errorf("SESSION_STORE_TIMEOUT must be positive: %s", c.SessionStoreTimeout))
	}
	if c.SessionSweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("SESSION_SWEEP_INTERVAL must be positive: %s", c.SessionSweepInterval))
	}

	c.SessionStore = strings.ToLower(strings.TrimSpace(c.SessionStore))
	switch c.SessionStore {
	case StoreMemory, StorePostgres:
	case StoreRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("REDIS_URL is required when SESSION_STORE=redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("SESSION_STORE must be one of memory, postgres, redis: %q", c.SessionStore))
	}

	c.SessionFailurePolicy = strings.ToLower(strings.TrimSpace(c.SessionFailurePolicy))
	if c.SessionFailurePolicy != "open" && c.SessionFailurePolicy != "closed" {
		errs = append(errs, fmt.Errorf("SESSION_FAILURE_POLICY must be open or closed: %q", c.SessionFailurePolicy))
	}

	if c.RateLimitGeneral <= 0 || c.RateLimitLogin <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_GENERAL and RATE_LIMIT_LOGIN must be positive"))
	}

	base := strings.TrimRight(c.BaseURL, "/")
	if c.LoginSuccessURL == "" {
		c.LoginSuccessURL = base + "/home"
	}
	if c.LoginFailureURL == "" {
		c.LoginFailureURL = base + "/login"
	}

	origins := c.CORSAllowedOrigins[:0]
	for _, o := range c.CORSAllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	c.CORSAllowedOrigins = origins

	return errors.Join(errs...)
}
