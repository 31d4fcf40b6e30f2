package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

const defaultDSN = "host=localhost user=postgres password=postgres dbname=livechat port=5432 sslmode=disable TimeZone=UTC"

// 在线模式决定断开连接时何时标记离线。
const (
	PresenceMulti  = "multi"
	PresenceSingle = "single"
)

type Config struct {
	Port           string
	Env            string
	LogLevel       string
	DatabaseDriver string
	DatabaseDSN    string
	SessionTTL     time.Duration
	CookieSecure   bool
	TypingTimeout  time.Duration
	HandlerTimeout time.Duration
	PresenceMode   string
	RedisURL       string
	RateRPS        float64
	RateBurst      int
	AllowedOrigins []string
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

// getint 在缺失、格式错误或非正数时返回 def。
func getint(key string, def int) int {
	v, err := strconv.Atoi(getenv(key, ""))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func getfloat(key string, def float64) float64 {
	v, err := strconv.ParseFloat(getenv(key, ""), 64)
	if err != nil || v < 0 {
		return def
	}
	return v
}

func getbool(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	out := make([]string, 0, 4)
	for _, p := range strings.Split(s, ",") {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func Load() Config {
	return Config{
		Port:           getenv("APP_PORT", "8080"),
		Env:            getenv("APP_ENV", "dev"),
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		DatabaseDriver: strings.ToLower(getenv("DATABASE_DRIVER", "postgres")),
		DatabaseDSN:    getenv("DATABASE_DSN", defaultDSN),
		SessionTTL:     time.Duration(getint("SESSION_TTL_HOURS", 24)) * time.Hour,
		CookieSecure:   getbool("SESSION_COOKIE_SECURE", false),
		TypingTimeout:  time.Duration(getint("TYPING_TIMEOUT_MS", 3000)) * time.Millisecond,
		HandlerTimeout: time.Duration(getint("HANDLER_TIMEOUT_MS", 5000)) * time.Millisecond,
		PresenceMode:   strings.ToLower(getenv("PRESENCE_MODE", PresenceMulti)),
		RedisURL:       getenv("REDIS_URL", ""),
		RateRPS:        getfloat("RATE_RPS", 20),
		RateBurst:      getint("RATE_BURST", 40),
		AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
	}
}

// Validate 在启动前校验配置，生产环境禁止使用默认 DSN。
func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.Port) == "" {
		return errors.New("APP_PORT must not be empty")
	}
	if strings.TrimSpace(cfg.DatabaseDSN) == "" {
		return errors.New("DATABASE_DSN must not be empty")
	}
	switch cfg.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		return errors.New("DATABASE_DRIVER must be postgres or sqlite")
	}
	switch cfg.PresenceMode {
	case PresenceMulti, PresenceSingle:
	default:
		return errors.New("PRESENCE_MODE must be multi or single")
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("LOG_LEVEL must be one of: debug, info, warn, error")
	}
	if cfg.SessionTTL <= 0 || cfg.TypingTimeout <= 0 || cfg.HandlerTimeout <= 0 {
		return errors.New("session ttl and timeouts must be positive")
	}
	if cfg.RateBurst < 1 {
		return errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Env != "dev" && cfg.DatabaseDSN == defaultDSN {
		return errors.New("DATABASE_DSN must be set outside dev")
	}
	return nil
}
