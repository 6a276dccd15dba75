package shared

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

type Config struct {
	AppEnv        string
	LogLevel      string
	HTTPAddr      string
	MetricsAddr   string
	MySQLDSN      string
	RedisAddr     string
	RedisDB       int
	RedisPass     string
	LLMBase       string
	LLMKey        string
	LLMModel      string
	LLMRPS        int
	AMQPURL       string
	JWTSecret     string
	SystemPrompt  string
	CacheTTL      time.Duration
	StreamTimeout time.Duration
	Heartbeat     time.Duration
	ImportWorkers int
}

// Load reads the process environment, after merging an optional .env file
// from the working directory. Variables already set are never overridden.
func Load() Config {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn().Err(err).Msg(".env could not be parsed")
	}

	c := Config{
		AppEnv:        env("APP_ENV", "prod"),
		LogLevel:      env("LOG_LEVEL", "info"),
		HTTPAddr:      env("HTTP_ADDR", ":8080"),
		MetricsAddr:   env("METRICS_ADDR", ":9100"),
		MySQLDSN:      env("MYSQL_DSN", "root:root@tcp(localhost:3306)/inkstudio?parseTime=true&charset=utf8mb4,utf8&loc=UTC"),
		RedisAddr:     env("REDIS_ADDR", "localhost:6379"),
		RedisPass:     env("REDIS_PASSWORD", ""),
		RedisDB:       atoi("REDIS_DB", 0),
		LLMBase:       env("LLM_BASE_URL", "https://api.openai.com/v1"),
		LLMKey:        env("LLM_API_KEY", ""),
		LLMModel:      env("LLM_MODEL", "gpt-4o-mini"),
		LLMRPS:        atoi("LLM_RPS", 5),
		AMQPURL:       env("AMQP_URL", ""),
		JWTSecret:     env("JWT_SECRET", ""),
		SystemPrompt:  env("CHAT_SYSTEM_PROMPT", "You are the booking concierge of a tattoo studio."),
		CacheTTL:      time.Duration(atoi("CACHE_TTL_SECONDS", 300)) * time.Second,
		StreamTimeout: time.Duration(atoi("STREAM_TIMEOUT_SECONDS", 120)) * time.Second,
		Heartbeat:     time.Duration(atoi("SSE_HEARTBEAT_SECONDS", 15)) * time.Second,
		ImportWorkers: atoi("IMPORT_WORKERS", 4),
	}
	if c.LLMKey == "" {
		log.Warn().Msg("LLM_API_KEY is empty")
	}
	if c.JWTSecret == "" {
		log.Warn().Msg("JWT_SECRET is empty; admin API disabled")
	}
	return c
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func atoi(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		log.Warn().Str("key", k).Str("value", v).Msg("not an integer, using default")
	}
	return def
}
