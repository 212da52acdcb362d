// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Agent backends.
const (
	BackendStatic = "static"
	BackendGRPC   = "grpc"
	BackendGemini = "gemini"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string
	LogLevel    slog.Level

	Interview       InterviewConfig
	Agent           AgentConfig
	Reconnect       ReconnectConfig
	Redis           RedisConfig
	Telemetry       TelemetryConfig
	ConversationLog ConversationLogConfig
}

// InterviewConfig controls session behavior.
type InterviewConfig struct {
	StageAdvanceThreshold int
	MaxMessageLength      int
	IdleTimeout           time.Duration
	EvictAfter            time.Duration
	SweepInterval         time.Duration
	ArchiveRetention      time.Duration
	FeedbackEvery         int
	FeedbackInterval      time.Duration
	TrendWindow           int
	RubricPath            string
}

// AgentConfig selects and bounds the agent responder.
type AgentConfig struct {
	Backend      string
	Timeout      time.Duration
	RetryTimeout time.Duration
	GRPCAddr     string
	GeminiAPIKey string
	GeminiModel  string
}

// ReconnectConfig is advertised to clients.
type ReconnectConfig struct {
	MaxAttempts int
	Backoff     time.Duration
}

// RedisConfig enables the event mirror when Addr is set.
type RedisConfig struct {
	Addr          string
	Password      string
	DB            int
	ChannelPrefix string
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled        bool
	ServiceName    string
	Exporter       string
	Endpoint       string
	Insecure       bool
	SampleRatio    float64
	ServiceVersion string
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/interviews.db"),
		LogLevel:    parseLevel(getEnv("LOG_LEVEL", "info")),
		Interview: InterviewConfig{
			StageAdvanceThreshold: getEnvInt("STAGE_ADVANCE_THRESHOLD", 4),
			MaxMessageLength:      getEnvInt("MAX_MESSAGE_LENGTH", 4000),
			IdleTimeout:           getEnvDuration("SESSION_IDLE_TIMEOUT", 30*time.Minute),
			EvictAfter:            getEnvDuration("SESSION_EVICT_AFTER", 10*time.Minute),
			SweepInterval:         getEnvDuration("SWEEP_INTERVAL", time.Minute),
			ArchiveRetention:      getEnvDuration("ARCHIVE_RETENTION", 7*24*time.Hour),
			FeedbackEvery:         getEnvInt("FEEDBACK_EVERY_MESSAGES", 3),
			FeedbackInterval:      getEnvDuration("FEEDBACK_INTERVAL", 60*time.Second),
			TrendWindow:           getEnvInt("TREND_WINDOW", 3),
			RubricPath:            getEnv("RUBRIC_PATH", ""),
		},
		Agent: AgentConfig{
			Backend:      strings.ToLower(getEnv("AGENT_BACKEND", BackendStatic)),
			Timeout:      getEnvDuration("AGENT_TIMEOUT", 10*time.Second),
			RetryTimeout: getEnvDuration("AGENT_RETRY_TIMEOUT", 4*time.Second),
			GRPCAddr:     getEnv("AGENT_GRPC_ADDR", "localhost:50051"),
			GeminiAPIKey: getEnv("GEMINI_API_KEY", ""),
			GeminiModel:  getEnv("GEMINI_MODEL", ""),
		},
		Reconnect: ReconnectConfig{
			MaxAttempts: getEnvInt("RECONNECT_MAX_ATTEMPTS", 5),
			Backoff:     getEnvDuration("RECONNECT_BACKOFF", 3*time.Second),
		},
		Redis: RedisConfig{
			Addr:          getEnv("REDIS_ADDR", ""),
			Password:      getEnv("REDIS_PASSWORD", ""),
			DB:            getEnvInt("REDIS_DB", 0),
			ChannelPrefix: getEnv("REDIS_CHANNEL_PREFIX", "interview"),
		},
		Telemetry: TelemetryConfig{
			Enabled:        getEnvBool("OTEL_ENABLED", false),
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "interview-live"),
			Exporter:       strings.ToLower(getEnv("OTEL_EXPORTER", "otlp")),
			Endpoint:       getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			Insecure:       getEnvBool("OTEL_EXPORTER_OTLP_INSECURE", false),
			SampleRatio:    getEnvFloat("OTEL_SAMPLE_RATIO", 1.0),
			ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "dev"),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	iv := c.Interview
	if iv.StageAdvanceThreshold <= 0 {
		return fmt.Errorf("STAGE_ADVANCE_THRESHOLD must be > 0")
	}
	if iv.MaxMessageLength <= 0 {
		return fmt.Errorf("MAX_MESSAGE_LENGTH must be > 0")
	}
	if iv.IdleTimeout <= 0 || iv.EvictAfter <= 0 || iv.SweepInterval <= 0 {
		return fmt.Errorf("SESSION_IDLE_TIMEOUT, SESSION_EVICT_AFTER and SWEEP_INTERVAL must be > 0")
	}
	if iv.FeedbackEvery <= 0 || iv.FeedbackInterval <= 0 || iv.TrendWindow <= 0 {
		return fmt.Errorf("FEEDBACK_EVERY_MESSAGES, FEEDBACK_INTERVAL and TREND_WINDOW must be > 0")
	}
	if c.Agent.Timeout <= 0 || c.Agent.RetryTimeout <= 0 {
		return fmt.Errorf("AGENT_TIMEOUT and AGENT_RETRY_TIMEOUT must be > 0")
	}
	switch c.Agent.Backend {
	case BackendStatic:
	case BackendGRPC:
		if c.Agent.GRPCAddr == "" {
			return fmt.Errorf("AGENT_GRPC_ADDR is required for the grpc backend")
		}
	case BackendGemini:
		if c.Agent.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required for the gemini backend")
		}
	default:
		return fmt.Errorf("AGENT_BACKEND must be one of static, grpc, gemini (got %q)", c.Agent.Backend)
	}
	if c.Reconnect.MaxAttempts < 0 || c.Reconnect.Backoff <= 0 {
		return fmt.Errorf("RECONNECT_MAX_ATTEMPTS must be >= 0 and RECONNECT_BACKOFF > 0")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("OTEL_SAMPLE_RATIO must be within [0,1]")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return level
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

// getEnvDuration accepts Go durations ("90s") or bare seconds ("90").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
