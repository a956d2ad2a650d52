package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/spec-kit/sla-service/internal/domain"
	apperrors "github.com/spec-kit/sla-service/pkg/util"
)

// Config aggregates runtime configuration for the service. It is built once
// at startup and passed by value; nothing mutates it afterwards.
type Config struct {
	App          AppConfig
	Postgres     PostgresConfig
	Redis        RedisConfig
	Logger       LoggerConfig
	Sla          SlaConfig
	Notification NotificationConfig
}

// AppConfig controls server level behavior.
type AppConfig struct {
	Name                  string
	Env                   string
	Host                  string
	Port                  string
	Version               string
	RequestTimeoutSeconds int
}

// PostgresConfig holds DB connection values.
type PostgresConfig struct {
	DSN            string
	MaxConns       int32
	MinConns       int32
	RunMigrations  bool
	ConnMaxIdleSec int32
	ConnMaxLifeSec int32
}

// RedisConfig holds Redis connection values.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	Level string
}

// SlaConfig tunes the SLA engine: per-priority targets, monitor cadence and
// escalation behavior.
type SlaConfig struct {
	// Targets maps priority to first-response/resolution durations. A
	// priority absent from the map has no SLA (NOT_APPLICABLE).
	Targets map[domain.TicketPriority]domain.SlaTargets

	// WarningFraction is the elapsed share of the target after which status
	// moves from ON_TRACK to WARNING.
	WarningFraction float64

	CheckIntervalSeconds int
	LookaheadMinutes     int
	ReportCronSpec       string
	WorkerCount          int

	MetricsCacheTTLSeconds int
}

// NotificationConfig holds outbound notification endpoints.
type NotificationConfig struct {
	EmailFrom     string
	WebhookURL    string
	FallbackEmail string
	SlackToken    string
	SlackChannel  string
}

// Load reads configuration from environment variables, applying defaults
// where possible.
func Load() (*Config, error) {
	_ = godotenv.Load()

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	targets, err := loadSlaTargets()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		App: AppConfig{
			Name:                  getEnv("APP_NAME", "sla-service"),
			Env:                   getEnv("APP_ENV", "development"),
			Host:                  getEnv("APP_HOST", "0.0.0.0"),
			Port:                  getEnv("APP_PORT", "8080"),
			Version:               getEnv("APP_VERSION", "dev"),
			RequestTimeoutSeconds: getEnvAsInt("HTTP_REQUEST_TIMEOUT_SECONDS", 30),
		},
		Postgres: PostgresConfig{
			DSN:            os.Getenv("POSTGRES_DSN"),
			MaxConns:       int32(getEnvAsInt("POSTGRES_MAX_CONNS", 10)),
			MinConns:       int32(getEnvAsInt("POSTGRES_MIN_CONNS", 2)),
			RunMigrations:  getEnvAsBool("POSTGRES_RUN_MIGRATIONS", true),
			ConnMaxIdleSec: int32(getEnvAsInt("POSTGRES_CONN_MAX_IDLE_SECONDS", 30)),
			ConnMaxLifeSec: int32(getEnvAsInt("POSTGRES_CONN_MAX_LIFE_SECONDS", 300)),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       redisDB,
		},
		Logger: LoggerConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Sla: SlaConfig{
			Targets:                targets,
			WarningFraction:        getEnvAsFloat("SLA_WARNING_FRACTION", 0.80),
			CheckIntervalSeconds:   getEnvAsInt("SLA_CHECK_INTERVAL_SECONDS", 60),
			LookaheadMinutes:       getEnvAsInt("SLA_LOOKAHEAD_MINUTES", 60),
			ReportCronSpec:         getEnv("SLA_REPORT_CRON", "0 * * * *"),
			WorkerCount:            getEnvAsInt("SLA_WORKER_COUNT", 4),
			MetricsCacheTTLSeconds: getEnvAsInt("SLA_METRICS_CACHE_TTL_SECONDS", 30),
		},
		Notification: NotificationConfig{
			EmailFrom:     getEnv("NOTIFY_EMAIL_FROM", "noreply@example.com"),
			WebhookURL:    getEnv("NOTIFY_WEBHOOK_URL", ""),
			FallbackEmail: getEnv("NOTIFY_FALLBACK_EMAIL", "support-leads@example.com"),
			SlackToken:    os.Getenv("NOTIFY_SLACK_TOKEN"),
			SlackChannel:  getEnv("NOTIFY_SLACK_CHANNEL", "#sla-alerts"),
		},
	}

	return cfg, nil
}

// loadSlaTargets builds the per-priority target table. Values are
// "firstResponseMinutes,resolutionMinutes"; an empty value removes the SLA
// for that priority.
func loadSlaTargets() (map[domain.TicketPriority]domain.SlaTargets, error) {
	defaults := map[domain.TicketPriority]string{
		domain.TicketPriorityCritical: "15,240",
		domain.TicketPriorityUrgent:   "30,360",
		domain.TicketPriorityHigh:     "60,480",
		domain.TicketPriorityMedium:   "240,1440",
		domain.TicketPriorityLow:      "480,4320",
	}

	targets := make(map[domain.TicketPriority]domain.SlaTargets, len(defaults))
	for priority, fallback := range defaults {
		raw := getEnv("SLA_TARGET_"+string(priority), fallback)
		if strings.TrimSpace(raw) == "" {
			continue
		}
		parts := strings.SplitN(raw, ",", 2)
		if len(parts) != 2 {
			return nil, invalidTargetErr(priority, raw)
		}
		first, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil {
			return nil, invalidTargetErr(priority, raw)
		}
		resolution, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil {
			return nil, invalidTargetErr(priority, raw)
		}
		targets[priority] = domain.SlaTargets{
			FirstResponse: time.Duration(first) * time.Minute,
			Resolution:    time.Duration(resolution) * time.Minute,
		}
	}
	return targets, nil
}

func invalidTargetErr(priority domain.TicketPriority, raw string) error {
	return apperrors.NewConfigurationError("invalid SLA target, expected \"firstResponseMinutes,resolutionMinutes\"",
		map[string]any{"priority": string(priority), "value": raw})
}

// Addr returns the HTTP bind address.
func (a AppConfig) Addr() string {
	return fmt.Sprintf("%s:%s", a.Host, a.Port)
}

// RequestTimeout returns the configured request timeout duration.
func (a AppConfig) RequestTimeout() time.Duration {
	if a.RequestTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(a.RequestTimeoutSeconds) * time.Second
}

// CheckInterval returns the breach-check tick cadence.
func (s SlaConfig) CheckInterval() time.Duration {
	if s.CheckIntervalSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(s.CheckIntervalSeconds) * time.Second
}

// LookaheadWindow returns the approaching-breach window.
func (s SlaConfig) LookaheadWindow() time.Duration {
	if s.LookaheadMinutes <= 0 {
		return time.Hour
	}
	return time.Duration(s.LookaheadMinutes) * time.Minute
}

// MetricsCacheTTL returns the metrics snapshot cache lifetime.
func (s SlaConfig) MetricsCacheTTL() time.Duration {
	if s.MetricsCacheTTLSeconds <= 0 {
		return 0
	}
	return time.Duration(s.MetricsCacheTTLSeconds) * time.Second
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsFloat(key string, fallback float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}
