package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server       ServerConfig
	Logging      LoggingConfig
	Database     DatabaseConfig
	KurrentDB    KurrentDBConfig
	Redis        RedisConfig
	AMQP         AMQPConfig
	Auth         AuthConfig
	Detection    DetectionConfig
	Escalation   EscalationConfig
	Notification NotificationConfig
	Twilio       TwilioConfig
	Firebase     FirebaseConfig
	SMTP         SMTPConfig
	Panic        PanicConfig
}

type ServerConfig struct {
	Port           int
	Env            string
	AllowedOrigins []string
	RateLimitRPS   int
	RateLimitBurst int
}

type LoggingConfig struct {
	Level  string
	Format string // json, text
}

type DatabaseConfig struct {
	Enabled  bool
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode,
	)
}

// KurrentDBConfig holds configuration for KurrentDB (EventStoreDB).
type KurrentDBConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Insecure bool
	Username string
	Password string
}

type RedisConfig struct {
	URL      string
	RulesTTL time.Duration
	// ContextTTL bounds how stale cached user activity may be.
	ContextTTL time.Duration
}

type AMQPConfig struct {
	URL      string
	Exchange string
}

type AuthConfig struct {
	JWTSecret string
	Issuer    string
}

type DetectionConfig struct {
	ConfidenceThreshold float64
	ContextAnalysis     bool
	TimeFactorWeight    float64
	UserHistoryWeight   float64
	DefaultLanguage     string
	// RulesFile overrides the embedded default rules when set.
	RulesFile      string
	WatchRules     bool
	ContextTimeout time.Duration
	Timezone       string
}

type EscalationConfig struct {
	TimeoutUnit   time.Duration
	LookupTimeout time.Duration
	LookupRetries int
	RetryDelay    time.Duration
	CreateTimeout time.Duration
	HighGrace     time.Duration
	MediumGrace   time.Duration
	LowGrace      time.Duration
}

type NotificationConfig struct {
	QueueSize   int
	Concurrency int
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	SendTimeout time.Duration
	// RetainTerminal bounds finished notifications kept in memory when no
	// store is configured
	RetainTerminal int
}

type TwilioConfig struct {
	AccountSID     string
	AuthToken      string
	FromNumber     string
	RequestTimeout time.Duration
}

func (t TwilioConfig) Enabled() bool {
	return t.AccountSID != "" && t.AuthToken != "" && t.FromNumber != ""
}

type FirebaseConfig struct {
	CredentialsFile string
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

func (s SMTPConfig) Enabled() bool {
	return s.Host != "" && s.From != ""
}

type PanicConfig struct {
	GeolocationTimeout time.Duration
	LocationInterval   time.Duration
	DispatchTimeout    time.Duration
	DispatchNumber     string
	AbandonAfter       time.Duration
	PhaseUnit          time.Duration
}

// Load reads configuration from the environment, after applying a .env
// file when one is present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:           getEnvInt("SERVER_PORT", 8080),
			Env:            getEnv("ENV", "development"),
			AllowedOrigins: getEnvSlice("CORS_ALLOWED_ORIGINS", []string{"*"}),
			RateLimitRPS:   getEnvInt("RATE_LIMIT_RPS", 20),
			RateLimitBurst: getEnvInt("RATE_LIMIT_BURST", 40),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", ""),
		},
		Database: DatabaseConfig{
			Enabled:  getEnvBool("DB_ENABLED", true),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "crisis"),
			Password: getEnv("DB_PASSWORD", "crisis"),
			Database: getEnv("DB_NAME", "crisis"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		KurrentDB: KurrentDBConfig{
			Enabled:  getEnvBool("KURRENTDB_ENABLED", false),
			Host:     getEnv("KURRENTDB_HOST", "localhost"),
			Port:     getEnvInt("KURRENTDB_PORT", 2113),
			Insecure: getEnvBool("KURRENTDB_INSECURE", true),
			Username: getEnv("KURRENTDB_USERNAME", ""),
			Password: getEnv("KURRENTDB_PASSWORD", ""),
		},
		Redis: RedisConfig{
			URL:        getEnv("REDIS_URL", ""),
			RulesTTL:   getEnvDuration("REDIS_RULES_TTL", 5*time.Minute),
			ContextTTL: getEnvDuration("REDIS_CONTEXT_TTL", 30*time.Second),
		},
		AMQP: AMQPConfig{
			URL:      getEnv("AMQP_URL", ""),
			Exchange: getEnv("AMQP_EXCHANGE", "crisis.events"),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", "dev-secret-change-in-prod"),
			Issuer:    getEnv("JWT_ISSUER", ""),
		},
		Detection: DetectionConfig{
			ConfidenceThreshold: getEnvFloat("DETECTION_CONFIDENCE_THRESHOLD", 0.3),
			ContextAnalysis:     getEnvBool("DETECTION_CONTEXT_ANALYSIS", true),
			TimeFactorWeight:    getEnvFloat("DETECTION_TIME_FACTOR_WEIGHT", 0.1),
			UserHistoryWeight:   getEnvFloat("DETECTION_USER_HISTORY_WEIGHT", 0.15),
			DefaultLanguage:     getEnv("DETECTION_DEFAULT_LANGUAGE", "en"),
			RulesFile:           getEnv("DETECTION_RULES_FILE", ""),
			WatchRules:          getEnvBool("DETECTION_WATCH_RULES", true),
			ContextTimeout:      getEnvDuration("DETECTION_CONTEXT_TIMEOUT", time.Second),
			Timezone:            getEnv("DETECTION_TIMEZONE", "UTC"),
		},
		Escalation: EscalationConfig{
			TimeoutUnit:   getEnvDuration("ESCALATION_TIMEOUT_UNIT", time.Minute),
			LookupTimeout: getEnvDuration("ESCALATION_LOOKUP_TIMEOUT", time.Second),
			LookupRetries: getEnvInt("ESCALATION_LOOKUP_RETRIES", 3),
			RetryDelay:    getEnvDuration("ESCALATION_RETRY_DELAY", 30*time.Second),
			CreateTimeout: getEnvDuration("ESCALATION_CREATE_TIMEOUT", 2*time.Second),
			HighGrace:     getEnvDuration("ESCALATION_HIGH_GRACE", time.Minute),
			MediumGrace:   getEnvDuration("ESCALATION_MEDIUM_GRACE", 5*time.Minute),
			LowGrace:      getEnvDuration("ESCALATION_LOW_GRACE", 15*time.Minute),
		},
		Notification: NotificationConfig{
			QueueSize:      getEnvInt("NOTIFICATION_QUEUE_SIZE", 10000),
			Concurrency:    getEnvInt("NOTIFICATION_CONCURRENCY", 4),
			MaxRetries:     getEnvInt("NOTIFICATION_MAX_RETRIES", 3),
			BaseBackoff:    getEnvDuration("NOTIFICATION_BASE_BACKOFF", 2*time.Second),
			MaxBackoff:     getEnvDuration("NOTIFICATION_MAX_BACKOFF", time.Minute),
			SendTimeout:    getEnvDuration("NOTIFICATION_SEND_TIMEOUT", 10*time.Second),
			RetainTerminal: getEnvInt("NOTIFICATION_RETAIN_TERMINAL", 10000),
		},
		Twilio: TwilioConfig{
			AccountSID:     getEnv("TWILIO_ACCOUNT_SID", ""),
			AuthToken:      getEnv("TWILIO_AUTH_TOKEN", ""),
			FromNumber:     getEnv("TWILIO_FROM_NUMBER", ""),
			RequestTimeout: getEnvDuration("TWILIO_REQUEST_TIMEOUT", 8*time.Second),
		},
		Firebase: FirebaseConfig{
			CredentialsFile: getEnv("FIREBASE_CREDENTIALS_FILE", ""),
		},
		SMTP: SMTPConfig{
			Host:     getEnv("SMTP_HOST", ""),
			Port:     getEnvInt("SMTP_PORT", 587),
			Username: getEnv("SMTP_USERNAME", ""),
			Password: getEnv("SMTP_PASSWORD", ""),
			From:     getEnv("SMTP_FROM", ""),
		},
		Panic: PanicConfig{
			GeolocationTimeout: getEnvDuration("PANIC_GEOLOCATION_TIMEOUT", 5*time.Second),
			LocationInterval:   getEnvDuration("PANIC_LOCATION_INTERVAL", 30*time.Second),
			DispatchTimeout:    getEnvDuration("PANIC_DISPATCH_TIMEOUT", 10*time.Second),
			DispatchNumber:     getEnv("PANIC_DISPATCH_NUMBER", ""),
			AbandonAfter:       getEnvDuration("PANIC_ABANDON_AFTER", 2*time.Hour),
			PhaseUnit:          getEnvDuration("PANIC_PHASE_UNIT", time.Second),
		},
	}

	if cfg.Detection.ConfidenceThreshold < 0 || cfg.Detection.ConfidenceThreshold > 1 {
		return nil, fmt.Errorf("DETECTION_CONFIDENCE_THRESHOLD must be within [0,1], got %v", cfg.Detection.ConfidenceThreshold)
	}
	if cfg.Notification.MaxRetries < 0 {
		return nil, fmt.Errorf("NOTIFICATION_MAX_RETRIES must not be negative")
	}

	return cfg, nil
}

// IsProduction reports whether the service runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var result []string
		for _, v := range strings.Split(value, ",") {
			if v = strings.TrimSpace(v); v != "" {
				result = append(result, v)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
