package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	maxRetryAttempts = 5
	maxRetryDelay    = 8 * time.Second
)

type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	JWT        JWTConfig
	Encryption EncryptionConfig
	Scheduler  SchedulerConfig
	TLS        TLSConfig
	Aggregator AggregatorConfig
	Sync       SyncConfig
	Retry      RetryConfig
	Frontend   FrontendConfig
	Redis      RedisConfig
	Kafka      KafkaConfig
	Firebase   FirebaseConfig
	Telemetry  TelemetryConfig
	Log        LogConfig
}

type ServerConfig struct {
	Port         string
	Host         string
	AllowedHosts []string
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

type JWTConfig struct {
	Secret string
}

type EncryptionConfig struct {
	Key string
}

type SchedulerConfig struct {
	Enabled       bool
	ScheduleTimes []string
	WorkerCount   int
	JobDelay      time.Duration
	QueueSize     int
	RunOnStartup  bool
	SweepInterval time.Duration
}

type TLSConfig struct {
	Enabled      bool
	CertPath     string
	KeyPath      string
	RedirectHTTP bool
}

// AggregatorConfig describes the Open Banking aggregator integration.
type AggregatorConfig struct {
	BaseURL            string
	AuthURL            string
	TokenURL           string
	ClientID           string
	ClientSecret       string
	RedirectURL        string
	WebhookSecret      string
	DefaultInstitution string
	Scopes             []string
	Sandbox            bool
	RequestTimeout     time.Duration
}

type SyncConfig struct {
	InitialWindowDays     int
	IncrementalWindowDays int
	PageSize              int
	RunTimeout            time.Duration
	AccountConcurrency    int
}

type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

type FrontendConfig struct {
	CallbackURL string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	LockTTL  time.Duration
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type FirebaseConfig struct {
	CredentialsFile string
	MessagesFile    string
}

type TelemetryConfig struct {
	Enabled      bool
	ServiceName  string
	OTLPEndpoint string
	MetricsPort  string
	SampleRatio  float64
}

type LogConfig struct {
	Level       string
	Environment string
}

// Load reads configuration from the environment, optionally layered over the
// YAML file named by CONFIG_FILE.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	if path := v.GetString("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	dbPort, err := strconv.Atoi(v.GetString("DB_PORT"))
	if err != nil {
		return nil, fmt.Errorf("invalid DB_PORT: %w", err)
	}

	ints := map[string]int{}
	for _, key := range []string{
		"SCHEDULER_WORKERS", "SCHEDULER_QUEUE_SIZE", "SYNC_INITIAL_WINDOW_DAYS",
		"SYNC_INCREMENTAL_WINDOW_DAYS", "SYNC_PAGE_SIZE", "SYNC_ACCOUNT_CONCURRENCY",
		"RETRY_MAX_ATTEMPTS", "REDIS_DB",
	} {
		n, err := strconv.Atoi(v.GetString(key))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", key, err)
		}
		ints[key] = n
	}

	durations := map[string]time.Duration{}
	for _, key := range []string{
		"SCHEDULER_JOB_DELAY", "SCHEDULER_SWEEP_INTERVAL", "AGGREGATOR_REQUEST_TIMEOUT",
		"SYNC_RUN_TIMEOUT", "RETRY_BASE_DELAY", "RETRY_MAX_DELAY", "REDIS_LOCK_TTL",
	} {
		d, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", key, err)
		}
		durations[key] = d
	}

	hostURL := v.GetString("HOST_URL")
	redirectURL := v.GetString("AGGREGATOR_REDIRECT_URL")
	if redirectURL == "" && hostURL != "" {
		redirectURL = hostURL + "/api/consents/callback"
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:         v.GetString("PORT"),
			Host:         v.GetString("HOST"),
			AllowedHosts: splitList(v.GetString("ALLOWED_HOSTS")),
		},
		Database: DatabaseConfig{
			Host:     v.GetString("DB_HOST"),
			Port:     dbPort,
			User:     v.GetString("DB_USER"),
			Password: v.GetString("DB_PASSWORD"),
			DBName:   v.GetString("DB_NAME"),
			SSLMode:  v.GetString("DB_SSLMODE"),
		},
		JWT: JWTConfig{
			Secret: v.GetString("JWT_SECRET"),
		},
		Encryption: EncryptionConfig{
			Key: v.GetString("ENCRYPTION_KEY"),
		},
		Scheduler: SchedulerConfig{
			Enabled:       v.GetBool("SCHEDULER_ENABLED"),
			ScheduleTimes: splitList(v.GetString("SCHEDULER_TIMES")),
			WorkerCount:   ints["SCHEDULER_WORKERS"],
			JobDelay:      durations["SCHEDULER_JOB_DELAY"],
			QueueSize:     ints["SCHEDULER_QUEUE_SIZE"],
			RunOnStartup:  v.GetBool("SCHEDULER_RUN_ON_STARTUP"),
			SweepInterval: durations["SCHEDULER_SWEEP_INTERVAL"],
		},
		TLS: TLSConfig{
			Enabled:      v.GetBool("TLS_ENABLED"),
			CertPath:     v.GetString("TLS_CERT_PATH"),
			KeyPath:      v.GetString("TLS_KEY_PATH"),
			RedirectHTTP: v.GetBool("TLS_REDIRECT_HTTP"),
		},
		Aggregator: AggregatorConfig{
			BaseURL:            strings.TrimRight(v.GetString("AGGREGATOR_BASE_URL"), "/"),
			AuthURL:            v.GetString("AGGREGATOR_AUTH_URL"),
			TokenURL:           v.GetString("AGGREGATOR_TOKEN_URL"),
			ClientID:           v.GetString("AGGREGATOR_CLIENT_ID"),
			ClientSecret:       v.GetString("AGGREGATOR_CLIENT_SECRET"),
			RedirectURL:        redirectURL,
			WebhookSecret:      v.GetString("AGGREGATOR_WEBHOOK_SECRET"),
			DefaultInstitution: v.GetString("AGGREGATOR_DEFAULT_INSTITUTION"),
			Scopes:             splitList(v.GetString("AGGREGATOR_SCOPES")),
			Sandbox:            v.GetBool("AGGREGATOR_SANDBOX"),
			RequestTimeout:     durations["AGGREGATOR_REQUEST_TIMEOUT"],
		},
		Sync: SyncConfig{
			InitialWindowDays:     ints["SYNC_INITIAL_WINDOW_DAYS"],
			IncrementalWindowDays: ints["SYNC_INCREMENTAL_WINDOW_DAYS"],
			PageSize:              ints["SYNC_PAGE_SIZE"],
			RunTimeout:            durations["SYNC_RUN_TIMEOUT"],
			AccountConcurrency:    ints["SYNC_ACCOUNT_CONCURRENCY"],
		},
		Retry: RetryConfig{
			MaxAttempts: ints["RETRY_MAX_ATTEMPTS"],
			BaseDelay:   durations["RETRY_BASE_DELAY"],
			MaxDelay:    durations["RETRY_MAX_DELAY"],
		},
		Frontend: FrontendConfig{
			CallbackURL: v.GetString("FRONTEND_CALLBACK_URL"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("REDIS_ADDR"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       ints["REDIS_DB"],
			LockTTL:  durations["REDIS_LOCK_TTL"],
		},
		Kafka: KafkaConfig{
			Brokers: splitList(v.GetString("KAFKA_BROKERS")),
			Topic:   v.GetString("KAFKA_TOPIC"),
		},
		Firebase: FirebaseConfig{
			CredentialsFile: v.GetString("FIREBASE_CREDENTIALS_FILE"),
			MessagesFile:    v.GetString("NOTIFICATION_MESSAGES_FILE"),
		},
		Telemetry: TelemetryConfig{
			Enabled:      v.GetBool("OTEL_ENABLED"),
			ServiceName:  v.GetString("OTEL_SERVICE_NAME"),
			OTLPEndpoint: v.GetString("OTEL_EXPORTER_ENDPOINT"),
			MetricsPort:  v.GetString("METRICS_PORT"),
			SampleRatio:  v.GetFloat64("OTEL_SAMPLE_RATIO"),
		},
		Log: LogConfig{
			Level:       v.GetString("LOG_LEVEL"),
			Environment: v.GetString("ENVIRONMENT"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.JWT.Secret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.Encryption.Key == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required")
	}
	if len(c.Encryption.Key) != 32 {
		return fmt.Errorf("ENCRYPTION_KEY must be exactly 32 bytes for AES-256")
	}
	if c.Aggregator.ClientID == "" || c.Aggregator.ClientSecret == "" {
		return fmt.Errorf("AGGREGATOR_CLIENT_ID and AGGREGATOR_CLIENT_SECRET are required")
	}
	if c.Aggregator.WebhookSecret == "" {
		return fmt.Errorf("AGGREGATOR_WEBHOOK_SECRET is required")
	}
	if c.Retry.MaxAttempts < 1 || c.Retry.MaxAttempts > maxRetryAttempts {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be between 1 and %d", maxRetryAttempts)
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay > maxRetryDelay || c.Retry.BaseDelay > c.Retry.MaxDelay {
		return fmt.Errorf("RETRY_BASE_DELAY must be positive and not exceed RETRY_MAX_DELAY (max %s)", maxRetryDelay)
	}
	if c.Sync.PageSize <= 0 {
		return fmt.Errorf("SYNC_PAGE_SIZE must be positive")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("OTEL_SAMPLE_RATIO must be between 0 and 1")
	}
	// a lock expiring mid-run would let a second run in on the same consent
	if c.Redis.LockTTL <= c.Sync.RunTimeout {
		return fmt.Errorf("REDIS_LOCK_TTL (%s) must exceed SYNC_RUN_TIMEOUT (%s)", c.Redis.LockTTL, c.Sync.RunTimeout)
	}
	if c.TLS.Enabled {
		if c.TLS.CertPath == "" {
			return fmt.Errorf("TLS_CERT_PATH is required when TLS_ENABLED=true")
		}
		if c.TLS.KeyPath == "" {
			return fmt.Errorf("TLS_KEY_PATH is required when TLS_ENABLED=true")
		}
	}
	return nil
}

func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8080")
	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", "5432")
	v.SetDefault("DB_USER", "banklink")
	v.SetDefault("DB_NAME", "banklink")
	v.SetDefault("DB_SSLMODE", "disable")

	v.SetDefault("SCHEDULER_ENABLED", true)
	v.SetDefault("SCHEDULER_TIMES", "05:00,10:00,14:00,20:00")
	v.SetDefault("SCHEDULER_WORKERS", "5")
	v.SetDefault("SCHEDULER_JOB_DELAY", "1s")
	v.SetDefault("SCHEDULER_QUEUE_SIZE", "100")
	v.SetDefault("SCHEDULER_RUN_ON_STARTUP", false)
	v.SetDefault("SCHEDULER_SWEEP_INTERVAL", "1h")

	v.SetDefault("AGGREGATOR_BASE_URL", "https://sandbox.aggregator.example/api/v1")
	v.SetDefault("AGGREGATOR_AUTH_URL", "https://sandbox.aggregator.example/oauth/authorize")
	v.SetDefault("AGGREGATOR_TOKEN_URL", "https://sandbox.aggregator.example/oauth/token")
	v.SetDefault("AGGREGATOR_DEFAULT_INSTITUTION", "sandbox-bank")
	v.SetDefault("AGGREGATOR_SCOPES", "accounts,balances,transactions")
	v.SetDefault("AGGREGATOR_SANDBOX", true)
	v.SetDefault("AGGREGATOR_REQUEST_TIMEOUT", "30s")

	v.SetDefault("SYNC_INITIAL_WINDOW_DAYS", "90")
	v.SetDefault("SYNC_INCREMENTAL_WINDOW_DAYS", "7")
	v.SetDefault("SYNC_PAGE_SIZE", "100")
	v.SetDefault("SYNC_RUN_TIMEOUT", "10m")
	v.SetDefault("SYNC_ACCOUNT_CONCURRENCY", "4")

	v.SetDefault("RETRY_MAX_ATTEMPTS", "5")
	v.SetDefault("RETRY_BASE_DELAY", "400ms")
	v.SetDefault("RETRY_MAX_DELAY", "8s")

	v.SetDefault("FRONTEND_CALLBACK_URL", "http://localhost:3000/bank-link")

	v.SetDefault("REDIS_DB", "0")
	v.SetDefault("REDIS_LOCK_TTL", "15m")
	v.SetDefault("KAFKA_TOPIC", "banklink.events")

	v.SetDefault("OTEL_ENABLED", false)
	v.SetDefault("OTEL_SERVICE_NAME", "banklink-api")
	v.SetDefault("OTEL_EXPORTER_ENDPOINT", "localhost:4317")
	v.SetDefault("METRICS_PORT", "9464")
	v.SetDefault("OTEL_SAMPLE_RATIO", 1.0)

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("ENVIRONMENT", "development")
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
