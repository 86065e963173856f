package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr string
	LogLevel string
	Timezone string

	// Credentials
	DeviceAPIKey     string
	JWTSecret        string
	TelegramBotToken string
	AdminChatID      int64

	// Persistence
	DatabaseURL  string
	StoreTimeout time.Duration

	// Alarm evaluation
	DebounceCount          int
	StalenessTimeout       time.Duration
	StalenessCheckInterval time.Duration
	MaxClockSkew           time.Duration
	ThresholdsFile         string
	Thresholds             *ThresholdSet

	// Notification delivery
	SuppressionWindow   time.Duration
	MaxRetryAttempts    int
	RetryBaseDelay      time.Duration
	RetryMaxDelay       time.Duration
	DeliveryTimeout     time.Duration
	DispatchConcurrency int
	TelegramRateLimit   float64

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// RabbitMQ (MQTT bridge)
	RabbitMQURL      string
	RabbitMQQueue    string
	RabbitMQExchange string

	// Firebase status mirror
	FirebaseDbUrl              string
	FirebaseServiceAccountJSON string
	FirebaseBatchSize          int
	FirebaseBatchTimeout       time.Duration

	AlarmWebhookURL string

	ShutdownGracePeriod time.Duration
}

// LoadConfig reads the environment (and .env if present). Every missing or
// malformed variable is reported in the returned error.
func LoadConfig() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	p := &parser{}
	config := &Config{
		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Timezone: getEnv("TIMEZONE", "UTC"),

		DeviceAPIKey:     p.requiredString("DEVICE_API_KEY"),
		JWTSecret:        getEnv("JWT_SECRET", ""),
		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		AdminChatID:      p.int64("ADMIN_CHAT_ID", 0),

		DatabaseURL:  getEnv("DATABASE_URL", ""),
		StoreTimeout: p.duration("STORE_TIMEOUT", 5*time.Second),

		DebounceCount:          p.requiredInt("DEBOUNCE_COUNT"),
		StalenessTimeout:       p.requiredDuration("STALENESS_TIMEOUT"),
		StalenessCheckInterval: p.duration("STALENESS_CHECK_INTERVAL", 10*time.Second),
		MaxClockSkew:           p.duration("MAX_CLOCK_SKEW", 5*time.Minute),
		ThresholdsFile:         getEnv("THRESHOLDS_FILE", ""),

		SuppressionWindow:   p.requiredDuration("SUPPRESSION_WINDOW"),
		MaxRetryAttempts:    p.requiredInt("MAX_RETRY_ATTEMPTS"),
		RetryBaseDelay:      p.duration("RETRY_BASE_DELAY", time.Second),
		RetryMaxDelay:       p.duration("RETRY_MAX_DELAY", 30*time.Second),
		DeliveryTimeout:     p.duration("DELIVERY_TIMEOUT", 10*time.Second),
		DispatchConcurrency: p.int("DISPATCH_CONCURRENCY", 8),
		TelegramRateLimit:   p.float("TELEGRAM_RATE_LIMIT", 25),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       p.int("REDIS_DB", 0),

		RabbitMQURL:      getEnv("RABBITMQ_URL", ""),
		RabbitMQQueue:    getEnv("RABBITMQ_QUEUE", "psa.telemetry"),
		RabbitMQExchange: getEnv("RABBITMQ_EXCHANGE", "psa"),

		FirebaseDbUrl:              getEnv("FIREBASE_DB_URL", ""),
		FirebaseServiceAccountJSON: getEnv("FIREBASE_SERVICE_ACCOUNT_JSON", ""),
		FirebaseBatchSize:          p.int("FIREBASE_BATCH_SIZE", 50),
		FirebaseBatchTimeout:       p.duration("FIREBASE_BATCH_TIMEOUT", 5*time.Second),

		AlarmWebhookURL: getEnv("ALARM_WEBHOOK_URL", ""),

		ShutdownGracePeriod: p.duration("SHUTDOWN_GRACE_PERIOD", 15*time.Second),
	}

	thresholds, err := LoadThresholds(config.ThresholdsFile)
	if err != nil {
		p.errs = append(p.errs, err)
	}
	config.Thresholds = thresholds

	p.errs = append(p.errs, config.Validate())
	if err := errors.Join(p.errs...); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks value ranges of an already parsed configuration.
func (c *Config) Validate() error {
	var errs []error
	if c.DebounceCount < 1 {
		errs = append(errs, fmt.Errorf("DEBOUNCE_COUNT must be at least 1"))
	}
	if c.StalenessTimeout <= 0 {
		errs = append(errs, fmt.Errorf("STALENESS_TIMEOUT must be positive"))
	}
	if c.StalenessCheckInterval <= 0 {
		errs = append(errs, fmt.Errorf("STALENESS_CHECK_INTERVAL must be positive"))
	}
	if c.SuppressionWindow < 0 {
		errs = append(errs, fmt.Errorf("SUPPRESSION_WINDOW must not be negative"))
	}
	if c.MaxRetryAttempts < 1 {
		errs = append(errs, fmt.Errorf("MAX_RETRY_ATTEMPTS must be at least 1"))
	}
	if c.DispatchConcurrency < 1 {
		errs = append(errs, fmt.Errorf("DISPATCH_CONCURRENCY must be at least 1"))
	}
	if c.DeliveryTimeout <= 0 || c.StoreTimeout <= 0 {
		errs = append(errs, fmt.Errorf("DELIVERY_TIMEOUT and STORE_TIMEOUT must be positive"))
	}
	if c.FirebaseBatchSize < 1 {
		errs = append(errs, fmt.Errorf("FIREBASE_BATCH_SIZE must be at least 1"))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// parser collects conversion errors so LoadConfig can report all of them at once.
type parser struct {
	errs []error
}

func (p *parser) requiredString(key string) string {
	value := getEnv(key, "")
	if value == "" {
		p.errs = append(p.errs, fmt.Errorf("%s is required", key))
	}
	return value
}

func (p *parser) requiredInt(key string) int {
	if getEnv(key, "") == "" {
		p.errs = append(p.errs, fmt.Errorf("%s is required", key))
		return 0
	}
	return p.int(key, 0)
}

func (p *parser) requiredDuration(key string) time.Duration {
	if getEnv(key, "") == "" {
		p.errs = append(p.errs, fmt.Errorf("%s is required", key))
		return 0
	}
	return p.duration(key, 0)
}

func (p *parser) int(key string, defaultValue int) int {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid integer %q", key, value))
		return defaultValue
	}
	return n
}

func (p *parser) int64(key string, defaultValue int64) int64 {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid integer %q", key, value))
		return defaultValue
	}
	return n
}

func (p *parser) float(key string, defaultValue float64) float64 {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid number %q", key, value))
		return defaultValue
	}
	return f
}

// duration accepts Go duration strings ("90s", "5m") or plain seconds.
func (p *parser) duration(key string, defaultValue time.Duration) time.Duration {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid duration %q", key, value))
		return defaultValue
	}
	return d
}
