package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"credit-predictions/internal/dispatch"
)

// Config holds settings shared by the API server and the worker.
type Config struct {
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// ServerPort "0" lets the OS pick a free port and silences logging.
	ServerPort  string
	MetricsPort string

	// RabbitMQURL is the broker URI; empty selects the in-process channel.
	RabbitMQURL string
	QueueName   string
	RPCTimeout  time.Duration

	// CostPerRow is the credit rate charged per valid row for every model.
	CostPerRow      int64
	AvailableModels []string

	WorkerID string
	// WorkerMaxRetries and WorkerRetryInterval bound redelivery of a job
	// that fails for infrastructure reasons.
	WorkerMaxRetries    int
	WorkerRetryInterval time.Duration
}

// Load reads the configuration from the environment, falling back to
// defaults suited for local development.
func Load() *Config {
	return &Config{
		DBHost:          getEnv("DB_HOST", "localhost"),
		DBPort:          getEnv("DB_PORT", "5432"),
		DBUser:          getEnv("DB_USER", "postgres"),
		DBPassword:      getEnv("DB_PASSWORD", "password"),
		DBName:          getEnv("DB_NAME", "predictions"),
		DBSSLMode:       getEnv("DB_SSLMODE", "disable"),
		ServerPort:      getEnv("SERVER_PORT", "8080"),
		MetricsPort:     getEnv("METRICS_PORT", "9090"),
		RabbitMQURL:     getEnv("RABBITMQ_URL", ""),
		QueueName:       getEnv("QUEUE_NAME", "predictions"),
		RPCTimeout:      getDuration("RPC_TIMEOUT", 30*time.Second),
		CostPerRow:      getInt("COST_PER_ROW", 1),
		AvailableModels: getList("AVAILABLE_MODELS", []string{"Demo"}),
		WorkerID:        getEnv("WORKER_ID", ""),

		WorkerMaxRetries:    int(getInt("WORKER_MAX_RETRIES", 3)),
		WorkerRetryInterval: getDuration("WORKER_RETRY_INTERVAL", time.Second),
	}
}

// WorkerOptions returns the settings of a worker consuming QueueName.
func (c *Config) WorkerOptions(workerID string) dispatch.WorkerOptions {
	return dispatch.WorkerOptions{
		ID:            workerID,
		Queue:         c.QueueName,
		MaxRetries:    c.WorkerMaxRetries,
		RetryInterval: c.WorkerRetryInterval,
	}
}

// GetDBConnectionString returns the lib/pq connection string.
func (c *Config) GetDBConnectionString() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.sslMode())
}

func (c *Config) sslMode() string {
	if c.DBSSLMode == "" {
		return "disable"
	}
	return c.DBSSLMode
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if c.CostPerRow <= 0 {
		errs = append(errs, fmt.Errorf("COST_PER_ROW must be a positive integer, got %d", c.CostPerRow))
	}
	if c.RPCTimeout <= 0 {
		errs = append(errs, fmt.Errorf("RPC_TIMEOUT must be positive, got %s", c.RPCTimeout))
	}
	if c.WorkerMaxRetries < 0 {
		errs = append(errs, fmt.Errorf("WORKER_MAX_RETRIES must not be negative, got %d", c.WorkerMaxRetries))
	}
	if strings.TrimSpace(c.QueueName) == "" {
		errs = append(errs, errors.New("QUEUE_NAME is required"))
	}
	if c.RabbitMQURL != "" {
		if u, err := url.Parse(c.RabbitMQURL); err != nil || (u.Scheme != "amqp" && u.Scheme != "amqps") {
			errs = append(errs, fmt.Errorf("RABBITMQ_URL must be an amqp:// or amqps:// URI"))
		}
	}
	if c.DBHost == "" || c.DBName == "" {
		errs = append(errs, errors.New("DB_HOST and DB_NAME are required"))
	}

	return errors.Join(errs...)
}

func (c Config) String() string {
	redacted := c
	if redacted.DBPassword != "" {
		redacted.DBPassword = "***REDACTED***"
	}
	if redacted.RabbitMQURL != "" {
		redacted.RabbitMQURL = redactURLCredentials(redacted.RabbitMQURL)
	}
	type configAlias Config
	return fmt.Sprintf("%+v", configAlias(redacted))
}

func redactURLCredentials(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "***REDACTED_URL***"
	}
	if parsed.User != nil {
		if _, hasPassword := parsed.User.Password(); hasPassword {
			parsed.User = url.UserPassword(parsed.User.Username(), "***REDACTED***")
		}
	}
	return parsed.String()
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

// getInt returns 0 for unparsable values so Validate reports them.
func getInt(key string, fallback int64) int64 {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		// Bare numbers are seconds.
		secs, convErr := strconv.Atoi(strings.TrimSpace(v))
		if convErr != nil {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	return d
}

func getList(key string, fallback []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	// Set but empty allows nothing, unlike unset.
	out := []string{}
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
