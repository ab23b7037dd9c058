package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds every setting the api and worker binaries read at startup.
// Values come from the environment (optionally seeded from .env by the
// caller); chat routing may additionally be read from a YAML file.
type Config struct {
	Env          string `validate:"omitempty,oneof=development production test"`
	Port         string `validate:"required"`
	LogLevel     string
	WebhookToken string
	APIToken     string

	Database     DatabaseConfig
	Queue        QueueConfig
	LLM          LLMConfig
	GreenAPI     GreenAPIConfig
	Routing      Routing
	Conversation ConversationConfig
	Report       ReportConfig
	Archive      ArchiveConfig

	OutboxPollInterval time.Duration `validate:"gt=0"`
}

type DatabaseConfig struct {
	Host     string
	User     string
	Password string
	Name     string
	Port     string
	SSLMode  string
	TimeZone string
}

// DSN returns the postgres connection string
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=%s",
		d.Host, d.User, d.Password, d.Name, d.Port, d.SSLMode, d.TimeZone,
	)
}

type QueueConfig struct {
	Driver        string `validate:"oneof=redis kafka memory"`
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KafkaBrokers  []string
	Group         string `validate:"required"`
	Consumer      string
	MaxDeliveries int           `validate:"gte=1"`
	BlockTimeout  time.Duration `validate:"gt=0"`

	// ClaimIdle is how long a delivery may stay unacknowledged before
	// another consumer takes it over. Keep it above LLM_TIMEOUT plus the
	// conversation lock TTL.
	ClaimIdle time.Duration `validate:"gt=0"`
}

type LLMConfig struct {
	APIKey  string
	BaseURL string
	Model   string        `validate:"required"`
	Timeout time.Duration `validate:"gt=0"`
}

type GreenAPIConfig struct {
	BaseURL    string
	InstanceID string
	Token      string
}

// Enabled reports whether outbound sends are configured
func (g GreenAPIConfig) Enabled() bool {
	return g.BaseURL != "" && g.InstanceID != "" && g.Token != ""
}

type ConversationConfig struct {
	MaxRetries   int           `validate:"gte=1"`
	ApologyAfter int           `validate:"gte=1"`
	IdleTTL      time.Duration `validate:"gt=0"`
	LockTTL      time.Duration `validate:"gt=0"`
}

type ReportConfig struct {
	Enabled  bool
	Time     string `validate:"required"`
	Timezone string `validate:"required"`
	ChatID   string
}

// Location returns the report timezone, UTC if it cannot be loaded
func (r ReportConfig) Location() *time.Location {
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// At returns the report time as an offset from local midnight
func (r ReportConfig) At() time.Duration {
	d, _ := ParseClock(r.Time)
	return d
}

// ArchiveConfig points at the S3 bucket receiving dead-lettered envelopes
type ArchiveConfig struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
}

// Enabled reports whether dead letters should be archived to S3
func (a ArchiveConfig) Enabled() bool {
	return a.AccessKey != "" && a.SecretKey != "" && a.Bucket != ""
}

// Load reads the configuration from the environment.
// When ROUTING_FILE is set, the chat lists it declares are merged into the
// ones coming from OPERATOR_CHAT_IDS and CUSTOMER_CHAT_IDS.
func Load() (*Config, error) {
	cfg := &Config{
		Env:          getEnv("ENV", "production"),
		Port:         getEnv("PORT", "8080"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		WebhookToken: os.Getenv("WEBHOOK_TOKEN"),
		APIToken:     os.Getenv("API_TOKEN"),
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			User:     getEnv("DB_USER", "postgres"),
			Password: os.Getenv("DB_PASSWORD"),
			Name:     getEnv("DB_NAME", "wappsentinel"),
			Port:     getEnv("DB_PORT", "5432"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			TimeZone: getEnv("DB_TIMEZONE", "UTC"),
		},
		Queue: QueueConfig{
			Driver:        getEnv("QUEUE_DRIVER", "redis"),
			RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
			RedisPassword: os.Getenv("REDIS_PASSWORD"),
			RedisDB:       getEnvInt("REDIS_DB", 0),
			KafkaBrokers:  getEnvList("KAFKA_BROKERS"),
			Group:         getEnv("QUEUE_GROUP", "wappsentinel"),
			Consumer:      getEnv("QUEUE_CONSUMER", hostname()),
			MaxDeliveries: getEnvInt("QUEUE_MAX_DELIVERIES", 5),
			BlockTimeout:  getEnvDuration("QUEUE_BLOCK_TIMEOUT", 2*time.Second),
			ClaimIdle:     getEnvDuration("QUEUE_CLAIM_IDLE", 5*time.Minute),
		},
		LLM: LLMConfig{
			APIKey:  os.Getenv("OPENAI_API_KEY"),
			BaseURL: os.Getenv("OPENAI_BASE_URL"),
			Model:   getEnv("OPENAI_MODEL", "gpt-4o-mini"),
			Timeout: getEnvDuration("LLM_TIMEOUT", 30*time.Second),
		},
		GreenAPI: GreenAPIConfig{
			BaseURL:    getEnv("GREENAPI_BASE_URL", "https://api.green-api.com"),
			InstanceID: os.Getenv("GREENAPI_INSTANCE_ID"),
			Token:      os.Getenv("GREENAPI_TOKEN"),
		},
		Routing: Routing{
			Operators: getEnvList("OPERATOR_CHAT_IDS"),
			Customers: getEnvList("CUSTOMER_CHAT_IDS"),
		},
		Conversation: ConversationConfig{
			MaxRetries:   getEnvInt("CONVERSATION_MAX_RETRIES", 5),
			ApologyAfter: getEnvInt("CONVERSATION_APOLOGY_AFTER", 3),
			IdleTTL:      getEnvDuration("CONVERSATION_IDLE_TTL", 24*time.Hour),
			LockTTL:      getEnvDuration("CONVERSATION_LOCK_TTL", 2*time.Minute),
		},
		Report: ReportConfig{
			Enabled:  getEnvBool("REPORT_ENABLED", false),
			Time:     getEnv("REPORT_TIME", "08:00"),
			Timezone: getEnv("REPORT_TIMEZONE", "Asia/Almaty"),
			ChatID:   os.Getenv("REPORT_CHAT_ID"),
		},
		Archive: ArchiveConfig{
			Endpoint:  os.Getenv("S3_ENDPOINT"),
			Region:    getEnv("S3_REGION", "us-east-1"),
			AccessKey: os.Getenv("S3_ACCESS_KEY"),
			SecretKey: os.Getenv("S3_SECRET_KEY"),
			Bucket:    os.Getenv("S3_BUCKET"),
		},
		OutboxPollInterval: getEnvDuration("OUTBOX_POLL_INTERVAL", time.Second),
	}

	if path := os.Getenv("ROUTING_FILE"); path != "" {
		fileRouting, err := LoadRouting(path)
		if err != nil {
			return nil, err
		}
		cfg.Routing = cfg.Routing.Merge(fileRouting)
	}

	if cfg.Queue.Driver == "kafka" && len(cfg.Queue.KafkaBrokers) == 0 {
		return nil, fmt.Errorf("KAFKA_BROKERS is required when QUEUE_DRIVER=kafka")
	}
	if _, err := ParseClock(cfg.Report.Time); err != nil {
		return nil, fmt.Errorf("invalid REPORT_TIME: %w", err)
	}
	if _, err := time.LoadLocation(cfg.Report.Timezone); err != nil {
		return nil, fmt.Errorf("invalid REPORT_TIMEZONE %q: %w", cfg.Report.Timezone, err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Routing is the chat allow-list used by the webhook receiver.
//
// Example routing file:
//
//	operators:
//	  - 77011234567-1581234048@g.us
//	customers:
//	  - "*"
//
// A "*" entry in customers accepts every chat that is not an operator chat.
type Routing struct {
	Operators []string `yaml:"operators"`
	Customers []string `yaml:"customers"`
}

// LoadRouting reads a YAML routing file.
// A missing file yields an empty routing and no error.
func LoadRouting(path string) (Routing, error) {
	var r Routing
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return r, nil
		}
		return r, fmt.Errorf("read routing file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &r); err != nil {
		return r, fmt.Errorf("parse routing file %s: %w", path, err)
	}
	r.Operators = cleanList(r.Operators)
	r.Customers = cleanList(r.Customers)
	return r, nil
}

// Merge returns the union of both routings
func (r Routing) Merge(other Routing) Routing {
	return Routing{
		Operators: cleanList(append(append([]string{}, r.Operators...), other.Operators...)),
		Customers: cleanList(append(append([]string{}, r.Customers...), other.Customers...)),
	}
}

// Classify returns the role of a chat. Operator entries win over customer
// entries. Unknown chats return ok=false.
func (r Routing) Classify(chatID string) (role string, ok bool) {
	for _, id := range r.Operators {
		if id == chatID {
			return "operator", true
		}
	}
	for _, id := range r.Customers {
		if id == chatID || id == "*" {
			return "customer", true
		}
	}
	return "", false
}

// ParseClock parses "HH:MM" into an offset from midnight
func ParseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return v
}

func getEnvBool(key string, fallback bool) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return v
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return v
}

func getEnvList(key string) []string {
	return cleanList(strings.Split(os.Getenv(key), ","))
}

func cleanList(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "worker"
	}
	return h
}
