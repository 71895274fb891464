package internal

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server        ServerConfig        `mapstructure:"http_server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Security      SecurityConfig      `mapstructure:"security"`
	Policy        PolicyConfig        `mapstructure:"policy"`
	Sweeper       SweeperConfig       `mapstructure:"sweeper"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	BaseURL           string        `mapstructure:"base_url"`
	AllowedOrigins    string        `mapstructure:"allowed_origins"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	OpenAPIPath       string        `mapstructure:"openapi_path"`
}

type DatabaseConfig struct {
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	Source          string        `mapstructure:"source"`
}

type SecurityConfig struct {
	JWTPublicKey string `mapstructure:"jwt_public_key"`
}

// PolicyConfig holds the overtime policy knobs. Every value has a hard-coded
// fallback so the engine stays usable with an empty config file.
type PolicyConfig struct {
	DailyCapMinutes        int    `mapstructure:"daily_cap_minutes"`
	WeeklyCapMinutes       int    `mapstructure:"weekly_cap_minutes"`
	WeekStartsOn           string `mapstructure:"week_starts_on"`
	SubmissionDeadlineDays int    `mapstructure:"submission_deadline_days"`
	DefaultChainRoles      string `mapstructure:"default_chain_roles"`
	MaxReasonLength        int    `mapstructure:"max_reason_length"`
}

type SweeperConfig struct {
	Interval          time.Duration `mapstructure:"interval"`
	BatchSize         int           `mapstructure:"batch_size"`
	DraftMaxAge       time.Duration `mapstructure:"draft_max_age"`
	EscalationTimeout time.Duration `mapstructure:"escalation_timeout"`
	IdempotencyKeyTTL time.Duration `mapstructure:"idempotency_key_ttl"`
}

type ObservabilityConfig struct {
	Logging LoggingConfig `mapstructure:"logging"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

const (
	DefaultDailyCapMinutes        = 240
	DefaultWeeklyCapMinutes       = 1080
	DefaultWeekStartsOn           = "sunday"
	DefaultSubmissionDeadlineDays = 7
	DefaultChainRoles             = "supervisor,manager,hr"
	DefaultMaxReasonLength        = 500

	DefaultSweeperInterval   = 1 * time.Minute
	DefaultSweeperBatchSize  = 100
	DefaultDraftMaxAge       = 72 * time.Hour
	DefaultEscalationTimeout = 96 * time.Hour
	DefaultIdempotencyTTL    = 24 * time.Hour
)

// ----------------- HELPERS -----------------

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

// LoadConfigFromEnv builds a Config entirely from environment variables. Used
// for container deployments where no config file is mounted.
func LoadConfigFromEnv() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port:              getEnvAsInt("SERVER_PORT", 8080),
			BaseURL:           getEnv("SERVER_BASE_URL", "http://localhost:8080"),
			AllowedOrigins:    getEnv("SERVER_ALLOWED_ORIGINS", "*"),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
			RequestTimeout:    10 * time.Second,
			OpenAPIPath:       getEnv("SERVER_OPENAPI_PATH", "api/openapi.yml"),
		},
		Database: DatabaseConfig{
			Source:          getEnv("DATABASE_SOURCE", ""),
			MaxOpenConns:    getEnvAsInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvAsInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: 30 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
		},
		Security: SecurityConfig{
			JWTPublicKey: getEnv("SECURITY_JWT_PUBLIC_KEY", ""),
		},
		Policy: PolicyConfig{
			DailyCapMinutes:        getEnvAsInt("POLICY_DAILY_CAP_MINUTES", DefaultDailyCapMinutes),
			WeeklyCapMinutes:       getEnvAsInt("POLICY_WEEKLY_CAP_MINUTES", DefaultWeeklyCapMinutes),
			WeekStartsOn:           getEnv("POLICY_WEEK_STARTS_ON", DefaultWeekStartsOn),
			SubmissionDeadlineDays: getEnvAsInt("POLICY_SUBMISSION_DEADLINE_DAYS", DefaultSubmissionDeadlineDays),
			DefaultChainRoles:      getEnv("POLICY_DEFAULT_CHAIN_ROLES", DefaultChainRoles),
			MaxReasonLength:        getEnvAsInt("POLICY_MAX_REASON_LENGTH", DefaultMaxReasonLength),
		},
		Sweeper: SweeperConfig{
			Interval:          DefaultSweeperInterval,
			BatchSize:         getEnvAsInt("SWEEPER_BATCH_SIZE", DefaultSweeperBatchSize),
			DraftMaxAge:       DefaultDraftMaxAge,
			EscalationTimeout: DefaultEscalationTimeout,
			IdempotencyKeyTTL: DefaultIdempotencyTTL,
		},
		Observability: ObservabilityConfig{
			Logging: LoggingConfig{
				Level:  getEnv("LOG_LEVEL", "info"),
				Format: getEnv("LOG_FORMAT", "json"),
			},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero values with the hard-coded fallbacks. Called after
// any config load so a partial file still yields a complete policy.
func (c *Config) ApplyDefaults() {
	if c.Policy.DailyCapMinutes <= 0 {
		c.Policy.DailyCapMinutes = DefaultDailyCapMinutes
	}
	if c.Policy.WeeklyCapMinutes <= 0 {
		c.Policy.WeeklyCapMinutes = DefaultWeeklyCapMinutes
	}
	if c.Policy.WeekStartsOn == "" {
		c.Policy.WeekStartsOn = DefaultWeekStartsOn
	}
	if c.Policy.SubmissionDeadlineDays <= 0 {
		c.Policy.SubmissionDeadlineDays = DefaultSubmissionDeadlineDays
	}
	if c.Policy.DefaultChainRoles == "" {
		c.Policy.DefaultChainRoles = DefaultChainRoles
	}
	if c.Policy.MaxReasonLength <= 0 {
		c.Policy.MaxReasonLength = DefaultMaxReasonLength
	}
	if c.Sweeper.Interval <= 0 {
		c.Sweeper.Interval = DefaultSweeperInterval
	}
	if c.Sweeper.BatchSize <= 0 {
		c.Sweeper.BatchSize = DefaultSweeperBatchSize
	}
	if c.Sweeper.DraftMaxAge <= 0 {
		c.Sweeper.DraftMaxAge = DefaultDraftMaxAge
	}
	if c.Sweeper.EscalationTimeout <= 0 {
		c.Sweeper.EscalationTimeout = DefaultEscalationTimeout
	}
	if c.Sweeper.IdempotencyKeyTTL <= 0 {
		c.Sweeper.IdempotencyKeyTTL = DefaultIdempotencyTTL
	}
	if c.Server.RequestTimeout <= 0 {
		c.Server.RequestTimeout = 10 * time.Second
	}
	if c.Server.OpenAPIPath == "" {
		c.Server.OpenAPIPath = "api/openapi.yml"
	}
}

// WeekStart resolves the configured week boundary to a time.Weekday.
func (c *PolicyConfig) WeekStart() time.Weekday {
	switch strings.ToLower(c.WeekStartsOn) {
	case "monday":
		return time.Monday
	case "tuesday":
		return time.Tuesday
	case "wednesday":
		return time.Wednesday
	case "thursday":
		return time.Thursday
	case "friday":
		return time.Friday
	case "saturday":
		return time.Saturday
	default:
		return time.Sunday
	}
}

// ChainRoles splits the default approval chain role list.
func (c *PolicyConfig) ChainRoles() []string {
	parts := strings.Split(c.DefaultChainRoles, ",")
	roles := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			roles = append(roles, trimmed)
		}
	}
	return roles
}

// ----------------- VALIDATION -----------------

func (c *Config) Validate() error {
	var errs []string

	if err := c.Server.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("server config: %v", err))
	}

	if err := c.Database.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("database config: %v", err))
	}

	if err := c.Policy.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("policy config: %v", err))
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}

	return nil
}

func (c *ServerConfig) Validate() error {
	if c.AllowedOrigins != "" {
		origins := strings.Split(c.AllowedOrigins, ",")
		for _, origin := range origins {
			origin = strings.TrimSpace(origin)
			if origin == "*" {
				continue
			}
			if _, err := url.Parse(origin); err != nil {
				return fmt.Errorf("invalid allowed origin %s: %w", origin, err)
			}
		}
	}
	if c.ReadTimeout < c.ReadHeaderTimeout {
		return errors.New("read_timeout must be >= read_header_timeout")
	}
	return nil
}

func (c *DatabaseConfig) Validate() error {
	if c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("max_idle_conns cannot be greater than max_open_conns")
	}
	return nil
}

func (c *DatabaseConfig) GetDSN() string {
	return c.Source
}

func (c *PolicyConfig) Validate() error {
	if c.DailyCapMinutes > c.WeeklyCapMinutes {
		return errors.New("daily_cap_minutes cannot exceed weekly_cap_minutes")
	}
	if len(c.ChainRoles()) == 0 {
		return errors.New("default_chain_roles must name at least one role")
	}
	return nil
}

func (c *SecurityConfig) GetPublicKey() (*rsa.PublicKey, error) {
	keyData, err := base64.StdEncoding.DecodeString(c.JWTPublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode public key: %w", err)
	}
	block, _ := pem.Decode(keyData)
	if block == nil {
		return nil, errors.New("failed to parse PEM block")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("not an RSA public key")
	}
	return rsaPub, nil
}
