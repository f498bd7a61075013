package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultConfigFile = "marketchat.yaml"

type Config struct {
	HTTPPort           int           `yaml:"http_port"`
	SMTPPort           int           `yaml:"smtp_port"`
	DBPath             string        `yaml:"db_path"`
	AuthSecret         string        `yaml:"auth_secret"`
	SessionTTL         time.Duration `yaml:"session_ttl"`
	MailGatewayEnabled bool          `yaml:"mail_gateway_enabled"`
	SMTPAuthEnabled    bool          `yaml:"smtp_auth_enabled"`
	SMTPUsername       string        `yaml:"smtp_username"`
	SMTPPassword       string        `yaml:"smtp_password"`
	SendRatePerMin     int           `yaml:"send_rate_per_min"`
	SeedSampleData     bool          `yaml:"seed_sample_data"`
	LogLevel           string        `yaml:"log_level"`
	LogDevelopment     bool          `yaml:"log_development"`
}

func Defaults() Config {
	return Config{
		HTTPPort:           3030,
		SMTPPort:           2025,
		SessionTTL:         30 * 24 * time.Hour,
		MailGatewayEnabled: false,
		SMTPAuthEnabled:    true,
		SMTPUsername:       "marketchat",
		SMTPPassword:       "marketchat",
		SendRatePerMin:     60,
		SeedSampleData:     true,
		LogLevel:           "info",
	}
}

// Load starts from Defaults, applies the YAML file named by CONFIG_FILE (or
// marketchat.yaml when present) and then environment overrides.
func Load() (Config, error) {
	cfg := Defaults()

	path := getEnvString("CONFIG_FILE", "")
	explicit := path != ""
	if !explicit {
		path = defaultConfigFile
	}
	if err := loadFile(path, &cfg); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return Config{}, err
		}
	}

	cfg.HTTPPort = getEnvInt("HTTP_PORT", cfg.HTTPPort)
	cfg.SMTPPort = getEnvInt("SMTP_PORT", cfg.SMTPPort)
	cfg.DBPath = getEnvString("DB_PATH", cfg.DBPath)
	cfg.AuthSecret = getEnvString("AUTH_SECRET", cfg.AuthSecret)
	cfg.SessionTTL = getEnvDuration("SESSION_TTL", cfg.SessionTTL)
	cfg.MailGatewayEnabled = getEnvBool("SMTP_GATEWAY_ENABLED", cfg.MailGatewayEnabled)
	cfg.SMTPAuthEnabled = getEnvBool("SMTP_AUTH_ENABLED", cfg.SMTPAuthEnabled)
	cfg.SMTPUsername = getEnvString("SMTP_USERNAME", cfg.SMTPUsername)
	cfg.SMTPPassword = getEnvString("SMTP_PASSWORD", cfg.SMTPPassword)
	cfg.SendRatePerMin = getEnvInt("SEND_RATE_PER_MIN", cfg.SendRatePerMin)
	cfg.SeedSampleData = getEnvBool("SEED_SAMPLE_DATA", cfg.SeedSampleData)
	cfg.LogLevel = getEnvString("LOG_LEVEL", cfg.LogLevel)
	cfg.LogDevelopment = getEnvBool("LOG_DEVELOPMENT", cfg.LogDevelopment)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c Config) validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid http port %d", c.HTTPPort)
	}
	if c.MailGatewayEnabled && (c.SMTPPort <= 0 || c.SMTPPort > 65535) {
		return fmt.Errorf("invalid smtp port %d", c.SMTPPort)
	}
	if c.SessionTTL <= 0 {
		return errors.New("session ttl must be positive")
	}
	if c.SendRatePerMin < 0 {
		return errors.New("send rate must not be negative")
	}
	return nil
}

func getEnvString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseBool(strings.TrimSpace(value))
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := time.ParseDuration(strings.TrimSpace(value))
		if err == nil {
			return parsed
		}
	}
	return fallback
}
