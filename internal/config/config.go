package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"wedding-dispatch/internal/models"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	DataDir      string `mapstructure:"data_dir"`
	DatabasePath string `mapstructure:"database_path"`
	LogLevel     string `mapstructure:"log_level"`
	LogFormat    string `mapstructure:"log_format"`
	CountryCode  string `mapstructure:"country_code"`
	Locale       string `mapstructure:"locale"`
	Style        string `mapstructure:"style"`
	Timezone     string `mapstructure:"timezone"`

	HTTP       HTTPConfig       `mapstructure:"http"`
	Dispatch   DispatchConfig   `mapstructure:"dispatch"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	WhatsApp   WhatsAppConfig   `mapstructure:"whatsapp"`
	SNS        SNSConfig        `mapstructure:"sns"`
	Voice      VoiceConfig      `mapstructure:"voice"`
	ContentAPI ContentAPIConfig `mapstructure:"content_api"`
	Guard      GuardConfig      `mapstructure:"guard"`
	Quota      QuotaConfig      `mapstructure:"quota"`
}

type HTTPConfig struct {
	Addr     string `mapstructure:"addr"`
	APIToken string `mapstructure:"api_token"`
}

type DispatchConfig struct {
	Workers         int           `mapstructure:"workers"`
	BatchSize       int           `mapstructure:"batch_size"`
	ProviderTimeout time.Duration `mapstructure:"provider_timeout"`
	PendingLiveness time.Duration `mapstructure:"pending_liveness"`
	MaxErrors       int           `mapstructure:"max_errors"`
}

type SchedulerConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	Lateness time.Duration `mapstructure:"lateness"`
}

type WhatsAppConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DataDir string `mapstructure:"data_dir"`
}

type SNSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Region   string `mapstructure:"region"`
	SenderID string `mapstructure:"sender_id"`
}

type VoiceConfig struct {
	BaseURL  string `mapstructure:"base_url"`
	APIKey   string `mapstructure:"api_key"`
	CallerID string `mapstructure:"caller_id"`
}

type ContentAPIConfig struct {
	BaseURL    string `mapstructure:"base_url"`
	AccountSID string `mapstructure:"account_sid"`
	AuthToken  string `mapstructure:"auth_token"`
}

// GuardConfig tunes the rate limiter and circuit breaker put in front of
// every provider.
type GuardConfig struct {
	RatePerSecond   float64       `mapstructure:"rate_per_second"`
	Burst           int           `mapstructure:"burst"`
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout"`
}

type QuotaConfig struct {
	Backend     string `mapstructure:"backend"`
	RedisAddr   string `mapstructure:"redis_addr"`
	RedisPrefix string `mapstructure:"redis_prefix"`
	DefaultPlan string `mapstructure:"default_plan"`
	// Plans is "plan:channel=limit,channel=limit;plan:..." with -1 meaning
	// unlimited and 0 a disabled channel.
	Plans string `mapstructure:"plans"`
}

var defaults = map[string]any{
	"data_dir":                  "data",
	"database_path":             "",
	"log_level":                 "info",
	"log_format":                "console",
	"country_code":              "972",
	"locale":                    "he",
	"style":                     "classic",
	"timezone":                  "Asia/Jerusalem",
	"http.addr":                 ":8080",
	"http.api_token":            "",
	"dispatch.workers":          4,
	"dispatch.batch_size":       50,
	"dispatch.provider_timeout": "15s",
	"dispatch.pending_liveness": "10m",
	"dispatch.max_errors":       10,
	"scheduler.enabled":         true,
	"scheduler.interval":        "1m",
	"scheduler.lateness":        "72h",
	"whatsapp.enabled":          true,
	"whatsapp.data_dir":         "",
	"sns.enabled":               false,
	"sns.region":                "eu-west-1",
	"sns.sender_id":             "",
	"voice.base_url":            "",
	"voice.api_key":             "",
	"voice.caller_id":           "",
	"content_api.base_url":      "https://content.twilio.com",
	"content_api.account_sid":   "",
	"content_api.auth_token":    "",
	"guard.rate_per_second":     10.0,
	"guard.burst":               5,
	"guard.breaker_failures":    5,
	"guard.breaker_timeout":     "30s",
	"quota.backend":             "sql",
	"quota.redis_addr":          "localhost:6379",
	"quota.redis_prefix":        "quota",
	"quota.default_plan":        "basic",
	"quota.plans":               "basic:whatsapp=500,sms=200,voice=0;premium:whatsapp=-1,sms=2000,voice=500",
}

// LoadConfig loads configuration from an optional .env file, an optional
// config.yaml and environment variables, in increasing precedence.
// Environment keys are the upper-cased config keys with dots replaced by
// underscores, e.g. DISPATCH_WORKERS.
func LoadConfig(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, path := range envFiles {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.DatabasePath == "" {
		cfg.DatabasePath = filepath.Join(cfg.DataDir, "dispatch.db")
	}
	if cfg.WhatsApp.DataDir == "" {
		cfg.WhatsApp.DataDir = cfg.DataDir
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Dispatch.Workers <= 0 {
		return fmt.Errorf("dispatch.workers must be positive")
	}
	if c.Dispatch.BatchSize <= 0 {
		return fmt.Errorf("dispatch.batch_size must be positive")
	}
	if c.Dispatch.ProviderTimeout <= 0 {
		return fmt.Errorf("dispatch.provider_timeout must be positive")
	}
	switch c.Quota.Backend {
	case "sql", "redis":
	default:
		return fmt.Errorf("quota.backend must be sql or redis, got %q", c.Quota.Backend)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	plans, err := c.PlanLimits()
	if err != nil {
		return err
	}
	if _, ok := plans[c.Quota.DefaultPlan]; !ok {
		return fmt.Errorf("default plan %q is not defined", c.Quota.DefaultPlan)
	}
	return nil
}

// Location returns the zone event days and times are interpreted in.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// PlanLimits parses the plan table into per-plan channel limits.
func (c *Config) PlanLimits() (map[string]map[models.Channel]int, error) {
	return parsePlans(c.Quota.Plans)
}

func parsePlans(s string) (map[string]map[models.Channel]int, error) {
	plans := make(map[string]map[models.Channel]int)
	for _, entry := range strings.Split(s, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, limits, ok := strings.Cut(entry, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid plan entry %q", entry)
		}

		perChannel := make(map[models.Channel]int)
		for _, pair := range strings.Split(limits, ",") {
			pair = strings.TrimSpace(pair)
			if pair == "" {
				continue
			}
			chName, limitStr, ok := strings.Cut(pair, "=")
			if !ok {
				return nil, fmt.Errorf("plan %s: invalid limit %q", name, pair)
			}
			ch, err := models.ParseChannel(strings.TrimSpace(chName))
			if err != nil {
				return nil, fmt.Errorf("plan %s: %w", name, err)
			}
			limit, err := strconv.Atoi(strings.TrimSpace(limitStr))
			if err != nil || limit < -1 {
				return nil, fmt.Errorf("plan %s: invalid limit for %s: %q", name, ch, limitStr)
			}
			perChannel[ch] = limit
		}
		plans[name] = perChannel
	}
	if len(plans) == 0 {
		return nil, fmt.Errorf("no quota plans configured")
	}
	return plans, nil
}
