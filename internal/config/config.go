package config

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode      string `mapstructure:"mode"`
	Port      int    `mapstructure:"port"`
	Secret    string `mapstructure:"secret"`
	ReadLimit int64  `mapstructure:"read_limit"`

	SendBuffer int           `mapstructure:"send_buffer"`
	PingPeriod time.Duration `mapstructure:"ping_period"`

	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	IdleWarningLead   time.Duration `mapstructure:"idle_warning_lead"`
	IdleSweepInterval time.Duration `mapstructure:"idle_sweep_interval"`

	TypingExpiry time.Duration `mapstructure:"typing_expiry"`
	LockExpiry   time.Duration `mapstructure:"lock_expiry"`

	ChatHistory      int           `mapstructure:"chat_history"`
	ChatRateLimit    int           `mapstructure:"chat_rate_limit"`
	ChatRateInterval time.Duration `mapstructure:"chat_rate_interval"`

	DuplicateJoinPolicy string `mapstructure:"duplicate_join_policy"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("read_limit", 32768)
	v.SetDefault("send_buffer", 32)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("idle_timeout", "30m")
	v.SetDefault("idle_warning_lead", "1m")
	v.SetDefault("idle_sweep_interval", "30s")
	v.SetDefault("typing_expiry", "4s")
	v.SetDefault("lock_expiry", "0")
	v.SetDefault("chat_history", 50)
	v.SetDefault("chat_rate_limit", 20)
	v.SetDefault("chat_rate_interval", "10s")
	v.SetDefault("duplicate_join_policy", "replace")

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("idle_timeout must be positive, got %s", c.IdleTimeout)
	}
	if c.IdleWarningLead < 0 || c.IdleWarningLead >= c.IdleTimeout {
		return fmt.Errorf("idle_warning_lead must be in [0, idle_timeout), got %s", c.IdleWarningLead)
	}
	if c.IdleSweepInterval <= 0 {
		return fmt.Errorf("idle_sweep_interval must be positive, got %s", c.IdleSweepInterval)
	}
	if c.TypingExpiry <= 0 {
		return fmt.Errorf("typing_expiry must be positive, got %s", c.TypingExpiry)
	}
	if c.LockExpiry < 0 {
		return fmt.Errorf("lock_expiry must not be negative, got %s", c.LockExpiry)
	}
	if c.ChatHistory < 0 {
		return fmt.Errorf("chat_history must not be negative, got %d", c.ChatHistory)
	}
	if _, err := parsePolicy(c.DuplicateJoinPolicy); err != nil {
		return err
	}
	return nil
}

// parsePolicy only checks the value; app owns the real parse to avoid an
// import cycle.
func parsePolicy(s string) (string, error) {
	switch s {
	case "", "replace", "reject":
		return s, nil
	default:
		return "", fmt.Errorf("unknown duplicate_join_policy %q", s)
	}
}
