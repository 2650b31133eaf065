package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string `mapstructure:"mode"`
	Port       int    `mapstructure:"port"`
	ServerID   string `mapstructure:"server_id"`
	BaseURL    string `mapstructure:"base_url"`
	StaticPath string `mapstructure:"static_path"`
	Secret     string `mapstructure:"secret"`
	CORSOrigin string `mapstructure:"cors_origin"`

	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`

	RoomTTL     time.Duration `mapstructure:"room_ttl"`
	RecentLimit int           `mapstructure:"recent_limit"`

	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	StaleThreshold    time.Duration `mapstructure:"stale_threshold"`
	GraceWindow       time.Duration `mapstructure:"grace_window"`

	RateLimitWindow time.Duration `mapstructure:"rate_limit_window"`
	RateLimitMax    int           `mapstructure:"rate_limit_max"`
}

func Load() (*Config, error) {
	// Optional .env for local runs; real deployments set the environment.
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)
	v.SetConfigFile(fileName)

	v.SetEnvPrefix("huddle")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("mode", "release")
	v.SetDefault("port", 3000)
	v.SetDefault("server_id", "local")
	v.SetDefault("base_url", "")
	v.SetDefault("static_path", "./public")
	v.SetDefault("secret", "huddle-dev-secret")
	v.SetDefault("cors_origin", "*")
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("room_ttl", "24h")
	v.SetDefault("recent_limit", 200)
	v.SetDefault("heartbeat_interval", "5s")
	v.SetDefault("sweep_interval", "5s")
	v.SetDefault("stale_threshold", "15s")
	v.SetDefault("grace_window", "30s")
	v.SetDefault("rate_limit_window", "15s")
	v.SetDefault("rate_limit_max", 80)

	if err := v.ReadInConfig(); err != nil {
		log.Info().Str("module", "config").Str("file", fileName).Msg("no config file, using env and defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config file")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = fmt.Sprintf("http://localhost:%d", cfg.Port)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// validate enforces grace > stale > 2*heartbeat so a single missed
// heartbeat can never evict a member.
func (c *Config) validate() error {
	if c.StaleThreshold <= 2*c.HeartbeatInterval {
		return fmt.Errorf("stale_threshold (%s) must exceed twice heartbeat_interval (%s)",
			c.StaleThreshold, c.HeartbeatInterval)
	}
	if c.GraceWindow <= c.StaleThreshold {
		return fmt.Errorf("grace_window (%s) must exceed stale_threshold (%s)",
			c.GraceWindow, c.StaleThreshold)
	}
	if c.RecentLimit <= 0 {
		return fmt.Errorf("recent_limit must be positive")
	}
	return nil
}
