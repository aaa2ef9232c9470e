package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration for the relay and the sync client.
type Config struct {
	AppName     string
	AppEnv      string
	AppPort     string
	DatabaseURL string
	RedisURL    string
	NATSURL     string
	ChannelBase string
	JWTSecret   string
	CORSOrigins string

	APIURL          string
	PushURL         string
	Token           string
	TypingTimeout   time.Duration
	TypingThrottle  time.Duration
	SweepInterval   time.Duration
	ReconnectMin    time.Duration
	ReconnectMax    time.Duration
	EchoWindow      time.Duration
	SnapshotTimeout time.Duration
	BufferLimit     int
}

// HTTPAddress returns the address the relay should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// IsDevelopment reports whether the relay runs with development conveniences.
func (c Config) IsDevelopment() bool {
	return strings.EqualFold(c.AppEnv, "development")
}

// RequireRelay checks the settings the relay cannot start without.
func (c Config) RequireRelay() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("jwt secret must be provided")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("database url must be provided")
	}
	return nil
}

// RequireClient checks the settings a sync session cannot start without.
func (c Config) RequireClient() error {
	if c.APIURL == "" {
		return fmt.Errorf("live api url must be provided")
	}
	if c.PushURL == "" {
		return fmt.Errorf("live push url must be provided")
	}
	return nil
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("GEMA")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "GEMA Live")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("database.url", "sqlite://gema-live.db")
	v.SetDefault("realtime.channel", "gema:live")
	v.SetDefault("live.api_url", "http://localhost:8080")
	v.SetDefault("live.push_url", "ws://localhost:8080/api/v2/live/ws")
	v.SetDefault("live.typing_timeout", "4s")
	v.SetDefault("live.typing_throttle", "1s")
	v.SetDefault("live.sweep_interval", "1s")
	v.SetDefault("live.reconnect_min", "500ms")
	v.SetDefault("live.reconnect_max", "30s")
	v.SetDefault("live.echo_window", "10s")
	v.SetDefault("live.snapshot_timeout", "10s")
	v.SetDefault("live.buffer_limit", 1024)

	durations := map[string]*time.Duration{}
	cfg := Config{
		AppName:     v.GetString("app.name"),
		AppEnv:      v.GetString("app.env"),
		AppPort:     v.GetString("app.port"),
		DatabaseURL: v.GetString("database.url"),
		RedisURL:    v.GetString("redis.url"),
		NATSURL:     v.GetString("nats.url"),
		ChannelBase: v.GetString("realtime.channel"),
		JWTSecret:   v.GetString("jwt.secret"),
		CORSOrigins: v.GetString("cors.origins"),
		APIURL:      strings.TrimRight(v.GetString("live.api_url"), "/"),
		PushURL:     v.GetString("live.push_url"),
		Token:       v.GetString("live.token"),
		BufferLimit: v.GetInt("live.buffer_limit"),
	}

	durations["live.typing_timeout"] = &cfg.TypingTimeout
	durations["live.typing_throttle"] = &cfg.TypingThrottle
	durations["live.sweep_interval"] = &cfg.SweepInterval
	durations["live.reconnect_min"] = &cfg.ReconnectMin
	durations["live.reconnect_max"] = &cfg.ReconnectMax
	durations["live.echo_window"] = &cfg.EchoWindow
	durations["live.snapshot_timeout"] = &cfg.SnapshotTimeout

	for key, target := range durations {
		parsed, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", key, err)
		}
		if parsed <= 0 {
			return Config{}, fmt.Errorf("invalid %s: must be positive", key)
		}
		*target = parsed
	}

	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = cfg.ReconnectMin
	}

	if cfg.BufferLimit <= 0 {
		cfg.BufferLimit = 1024
	}

	return cfg, nil
}
