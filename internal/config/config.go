package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type RateLimit struct {
	Limit  int           `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
}

type Config struct {
	Mode      string `mapstructure:"mode"`
	Port      int    `mapstructure:"port"`
	Secret    string `mapstructure:"secret"`
	JWTSecret string `mapstructure:"jwt_secret"`

	DatabaseDSN  string `mapstructure:"database_dsn"`
	RedisAddr    string `mapstructure:"redis_addr"`
	RedisChannel string `mapstructure:"redis_channel"`

	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`

	MaxParticipantsPerRoom int `mapstructure:"max_participants_per_room"`
	MaxConnections         int `mapstructure:"max_connections"`
	MaxRooms               int `mapstructure:"max_rooms"`
	MaxRoomKeyLen          int `mapstructure:"max_room_key_len"`
	MaxDisplayNameLen      int `mapstructure:"max_display_name_len"`
	ChatMaxLen             int `mapstructure:"chat_max_len"`
	ChatHistoryLimit       int `mapstructure:"chat_history_limit"`

	JoinLimit    RateLimit     `mapstructure:"join_limit"`
	ChatLimit    RateLimit     `mapstructure:"chat_limit"`
	RequestLimit RateLimit     `mapstructure:"request_limit"`
	LimiterGC    time.Duration `mapstructure:"limiter_gc_interval"`

	PresenceDebounce time.Duration `mapstructure:"presence_debounce"`
	RoomGraceDelay   time.Duration `mapstructure:"room_grace_delay"`
	StoreTimeout     time.Duration `mapstructure:"store_timeout"`
	EngineTimeout    time.Duration `mapstructure:"engine_timeout"`

	SFUWorkers    int           `mapstructure:"sfu_workers"`
	StatsInterval time.Duration `mapstructure:"stats_interval"`

	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	FatalGraceDelay time.Duration `mapstructure:"fatal_grace_delay"`
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
	v.SetDefault("database_dsn", "host=localhost user=meetcore password=meetcore dbname=meetcore port=5432 sslmode=disable")
	v.SetDefault("redis_addr", "")
	v.SetDefault("redis_channel", "meetcore:admin")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")

	v.SetDefault("max_participants_per_room", 16)
	v.SetDefault("max_connections", 1000)
	v.SetDefault("max_rooms", 200)
	v.SetDefault("max_room_key_len", 64)
	v.SetDefault("max_display_name_len", 36)
	v.SetDefault("chat_max_len", 500)
	v.SetDefault("chat_history_limit", 100)

	v.SetDefault("join_limit.limit", 5)
	v.SetDefault("join_limit.window", "10s")
	v.SetDefault("chat_limit.limit", 30)
	v.SetDefault("chat_limit.window", "1m")
	v.SetDefault("request_limit.limit", 20)
	v.SetDefault("request_limit.window", "10s")
	v.SetDefault("limiter_gc_interval", "5m")

	v.SetDefault("presence_debounce", "50ms")
	v.SetDefault("room_grace_delay", "10s")
	v.SetDefault("store_timeout", "5s")
	v.SetDefault("engine_timeout", "10s")

	v.SetDefault("sfu_workers", 4)
	v.SetDefault("stats_interval", "30s")

	v.SetDefault("shutdown_timeout", "15s")
	v.SetDefault("fatal_grace_delay", "2s")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
