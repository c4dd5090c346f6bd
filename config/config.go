package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	API       APIConfig
	CORS      CORSConfig
	Log       LogConfig
	Stream    StreamConfig
	Chat      ChatConfig
	Ephemeral EphemeralConfig
	WebSocket WebSocketConfig
}

type ServerConfig struct {
	Port string
	Env  string
}

type DatabaseConfig struct {
	// Driver selects the store: "postgres" or "memory".
	Driver   string
	URL      string
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
	Enabled  bool
}

type JWTConfig struct {
	Secret      string
	ExpiryHours int
}

type APIConfig struct {
	RateLimitMessagesPerSec int
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Pretty bool
}

// StreamConfig holds the liveness tunables. StaleThreshold must stay well
// above HeartbeatInterval so a briefly delayed broadcaster is not reaped.
type StreamConfig struct {
	HeartbeatInterval time.Duration
	ReapInterval      time.Duration
	StaleThreshold    time.Duration
}

type ChatConfig struct {
	MaxLength   int
	BannedWords []string
	RateLimit   int
	RateBurst   int
	SpamRepeats int
	SpamWindow  time.Duration
}

type EphemeralConfig struct {
	TTL           time.Duration
	SweepInterval time.Duration
}

type WebSocketConfig struct {
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64
	MessagesPerSec int
}

// MinStaleMultiple is the smallest allowed StaleThreshold/HeartbeatInterval ratio.
const MinStaleMultiple = 3

// Load loads configuration from .env and environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Config{
		Server: ServerConfig{
			Port: v.GetString("PORT"),
			Env:  v.GetString("ENV"),
		},
		Database: DatabaseConfig{
			Driver:   v.GetString("STORE_DRIVER"),
			URL:      v.GetString("DATABASE_URL"),
			Host:     v.GetString("DB_HOST"),
			Port:     v.GetString("DB_PORT"),
			User:     v.GetString("DB_USER"),
			Password: v.GetString("DB_PASSWORD"),
			DBName:   v.GetString("DB_NAME"),
			SSLMode:  v.GetString("DB_SSLMODE"),
		},
		Redis: RedisConfig{
			Host:     v.GetString("REDIS_HOST"),
			Port:     v.GetString("REDIS_PORT"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
			Enabled:  v.GetBool("REDIS_ENABLED"),
		},
		JWT: JWTConfig{
			Secret:      v.GetString("JWT_SECRET"),
			ExpiryHours: v.GetInt("JWT_EXPIRY_HOURS"),
		},
		API: APIConfig{
			RateLimitMessagesPerSec: v.GetInt("RATE_LIMIT_MESSAGES_PER_SECOND"),
		},
		CORS: CORSConfig{
			AllowedOrigins: splitList(v.GetString("CORS_ALLOWED_ORIGINS")),
		},
		Log: LogConfig{
			Level:  v.GetString("LOG_LEVEL"),
			Pretty: v.GetBool("LOG_PRETTY"),
		},
		Stream: StreamConfig{
			HeartbeatInterval: v.GetDuration("STREAM_HEARTBEAT_INTERVAL"),
			ReapInterval:      v.GetDuration("STREAM_REAP_INTERVAL"),
			StaleThreshold:    v.GetDuration("STREAM_STALE_THRESHOLD"),
		},
		Chat: ChatConfig{
			MaxLength:   v.GetInt("CHAT_MAX_LENGTH"),
			BannedWords: splitList(v.GetString("CHAT_BANNED_WORDS")),
			RateLimit:   v.GetInt("CHAT_RATE_LIMIT"),
			RateBurst:   v.GetInt("CHAT_RATE_BURST"),
			SpamRepeats: v.GetInt("CHAT_SPAM_REPEATS"),
			SpamWindow:  v.GetDuration("CHAT_SPAM_WINDOW"),
		},
		Ephemeral: EphemeralConfig{
			TTL:           v.GetDuration("EPHEMERAL_TTL"),
			SweepInterval: v.GetDuration("EPHEMERAL_SWEEP_INTERVAL"),
		},
		WebSocket: WebSocketConfig{
			PingInterval:   v.GetDuration("WS_PING_INTERVAL"),
			PongWait:       v.GetDuration("WS_PONG_WAIT"),
			WriteWait:      v.GetDuration("WS_WRITE_WAIT"),
			MaxMessageSize: v.GetInt64("WS_MAX_MESSAGE_SIZE"),
			MessagesPerSec: v.GetInt("WS_MESSAGES_PER_SECOND"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORE_DRIVER", "postgres")
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", "5432")
	v.SetDefault("DB_USER", "tullo")
	v.SetDefault("DB_PASSWORD", "tullo_password")
	v.SetDefault("DB_NAME", "tullo_db")
	v.SetDefault("DB_SSLMODE", "disable")
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", "6379")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_ENABLED", true)
	v.SetDefault("JWT_SECRET", "change-this-secret-key")
	v.SetDefault("JWT_EXPIRY_HOURS", 168)
	v.SetDefault("RATE_LIMIT_MESSAGES_PER_SECOND", 10)
	v.SetDefault("CORS_ALLOWED_ORIGINS", "http://localhost:3000")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_PRETTY", false)
	v.SetDefault("STREAM_HEARTBEAT_INTERVAL", "10s")
	v.SetDefault("STREAM_REAP_INTERVAL", "10s")
	v.SetDefault("STREAM_STALE_THRESHOLD", "60s")
	v.SetDefault("CHAT_MAX_LENGTH", 500)
	v.SetDefault("CHAT_RATE_LIMIT", 5)
	v.SetDefault("CHAT_RATE_BURST", 10)
	v.SetDefault("CHAT_SPAM_REPEATS", 3)
	v.SetDefault("CHAT_SPAM_WINDOW", "10s")
	v.SetDefault("EPHEMERAL_TTL", "5m")
	v.SetDefault("EPHEMERAL_SWEEP_INTERVAL", "1m")
	v.SetDefault("WS_PING_INTERVAL", "54s")
	v.SetDefault("WS_PONG_WAIT", "60s")
	v.SetDefault("WS_WRITE_WAIT", "10s")
	v.SetDefault("WS_MAX_MESSAGE_SIZE", 10240)
	v.SetDefault("WS_MESSAGES_PER_SECOND", 20)
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.JWT.Secret == "change-this-secret-key" && c.IsProduction() {
		return fmt.Errorf("JWT_SECRET must be set in production")
	}
	switch c.Database.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("STORE_DRIVER must be postgres or memory, got %q", c.Database.Driver)
	}
	if c.Database.Driver == "memory" && c.IsProduction() {
		return fmt.Errorf("the memory store cannot run in production")
	}
	s := c.Stream
	if s.HeartbeatInterval <= 0 || s.ReapInterval <= 0 || s.StaleThreshold <= 0 {
		return fmt.Errorf("stream heartbeat, reap and stale durations must be positive")
	}
	if s.StaleThreshold < MinStaleMultiple*s.HeartbeatInterval {
		return fmt.Errorf("STREAM_STALE_THRESHOLD (%s) must be at least %dx STREAM_HEARTBEAT_INTERVAL (%s)",
			s.StaleThreshold, MinStaleMultiple, s.HeartbeatInterval)
	}
	if c.Chat.MaxLength <= 0 {
		return fmt.Errorf("CHAT_MAX_LENGTH must be positive")
	}
	if c.Ephemeral.TTL <= 0 {
		return fmt.Errorf("EPHEMERAL_TTL must be positive")
	}
	if c.WebSocket.PingInterval >= c.WebSocket.PongWait {
		return fmt.Errorf("WS_PING_INTERVAL must be shorter than WS_PONG_WAIT")
	}
	return nil
}

// IsProduction reports whether ENV is production.
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

// GetDSN returns the database connection string
func (c *Config) GetDSN() string {
	if c.Database.URL != "" {
		return c.Database.URL
	}
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.DBName,
		c.Database.SSLMode,
	)
}

// GetRedisAddr returns the Redis address
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%s", c.Redis.Host, c.Redis.Port)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
