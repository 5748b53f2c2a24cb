// Package config loads service configuration from the environment.
// Variables carry the MARKETPLACE_LIVE_ prefix; values from an optional
// .env file fill in whatever the environment leaves unset.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Prefix is prepended to every environment variable name.
const Prefix = "MARKETPLACE_LIVE_"

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
	DriverNATS     = "nats"
)

// Config is the complete service configuration.
type Config struct {
	Addr            string        `env:"ADDR" envDefault:":8080"`
	TLSCertFile     string        `env:"TLS_CERT_FILE"`
	TLSKeyFile      string        `env:"TLS_KEY_FILE"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat       string        `env:"LOG_FORMAT" envDefault:"json"`
	AllowedOrigins  []string      `env:"ALLOWED_ORIGINS" envSeparator:","`
	// HandshakeRate and HandshakeBurst limit websocket handshakes per
	// client IP. A zero rate disables the limiter.
	HandshakeRate  float64 `env:"HANDSHAKE_RATE" envDefault:"5"`
	HandshakeBurst int     `env:"HANDSHAKE_BURST" envDefault:"20"`

	StoreDriver string `env:"STORE_DRIVER" envDefault:"memory"`
	BusDriver   string `env:"BUS_DRIVER" envDefault:"memory"`

	Auth     AuthConfig     `envPrefix:"AUTH_"`
	Realtime RealtimeConfig `envPrefix:"REALTIME_"`
	Redis    RedisConfig    `envPrefix:"REDIS_"`
	Postgres PostgresConfig `envPrefix:"POSTGRES_"`
	NATS     NATSConfig     `envPrefix:"NATS_"`
}

// AuthConfig configures handshake and producer authentication.
type AuthConfig struct {
	JWTSecret   string        `env:"JWT_SECRET"`
	JWTIssuer   string        `env:"JWT_ISSUER"`
	JWTAudience string        `env:"JWT_AUDIENCE"`
	JWTLeeway   time.Duration `env:"JWT_LEEWAY" envDefault:"30s"`
	// AllowQueryToken accepts ?access_token= on the handshake.
	AllowQueryToken bool `env:"ALLOW_QUERY_TOKEN" envDefault:"false"`
	// ProducerKeyHash is the bcrypt hash guarding the producer endpoints.
	// Empty disables them.
	ProducerKeyHash string `env:"PRODUCER_KEY_HASH"`
}

// RealtimeConfig tunes delivery, retention and liveness.
type RealtimeConfig struct {
	EntityTypes       []string      `env:"ENTITY_TYPES" envSeparator:"," envDefault:"product,transaction,booking,tutorial"`
	ReplayCap         int           `env:"REPLAY_CAP" envDefault:"100"`
	Retention         time.Duration `env:"RETENTION" envDefault:"168h"`
	MaxAttempts       int           `env:"MAX_ATTEMPTS" envDefault:"3"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`
	PongWait          time.Duration `env:"PONG_WAIT" envDefault:"10s"`
	SweepInterval     time.Duration `env:"SWEEP_INTERVAL" envDefault:"1h"`
	SweepConcurrency  int           `env:"SWEEP_CONCURRENCY" envDefault:"8"`
	StoreTimeout      time.Duration `env:"STORE_TIMEOUT" envDefault:"2s"`
	SendBuffer        int           `env:"SEND_BUFFER" envDefault:"64"`
	MaxMessageSize    int64         `env:"MAX_MESSAGE_SIZE" envDefault:"4096"`
}

// RedisConfig configures the Redis client shared by stores and bus.
type RedisConfig struct {
	Addr          string   `env:"ADDR"`
	Addrs         []string `env:"ADDRS" envSeparator:","`
	Username      string   `env:"USERNAME"`
	Password      string   `env:"PASSWORD"`
	DB            int      `env:"DB" envDefault:"0"`
	MasterName    string   `env:"MASTER_NAME"`
	PoolSize      int      `env:"POOL_SIZE"`
	Namespace     string   `env:"NAMESPACE"`
	Channel       string   `env:"CHANNEL" envDefault:"marketplace-live.updates"`
	TLSCAFile     string   `env:"TLS_CA_FILE"`
	TLSCertFile   string   `env:"TLS_CERT_FILE"`
	TLSKeyFile    string   `env:"TLS_KEY_FILE"`
	TLSServerName string   `env:"TLS_SERVER_NAME"`
	TLSInsecure   bool     `env:"TLS_INSECURE_SKIP_VERIFY"`
}

// PostgresConfig configures the Postgres pool.
type PostgresConfig struct {
	DSN             string        `env:"DSN"`
	MaxConnections  int32         `env:"MAX_CONNECTIONS"`
	MinConnections  int32         `env:"MIN_CONNECTIONS"`
	AcquireTimeout  time.Duration `env:"ACQUIRE_TIMEOUT"`
	ApplicationName string        `env:"APPLICATION_NAME" envDefault:"marketplace-live"`
}

// NATSConfig configures the NATS bus.
type NATSConfig struct {
	URL           string        `env:"URL" envDefault:"nats://127.0.0.1:4222"`
	Subject       string        `env:"SUBJECT" envDefault:"marketplace-live.updates"`
	MaxReconnects int           `env:"MAX_RECONNECTS" envDefault:"-1"`
	ReconnectWait time.Duration `env:"RECONNECT_WAIT" envDefault:"2s"`
}

// Load reads the optional dotenv files, parses the environment and validates
// the result. Missing dotenv files are ignored.
func Load(envFiles ...string) (Config, error) {
	for _, file := range envFiles {
		if strings.TrimSpace(file) == "" {
			continue
		}
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", file, err)
		}
	}
	cfg, err := env.ParseAsWithOptions[Config](env.Options{Prefix: Prefix})
	if err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks ranges and driver requirements.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Addr) == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		errs = append(errs, errors.New("tls cert and key files must be provided together"))
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("log level %q is not one of debug, info, warn, error", c.LogLevel))
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log format %q is not one of json, text", c.LogFormat))
	}
	if c.HandshakeRate < 0 {
		errs = append(errs, errors.New("handshake rate must not be negative"))
	}
	if c.HandshakeRate > 0 && c.HandshakeBurst < 1 {
		errs = append(errs, errors.New("handshake burst must be positive when rate limiting is enabled"))
	}
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		errs = append(errs, fmt.Errorf("%sAUTH_JWT_SECRET is required", Prefix))
	}

	rt := c.Realtime
	if len(rt.EntityTypes) == 0 {
		errs = append(errs, errors.New("at least one entity type is required"))
	}
	if rt.ReplayCap < 1 {
		errs = append(errs, fmt.Errorf("replay cap must be > 0, got %d", rt.ReplayCap))
	}
	if rt.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("max attempts must be > 0, got %d", rt.MaxAttempts))
	}
	for name, d := range map[string]time.Duration{
		"retention":          rt.Retention,
		"heartbeat interval": rt.HeartbeatInterval,
		"pong wait":          rt.PongWait,
		"sweep interval":     rt.SweepInterval,
		"store timeout":      rt.StoreTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if rt.SweepConcurrency < 1 || rt.SendBuffer < 1 || rt.MaxMessageSize < 1 {
		errs = append(errs, errors.New("sweep concurrency, send buffer and max message size must be positive"))
	}

	switch c.StoreDriver {
	case DriverMemory:
	case DriverRedis:
		if !c.Redis.configured() {
			errs = append(errs, errors.New("redis store requires a redis address"))
		}
	case DriverPostgres:
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			errs = append(errs, errors.New("postgres store requires a dsn"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.StoreDriver))
	}
	switch c.BusDriver {
	case DriverMemory, DriverNATS:
	case DriverRedis:
		if !c.Redis.configured() {
			errs = append(errs, errors.New("redis bus requires a redis address"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown bus driver %q", c.BusDriver))
	}
	return errors.Join(errs...)
}

func (r RedisConfig) configured() bool {
	if strings.TrimSpace(r.Addr) != "" {
		return true
	}
	for _, addr := range r.Addrs {
		if strings.TrimSpace(addr) != "" {
			return true
		}
	}
	return false
}
