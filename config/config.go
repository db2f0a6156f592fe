// Package config loads server settings from SOCKJS_* environment variables
// and optional .env files.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// EnvPrefix is prepended to every variable name.
const EnvPrefix = "SOCKJS_"

// DefaultEnvFile is read by Load when no files are given and it exists.
const DefaultEnvFile = ".env"

var (
	// ErrParsingConfig is returned when environment variables cannot be
	// parsed into Config.
	ErrParsingConfig = errors.New("failed to parse environment variables into config")

	// ErrLoadingEnvFile is returned when a requested .env file cannot be read.
	ErrLoadingEnvFile = errors.New("failed to load env file")

	// ErrInvalidConfig is returned by Validate.
	ErrInvalidConfig = errors.New("invalid config")
)

// Config holds every server setting.
type Config struct {
	// Addr is the listen address.
	Addr string `env:"ADDR" envDefault:":8080"`
	// Prefix is the path all endpoints are mounted under, e.g. "/echo".
	Prefix string `env:"PREFIX" envDefault:"/echo"`

	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"25s"`
	DisconnectTimeout time.Duration `env:"DISCONNECT_TIMEOUT" envDefault:"5s"`
	SweepInterval     time.Duration `env:"SWEEP_INTERVAL" envDefault:"1s"`
	SweepWorkers      int           `env:"SWEEP_WORKERS" envDefault:"8"`

	// PollTimeout bounds an empty xhr poll. Zero waits for the heartbeat.
	PollTimeout time.Duration `env:"POLL_TIMEOUT" envDefault:"0s"`
	// ResponseLimit is the byte quota of one streaming response.
	ResponseLimit int `env:"RESPONSE_LIMIT" envDefault:"131072"`
	// StreamingMaxDuration ends streaming responses after this long. Zero
	// disables it.
	StreamingMaxDuration time.Duration `env:"STREAMING_MAX_DURATION" envDefault:"0s"`

	WebsocketEnabled bool `env:"WEBSOCKET_ENABLED" envDefault:"true"`
	// CookieNeeded makes the server set a JSESSIONID cookie for sticky load
	// balancing and report it in /info.
	CookieNeeded bool `env:"COOKIE_NEEDED" envDefault:"false"`

	// TombstoneTTL is how long a closed session id keeps answering go-away.
	TombstoneTTL time.Duration `env:"TOMBSTONE_TTL" envDefault:"1m"`
	// RedisAddr switches tombstones to Redis when set.
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// SendRateLimit caps xhr_send requests per client IP per minute. Zero
	// disables limiting.
	SendRateLimit int `env:"SEND_RATE_LIMIT" envDefault:"0"`

	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogDir      string `env:"LOG_DIR"`
	ServiceName string `env:"SERVICE_NAME" envDefault:"sockjs"`
}

// Load reads files (or DefaultEnvFile if present) and the process
// environment, and returns a validated Config. Process variables take
// precedence over file values.
//
// Parameters:
//   - files: Optional .env files, later files overriding earlier ones
//
// Returns:
//   - The loaded config
//   - An error wrapping ErrLoadingEnvFile, ErrParsingConfig or ErrInvalidConfig
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		if _, err := os.Stat(DefaultEnvFile); err == nil {
			files = []string{DefaultEnvFile}
		}
	}

	environ := make(map[string]string)
	for _, file := range files {
		values, err := godotenv.Read(file)
		if err != nil {
			return Config{}, errors.Join(ErrLoadingEnvFile, fmt.Errorf("%s: %w", file, err))
		}

		for k, v := range values {
			environ[k] = v
		}
	}

	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			environ[k] = v
		}
	}

	return parse(environ)
}

// Default returns the built-in defaults, ignoring the environment.
func Default() Config {
	cfg, err := parse(map[string]string{})
	if err != nil {
		panic(err)
	}

	return cfg
}

func parse(environ map[string]string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix, Environment: environ}); err != nil {
		return Config{}, errors.Join(ErrParsingConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate reports every out-of-range setting.
func (c Config) Validate() error {
	var errs []error

	if c.Addr == "" {
		errs = append(errs, errors.New("addr is required"))
	}

	if c.Prefix != "" && (!strings.HasPrefix(c.Prefix, "/") || strings.HasSuffix(c.Prefix, "/")) {
		errs = append(errs, fmt.Errorf("prefix %q must start and not end with /", c.Prefix))
	}

	positive := []struct {
		name string
		d    time.Duration
	}{
		{"heartbeat interval", c.HeartbeatInterval},
		{"disconnect timeout", c.DisconnectTimeout},
		{"sweep interval", c.SweepInterval},
		{"tombstone ttl", c.TombstoneTTL},
	}
	for _, p := range positive {
		if p.d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", p.name, p.d))
		}
	}

	if c.PollTimeout < 0 {
		errs = append(errs, fmt.Errorf("poll timeout must not be negative, got %s", c.PollTimeout))
	}

	if c.StreamingMaxDuration < 0 {
		errs = append(errs, fmt.Errorf("streaming max duration must not be negative, got %s", c.StreamingMaxDuration))
	}

	if c.ResponseLimit <= 0 {
		errs = append(errs, fmt.Errorf("response limit must be positive, got %d", c.ResponseLimit))
	}

	if c.SweepWorkers <= 0 {
		errs = append(errs, fmt.Errorf("sweep workers must be positive, got %d", c.SweepWorkers))
	}

	if c.SendRateLimit < 0 {
		errs = append(errs, fmt.Errorf("send rate limit must not be negative, got %d", c.SendRateLimit))
	}

	if len(errs) == 0 {
		return nil
	}

	return errors.Join(append([]error{ErrInvalidConfig}, errs...)...)
}
