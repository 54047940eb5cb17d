package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// Config is the full runtime configuration of the auth API.
type Config struct {
	Env       string          `yaml:"env" env:"APP_ENV" env-default:"development"`
	HTTP      HTTPConfig      `yaml:"http"`
	GRPC      GRPCConfig      `yaml:"grpc"`
	Log       LogConfig       `yaml:"log"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type HTTPConfig struct {
	Addr              string        `yaml:"addr" env:"HTTP_ADDR" env-default:":8080"`
	ReadTimeout       time.Duration `yaml:"read_timeout" env:"HTTP_READ_TIMEOUT" env-default:"15s"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" env:"HTTP_READ_HEADER_TIMEOUT" env-default:"15s"`
	WriteTimeout      time.Duration `yaml:"write_timeout" env:"HTTP_WRITE_TIMEOUT" env-default:"15s"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" env:"HTTP_IDLE_TIMEOUT" env-default:"60s"`
	MaxBodyBytes      int64         `yaml:"max_body_bytes" env:"HTTP_MAX_BODY_BYTES" env-default:"1048576"`
	AllowedOrigins    []string      `yaml:"allowed_origins" env:"HTTP_ALLOWED_ORIGINS" env-separator:","`
}

type GRPCConfig struct {
	// Empty disables the gRPC listener.
	Addr string `yaml:"addr" env:"GRPC_ADDR" env-default:":9090"`
}

type LogConfig struct {
	Level    string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
	Encoding string `yaml:"encoding" env:"LOG_ENCODING" env-default:"json"`
}

type PostgresConfig struct {
	DSN             string        `yaml:"dsn" env:"DATABASE_URL"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"DB_MAX_OPEN_CONNS" env-default:"20"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"DB_MAX_IDLE_CONNS" env-default:"10"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"DB_CONN_MAX_LIFETIME" env-default:"30m"`
}

type RedisConfig struct {
	// Empty address selects the in-process store.
	Addr     string `yaml:"addr" env:"REDIS_ADDR"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
	Prefix   string `yaml:"prefix" env:"REDIS_PREFIX" env-default:"berthcare:"`
}

type AuthConfig struct {
	PrivateKeyPEM  string `yaml:"private_key" env:"JWT_PRIVATE_KEY"`
	PrivateKeyFile string `yaml:"private_key_file" env:"JWT_PRIVATE_KEY_FILE"`
	PublicKeyPEM   string `yaml:"public_key" env:"JWT_PUBLIC_KEY"`
	PublicKeyFile  string `yaml:"public_key_file" env:"JWT_PUBLIC_KEY_FILE"`
	KeyID          string `yaml:"key_id" env:"JWT_KEY_ID" env-default:"primary"`
	// Directory of <kid>.pem public keys still accepted for verification.
	PreviousKeysDir string `yaml:"previous_keys_dir" env:"JWT_PREVIOUS_KEYS_DIR"`
	Issuer          string `yaml:"issuer" env:"JWT_ISSUER" env-default:"berthcare"`

	AccessTTL     time.Duration `yaml:"access_ttl" env:"JWT_ACCESS_TTL" env-default:"1h"`
	RefreshTTL    time.Duration `yaml:"refresh_ttl" env:"JWT_REFRESH_TTL" env-default:"720h"`
	BlacklistTTL  time.Duration `yaml:"blacklist_ttl" env:"BLACKLIST_DEFAULT_TTL" env-default:"1h"`
	RotateRefresh bool          `yaml:"rotate_refresh" env:"AUTH_ROTATE_REFRESH_TOKENS" env-default:"false"`
	StoreTimeout  time.Duration `yaml:"store_timeout" env:"AUTH_STORE_TIMEOUT" env-default:"2s"`

	// Loaded from PreviousKeysDir, keyed by kid.
	PreviousPublicKeys map[string]string `yaml:"-"`
}

type LimitConfig struct {
	Window time.Duration `yaml:"window"`
	Max    int           `yaml:"max"`
}

type RateLimitConfig struct {
	General       LimitConfig   `yaml:"general"`
	Login         LimitConfig   `yaml:"login"`
	Register      LimitConfig   `yaml:"register"`
	Refresh       LimitConfig   `yaml:"refresh"`
	SweepInterval time.Duration `yaml:"sweep_interval" env:"RATE_LIMIT_SWEEP_INTERVAL" env-default:"1m"`
}

var defaultLimits = RateLimitConfig{
	General:  LimitConfig{Window: 15 * time.Minute, Max: 100},
	Login:    LimitConfig{Window: 15 * time.Minute, Max: 5},
	Register: LimitConfig{Window: time.Hour, Max: 3},
	Refresh:  LimitConfig{Window: 15 * time.Minute, Max: 30},
}

// Load reads configuration from an optional .env file, an optional YAML file and
// the environment, in that order of increasing precedence.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	var err error
	if path != "" {
		err = cleanenv.ReadConfig(path, &cfg)
	} else {
		err = cleanenv.ReadEnv(&cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := readLimitEnv(&cfg.RateLimit); err != nil {
		return nil, err
	}
	cfg.RateLimit.applyDefaults()

	if err := cfg.Auth.loadKeys(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports configuration that cannot produce a working service.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Auth.PublicKeyPEM) == "" && strings.TrimSpace(c.Auth.PrivateKeyPEM) == "" {
		return errors.New("config: JWT_PUBLIC_KEY or JWT_PRIVATE_KEY is required")
	}
	if c.Auth.AccessTTL <= 0 || c.Auth.RefreshTTL <= 0 {
		return errors.New("config: token lifetimes must be positive")
	}
	if c.Auth.StoreTimeout <= 0 {
		return errors.New("config: AUTH_STORE_TIMEOUT must be positive")
	}
	for name, l := range map[string]LimitConfig{
		"general":  c.RateLimit.General,
		"login":    c.RateLimit.Login,
		"register": c.RateLimit.Register,
		"refresh":  c.RateLimit.Refresh,
	} {
		if l.Window <= 0 || l.Max <= 0 {
			return fmt.Errorf("config: rate limit %q needs a positive window and max", name)
		}
	}
	return nil
}

func (r *RateLimitConfig) applyDefaults() {
	fill := func(dst *LimitConfig, def LimitConfig) {
		if dst.Window <= 0 {
			dst.Window = def.Window
		}
		if dst.Max <= 0 {
			dst.Max = def.Max
		}
	}
	fill(&r.General, defaultLimits.General)
	fill(&r.Login, defaultLimits.Login)
	fill(&r.Register, defaultLimits.Register)
	fill(&r.Refresh, defaultLimits.Refresh)
}

// readLimitEnv reads RATE_LIMIT_<NAME>_WINDOW / _MAX overrides. Window values
// accept Go durations ("15m") or plain milliseconds ("200").
func readLimitEnv(r *RateLimitConfig) error {
	for name, dst := range map[string]*LimitConfig{
		"GENERAL":  &r.General,
		"LOGIN":    &r.Login,
		"REGISTER": &r.Register,
		"REFRESH":  &r.Refresh,
	} {
		if raw := strings.TrimSpace(os.Getenv("RATE_LIMIT_" + name + "_WINDOW")); raw != "" {
			d, err := parseWindow(raw)
			if err != nil {
				return fmt.Errorf("config: RATE_LIMIT_%s_WINDOW: %w", name, err)
			}
			dst.Window = d
		}
		if raw := strings.TrimSpace(os.Getenv("RATE_LIMIT_" + name + "_MAX")); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				return fmt.Errorf("config: RATE_LIMIT_%s_MAX: %w", name, err)
			}
			dst.Max = n
		}
	}
	return nil
}

func parseWindow(raw string) (time.Duration, error) {
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(raw)
}

func (a *AuthConfig) loadKeys() error {
	if a.PrivateKeyPEM == "" && a.PrivateKeyFile != "" {
		b, err := os.ReadFile(a.PrivateKeyFile)
		if err != nil {
			return fmt.Errorf("config: read private key: %w", err)
		}
		a.PrivateKeyPEM = string(b)
	}
	if a.PublicKeyPEM == "" && a.PublicKeyFile != "" {
		b, err := os.ReadFile(a.PublicKeyFile)
		if err != nil {
			return fmt.Errorf("config: read public key: %w", err)
		}
		a.PublicKeyPEM = string(b)
	}
	a.PrivateKeyPEM = unescapeNewlines(a.PrivateKeyPEM)
	a.PublicKeyPEM = unescapeNewlines(a.PublicKeyPEM)

	if a.PreviousKeysDir == "" {
		return nil
	}
	matches, err := filepath.Glob(filepath.Join(a.PreviousKeysDir, "*.pem"))
	if err != nil {
		return fmt.Errorf("config: list previous keys: %w", err)
	}
	sort.Strings(matches)
	a.PreviousPublicKeys = make(map[string]string, len(matches))
	for _, m := range matches {
		b, err := os.ReadFile(m)
		if err != nil {
			return fmt.Errorf("config: read previous key %s: %w", m, err)
		}
		kid := strings.TrimSuffix(filepath.Base(m), ".pem")
		a.PreviousPublicKeys[kid] = string(b)
	}
	return nil
}

// Keys passed through env files often carry literal "\n" sequences.
func unescapeNewlines(s string) string {
	return strings.ReplaceAll(strings.TrimSpace(s), `\n`, "\n")
}
