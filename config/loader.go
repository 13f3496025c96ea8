// =============================================================================
// RouteCodex configuration loader
// =============================================================================
// Unified configuration loading: YAML file + environment variable overlay.
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("routecodex.yaml").
//	    WithEnvPrefix("ROUTECODEX").
//	    Load()
//
// Precedence: defaults -> YAML file -> environment variables.
// The Loader builder produces RuntimeConfig (server/log/telemetry/gateway
// ambient settings). The CanonicalConfig itself
// (providers/credentials/routes/templates) is loaded separately by
// LoadCanonicalConfig from RuntimeConfig.Gateway.ConfigPath,
// keeping the core's only dependency on this package at the
// cmd/routecodex wiring layer.
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig configures the inbound HTTP gateway listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"ADDR"`
	MetricsAddr     string        `yaml:"metrics_addr" env:"METRICS_ADDR"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// LogConfig configures the zap base logger.
type LogConfig struct {
	Level            string `yaml:"level" env:"LEVEL"`
	Format           string `yaml:"format" env:"FORMAT"`
	EnableCaller     bool   `yaml:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool   `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig configures the OTel SDK.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// GatewayConfig holds the ambient settings of the gateway itself:
// data directories, failover bound, snapshot cadence, admin auth.
type GatewayConfig struct {
	ConfigPath       string        `yaml:"config_path" env:"CONFIG_PATH"`
	UserDir          string        `yaml:"user_dir" env:"USER_DIR"`
	QuotaDir         string        `yaml:"quota_dir" env:"QUOTA_DIR"`
	MaxAttempts      int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval" env:"SNAPSHOT_INTERVAL"`
	AdminJWTSecret   string        `yaml:"admin_jwt_secret" env:"ADMIN_JWT_SECRET"`
	RedisAddr        string        `yaml:"redis_addr" env:"REDIS_ADDR"`
	MongoURI         string        `yaml:"mongo_uri" env:"MONGO_URI"`
}

// RuntimeConfig is the complete ambient configuration for `cmd/routecodex`.
type RuntimeConfig struct {
	Server    ServerConfig    `yaml:"server" env:"SERVER"`
	Log       LogConfig       `yaml:"log" env:"LOG"`
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
	Gateway   GatewayConfig   `yaml:"gateway" env:"GATEWAY"`
}

// DefaultRuntimeConfig returns the zero-config defaults.
func DefaultRuntimeConfig() *RuntimeConfig {
	return &RuntimeConfig{
		Server: ServerConfig{
			Addr:            ":8080",
			MetricsAddr:     ":9090",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    0, // streaming responses must not be write-deadline-capped
			ShutdownTimeout: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			ServiceName: "routecodex",
			SampleRate:  0.1,
		},
		Gateway: GatewayConfig{
			UserDir:          defaultUserDir(),
			MaxAttempts:      3,
			SnapshotInterval: 5 * time.Second,
		},
	}
}

func defaultUserDir() string {
	if v := os.Getenv("ROUTECODEX_USER_DIR"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".routecodex"
	}
	return home + "/.routecodex"
}

// Loader is a builder-pattern configuration loader.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*RuntimeConfig) error
}

// NewLoader creates a new Loader.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "ROUTECODEX",
		validators: make([]func(*RuntimeConfig) error, 0),
	}
}

func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

func (l *Loader) WithValidator(v func(*RuntimeConfig) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load loads the RuntimeConfig: defaults -> YAML file -> env vars -> validators.
func (l *Loader) Load() (*RuntimeConfig, error) {
	cfg := DefaultRuntimeConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *RuntimeConfig) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func (l *Loader) loadFromEnv(cfg *RuntimeConfig) error {
	return setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

func setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("set %s: %w", envKey, err)
		}
	}

	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// MustLoad loads the RuntimeConfig, panicking on failure. Used only by
// examples/tests; cmd/routecodex handles the error explicitly (exit
// code 2).
func MustLoad(path string) *RuntimeConfig {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate checks the loaded RuntimeConfig for obviously invalid values.
func (c *RuntimeConfig) Validate() error {
	var errs []string

	if c.Gateway.MaxAttempts <= 0 {
		errs = append(errs, "gateway.max_attempts must be positive")
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, "telemetry.sample_rate must be between 0 and 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// LoadCanonicalConfig parses a CanonicalConfig YAML file. This is the
// one piece of loading left out of scope for the core:
// internal/configview never calls this directly, only cmd/routecodex.
func LoadCanonicalConfig(path string) (*CanonicalConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read canonical config: %w", err)
	}
	var cc CanonicalConfig
	if err := yaml.Unmarshal(data, &cc); err != nil {
		return nil, fmt.Errorf("parse canonical config: %w", err)
	}
	if cc.Version == 0 {
		cc.Version = 1
	}
	return &cc, nil
}
