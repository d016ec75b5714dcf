// Package config provides layered configuration loading for the lockbox
// service. Sources merge in order Defaults -> YAML file -> Environment ->
// explicit overrides (CLI flags), and the result is validated.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is stripped from environment variables before they are mapped
// onto config keys, e.g. LOCKBOX_DATA_DIR -> data_dir.
const EnvPrefix = "LOCKBOX_"

// Config holds the merged runtime configuration.
type Config struct {
	Addr                 string        `koanf:"addr" validate:"required,ip_port"`
	DataDir              string        `koanf:"data_dir" validate:"required,safe_path"`
	Backend              string        `koanf:"backend" validate:"oneof=sqlite memory redis"`
	RedisAddr            string        `koanf:"redis_addr" validate:"omitempty,hostname_port"`
	RedisPassword        string        `koanf:"redis_password"`
	RedisDB              int           `koanf:"redis_db" validate:"gte=0"`
	MaxBytes             int64         `koanf:"max_bytes" validate:"gt=0"`
	InlineMax            int64         `koanf:"inline_max" validate:"gte=0"`
	MaxTTL               time.Duration `koanf:"max_ttl" validate:"gte=1m"`
	MaxReads             int           `koanf:"max_reads" validate:"gte=1"`
	KDFIterations        int           `koanf:"kdf_iterations" validate:"gte=1000"`
	AdminToken           string        `koanf:"admin_token" validate:"omitempty,min=16"`
	MetricsToken         string        `koanf:"metrics_token" validate:"omitempty,min=16"`
	JanitorInterval      time.Duration `koanf:"janitor_interval" validate:"gte=1s"`
	MetricsFlushInterval time.Duration `koanf:"metrics_flush_interval" validate:"gte=100ms"`
	LogLevel             string        `koanf:"log_level" validate:"oneof=debug info warn error"`
	LogFormat            string        `koanf:"log_format" validate:"oneof=text json"`
}

// DefaultAppConfig holds the defaults every load starts from.
var DefaultAppConfig = Config{
	Addr:                 ":8080",
	DataDir:              "./data",
	Backend:              "sqlite",
	RedisDB:              0,
	MaxBytes:             10 << 20, // 10 MiB
	InlineMax:            64 << 10, // 64 KiB
	MaxTTL:               7 * 24 * time.Hour,
	MaxReads:             100,
	KDFIterations:        310_000,
	JanitorInterval:      5 * time.Minute,
	MetricsFlushInterval: 10 * time.Second,
	LogLevel:             "info",
	LogFormat:            "text",
}

// Option customizes a single Load call.
type Option func(*loadOptions)

type loadOptions struct {
	file      string
	overrides map[string]any
}

// WithFile merges the YAML file at path on top of the defaults. An empty
// path is ignored.
func WithFile(path string) Option {
	return func(o *loadOptions) { o.file = path }
}

// WithOverrides applies key/value pairs last, typically from CLI flags the
// user set explicitly. Keys use the koanf names, e.g. "data_dir".
func WithOverrides(values map[string]any) Option {
	return func(o *loadOptions) { o.overrides = values }
}

var defaultLoader = func(k *koanf.Koanf) error {
	return k.Load(structs.Provider(DefaultAppConfig, "koanf"), nil)
}

var fileLoader = func(k *koanf.Koanf, path string) error {
	return k.Load(yamlFile(path), nil)
}

var envLoader = func(k *koanf.Koanf) error {
	return k.Load(env.Provider(".", env.Opt{
		Prefix: EnvPrefix,
		TransformFunc: func(key, value string) (string, any) {
			return strings.ToLower(strings.TrimPrefix(key, EnvPrefix)), value
		},
	}), nil)
}

var registerValidators = func(v *validator.Validate) error {
	if err := v.RegisterValidation("ip_port", validIPPort); err != nil {
		return err
	}
	return v.RegisterValidation("safe_path", validSafePath)
}

// Load merges every configuration source and validates the result.
func Load(opts ...Option) (*Config, error) {
	var o loadOptions
	for _, opt := range opts {
		opt(&o)
	}

	k := koanf.New(".")
	if err := defaultLoader(k); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	if o.file != "" {
		if err := fileLoader(k, o.file); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", o.file, err)
		}
	}
	if err := envLoader(k); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}
	for key, val := range o.overrides {
		if err := k.Set(key, val); err != nil {
			return nil, fmt.Errorf("override %s: %w", key, err)
		}
	}

	cfg := &Config{}
	err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				StringToByteSize(),
			),
			Result:           cfg,
			WeaklyTypedInput: true,
			TagName:          "koanf",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	v := validator.New()
	if err := registerValidators(v); err != nil {
		return nil, fmt.Errorf("register validators: %w", err)
	}
	if err := v.Struct(cfg); err != nil {
		return nil, err
	}
	if cfg.Backend == "redis" && cfg.RedisAddr == "" {
		return nil, errors.New("redis_addr is required when backend is redis")
	}
	if cfg.InlineMax > cfg.MaxBytes {
		return nil, errors.New("inline_max must not exceed max_bytes")
	}
	if cfg.AdminToken != "" && cfg.AdminToken == cfg.MetricsToken {
		return nil, errors.New("admin_token and metrics_token must differ")
	}
	return cfg, nil
}

// SQLiteDSN renders the DSN of the index database inside DataDir.
func (c *Config) SQLiteDSN() string {
	return "file:" + filepath.Join(c.DataDir, "lockbox.db") + "?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000&_synchronous=FULL"
}

// BlobDir is where external ciphertext blobs are written.
func (c *Config) BlobDir() string { return filepath.Join(c.DataDir, "blobs") }

// yamlFile is a koanf.Provider reading a YAML document from disk.
type yamlFile string

func (y yamlFile) ReadBytes() ([]byte, error) { return os.ReadFile(string(y)) }

func (y yamlFile) Read() (map[string]any, error) {
	b, err := y.ReadBytes()
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := yaml.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// validIPPort accepts host:port where host is empty or a literal IP and port
// is in 1..65535.
func validIPPort(fl validator.FieldLevel) bool {
	host, port, err := net.SplitHostPort(fl.Field().String())
	if err != nil {
		return false
	}
	if host != "" && net.ParseIP(host) == nil {
		return false
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		return false
	}
	return n >= 1 && n <= 65535
}

// validSafePath rejects empty paths, the filesystem root, the working
// directory itself and anything containing a ".." element.
func validSafePath(fl validator.FieldLevel) bool {
	p := fl.Field().String()
	if strings.TrimSpace(p) == "" {
		return false
	}
	for _, part := range strings.Split(filepath.ToSlash(p), "/") {
		if part == ".." {
			return false
		}
	}
	clean := filepath.Clean(p)
	return clean != "." && clean != string(filepath.Separator)
}
