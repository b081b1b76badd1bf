// Package config provides layered configuration loading for the crashd
// service. It merges Defaults -> Environment Variables, with validation.
package config

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/vsrinivas/crashd/internal/domain"
)

const envPrefix = "CRASHD_"

// Config holds the merged runtime configuration for the crashd service.
// Order of precedence (lowest → highest): Defaults → Environment.
type Config struct {
	Addr            string             `koanf:"addr" validate:"required,ip_port"`
	DataDir         string             `koanf:"data_dir" validate:"required,safe_path"`
	CollectorURL    string             `koanf:"collector_url" validate:"required,url"`
	DefaultPolicy   string             `koanf:"default_policy" validate:"oneof=undecided archive delete upload"`
	MaxBodyBytes    domain.StorageSize `koanf:"max_body_bytes" validate:"required"`
	TempQuota       domain.StorageSize `koanf:"temp_quota" validate:"required"`
	PersistentQuota domain.StorageSize `koanf:"persistent_quota" validate:"required"`
	SnapshotQuota   domain.StorageSize `koanf:"snapshot_quota" validate:"required"`
	SnapshotWindow  time.Duration      `koanf:"snapshot_window" validate:"required"`
	SnapshotReserve time.Duration      `koanf:"snapshot_reserve"`
	SnapshotTimeout time.Duration      `koanf:"snapshot_timeout" validate:"required"`
	UploadTimeout   time.Duration      `koanf:"upload_timeout" validate:"required"`
	RetryInterval   time.Duration      `koanf:"retry_interval" validate:"required"`
	HourlyInterval  time.Duration      `koanf:"hourly_interval"`
	TelemetryFlush  time.Duration      `koanf:"telemetry_flush" validate:"required"`
}

// DefaultAppConfig is the baseline configuration before environment overlays.
var DefaultAppConfig = Config{
	Addr:            ":8093",
	DataDir:         "./data",
	CollectorURL:    "https://clients2.example.com/cr/report",
	DefaultPolicy:   "undecided",
	MaxBodyBytes:    16 * domain.Mebibyte,
	TempQuota:       5 * domain.Mebibyte,
	PersistentQuota: 10 * domain.Mebibyte,
	SnapshotQuota:   10 * domain.Mebibyte,
	SnapshotWindow:  5 * time.Second,
	SnapshotReserve: 15 * time.Second,
	SnapshotTimeout: 2 * time.Minute,
	UploadTimeout:   1 * time.Minute,
	RetryInterval:   15 * time.Minute,
	HourlyInterval:  1 * time.Hour,
	TelemetryFlush:  5 * time.Second,
}

// Derived paths under DataDir.

// TempReportsDir holds reports that may be lost on reboot.
func (c *Config) TempReportsDir() string { return filepath.Join(c.DataDir, "cache", "reports") }

// PersistentReportsDir holds reports that survive reboots.
func (c *Config) PersistentReportsDir() string { return filepath.Join(c.DataDir, "reports") }

// SnapshotsDir holds persisted snapshot archives.
func (c *Config) SnapshotsDir() string { return filepath.Join(c.DataDir, "snapshots") }

// RegisterPath is the product register's backing file.
func (c *Config) RegisterPath() string { return filepath.Join(c.DataDir, "register.json") }

// SQLiteDSN returns the DSN for the telemetry database under DataDir.
func (c *Config) SQLiteDSN() string {
	return "file:" + filepath.Join(c.DataDir, "crashd.db") +
		"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000&_synchronous=FULL"
}

// Policy returns the parsed default reporting policy.
func (c *Config) Policy() domain.ReportingPolicy {
	p, _ := domain.ParseReportingPolicy(c.DefaultPolicy)
	return p
}

// Loader hooks, swappable in tests.
var (
	defaultLoader = loadDefaults
	envLoader     = loadEnv

	registerValidators = func(v *validator.Validate) error {
		if err := v.RegisterValidation("ip_port", validIPPort); err != nil {
			return err
		}
		return v.RegisterValidation("safe_path", validSafePath)
	}
)

// Load builds the runtime configuration: defaults overlaid with CRASHD_*
// environment variables, then validated.
func Load() (*Config, error) {
	k := koanf.New(".")
	if err := defaultLoader(k); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}
	if err := envLoader(k); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				StringToStorageSize(),
				mapstructure.StringToTimeDurationHookFunc(),
			),
			Result:           &cfg,
			WeaklyTypedInput: true,
		},
	}); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	v := validator.New(validator.WithRequiredStructEnabled())
	if err := registerValidators(v); err != nil {
		return nil, fmt.Errorf("registering validators: %w", err)
	}
	if err := v.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.SnapshotWindow >= cfg.SnapshotTimeout {
		return nil, errors.New("snapshot_window must be less than snapshot_timeout")
	}
	if _, err := domain.ParseReportingPolicy(cfg.DefaultPolicy); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadDefaults(k *koanf.Koanf) error {
	return k.Load(structs.Provider(DefaultAppConfig, "koanf"), nil)
}

func loadEnv(k *koanf.Koanf) error {
	return k.Load(env.Provider(".", env.Opt{
		Prefix: envPrefix,
		TransformFunc: func(key, value string) (string, any) {
			return strings.ToLower(strings.TrimPrefix(key, envPrefix)), value
		},
	}), nil)
}

// validIPPort accepts "host:port" where host is empty or a literal IP and
// port is 1..65535.
func validIPPort(fl validator.FieldLevel) bool {
	addr := fl.Field().String()
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host != "" {
		if net.ParseIP(host) == nil {
			return false
		}
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		return false
	}
	return n >= 1 && n <= 65535
}

// validSafePath rejects the filesystem root, bare dots, and any path that
// traverses upward.
func validSafePath(fl validator.FieldLevel) bool {
	p := fl.Field().String()
	if p == "" || p == "." || p == "/" {
		return false
	}
	cleaned := filepath.Clean(p)
	if cleaned == "." || cleaned == "/" {
		return false
	}
	for _, seg := range strings.Split(filepath.ToSlash(cleaned), "/") {
		if seg == ".." {
			return false
		}
	}
	return true
}
