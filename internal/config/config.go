package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const (
	defaultPort                = 5000
	defaultStorageRoot         = "storage"
	defaultTempDir             = "temp"
	defaultZipExpiry           = time.Hour
	defaultMaxZipSize    int64 = 20 << 30
	defaultProgressInterval    = 100 * time.Millisecond
	defaultMaxConcurrent       = 2
	defaultSizeParallelism     = 4
	defaultTokenTTL            = 24 * time.Hour
	defaultNATSSubject         = "mediavault.zip"
)

// Config describes runtime configuration for the service.
type Config struct {
	Port                int           `yaml:"port"`
	StorageRoot         string        `yaml:"storage_root"`
	TempDir             string        `yaml:"temp_dir"`
	ZipExpiry           time.Duration `yaml:"zip_expiry"`
	MaxZipSize          int64         `yaml:"max_zip_size"`
	CompressionLevel    int           `yaml:"compression_level"`
	ProgressInterval    time.Duration `yaml:"progress_interval"`
	MaxConcurrentBuilds int           `yaml:"max_concurrent_builds"`
	SizeParallelism     int           `yaml:"size_parallelism"`
	LogLevel            string        `yaml:"log_level"`
	Auth                Auth          `yaml:"auth"`
	NATS                NATS          `yaml:"nats"`
}

type Auth struct {
	JWTSecret    string        `yaml:"jwt_secret"`
	Username     string        `yaml:"username"`
	PasswordHash string        `yaml:"password_hash"`
	TokenTTL     time.Duration `yaml:"token_ttl"`
	// Password is only read from ADMIN_PASSWORD and hashed at startup.
	Password string `yaml:"-"`
}

// NATS is optional; lifecycle events are only published when URL is set.
type NATS struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
	Name    string `yaml:"name"`
}

func Default() Config {
	return Config{
		Port:                defaultPort,
		StorageRoot:         defaultStorageRoot,
		TempDir:             defaultTempDir,
		ZipExpiry:           defaultZipExpiry,
		MaxZipSize:          defaultMaxZipSize,
		CompressionLevel:    flate.BestCompression,
		ProgressInterval:    defaultProgressInterval,
		MaxConcurrentBuilds: defaultMaxConcurrent,
		SizeParallelism:     defaultSizeParallelism,
		LogLevel:            zerolog.InfoLevel.String(),
		Auth:                Auth{Username: "admin", TokenTTL: defaultTokenTTL},
		NATS:                NATS{Subject: defaultNATSSubject, Name: "mediavault"},
	}
}

// Load reads YAML config from the provided path and applies environment
// overrides. A missing or empty file yields defaults.
func Load(path string) (Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookupEnv func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, errors.New("empty config path")
	}
	fileData, err := os.ReadFile(path) //nolint:gosec // config path is controlled by deployment
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if len(fileData) > 0 {
		if err := yaml.Unmarshal(fileData, &cfg); err != nil {
			return cfg, fmt.Errorf("parse yaml: %w", err)
		}
	}
	if err := applyEnv(&cfg, lookupEnv); err != nil {
		return cfg, err
	}
	normalize(&cfg)
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv mirrors the variables of a dotenv deployment.
func applyEnv(cfg *Config, lookupEnv func(string) (string, bool)) error {
	if v, ok := lookupEnv("PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		cfg.Port = port
	}
	if v, ok := lookupEnv("FILE_STORAGE_PATH"); ok && v != "" {
		cfg.StorageRoot = v
	}
	if v, ok := lookupEnv("TEMP_DIR"); ok && v != "" {
		cfg.TempDir = v
	}
	if v, ok := lookupEnv("JWT_SECRET"); ok && v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v, ok := lookupEnv("ADMIN_USERNAME"); ok && v != "" {
		cfg.Auth.Username = v
	}
	if v, ok := lookupEnv("ADMIN_PASSWORD"); ok && v != "" {
		cfg.Auth.Password = v
	}
	if v, ok := lookupEnv("NATS_URL"); ok && v != "" {
		cfg.NATS.URL = v
	}
	if v, ok := lookupEnv("LOG_LEVEL"); ok && v != "" {
		cfg.LogLevel = v
	}
	return nil
}

func normalize(cfg *Config) {
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.TempDir == "" {
		cfg.TempDir = defaultTempDir
	}
	if cfg.ZipExpiry == 0 {
		cfg.ZipExpiry = defaultZipExpiry
	}
	if cfg.ProgressInterval == 0 {
		cfg.ProgressInterval = defaultProgressInterval
	}
	if cfg.SizeParallelism == 0 {
		cfg.SizeParallelism = defaultSizeParallelism
	}
	if cfg.Auth.TokenTTL == 0 {
		cfg.Auth.TokenTTL = defaultTokenTTL
	}
	if cfg.NATS.Subject == "" {
		cfg.NATS.Subject = defaultNATSSubject
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
}

func (c Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.StorageRoot == "" {
		return errors.New("storage_root is empty")
	}
	if c.ZipExpiry < 0 || c.ProgressInterval < 0 || c.Auth.TokenTTL < 0 {
		return errors.New("durations must be positive")
	}
	if c.MaxZipSize < 1 {
		return fmt.Errorf("invalid max_zip_size: %d (must be >= 1)", c.MaxZipSize)
	}
	if c.CompressionLevel < flate.HuffmanOnly || c.CompressionLevel > flate.BestCompression {
		return fmt.Errorf("invalid compression_level: %d (must be between %d and %d)", c.CompressionLevel, flate.HuffmanOnly, flate.BestCompression)
	}
	// values < 1 are not allowed
	if c.MaxConcurrentBuilds < 1 {
		return fmt.Errorf("invalid max_concurrent_builds: %d (must be >= 1)", c.MaxConcurrentBuilds)
	}
	if c.SizeParallelism < 1 {
		return fmt.Errorf("invalid size_parallelism: %d (must be >= 1)", c.SizeParallelism)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level: %w", err)
	}
	return nil
}

// Level returns the configured zerolog level.
func (c Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || c.LogLevel == "" {
		return zerolog.InfoLevel
	}
	return lvl
}
