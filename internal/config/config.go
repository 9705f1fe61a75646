// Package config provides configuration loading and structs for the vectank server.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vectank.org/vectank-server/internal/similarity"
	"github.com/vectank.org/vectank-server/internal/storage"
)

// Config holds all configuration for the server.
type Config struct {
	Debug       bool             `yaml:"debug"`
	Server      ServerConfig     `yaml:"server"`
	Auth        AuthConfig       `yaml:"auth"`
	Storage     StorageConfig    `yaml:"storage"`
	DefaultTank TankConfig       `yaml:"default_tank"`
	Management  ManagementConfig `yaml:"management"`
}

// ServerConfig holds TCP listener settings.
type ServerConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	Secret         string `yaml:"secret"`
	SecretHash     string `yaml:"secret_hash"`
	MaxConnections int    `yaml:"max_connections"`
	// LoginTimeout bounds how long a new connection may take to send its
	// login line.
	LoginTimeout time.Duration `yaml:"login_timeout"`
}

// Addr is the listen address; an empty host listens on all interfaces.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// AuthConfig bounds authentication attempts per remote host.
type AuthConfig struct {
	AttemptsPerSecond float64 `yaml:"attempts_per_second"`
	Burst             int     `yaml:"burst"`
}

// StorageConfig holds snapshot settings.
type StorageConfig struct {
	Prefix           string        `yaml:"prefix"`
	Compress         *bool         `yaml:"compress"`
	LoadOnStart      *bool         `yaml:"load_on_start"`
	AutosaveInterval time.Duration `yaml:"autosave_interval"`
}

// CompressOrDefault returns whether to zstd the vector archive; defaults to true when unset.
func (s StorageConfig) CompressOrDefault() bool {
	if s.Compress != nil {
		return *s.Compress
	}
	return true
}

// LoadOnStartOrDefault returns whether to load the snapshot at startup; defaults to true when unset.
func (s StorageConfig) LoadOnStartOrDefault() bool {
	if s.LoadOnStart != nil {
		return *s.LoadOnStart
	}
	return true
}

// TankConfig describes the tank created at startup.
type TankConfig struct {
	Name      string `yaml:"name"`
	Dimension int    `yaml:"dimension"`
	DType     string `yaml:"dtype"`
	Method    string `yaml:"method"`
	Capacity  int    `yaml:"capacity"`
}

// StorageConfig converts the textual settings into a tank configuration.
func (t TankConfig) StorageConfig() (storage.Config, error) {
	dtype, err := storage.ParseDType(t.DType)
	if err != nil {
		return storage.Config{}, fmt.Errorf("default_tank.dtype: %w", err)
	}
	method, err := similarity.ParseMethod(t.Method)
	if err != nil {
		return storage.Config{}, fmt.Errorf("default_tank.method: %w", err)
	}
	cfg := storage.Config{
		Name:      t.Name,
		Dimension: t.Dimension,
		DType:     dtype,
		Method:    method,
		Capacity:  t.Capacity,
	}
	if err := cfg.Validate(); err != nil {
		return storage.Config{}, fmt.Errorf("default_tank: %w", err)
	}
	return cfg, nil
}

// ManagementConfig holds the HTTP management API settings. Port 0 disables it.
type ManagementConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	ApplyDefaults(&cfg)
	return &cfg
}

// Load reads and parses the config file at path, expands paths, and applies defaults.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)
	cfg.Storage.Prefix = expandPath(cfg.Storage.Prefix, filepath.Dir(path))
	return &cfg, nil
}

// LoadOrDefault behaves like Load but returns the defaults when path does
// not exist and was not asked for explicitly.
func LoadOrDefault(path string, explicit bool) (*Config, error) {
	cfg, err := Load(path)
	if err != nil && !explicit && errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Save writes the config to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// expandPath resolves "./" paths against configDir and "~/" paths against
// the home directory. Other paths are returned unchanged.
func expandPath(path string, configDir string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
