package config

import "time"

const (
	DefaultPort           = 50000
	DefaultSecret         = "secret"
	DefaultMaxConnections = 1000
	DefaultPrefix         = "vectank_data"
	DefaultLoginTimeout   = 10 * time.Second

	DefaultTankName      = "default"
	DefaultTankDimension = 1200
	DefaultTankDType     = "float32"
	DefaultTankMethod    = "cosine"
)

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = DefaultPort
	}
	if cfg.Server.Secret == "" && cfg.Server.SecretHash == "" {
		cfg.Server.Secret = DefaultSecret
	}
	if cfg.Server.MaxConnections == 0 {
		cfg.Server.MaxConnections = DefaultMaxConnections
	}
	if cfg.Server.LoginTimeout <= 0 {
		cfg.Server.LoginTimeout = DefaultLoginTimeout
	}
	if cfg.Auth.AttemptsPerSecond == 0 {
		cfg.Auth.AttemptsPerSecond = 5
	}
	if cfg.Auth.Burst == 0 {
		cfg.Auth.Burst = 10
	}
	if cfg.Storage.Prefix == "" {
		cfg.Storage.Prefix = DefaultPrefix
	}
	if cfg.DefaultTank.Name == "" {
		cfg.DefaultTank.Name = DefaultTankName
	}
	if cfg.DefaultTank.Dimension == 0 {
		cfg.DefaultTank.Dimension = DefaultTankDimension
	}
	if cfg.DefaultTank.DType == "" {
		cfg.DefaultTank.DType = DefaultTankDType
	}
	if cfg.DefaultTank.Method == "" {
		cfg.DefaultTank.Method = DefaultTankMethod
	}
	if cfg.Management.Host == "" {
		cfg.Management.Host = "localhost"
	}
}
