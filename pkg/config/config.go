package config

// Package config provides a reusable loader for Noosphere configuration files
// and environment variables. It mirrors the structure of the YAML files under
// cmd/config and is versioned so that applications can depend on a stable API
// contract.
//
// Version: v0.1.0

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"noosphere/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config represents the unified configuration for a Noosphere node: the
// storage location, the local author's key, and either the client-side
// gateway settings or the gateway server settings (or both, for a node that
// serves while also syncing a sphere of its own).
type Config struct {
	Storage struct {
		Path   string `mapstructure:"path" json:"path"`
		Memory bool   `mapstructure:"memory" json:"memory"`
	} `mapstructure:"storage" json:"storage"`

	Key struct {
		Dir  string `mapstructure:"dir" json:"dir"`
		Name string `mapstructure:"name" json:"name"`
	} `mapstructure:"key" json:"key"`

	Gateway struct {
		ListenAddr string `mapstructure:"listen_addr" json:"listen_addr"`
		// Counterparts enumerates the sphere DIDs this gateway agrees to
		// manage. An empty list refuses every client.
		Counterparts []string `mapstructure:"counterparts" json:"counterparts"`
		// NameRecordLifetime bounds the validity (in seconds) of link
		// records the gateway republishes for counterparts.
		NameRecordLifetime int `mapstructure:"name_record_lifetime" json:"name_record_lifetime"`
	} `mapstructure:"gateway" json:"gateway"`

	Client struct {
		GatewayURL     string `mapstructure:"gateway_url" json:"gateway_url"`
		RequestTimeout int    `mapstructure:"request_timeout" json:"request_timeout"`
	} `mapstructure:"client" json:"client"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and returned.
//
// The function uses the provided environment name to merge additional config
// files. If env is empty, only the default configuration is loaded. A .env
// file next to the process, when present, is folded into the environment
// before viper resolves overrides.
func Load(env string) (*Config, error) {
	_ = godotenv.Load()

	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.SetEnvPrefix("NOO")
	viper.AutomaticEnv()

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	applyDefaults(&AppConfig)
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the NOO_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("NOO_ENV", ""))
}

// Default returns a configuration suitable for local development when no
// config file is present on disk.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = utils.EnvOrDefault("NOO_STORAGE_PATH", ".noosphere")
	}
	if cfg.Key.Dir == "" {
		cfg.Key.Dir = utils.EnvOrDefault("NOO_KEY_DIR", ".noosphere/keys")
	}
	if cfg.Key.Name == "" {
		cfg.Key.Name = utils.EnvOrDefault("NOO_KEY_NAME", "default")
	}
	if cfg.Gateway.ListenAddr == "" {
		cfg.Gateway.ListenAddr = utils.EnvOrDefault("NOO_GATEWAY_LISTEN", "127.0.0.1:4433")
	}
	if cfg.Gateway.NameRecordLifetime == 0 {
		cfg.Gateway.NameRecordLifetime = 60 * 60 * 24
	}
	if cfg.Client.RequestTimeout == 0 {
		cfg.Client.RequestTimeout = utils.EnvOrDefaultInt("NOO_REQUEST_TIMEOUT", 120)
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = utils.EnvOrDefault("NOO_LOG_LEVEL", "info")
	}
}
