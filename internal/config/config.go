// This file defines the configuration structure for the plugin host.
package config

import (
	// use Viper for loading the config.yml file.
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration settings for the host.
// It maps directly to the structure of config.yml.
type Config struct {
	Port     int    `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`
	Database struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"database"`
	Storage struct {
		// Driver selects the storage backend: "sqlite", "memory" or "redis".
		Driver    string `mapstructure:"driver"`
		RedisAddr string `mapstructure:"redis_addr"`
		RedisDB   int    `mapstructure:"redis_db"`
	} `mapstructure:"storage"`
	Plugins struct {
		Path                  string `mapstructure:"path"`
		HookTimeout           int    `mapstructure:"hook_timeout"` // seconds
		AutoEnable            bool   `mapstructure:"auto_enable"`
		AutoEnableConcurrency int    `mapstructure:"auto_enable_concurrency"`
		SyncInterval          int    `mapstructure:"sync_interval"` // minutes, 0 disables
		Watch                 bool   `mapstructure:"watch"`
	} `mapstructure:"plugins"`
	Panel struct {
		AnimationMS int `mapstructure:"animation_ms"`
	} `mapstructure:"panel"`
	Document struct {
		// Template is an optional HTML file used as the host page.
		Template string `mapstructure:"template"`
	} `mapstructure:"document"`
}

// Load reads configuration from a file named "config.yml" in the
// current directory and unmarshals it into a Config struct.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yml")
	v.AddConfigPath(".")

	// --- Environment Variable Overrides ---
	// e.g., PPLX_DATABASE_PATH will override the `database.path` key.
	v.SetEnvPrefix("PPLX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; ignore error and use defaults
		} else {
			// Config file was found but another error was produced
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// SetDefaults registers the default value of every known key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("database.path", "./pplx.db")
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.redis_addr", "localhost:6379")
	v.SetDefault("storage.redis_db", 0)
	v.SetDefault("plugins.path", "./plugins")
	v.SetDefault("plugins.hook_timeout", 30)
	v.SetDefault("plugins.auto_enable", true)
	v.SetDefault("plugins.auto_enable_concurrency", 4)
	v.SetDefault("plugins.sync_interval", 5)
	v.SetDefault("plugins.watch", true)
	v.SetDefault("panel.animation_ms", 300)
	v.SetDefault("document.template", "")
}

// Default returns a Config populated only with default values. It is used by
// tests and by callers that do not want to touch the working directory.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	var config Config
	// Unmarshalling defaults into a known struct cannot fail.
	_ = v.Unmarshal(&config)
	return &config
}
