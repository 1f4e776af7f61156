package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment
// variables. If configFile is empty, it searches standard locations for
// mandategate.yaml/.yml. The search requires an explicit YAML extension so
// the binary itself (same base name, no extension) is never matched.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No config file in any standard location. Set name/type without
		// search paths so ReadInConfig returns ConfigFileNotFoundError,
		// which callers handle gracefully.
		viper.SetConfigName("mandategate")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: MANDATEGATE_DATABASE_URL etc.
	viper.SetEnvPrefix("MANDATEGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for mandategate.yaml or .yml.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".mandategate"),
		"/etc/mandategate",
	}
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "mandategate"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds nested config keys so environment variables can
// override them. Example: MANDATEGATE_SERVER_HTTP_ADDR overrides
// server.http_addr.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("server.http_addr")
	_ = viper.BindEnv("server.log_level")
	_ = viper.BindEnv("server.environment")
	_ = viper.BindEnv("server.bootstrap_secret")

	_ = viper.BindEnv("database.url")

	_ = viper.BindEnv("redis.enabled")
	_ = viper.BindEnv("redis.addr")
	_ = viper.BindEnv("redis.password")
	_ = viper.BindEnv("redis.db")

	_ = viper.BindEnv("audit.channel_size")
	_ = viper.BindEnv("audit.batch_size")
	_ = viper.BindEnv("audit.flush_interval")
	_ = viper.BindEnv("audit.send_timeout")
	_ = viper.BindEnv("audit.warning_threshold")

	_ = viper.BindEnv("seed_file")
}

// LoadConfig reads the configuration file, applies environment overrides,
// sets defaults, validates, and returns the Config. Validation failure is
// fatal to the caller; the service never boots with a bad configuration.
func LoadConfig() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file: environment variables only.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// ConfigFileUsed returns the path of the loaded configuration file, or an
// empty string in env-vars-only mode.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
