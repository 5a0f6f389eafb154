package config

import (
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Apk    string `mapstructure:"apk"`
	Serial string `mapstructure:"serial"`
	Port   int    `mapstructure:"port"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	ConnectTimeoutSeconds         int `mapstructure:"connect_timeout_seconds"`
	StartupDelaySeconds           int `mapstructure:"startup_delay_seconds"`
	PermissionPollIntervalSeconds int `mapstructure:"permission_poll_interval_seconds"`
	PermissionPollTimeoutSeconds  int `mapstructure:"permission_poll_timeout_seconds"`
}

func Default() *Config {
	return &Config{
		Apk:                           "sndcpy.apk",
		Port:                          28200,
		LogLevel:                      "info",
		LogFormat:                     "text",
		ConnectTimeoutSeconds:         10,
		StartupDelaySeconds:           1,
		PermissionPollIntervalSeconds: 2,
		PermissionPollTimeoutSeconds:  30,
	}
}

// Load reads the config file (explicit path, or sndcpy.yaml from the user
// config dir / working dir) and applies SNDCPY_* environment overrides.
// A missing config file is not an error; defaults apply.
func Load(cfgFile string) (*Config, error) {
	// Optional .env next to the binary, mainly for development setups.
	_ = godotenv.Load()

	v := viper.New()

	def := Default()
	v.SetDefault("apk", def.Apk)
	v.SetDefault("serial", def.Serial)
	v.SetDefault("port", def.Port)
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("log_format", def.LogFormat)
	v.SetDefault("connect_timeout_seconds", def.ConnectTimeoutSeconds)
	v.SetDefault("startup_delay_seconds", def.StartupDelaySeconds)
	v.SetDefault("permission_poll_interval_seconds", def.PermissionPollIntervalSeconds)
	v.SetDefault("permission_poll_timeout_seconds", def.PermissionPollTimeoutSeconds)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("sndcpy")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("SNDCPY")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func configDir() string {
	if base, err := os.UserConfigDir(); err == nil {
		return filepath.Join(base, "sndcpy")
	}
	return "."
}
