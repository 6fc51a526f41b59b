package config

import (
	"fmt"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// Watch loads config.toml from configDir and calls onChange with a freshly
// decoded snapshot every time the file is written. Invalid edits are logged
// and skipped; the previous snapshot stays in force.
func Watch(configDir string, logger zerolog.Logger, onChange func(*Config)) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil, createTemplateConfig(configDir, "config")
		}
		return nil, fmt.Errorf("loading config.toml: %w", err)
	}

	cfg, err := fromViper(v)
	if err != nil {
		return nil, err
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		next, err := fromViper(v)
		if err != nil {
			logger.Warn().Err(err).Str("file", e.Name).Msg("Ignoring invalid config change")
			return
		}
		logger.Info().Str("file", e.Name).Msg("Config reloaded")
		onChange(next)
	})
	v.WatchConfig()

	return cfg, nil
}
