// Package config loads application settings from an optional YAML file,
// a .env file, and SCHOOLGEO_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the configuration settings for the geocoding pipeline.
type Config struct {
	Env         string         `mapstructure:"env"`          // Env is the current environment: local, development, production.
	DataFile    string         `mapstructure:"data_file"`    // DataFile is the raw input dataset.
	OutputFile  string         `mapstructure:"output_file"`  // OutputFile is the dataset augmented with coordinates; doubles as the resume file.
	CacheFile   string         `mapstructure:"cache_file"`   // CacheFile is the persisted query cache.
	ClientFile  string         `mapstructure:"client_file"`  // ClientFile stores the client school IDs.
	MetricsPort int            `mapstructure:"metrics_port"` // MetricsPort is the monitoring server port (0 disables it).
	Geocoder    GeocoderConfig `mapstructure:"geocoder"`     // Geocoder holds provider and pacing settings.
}

// GeocoderConfig holds the provider selection and request pacing knobs.
type GeocoderConfig struct {
	Provider        string        `mapstructure:"provider"`         // Provider selects the geocoding backend (nominatim, google).
	APIKey          string        `mapstructure:"api_key"`          // APIKey is required for the Google provider.
	CountryCode     string        `mapstructure:"country_code"`     // CountryCode restricts results to one country.
	UserAgent       string        `mapstructure:"user_agent"`       // UserAgent identifies this application to the API.
	Timeout         time.Duration `mapstructure:"timeout"`          // Timeout bounds each provider request.
	RateInterval    time.Duration `mapstructure:"rate_interval"`    // RateInterval is the minimum spacing between API calls.
	CheckpointEvery int           `mapstructure:"checkpoint_every"` // CheckpointEvery flushes output and cache every N resolutions.
}

// Load reads configuration with sane defaults for every setting, so the
// pipeline runs out of the box against the public Nominatim endpoint.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("schoolgeo")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetDefault("env", "local")
	v.SetDefault("data_file", "nl_highschools_full.csv")
	v.SetDefault("output_file", "nl_highschools_accurate_coordinates.csv")
	v.SetDefault("cache_file", "accurate_geocoding_cache.json")
	v.SetDefault("client_file", "client_schools.json")
	v.SetDefault("metrics_port", 0)
	v.SetDefault("geocoder.provider", "nominatim")
	v.SetDefault("geocoder.api_key", "")
	v.SetDefault("geocoder.country_code", "nl")
	v.SetDefault("geocoder.user_agent", "schoolgeo/1.0 (educational research)")
	v.SetDefault("geocoder.timeout", 10*time.Second)
	v.SetDefault("geocoder.rate_interval", 1200*time.Millisecond)
	v.SetDefault("geocoder.checkpoint_every", 50)

	v.SetEnvPrefix("SCHOOLGEO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Geocoder.CheckpointEvery < 1 {
		return nil, errors.New("geocoder.checkpoint_every must be at least 1")
	}
	if cfg.Geocoder.RateInterval < 0 {
		return nil, errors.New("geocoder.rate_interval must not be negative")
	}

	return &cfg, nil
}
