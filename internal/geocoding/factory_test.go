package geocoding_test

import (
	"log/slog"
	"testing"
	"time"

	"github.com/pieterfranken/schoolgeo/internal/geocoding"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProvider(t *testing.T) {
	logger := slog.Default()

	t.Run("nominatim provider", func(t *testing.T) {
		provider, err := geocoding.NewProvider(geocoding.ProviderConfig{
			Type:        geocoding.ProviderTypeNominatim,
			CountryCode: "nl",
			UserAgent:   testUserAgent,
			Timeout:     10 * time.Second,
			Logger:      logger,
		})

		require.NoError(t, err)
		assert.IsType(t, &geocoding.NominatimProvider{}, provider)
	})

	t.Run("nominatim requires a user agent", func(t *testing.T) {
		provider, err := geocoding.NewProvider(geocoding.ProviderConfig{
			Type:        geocoding.ProviderTypeNominatim,
			CountryCode: "nl",
			Logger:      logger,
		})

		require.Error(t, err)
		assert.Nil(t, provider)
		assert.Contains(t, err.Error(), "User-Agent is required")
	})

	t.Run("google provider", func(t *testing.T) {
		provider, err := geocoding.NewProvider(geocoding.ProviderConfig{
			Type:        geocoding.ProviderTypeGoogle,
			APIKey:      "AIzaTestKey",
			CountryCode: "nl",
			Logger:      logger,
		})

		require.NoError(t, err)
		assert.IsType(t, &geocoding.GoogleProvider{}, provider)
	})

	t.Run("google requires an API key", func(t *testing.T) {
		provider, err := geocoding.NewProvider(geocoding.ProviderConfig{
			Type:   geocoding.ProviderTypeGoogle,
			Logger: logger,
		})

		require.Error(t, err)
		assert.Nil(t, provider)
		assert.Contains(t, err.Error(), "API key is required")
	})

	t.Run("unsupported provider type", func(t *testing.T) {
		provider, err := geocoding.NewProvider(geocoding.ProviderConfig{
			Type:   geocoding.ProviderType("visicom"),
			Logger: logger,
		})

		require.Error(t, err)
		assert.Nil(t, provider)
		assert.Contains(t, err.Error(), "unsupported provider type")
	})
}
