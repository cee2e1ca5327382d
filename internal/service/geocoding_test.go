package service_test

import (
	"context"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/Flaque/filet"
	"github.com/pieterfranken/schoolgeo/internal/dataset"
	"github.com/pieterfranken/schoolgeo/internal/geocache"
	"github.com/pieterfranken/schoolgeo/internal/geocoding"
	"github.com/pieterfranken/schoolgeo/internal/metrics"
	"github.com/pieterfranken/schoolgeo/internal/models"
	"github.com/pieterfranken/schoolgeo/internal/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider counts calls per query and answers from a fixed table.
type fakeProvider struct {
	calls   map[string]int
	results map[string]*models.Coordinates // nil value = no match
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		calls:   make(map[string]int),
		results: make(map[string]*models.Coordinates),
	}
}

func (f *fakeProvider) Geocode(_ context.Context, query string) (*models.Coordinates, error) {
	f.calls[query]++
	coords, ok := f.results[query]
	if !ok || coords == nil {
		return nil, geocoding.ErrNoMatch
	}
	cp := *coords
	return &cp, nil
}

func (f *fakeProvider) totalCalls() int {
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

type fixture struct {
	geocoder *service.Geocoder
	provider *fakeProvider
	cache    *geocache.Cache
	output   string
	cachePth string
}

func newFixture(t *testing.T, checkpointEvery int) *fixture {
	t.Helper()
	dir := filet.TmpDir(t, "")
	cachePath := filepath.Join(dir, "cache.json")
	outputPath := filepath.Join(dir, "output.csv")

	cache, err := geocache.Open(cachePath)
	require.NoError(t, err)

	provider := newFakeProvider()
	geocoder := service.NewGeocoder(service.Params{
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		Provider:        provider,
		ProviderName:    "fake",
		Cache:           cache,
		Metrics:         metrics.NewMetrics(prometheus.NewRegistry()),
		RateInterval:    0, // no pacing in tests
		OutputPath:      outputPath,
		CheckpointEvery: checkpointEvery,
		ProgressOut:     io.Discard,
		Rand:            rand.New(rand.NewPCG(1, 2)),
	})

	return &fixture{
		geocoder: geocoder,
		provider: provider,
		cache:    cache,
		output:   outputPath,
		cachePth: cachePath,
	}
}

func record(id, street, houseNo, postcode, city string) *models.SchoolRecord {
	return &models.SchoolRecord{
		ID:       id,
		Name:     "School " + id,
		Street:   street,
		HouseNo:  houseNo,
		Postcode: postcode,
		City:     city,
		Extra:    map[string]string{},
	}
}

func newTable(records ...*models.SchoolRecord) *dataset.Table {
	return &dataset.Table{
		Columns: []string{
			dataset.ColID, dataset.ColName, dataset.ColStreet,
			dataset.ColHouseNo, dataset.ColHouseAdd, dataset.ColPostcode, dataset.ColCity,
		},
		Records: records,
	}
}

func TestGeocoder_Run(t *testing.T) {
	defer filet.CleanUp(t)
	ctx := context.Background()

	t.Run("resolves records and writes checkpoint files", func(t *testing.T) {
		fix := newFixture(t, 50)
		fix.provider.results["Kerkstraat 12, 1234 AB, Utrecht, Netherlands"] =
			&models.Coordinates{Latitude: 52.0907, Longitude: 5.1214}

		table := newTable(record("01", "Kerkstraat", "12", "1234 AB", "Utrecht"))
		stats, err := fix.geocoder.Run(ctx, table, 0)

		require.NoError(t, err)
		assert.Equal(t, 1, stats.NewlyResolved)
		assert.Equal(t, 0, stats.Failed)
		require.True(t, table.Records[0].Resolved())
		assert.InDelta(t, 52.0907, *table.Records[0].Latitude, 0)

		// Final checkpoint is unconditional.
		_, err = os.Stat(fix.output)
		require.NoError(t, err)
		_, err = os.Stat(fix.cachePth)
		require.NoError(t, err)
	})

	t.Run("at most one network call per unique query", func(t *testing.T) {
		fix := newFixture(t, 50)
		query := "Kerkstraat 12, 1234 AB, Utrecht, Netherlands"
		fix.provider.results[query] = &models.Coordinates{Latitude: 52.0907, Longitude: 5.1214}

		// Two different records sharing one address.
		table := newTable(
			record("01", "Kerkstraat", "12", "1234 AB", "Utrecht"),
			record("02", "Kerkstraat", "12", "1234 AB", "Utrecht"),
		)
		stats, err := fix.geocoder.Run(ctx, table, 0)

		require.NoError(t, err)
		assert.Equal(t, 2, stats.NewlyResolved)
		assert.Equal(t, 1, stats.FromCache)
		assert.Equal(t, 1, fix.provider.calls[query])
	})

	t.Run("failed lookups are cached and never retried", func(t *testing.T) {
		fix := newFixture(t, 50)
		table := newTable(record("01", "Spookstraat", "1", "0000 XX", "Nergenshuizen"))

		stats, err := fix.geocoder.Run(ctx, table, 0)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Failed)
		assert.Len(t, stats.FailureSample, 1)

		// Second pass over the same record must be served from cache.
		stats, err = fix.geocoder.Run(ctx, table, 0)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Failed)
		assert.Equal(t, 1, stats.FromCache)
		assert.Equal(t, 1, fix.provider.totalCalls())
	})

	t.Run("already resolved records are not re-queried", func(t *testing.T) {
		fix := newFixture(t, 50)
		resolved := record("01", "Kerkstraat", "12", "1234 AB", "Utrecht")
		resolved.SetCoordinates(models.Coordinates{Latitude: 52, Longitude: 5})

		table := newTable(resolved)
		stats, err := fix.geocoder.Run(ctx, table, 0)

		require.NoError(t, err)
		assert.Equal(t, 1, stats.AlreadyResolved)
		assert.Equal(t, 0, stats.NewlyResolved)
		assert.Equal(t, 0, fix.provider.totalCalls())
	})

	t.Run("limit restricts the pass", func(t *testing.T) {
		fix := newFixture(t, 50)
		table := newTable(
			record("01", "A", "1", "1111 AA", "Utrecht"),
			record("02", "B", "2", "2222 BB", "Utrecht"),
			record("03", "C", "3", "3333 CC", "Utrecht"),
		)

		stats, err := fix.geocoder.Run(ctx, table, 2)

		require.NoError(t, err)
		assert.Equal(t, 2, fix.provider.totalCalls())
		assert.Equal(t, 2, stats.Failed)
	})

	t.Run("cancelled context stops between records after a checkpoint", func(t *testing.T) {
		fix := newFixture(t, 50)
		cancelled, cancel := context.WithCancel(context.Background())
		cancel()

		table := newTable(record("01", "Kerkstraat", "12", "1234 AB", "Utrecht"))
		stats, err := fix.geocoder.Run(cancelled, table, 0)

		require.NoError(t, err)
		assert.True(t, stats.Interrupted)
		assert.Equal(t, 0, fix.provider.totalCalls())
		_, err = os.Stat(fix.output)
		require.NoError(t, err)
	})
}

func TestGeocoder_Resume(t *testing.T) {
	defer filet.CleanUp(t)
	ctx := context.Background()

	// First run resolves one of two records, then "crashes" before the
	// second. A resumed run seeds coordinates from the checkpoint and
	// must not re-resolve the first record.
	fix := newFixture(t, 1)
	queryA := "Kerkstraat 12, 1234 AB, Utrecht, Netherlands"
	fix.provider.results[queryA] = &models.Coordinates{Latitude: 52.0907, Longitude: 5.1214}

	table := newTable(record("01", "Kerkstraat", "12", "1234 AB", "Utrecht"))
	_, err := fix.geocoder.Run(ctx, table, 0)
	require.NoError(t, err)
	require.Equal(t, 1, fix.provider.calls[queryA])

	// Fresh table as a crashed process would reload it, seeded from the
	// checkpointed output.
	fresh := newTable(
		record("01", "Kerkstraat", "12", "1234 AB", "Utrecht"),
		record("02", "Dorpsweg", "3", "5678 CD", "Eindhoven"),
	)
	progress, err := dataset.Load(fix.output)
	require.NoError(t, err)
	require.Equal(t, 1, dataset.MergeCoordinates(fresh, progress))

	stats, err := fix.geocoder.Run(ctx, fresh, 0)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.AlreadyResolved)
	assert.Equal(t, 1, fix.provider.calls[queryA], "resolved record must not be re-queried")
	assert.Equal(t, 1, fix.provider.calls["Dorpsweg 3, 5678 CD, Eindhoven, Netherlands"])
}

func TestGeocoder_RunFallback(t *testing.T) {
	defer filet.CleanUp(t)
	ctx := context.Background()

	t.Run("jitters the cached coarse result within bounds", func(t *testing.T) {
		fix := newFixture(t, 50)
		fallbackQuery := "1234 AB, Utrecht, Netherlands"
		fix.provider.results[fallbackQuery] = &models.Coordinates{Latitude: 52.09, Longitude: 5.12}

		// Two schools sharing a postcode resolve to distinct points.
		table := newTable(
			record("01", "", "", "1234 AB", "Utrecht"),
			record("02", "", "", "1234 AB", "Utrecht"),
		)
		stats, err := fix.geocoder.RunFallback(ctx, table)

		require.NoError(t, err)
		assert.Equal(t, 2, stats.NewlyResolved)
		assert.Equal(t, 1, fix.provider.calls[fallbackQuery])

		for _, rec := range table.Records {
			require.True(t, rec.Resolved())
			assert.InDelta(t, 52.09, *rec.Latitude, 0.002)
			assert.InDelta(t, 5.12, *rec.Longitude, 0.002)
		}
		latA, latB := *table.Records[0].Latitude, *table.Records[1].Latitude
		lonA, lonB := *table.Records[0].Longitude, *table.Records[1].Longitude
		assert.True(t, latA != latB || lonA != lonB, "shared postcode should not overlap exactly")
	})

	t.Run("requires both postcode and city", func(t *testing.T) {
		fix := newFixture(t, 50)
		table := newTable(
			record("01", "", "", "1234 AB", ""),
			record("02", "", "", "", "Utrecht"),
			record("03", "", "", "", ""),
			record("04", "", "", "nan", "Utrecht"),
		)

		stats, err := fix.geocoder.RunFallback(ctx, table)

		require.NoError(t, err)
		assert.Equal(t, 4, stats.Skipped)
		assert.Equal(t, 0, fix.provider.totalCalls())
		assert.Len(t, stats.FailureSample, 4)
	})

	t.Run("fallback failure counts as failed", func(t *testing.T) {
		fix := newFixture(t, 50)
		table := newTable(record("01", "", "", "0000 XX", "Nergenshuizen"))

		stats, err := fix.geocoder.RunFallback(ctx, table)

		require.NoError(t, err)
		assert.Equal(t, 1, stats.Failed)
		assert.Equal(t, 0, stats.NewlyResolved)
	})
}

func TestStats_ResolutionRate(t *testing.T) {
	stats := &service.Stats{TotalRecords: 4, AlreadyResolved: 1, NewlyResolved: 2}
	assert.InDelta(t, 0.75, stats.ResolutionRate(), 1e-9)

	empty := &service.Stats{}
	assert.InDelta(t, 0.0, empty.ResolutionRate(), 0)
}
