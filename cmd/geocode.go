package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/pieterfranken/schoolgeo/internal/dataset"
	"github.com/pieterfranken/schoolgeo/internal/geocache"
	"github.com/pieterfranken/schoolgeo/internal/geocoding"
	"github.com/pieterfranken/schoolgeo/internal/metrics"
	"github.com/pieterfranken/schoolgeo/internal/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

var geocodeLimit int

var geocodeCmd = &cobra.Command{
	Use:   "geocode",
	Short: "Geocode records lacking coordinates using their full address",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runPass(cmd.Context(), false)
	},
}

var fallbackCmd = &cobra.Command{
	Use:   "fallback",
	Short: "Retry unresolved records at postcode+city precision with jitter",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runPass(cmd.Context(), true)
	},
}

func init() {
	geocodeCmd.Flags().IntVar(&geocodeLimit, "limit", 0, "geocode at most N records this run (0 = all)")
	rootCmd.AddCommand(geocodeCmd)
	rootCmd.AddCommand(fallbackCmd)
}

// runPass wires the cache, dataset, provider and metrics together and
// executes either the primary or the fallback pass.
func runPass(ctx context.Context, fallback bool) error {
	cache, err := geocache.Open(cfg.CacheFile)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	logger.InfoContext(ctx, "Cache loaded", "path", cfg.CacheFile, "entries", cache.Len())

	table, err := loadTableWithProgress(ctx)
	if err != nil {
		return err
	}

	provider, err := geocoding.NewProvider(geocoding.ProviderConfig{
		Type:        geocoding.ProviderType(cfg.Geocoder.Provider),
		APIKey:      cfg.Geocoder.APIKey,
		CountryCode: cfg.Geocoder.CountryCode,
		UserAgent:   cfg.Geocoder.UserAgent,
		Timeout:     cfg.Geocoder.Timeout,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("create geocoding provider: %w", err)
	}
	logger.InfoContext(ctx, "Geocoding provider initialized", "type", cfg.Geocoder.Provider)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	appMetrics := metrics.NewMetrics(reg)

	if metricsPort > 0 {
		go startMonitoringServer(ctx, logger, reg, metricsPort)
	}

	geocoder := service.NewGeocoder(service.Params{
		Logger:          logger,
		Provider:        provider,
		ProviderName:    cfg.Geocoder.Provider,
		Cache:           cache,
		Metrics:         appMetrics,
		RateInterval:    cfg.Geocoder.RateInterval,
		OutputPath:      cfg.OutputFile,
		CheckpointEvery: cfg.Geocoder.CheckpointEvery,
	})

	var stats *service.Stats
	if fallback {
		stats, err = geocoder.RunFallback(ctx, table)
	} else {
		stats, err = geocoder.Run(ctx, table, geocodeLimit)
	}
	if err != nil {
		return fmt.Errorf("geocoding run: %w", err)
	}

	printSummary(stats)
	return nil
}

// loadTableWithProgress loads the raw dataset and seeds coordinates from
// a previously written output file, so a resumed run does not re-query
// already-resolved records.
func loadTableWithProgress(ctx context.Context) (*dataset.Table, error) {
	table, err := dataset.Load(cfg.DataFile)
	if err != nil {
		return nil, fmt.Errorf("load dataset: %w", err)
	}
	logger.InfoContext(ctx, "Dataset loaded", "path", cfg.DataFile, "records", len(table.Records))

	if _, err = os.Stat(cfg.OutputFile); err == nil {
		progress, loadErr := dataset.Load(cfg.OutputFile)
		if loadErr != nil {
			return nil, fmt.Errorf("load progress file: %w", loadErr)
		}
		merged := dataset.MergeCoordinates(table, progress)
		logger.InfoContext(ctx, "Merged existing progress", "path", cfg.OutputFile, "seeded", merged)
	}

	return table, nil
}

// printSummary writes the human-readable run summary to stdout.
func printSummary(stats *service.Stats) {
	fmt.Printf("\nResolved %d/%d records (%.1f%%)\n",
		stats.AlreadyResolved+stats.NewlyResolved, stats.TotalRecords, stats.ResolutionRate()*100)
	fmt.Printf("Newly resolved: %d (of which %d from cache), failed: %d, skipped: %d, elapsed: %s\n",
		stats.NewlyResolved, stats.FromCache, stats.Failed, stats.Skipped, stats.Elapsed.Round(time.Second))

	if len(stats.Sample) > 0 {
		fmt.Println("\nSample of resolved records:")
		for _, rec := range stats.Sample {
			fmt.Printf("  %-50s %s  %.6f, %.6f\n", rec.Name, rec.City, *rec.Latitude, *rec.Longitude)
		}
	}
	for _, msg := range stats.FailureSample {
		fmt.Printf("  unresolved: %s\n", msg)
	}
}
