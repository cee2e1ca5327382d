// Package service drives the batch geocoding run: cache-first lookups,
// rate-limited API calls, periodic checkpoints and the fallback pass.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"time"

	"github.com/pieterfranken/schoolgeo/internal/address"
	"github.com/pieterfranken/schoolgeo/internal/dataset"
	"github.com/pieterfranken/schoolgeo/internal/geocache"
	"github.com/pieterfranken/schoolgeo/internal/geocoding"
	"github.com/pieterfranken/schoolgeo/internal/metrics"
	"github.com/pieterfranken/schoolgeo/internal/models"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/time/rate"
)

const (
	// fallbackJitterDeg is the maximum offset applied to fallback results
	// on each axis so schools sharing a postcode do not overlap exactly.
	fallbackJitterDeg = 0.002
	// failureSampleLimit bounds how many failure messages are kept for
	// the summary instead of flooding output.
	failureSampleLimit = 10
	// resolvedSampleLimit bounds the sanity-check sample in the summary.
	resolvedSampleLimit = 10
)

// Geocoder orchestrates a sequential geocoding run over the dataset.
// Requests are strictly sequential and spaced by the rate limiter to
// honor the external service's usage policy; the dataset table and the
// cache are owned exclusively by the goroutine calling Run.
type Geocoder struct {
	log             *slog.Logger
	provider        geocoding.Provider
	providerName    string
	cache           *geocache.Cache
	metrics         *metrics.Metrics
	limiter         *rate.Limiter
	outputPath      string
	checkpointEvery int
	progressOut     io.Writer
	rng             *rand.Rand
}

// Params bundles the dependencies of a Geocoder.
type Params struct {
	Logger          *slog.Logger
	Provider        geocoding.Provider
	ProviderName    string
	Cache           *geocache.Cache
	Metrics         *metrics.Metrics
	RateInterval    time.Duration // minimum spacing between API calls
	OutputPath      string        // checkpoint target for the augmented dataset
	CheckpointEvery int           // flush output and cache every N resolutions
	ProgressOut     io.Writer     // progress bar destination, defaults to stderr
	Rand            *rand.Rand    // jitter source, defaults to a seeded PCG
}

// Stats accumulates the counters of one run.
type Stats struct {
	TotalRecords    int
	AlreadyResolved int
	NewlyResolved   int
	FromCache       int
	Failed          int
	Skipped         int // fallback records lacking both postcode and city
	Interrupted     bool
	Elapsed         time.Duration
	FailureSample   []string
	Sample          []*models.SchoolRecord
}

// ResolutionRate returns the share of records with coordinates after the run.
func (s *Stats) ResolutionRate() float64 {
	if s.TotalRecords == 0 {
		return 0
	}
	return float64(s.AlreadyResolved+s.NewlyResolved) / float64(s.TotalRecords)
}

// NewGeocoder creates a Geocoder from the given parameters.
func NewGeocoder(params Params) *Geocoder {
	if params.ProgressOut == nil {
		params.ProgressOut = os.Stderr
	}
	if params.Rand == nil {
		params.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	var limiter *rate.Limiter
	if params.RateInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(params.RateInterval), 1)
	}

	return &Geocoder{
		log:             params.Logger,
		provider:        params.Provider,
		providerName:    params.ProviderName,
		cache:           params.Cache,
		metrics:         params.Metrics,
		limiter:         limiter,
		outputPath:      params.OutputPath,
		checkpointEvery: params.CheckpointEvery,
		progressOut:     params.ProgressOut,
		rng:             params.Rand,
	}
}

// Run executes the primary geocoding pass: every unresolved record gets
// its full-address query, served from cache when possible and from the
// API otherwise. The output table and the cache are checkpointed every
// checkpointEvery resolutions and unconditionally at the end, so an
// interrupted run loses at most one checkpoint interval of work.
//
// Limit > 0 restricts the pass to the first limit unresolved records.
func (g *Geocoder) Run(ctx context.Context, table *dataset.Table, limit int) (*Stats, error) {
	pending := table.Unresolved()
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}

	startTime := time.Now()
	stats := g.newStats(table)
	g.log.InfoContext(ctx, "Starting geocoding pass",
		"total", stats.TotalRecords,
		"already_resolved", stats.AlreadyResolved,
		"pending", len(pending),
		"provider", g.providerName,
	)

	bar := g.newProgressBar(len(pending), "geocoding")

	for _, rec := range pending {
		if ctx.Err() != nil {
			stats.Interrupted = true
			break
		}

		query := address.Build(rec)
		coords, fromCache, err := g.lookup(ctx, query)
		if err != nil && ctx.Err() != nil {
			stats.Interrupted = true
			break
		}

		g.recordOutcome(stats, rec, coords, fromCache, err, query)
		_ = bar.Add(1)

		if stats.NewlyResolved > 0 && stats.NewlyResolved%g.checkpointEvery == 0 && coords != nil {
			if err := g.checkpoint(ctx, table); err != nil {
				return stats, err
			}
		}
	}

	stats.Elapsed = time.Since(startTime)
	return g.finish(ctx, table, stats)
}

// RunFallback executes the fallback pass over records that remained
// unresolved after a primary pass. The coarser postcode+city query goes
// through the same cache and error containment as the primary pass;
// successful results are jittered by up to ±0.002 degrees per axis.
// Records lacking postcode or city are permanently unresolved.
func (g *Geocoder) RunFallback(ctx context.Context, table *dataset.Table) (*Stats, error) {
	pending := table.Unresolved()

	startTime := time.Now()
	stats := g.newStats(table)
	g.log.InfoContext(ctx, "Starting fallback pass", "pending", len(pending))

	bar := g.newProgressBar(len(pending), "fallback")

	for _, rec := range pending {
		if ctx.Err() != nil {
			stats.Interrupted = true
			break
		}

		postcode := address.Clean(rec.Postcode)
		city := address.Clean(rec.City)
		if postcode == "" || city == "" {
			stats.Skipped++
			g.metrics.RecordsProcessed.WithLabelValues("skipped").Inc()
			g.sampleFailure(stats, fmt.Sprintf("%s: no postcode/city for fallback", rec.Name))
			_ = bar.Add(1)
			continue
		}

		query := address.Fallback(postcode, city)
		coords, fromCache, err := g.lookup(ctx, query)
		if err != nil && ctx.Err() != nil {
			stats.Interrupted = true
			break
		}

		if coords != nil {
			// Jitter per record, not per cached query, so schools that
			// share a postcode still land on distinct points.
			coords = &models.Coordinates{
				Latitude:  coords.Latitude + g.jitter(),
				Longitude: coords.Longitude + g.jitter(),
			}
		}

		g.recordOutcome(stats, rec, coords, fromCache, err, query)
		_ = bar.Add(1)

		if stats.NewlyResolved > 0 && stats.NewlyResolved%g.checkpointEvery == 0 && coords != nil {
			if err := g.checkpoint(ctx, table); err != nil {
				return stats, err
			}
		}
	}

	stats.Elapsed = time.Since(startTime)
	return g.finish(ctx, table, stats)
}

// lookup resolves a single query: cache first, then one rate-limited API
// call whose outcome is always cached, failures included, so the query
// is never sent to the network twice.
func (g *Geocoder) lookup(ctx context.Context, query string) (*models.Coordinates, bool, error) {
	if coords, attempted := g.cache.Get(query); attempted {
		g.metrics.CacheHits.Inc()
		if coords == nil {
			return nil, true, geocoding.ErrNoMatch
		}
		return coords, true, nil
	}

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, false, fmt.Errorf("rate limiter interrupted: %w", err)
		}
	}

	startTime := time.Now()
	coords, err := g.provider.Geocode(ctx, query)
	g.metrics.RequestSeconds.WithLabelValues(g.providerName).Observe(time.Since(startTime).Seconds())

	if err != nil {
		// A cancelled request must not be cached as a failed lookup.
		if ctx.Err() != nil {
			return nil, false, err
		}
		if !errors.Is(err, geocoding.ErrNoMatch) {
			g.metrics.APIErrors.Inc()
		}
		g.cache.Put(query, nil)
		return nil, false, err
	}

	g.cache.Put(query, coords)
	return coords, false, nil
}

// recordOutcome applies one lookup result to the record and counters.
func (g *Geocoder) recordOutcome(
	stats *Stats,
	rec *models.SchoolRecord,
	coords *models.Coordinates,
	fromCache bool,
	err error,
	query string,
) {
	if fromCache {
		stats.FromCache++
	}

	if coords == nil {
		stats.Failed++
		g.metrics.RecordsProcessed.WithLabelValues("failure").Inc()
		g.sampleFailure(stats, fmt.Sprintf("%s: %s: %v", rec.Name, query, err))
		return
	}

	rec.SetCoordinates(*coords)
	stats.NewlyResolved++
	g.metrics.RecordsProcessed.WithLabelValues("success").Inc()
	if len(stats.Sample) < resolvedSampleLimit {
		stats.Sample = append(stats.Sample, rec)
	}
}

// checkpoint writes the augmented dataset and flushes the cache.
func (g *Geocoder) checkpoint(ctx context.Context, table *dataset.Table) error {
	if err := dataset.Save(table, g.outputPath); err != nil {
		return fmt.Errorf("failed to checkpoint output: %w", err)
	}
	if err := g.cache.Flush(); err != nil {
		return fmt.Errorf("failed to checkpoint cache: %w", err)
	}
	g.log.DebugContext(ctx, "Checkpoint written", "output", g.outputPath, "cache_size", g.cache.Len())
	return nil
}

// finish performs the unconditional final checkpoint and logs the summary.
func (g *Geocoder) finish(ctx context.Context, table *dataset.Table, stats *Stats) (*Stats, error) {
	if err := g.checkpoint(ctx, table); err != nil {
		return stats, err
	}

	g.log.InfoContext(ctx, "Geocoding pass finished",
		"newly_resolved", stats.NewlyResolved,
		"from_cache", stats.FromCache,
		"failed", stats.Failed,
		"skipped", stats.Skipped,
		"resolved_total", table.ResolvedCount(),
		"resolution_rate", fmt.Sprintf("%.1f%%", stats.ResolutionRate()*100),
		"interrupted", stats.Interrupted,
		"elapsed", stats.Elapsed.Round(time.Second),
		"cache_size", g.cache.Len(),
	)
	for _, msg := range stats.FailureSample {
		g.log.WarnContext(ctx, "Unresolved record", "detail", msg)
	}

	return stats, nil
}

func (g *Geocoder) newStats(table *dataset.Table) *Stats {
	return &Stats{
		TotalRecords:    len(table.Records),
		AlreadyResolved: table.ResolvedCount(),
	}
}

func (g *Geocoder) newProgressBar(total int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(g.progressOut),
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionThrottle(time.Second),
	)
}

func (g *Geocoder) sampleFailure(stats *Stats, msg string) {
	if len(stats.FailureSample) < failureSampleLimit {
		stats.FailureSample = append(stats.FailureSample, msg)
	}
}

// jitter returns a uniform offset in [-fallbackJitterDeg, fallbackJitterDeg].
func (g *Geocoder) jitter() float64 {
	return (g.rng.Float64()*2 - 1) * fallbackJitterDeg
}
