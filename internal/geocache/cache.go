// Package geocache persists geocoding results keyed by the exact query
// string, so no address is ever sent to the API twice across runs.
package geocache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/pieterfranken/schoolgeo/internal/models"
)

// Cache is a persistent mapping from address query to a geocoding
// outcome. A nil entry value records an attempted-and-failed lookup,
// which is distinct from a query that was never attempted. The on-disk
// format is a flat JSON object mapping query strings to a [lat, lon]
// pair or null.
//
// The cache is owned by the single orchestration goroutine; it is not
// safe for concurrent use.
type Cache struct {
	path    string
	entries map[string]*models.Coordinates
	dirty   bool
}

const coordPairLen = 2

// ErrCorruptEntry is returned while loading when an entry is neither
// null nor a two-element coordinate array.
var ErrCorruptEntry = errors.New("cache entry is not a [lat, lon] pair or null")

// Open loads the cache file at path eagerly into memory. A missing file
// yields an empty cache; an unreadable or malformed file is a fatal
// startup error per the error-handling contract.
func Open(path string) (*Cache, error) {
	cache := &Cache{
		path:    path,
		entries: make(map[string]*models.Coordinates),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cache, nil
		}
		return nil, fmt.Errorf("failed to read cache file %q: %w", path, err)
	}

	var raw map[string][]float64
	if err = json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse cache file %q: %w", path, err)
	}

	for query, pair := range raw {
		if pair == nil {
			cache.entries[query] = nil
			continue
		}
		if len(pair) != coordPairLen {
			return nil, fmt.Errorf("%w: query %q has %d elements", ErrCorruptEntry, query, len(pair))
		}
		cache.entries[query] = &models.Coordinates{Latitude: pair[0], Longitude: pair[1]}
	}

	return cache, nil
}

// Get returns the cached outcome for the query. The second return value
// reports whether the query was ever attempted; a (nil, true) result
// means the lookup was attempted and failed, and must not be retried.
func (c *Cache) Get(query string) (*models.Coordinates, bool) {
	coords, ok := c.entries[query]
	if !ok {
		return nil, false
	}
	if coords == nil {
		return nil, true
	}
	cp := *coords
	return &cp, true
}

// Put records the outcome for a query. Pass nil to record a failed
// lookup so it is never re-queried.
func (c *Cache) Put(query string, coords *models.Coordinates) {
	if coords == nil {
		c.entries[query] = nil
	} else {
		cp := *coords
		c.entries[query] = &cp
	}
	c.dirty = true
}

// Len returns the number of cached queries, failures included.
func (c *Cache) Len() int {
	return len(c.entries)
}

// Flush writes the cache to disk if it changed since the last flush.
func (c *Cache) Flush() error {
	if !c.dirty {
		return nil
	}

	raw := make(map[string][]float64, len(c.entries))
	for query, coords := range c.entries {
		if coords == nil {
			raw[query] = nil
			continue
		}
		raw[query] = []float64{coords.Latitude, coords.Longitude}
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("failed to encode cache: %w", err)
	}
	if err = os.WriteFile(c.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write cache file %q: %w", c.path, err)
	}

	c.dirty = false
	return nil
}
