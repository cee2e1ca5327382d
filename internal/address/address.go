// Package address builds the normalized query strings used both as the
// geocoder search term and as the cache key.
package address

import (
	"strings"

	"github.com/pieterfranken/schoolgeo/internal/models"
)

// Country is the literal country name terminating every query.
const Country = "Netherlands"

// Build converts a school record into a geocoder-ready address string:
// "{street} {house_no}{house_add}", postcode, city and the country name,
// joined by ", ". Blank components are omitted entirely, as is the
// literal "nan" left behind by upstream numeric-to-string coercion.
// The result is deterministic for identical input, which makes it safe
// to use as the cache key.
func Build(rec *models.SchoolRecord) string {
	parts := make([]string, 0, 4)

	if street := Clean(rec.Street); street != "" {
		if houseNo := Clean(rec.HouseNo); houseNo != "" {
			street += " " + houseNo
			if houseAdd := Clean(rec.HouseAdd); houseAdd != "" {
				street += houseAdd
			}
		}
		parts = append(parts, street)
	}

	if postcode := Clean(rec.Postcode); postcode != "" {
		parts = append(parts, postcode)
	}
	if city := Clean(rec.City); city != "" {
		parts = append(parts, city)
	}

	parts = append(parts, Country)

	return strings.Join(parts, ", ")
}

// Fallback builds the coarser postcode+city query used when the full
// address lookup fails. Both components must be validated by the caller;
// this function only assembles the string.
func Fallback(postcode, city string) string {
	return Clean(postcode) + ", " + Clean(city) + ", " + Country
}

// Clean trims whitespace and filters the "nan" artifact. Exposed so
// callers can validate components with the same rules the builder uses.
func Clean(s string) string {
	s = strings.TrimSpace(s)
	if s == "nan" {
		return ""
	}
	return s
}
