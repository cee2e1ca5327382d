package geocoding

import (
	"context"
	"errors"

	"github.com/pieterfranken/schoolgeo/internal/models"
)

// Provider is an interface that defines a method for geocoding an address.
// The Geocode method takes a context and an address query string as input,
// and returns the corresponding coordinates and an error if any occurs.
type Provider interface {
	Geocode(ctx context.Context, query string) (*models.Coordinates, error)
}

// Errors shared by all providers. Callers distinguish a no-match outcome
// from transport or payload failures with errors.Is; all three categories
// are contained by the orchestrator and never abort a batch run.
var (
	// ErrNoMatch is returned when the API answered but found no result
	// for the query.
	ErrNoMatch = errors.New("geocoder returned no match for query")
	// ErrInvalidCoordinates is returned when the API result could not be
	// parsed into decimal-degree coordinates.
	ErrInvalidCoordinates = errors.New("geocoder returned invalid coordinates")
)
