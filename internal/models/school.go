package models

// SchoolRecord represents one school location from the dataset.
// The address fields feed the geocoding query; Extra carries every
// dataset column this pipeline does not interpret, so the output file
// keeps the full input table.
type SchoolRecord struct {
	ID       string // ID is the unique vestigings_id of the school location.
	Name     string // Name is the school name, used only for reporting.
	Street   string
	HouseNo  string
	HouseAdd string
	Postcode string
	City     string

	// Latitude and Longitude are nil until the record is resolved.
	Latitude  *float64
	Longitude *float64

	Extra map[string]string // Extra holds uninterpreted dataset columns by header name.
}

// Resolved reports whether the record already has both coordinates.
func (s *SchoolRecord) Resolved() bool {
	return s.Latitude != nil && s.Longitude != nil
}

// SetCoordinates marks the record as resolved at the given point.
func (s *SchoolRecord) SetCoordinates(coords Coordinates) {
	lat, lon := coords.Latitude, coords.Longitude
	s.Latitude = &lat
	s.Longitude = &lon
}
