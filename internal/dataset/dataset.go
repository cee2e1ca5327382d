// Package dataset reads and writes the tabular school dataset. The
// output file keeps the input's column order, adds latitude/longitude
// columns when absent, and never contains transient query strings.
package dataset

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/pieterfranken/schoolgeo/internal/models"
)

// Column names interpreted by the pipeline. Every other column is
// carried through unchanged.
const (
	ColID        = "vestigings_id"
	ColName      = "school_name"
	ColStreet    = "street"
	ColHouseNo   = "house_no"
	ColHouseAdd  = "house_add"
	ColPostcode  = "postcode"
	ColCity      = "city"
	ColLatitude  = "latitude"
	ColLongitude = "longitude"
)

// Table is the in-memory dataset: the original header plus one record
// per row. It is owned by the single orchestration goroutine.
type Table struct {
	Columns []string
	Records []*models.SchoolRecord
}

// Load reads a CSV dataset from path.
func Load(path string) (*Table, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset %q: %w", path, err)
	}
	defer file.Close()

	table, err := Read(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset %q: %w", path, err)
	}
	return table, nil
}

// Read parses a CSV dataset from r. The first row is the header; known
// columns are mapped onto SchoolRecord fields and the rest land in Extra.
func Read(r io.Reader) (*Table, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1 // allow variable fields

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header row: %w", err)
	}

	table := &Table{Columns: header}

	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read row: %w", err)
		}

		rec := &models.SchoolRecord{Extra: make(map[string]string)}
		for i, col := range header {
			var value string
			if i < len(row) {
				value = row[i]
			}
			switch col {
			case ColID:
				rec.ID = value
			case ColName:
				rec.Name = value
			case ColStreet:
				rec.Street = value
			case ColHouseNo:
				rec.HouseNo = value
			case ColHouseAdd:
				rec.HouseAdd = value
			case ColPostcode:
				rec.Postcode = value
			case ColCity:
				rec.City = value
			case ColLatitude:
				rec.Latitude = parseCoord(value)
			case ColLongitude:
				rec.Longitude = parseCoord(value)
			default:
				rec.Extra[col] = value
			}
		}
		table.Records = append(table.Records, rec)
	}

	return table, nil
}

// Save writes the table to path, appending latitude/longitude columns
// when the input did not have them.
func Save(table *Table, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create output file %q: %w", path, err)
	}
	defer file.Close()

	if err = Write(table, file); err != nil {
		return fmt.Errorf("failed to write output file %q: %w", path, err)
	}
	return nil
}

// Write encodes the table as CSV to w.
func Write(table *Table, w io.Writer) error {
	columns := outputColumns(table.Columns)

	writer := csv.NewWriter(w)
	if err := writer.Write(columns); err != nil {
		return fmt.Errorf("failed to write header row: %w", err)
	}

	row := make([]string, len(columns))
	for _, rec := range table.Records {
		for i, col := range columns {
			row[i] = fieldValue(rec, col)
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("failed to flush csv writer: %w", err)
	}
	return nil
}

// MergeCoordinates copies resolved coordinates from a previously written
// progress table into the dataset, matching records by ID, so a resumed
// run does not re-query already-resolved records. It returns the number
// of records seeded this way.
func MergeCoordinates(table, progress *Table) int {
	resolved := make(map[string]*models.SchoolRecord, len(progress.Records))
	for _, rec := range progress.Records {
		if rec.ID != "" && rec.Resolved() {
			resolved[rec.ID] = rec
		}
	}

	merged := 0
	for _, rec := range table.Records {
		if rec.Resolved() {
			continue
		}
		if prev, ok := resolved[rec.ID]; ok {
			rec.SetCoordinates(models.Coordinates{Latitude: *prev.Latitude, Longitude: *prev.Longitude})
			merged++
		}
	}
	return merged
}

// Unresolved returns the records still lacking coordinates.
func (t *Table) Unresolved() []*models.SchoolRecord {
	var out []*models.SchoolRecord
	for _, rec := range t.Records {
		if !rec.Resolved() {
			out = append(out, rec)
		}
	}
	return out
}

// ResolvedCount returns the number of records with both coordinates set.
func (t *Table) ResolvedCount() int {
	count := 0
	for _, rec := range t.Records {
		if rec.Resolved() {
			count++
		}
	}
	return count
}

func outputColumns(columns []string) []string {
	out := make([]string, len(columns), len(columns)+2)
	copy(out, columns)

	hasLat, hasLon := false, false
	for _, col := range columns {
		switch col {
		case ColLatitude:
			hasLat = true
		case ColLongitude:
			hasLon = true
		}
	}
	if !hasLat {
		out = append(out, ColLatitude)
	}
	if !hasLon {
		out = append(out, ColLongitude)
	}
	return out
}

func fieldValue(rec *models.SchoolRecord, col string) string {
	switch col {
	case ColID:
		return rec.ID
	case ColName:
		return rec.Name
	case ColStreet:
		return rec.Street
	case ColHouseNo:
		return rec.HouseNo
	case ColHouseAdd:
		return rec.HouseAdd
	case ColPostcode:
		return rec.Postcode
	case ColCity:
		return rec.City
	case ColLatitude:
		return formatCoord(rec.Latitude)
	case ColLongitude:
		return formatCoord(rec.Longitude)
	default:
		return rec.Extra[col]
	}
}

func parseCoord(value string) *float64 {
	if value == "" {
		return nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		// Tolerated like any other malformed dataset field: the record
		// simply counts as unresolved.
		return nil
	}
	return &f
}

func formatCoord(value *float64) string {
	if value == nil {
		return ""
	}
	return strconv.FormatFloat(*value, 'f', -1, 64)
}
