// Package dataset caches the bulk customer/meter reference dataset locally.
//
// Rows arrive from the remote API as loosely typed JSON. They are validated
// once, on ingestion, into ReferenceRecord values and persisted as one
// compressed chunk per remote page. A DatasetManifest tracks which chunks are
// durable so an interrupted download resumes from the first missing chunk.
package dataset

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/golang/geo/s2"
)

// ErrMalformedRecord indicates a row that is not a JSON object.
var ErrMalformedRecord = errors.New("dataset: malformed record")

// cellLevel is the S2 level stored on indexed points, roughly 150 m cells.
const cellLevel = 16

var (
	idFields       = []string{"id", "_id", "customer_id", "customerId"}
	accountFields  = []string{"account_number", "accountNumber", "accountNo", "account_no"}
	meterFields    = []string{"meter_number", "meterNumber", "meterNo", "meter_no", "serial_number"}
	addressFields  = []string{"address", "full_address", "fullAddress"}
	districtFields = []string{"district", "district_code", "districtCode"}
	latFields      = []string{"latitude", "lat"}
	lngFields      = []string{"longitude", "lng", "lon", "long"}
)

// Coordinate is a validated position in degrees.
type Coordinate struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lng"`
	Valid     bool    `json:"valid"`
}

// NewCoordinate validates a position. Out-of-range values, NaN and the
// (0, 0) placeholder produce an invalid coordinate.
func NewCoordinate(latitude, longitude float64) Coordinate {
	coordinate := Coordinate{Latitude: latitude, Longitude: longitude}
	if math.IsNaN(latitude) || math.IsNaN(longitude) || math.IsInf(latitude, 0) || math.IsInf(longitude, 0) {
		return coordinate
	}
	if latitude == 0 && longitude == 0 {
		return coordinate
	}
	if longitude < -180 || longitude > 180 {
		return coordinate
	}
	coordinate.Valid = s2.LatLngFromDegrees(latitude, longitude).IsValid()
	return coordinate
}

// LatLng converts the coordinate for S2 geometry.
func (c Coordinate) LatLng() s2.LatLng {
	return s2.LatLngFromDegrees(c.Latitude, c.Longitude)
}

// CellToken returns the S2 cell token covering the coordinate.
func (c Coordinate) CellToken() string {
	if !c.Valid {
		return ""
	}
	return s2.CellIDFromLatLng(c.LatLng()).Parent(cellLevel).ToToken()
}

// ReferenceRecord is one cached customer/meter entity.
type ReferenceRecord struct {
	ID            string                     `json:"id"`
	AccountNumber string                     `json:"accountNumber,omitempty"`
	MeterNumber   string                     `json:"meterNumber,omitempty"`
	Address       string                     `json:"address,omitempty"`
	District      string                     `json:"district,omitempty"`
	Location      Coordinate                 `json:"location"`
	Extra         map[string]json.RawMessage `json:"extra,omitempty"`
}

// EntityKey identifies the physical meter a row describes. Meters sharing an
// account stay distinct.
func (r ReferenceRecord) EntityKey() string {
	switch {
	case r.AccountNumber != "" && r.MeterNumber != "":
		return "account:" + r.AccountNumber + "|meter:" + r.MeterNumber
	case r.MeterNumber != "":
		return "meter:" + r.MeterNumber
	case r.AccountNumber != "":
		return "account:" + r.AccountNumber
	default:
		return "id:" + r.ID
	}
}

// Geolocatable reports whether the record may take part in spatial queries.
func (r ReferenceRecord) Geolocatable() bool {
	return r.Location.Valid
}

// NormalizeRecord validates one raw row. position is the row's absolute
// offset in the remote dataset and backs the positional identifier.
func NormalizeRecord(raw json.RawMessage, position int) (ReferenceRecord, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return ReferenceRecord{}, fmt.Errorf("%w: row %d", ErrMalformedRecord, position)
	}

	modeled := make(map[string]struct{})
	take := func(aliases []string) string {
		value, key := stringField(fields, aliases)
		if key != "" {
			modeled[key] = struct{}{}
		}
		return value
	}

	record := ReferenceRecord{
		AccountNumber: take(accountFields),
		MeterNumber:   take(meterFields),
		Address:       take(addressFields),
		District:      take(districtFields),
	}
	serverID := take(idFields)

	latitude, latKey, latOK := floatField(fields, latFields)
	longitude, lngKey, lngOK := floatField(fields, lngFields)
	if latKey != "" {
		modeled[latKey] = struct{}{}
	}
	if lngKey != "" {
		modeled[lngKey] = struct{}{}
	}
	if latOK && lngOK {
		record.Location = NewCoordinate(latitude, longitude)
	}

	switch {
	case serverID != "":
		record.ID = serverID
	case record.AccountNumber != "" || record.MeterNumber != "":
		record.ID = compositeID(record.AccountNumber, record.MeterNumber)
	default:
		record.ID = fmt.Sprintf("row-%d", position)
	}

	for key, value := range fields {
		if _, ok := modeled[key]; ok {
			continue
		}
		if record.Extra == nil {
			record.Extra = make(map[string]json.RawMessage)
		}
		record.Extra[key] = value
	}
	return record, nil
}

// NormalizePage validates the rows of one page, skipping malformed rows.
// Identifiers colliding inside the page are suffixed with their position.
func NormalizePage(rows []json.RawMessage, offset int) ([]ReferenceRecord, int) {
	records := make([]ReferenceRecord, 0, len(rows))
	seen := make(map[string]struct{}, len(rows))
	skipped := 0
	for index, raw := range rows {
		position := offset + index
		record, err := NormalizeRecord(raw, position)
		if err != nil {
			skipped++
			continue
		}
		if _, duplicate := seen[record.ID]; duplicate {
			record.ID = fmt.Sprintf("%s#%d", record.ID, position)
		}
		seen[record.ID] = struct{}{}
		records = append(records, record)
	}
	return records, skipped
}

func compositeID(account, meter string) string {
	return "acct:" + account + "|meter:" + meter
}

func stringField(fields map[string]json.RawMessage, aliases []string) (string, string) {
	for _, alias := range aliases {
		raw, ok := fields[alias]
		if !ok {
			continue
		}
		if value := rawString(raw); value != "" {
			return value, alias
		}
		return "", alias
	}
	return "", ""
}

func rawString(raw json.RawMessage) string {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return strings.TrimSpace(text)
	}
	var number json.Number
	if err := json.Unmarshal(raw, &number); err == nil {
		return number.String()
	}
	return ""
}

func floatField(fields map[string]json.RawMessage, aliases []string) (float64, string, bool) {
	for _, alias := range aliases {
		raw, ok := fields[alias]
		if !ok {
			continue
		}
		var number float64
		if err := json.Unmarshal(raw, &number); err == nil {
			return number, alias, true
		}
		var text string
		if err := json.Unmarshal(raw, &text); err == nil {
			parsed, parseErr := strconv.ParseFloat(strings.TrimSpace(text), 64)
			if parseErr == nil {
				return parsed, alias, true
			}
		}
		return 0, alias, false
	}
	return 0, "", false
}
