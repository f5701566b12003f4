// Package drafts keeps in-progress reports that have not been submitted yet,
// plus the single current-form slot used for auto-save.
package drafts

import (
	"bytes"
	"encoding/json"
	"strings"
)

var knownSnapshotFields = map[string]struct{}{
	"meterNumber": {}, "accountNumber": {}, "address": {}, "latitude": {}, "longitude": {},
	"leakType": {}, "severity": {}, "photoUris": {}, "notes": {},
}

// FormSnapshot is the content of a report form. Fields the agent does not
// model are carried in Extra and written back unchanged.
type FormSnapshot struct {
	MeterNumber   string
	AccountNumber string
	Address       string
	Latitude      *float64
	Longitude     *float64
	LeakType      string
	Severity      string
	PhotoURIs     []string
	Notes         string
	Extra         map[string]json.RawMessage
}

type snapshotFields struct {
	MeterNumber   string   `json:"meterNumber,omitempty"`
	AccountNumber string   `json:"accountNumber,omitempty"`
	Address       string   `json:"address,omitempty"`
	Latitude      *float64 `json:"latitude,omitempty"`
	Longitude     *float64 `json:"longitude,omitempty"`
	LeakType      string   `json:"leakType,omitempty"`
	Severity      string   `json:"severity,omitempty"`
	PhotoURIs     []string `json:"photoUris,omitempty"`
	Notes         string   `json:"notes,omitempty"`
}

// MarshalJSON flattens modeled and extra fields into one object.
func (s FormSnapshot) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(snapshotFields{
		MeterNumber:   s.MeterNumber,
		AccountNumber: s.AccountNumber,
		Address:       s.Address,
		Latitude:      s.Latitude,
		Longitude:     s.Longitude,
		LeakType:      s.LeakType,
		Severity:      s.Severity,
		PhotoURIs:     s.PhotoURIs,
		Notes:         s.Notes,
	})
	if err != nil || len(s.Extra) == 0 {
		return known, err
	}
	merged := make(map[string]json.RawMessage, len(s.Extra)+len(knownSnapshotFields))
	for key, value := range s.Extra {
		if _, modeled := knownSnapshotFields[key]; !modeled {
			merged[key] = value
		}
	}
	var knownMap map[string]json.RawMessage
	if err := json.Unmarshal(known, &knownMap); err != nil {
		return nil, err
	}
	for key, value := range knownMap {
		merged[key] = value
	}
	return json.Marshal(merged)
}

// UnmarshalJSON splits an object into modeled fields and Extra.
func (s *FormSnapshot) UnmarshalJSON(data []byte) error {
	var known snapshotFields
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	*s = FormSnapshot{
		MeterNumber:   known.MeterNumber,
		AccountNumber: known.AccountNumber,
		Address:       known.Address,
		Latitude:      known.Latitude,
		Longitude:     known.Longitude,
		LeakType:      known.LeakType,
		Severity:      known.Severity,
		PhotoURIs:     known.PhotoURIs,
		Notes:         known.Notes,
	}
	for key, value := range all {
		if _, modeled := knownSnapshotFields[key]; modeled {
			continue
		}
		if s.Extra == nil {
			s.Extra = make(map[string]json.RawMessage)
		}
		s.Extra[key] = value
	}
	return nil
}

// IsMeaningful reports whether any field carries user input.
func (s FormSnapshot) IsMeaningful() bool {
	for _, text := range []string{s.MeterNumber, s.AccountNumber, s.Address, s.LeakType, s.Severity, s.Notes} {
		if strings.TrimSpace(text) != "" {
			return true
		}
	}
	if s.Latitude != nil || s.Longitude != nil {
		return true
	}
	for _, uri := range s.PhotoURIs {
		if strings.TrimSpace(uri) != "" {
			return true
		}
	}
	for _, value := range s.Extra {
		if !emptyJSON(value) {
			return true
		}
	}
	return false
}

func emptyJSON(value json.RawMessage) bool {
	switch string(bytes.TrimSpace(value)) {
	case "", "null", `""`, "[]", "{}", "false", "0":
		return true
	}
	var text string
	if err := json.Unmarshal(value, &text); err == nil {
		return strings.TrimSpace(text) == ""
	}
	return false
}

func sameSnapshot(left, right FormSnapshot) bool {
	leftJSON, leftErr := json.Marshal(left)
	rightJSON, rightErr := json.Marshal(right)
	return leftErr == nil && rightErr == nil && bytes.Equal(leftJSON, rightJSON)
}
