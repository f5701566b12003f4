package dataset

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/MarcoPoloResearchLab/leakline/internal/errs"
	"github.com/MarcoPoloResearchLab/leakline/internal/store"
	"github.com/golang/snappy"
)

// Point is the compact projection of a geolocatable record kept in the
// derived index.
type Point struct {
	ID        string  `json:"i"`
	EntityKey string  `json:"e"`
	Latitude  float64 `json:"a"`
	Longitude float64 `json:"o"`
	Cell      string  `json:"c,omitempty"`
}

func encodeBlob(value any) ([]byte, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, raw), nil
}

func decodeBlob(blob []byte, target any) error {
	raw, err := snappy.Decode(nil, blob)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, target)
}

// WriteChunk durably stores the records of one page.
func WriteChunk(ctx context.Context, s store.Store, index int, records []ReferenceRecord) error {
	blob, err := encodeBlob(records)
	if err != nil {
		return errs.New(opWriteChunk, "encode_failed", err)
	}
	if err := s.Set(ctx, store.ChunkKey(index), blob); err != nil {
		return errs.New(opWriteChunk, "write_failed", err)
	}
	return nil
}

// ReadChunk loads the records of one page.
func ReadChunk(ctx context.Context, s store.Store, index int) ([]ReferenceRecord, error) {
	blob, err := s.Get(ctx, store.ChunkKey(index))
	if err != nil {
		return nil, errs.New(opReadChunk, "read_failed", err)
	}
	var records []ReferenceRecord
	if err := decodeBlob(blob, &records); err != nil {
		return nil, errs.New(opReadChunk, "decode_failed", fmt.Errorf("chunk %d: %w", index, err))
	}
	return records, nil
}

// ReadPoints loads the derived point index of one page.
func ReadPoints(ctx context.Context, s store.Store, index int) ([]Point, error) {
	blob, err := s.Get(ctx, store.PointsKey(index))
	if err != nil {
		return nil, errs.New(opReadPoints, "read_failed", err)
	}
	var points []Point
	if err := decodeBlob(blob, &points); err != nil {
		return nil, errs.New(opReadPoints, "decode_failed", fmt.Errorf("points %d: %w", index, err))
	}
	return points, nil
}

func writePoints(ctx context.Context, s store.Store, index int, points []Point) error {
	blob, err := encodeBlob(points)
	if err != nil {
		return errs.New(opWritePoints, "encode_failed", err)
	}
	if err := s.Set(ctx, store.PointsKey(index), blob); err != nil {
		return errs.New(opWritePoints, "write_failed", err)
	}
	return nil
}

// PointsOf projects the geolocatable records of a chunk.
func PointsOf(records []ReferenceRecord) []Point {
	points := make([]Point, 0, len(records))
	for _, record := range records {
		if !record.Geolocatable() {
			continue
		}
		points = append(points, Point{
			ID:        record.ID,
			EntityKey: record.EntityKey(),
			Latitude:  record.Location.Latitude,
			Longitude: record.Location.Longitude,
			Cell:      record.Location.CellToken(),
		})
	}
	return points
}
