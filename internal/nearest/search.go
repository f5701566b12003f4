// Package nearest answers top-K nearest meter queries over the cached dataset.
package nearest

import (
	"context"
	"errors"
	"sort"

	"github.com/MarcoPoloResearchLab/leakline/internal/dataset"
	"github.com/MarcoPoloResearchLab/leakline/internal/errs"
	"github.com/MarcoPoloResearchLab/leakline/internal/logging"
	"github.com/MarcoPoloResearchLab/leakline/internal/store"
	"github.com/golang/geo/s2"
	"go.uber.org/zap"
)

// EarthRadiusMeters is the mean Earth radius used for great-circle distances.
const EarthRadiusMeters = 6371000.0

// DefaultK is the number of matches a query returns when none is requested.
const DefaultK = 3

const (
	opFind      = "nearest.find"
	opNewSearch = "nearest.new"
)

var (
	// ErrInvalidOrigin indicates an origin outside valid latitude/longitude ranges.
	ErrInvalidOrigin = errors.New("nearest: invalid origin")
	// ErrInvalidK indicates a non-positive result count.
	ErrInvalidK = errors.New("nearest: k must be positive")

	errMissingStore = errors.New("store is required")
)

// Match is one ranked record.
type Match struct {
	Record         dataset.ReferenceRecord `json:"record"`
	DistanceMeters float64                 `json:"distanceMeters"`
}

// Searcher scans the cached dataset one chunk at a time.
type Searcher struct {
	store  store.Store
	logger *zap.Logger
}

// NewSearcher constructs a Searcher.
func NewSearcher(s store.Store, logger *zap.Logger) (*Searcher, error) {
	if s == nil {
		return nil, errs.New(opNewSearch, "missing_store", errMissingStore)
	}
	return &Searcher{store: s, logger: logging.OrNop(logger)}, nil
}

// Distance returns the haversine distance in meters between two positions in degrees.
func Distance(from, to dataset.Coordinate) float64 {
	return from.LatLng().Distance(to.LatLng()).Radians() * EarthRadiusMeters
}

type candidate struct {
	id        string
	entityKey string
	chunk     int
	distance  float64
}

// topK keeps the k closest candidates sorted ascending, one per entity key.
type topK struct {
	k     int
	items []candidate
}

func (t *topK) offer(c candidate) {
	for index, existing := range t.items {
		if existing.entityKey != c.entityKey {
			continue
		}
		if c.distance < existing.distance {
			t.items = append(t.items[:index], t.items[index+1:]...)
			t.insert(c)
		}
		return
	}
	if len(t.items) < t.k {
		t.insert(c)
		return
	}
	if c.distance < t.items[len(t.items)-1].distance {
		t.items = t.items[:len(t.items)-1]
		t.insert(c)
	}
}

func (t *topK) insert(c candidate) {
	position := sort.Search(len(t.items), func(i int) bool {
		return t.items[i].distance > c.distance
	})
	t.items = append(t.items, candidate{})
	copy(t.items[position+1:], t.items[position:])
	t.items[position] = c
}

// FindNearest returns up to k records closest to origin, ascending by distance.
// An empty cache yields an empty result; callers consult the manifest to tell
// "not downloaded" apart from "nothing nearby".
func (s *Searcher) FindNearest(ctx context.Context, origin dataset.Coordinate, k int) ([]Match, error) {
	if k <= 0 {
		return nil, errs.New(opFind, "invalid_k", ErrInvalidK)
	}
	if !origin.Valid {
		return nil, errs.New(opFind, "invalid_origin", ErrInvalidOrigin)
	}

	chunks, err := s.chunkIndexes(ctx)
	if err != nil {
		return nil, err
	}

	originLatLng := origin.LatLng()
	best := &topK{k: k}
	for _, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		points, err := s.pointsOf(ctx, chunk)
		if err != nil {
			return nil, err
		}
		for _, point := range points {
			target := s2.LatLngFromDegrees(point.Latitude, point.Longitude)
			best.offer(candidate{
				id:        point.ID,
				entityKey: point.EntityKey,
				chunk:     chunk,
				distance:  originLatLng.Distance(target).Radians() * EarthRadiusMeters,
			})
		}
	}
	return s.hydrate(ctx, best.items)
}

// pointsOf prefers the derived point index and falls back to the raw chunk.
func (s *Searcher) pointsOf(ctx context.Context, chunk int) ([]dataset.Point, error) {
	points, err := dataset.ReadPoints(ctx, s.store, chunk)
	if err == nil {
		return points, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		logging.LogError(s.logger, "nearest search failed", opFind, "points_read_failed", err, zap.Int("chunk", chunk))
		return nil, errs.New(opFind, "points_read_failed", err)
	}
	records, err := dataset.ReadChunk(ctx, s.store, chunk)
	if err != nil {
		logging.LogError(s.logger, "nearest search failed", opFind, "chunk_read_failed", err, zap.Int("chunk", chunk))
		return nil, errs.New(opFind, "chunk_read_failed", err)
	}
	return dataset.PointsOf(records), nil
}

func (s *Searcher) hydrate(ctx context.Context, winners []candidate) ([]Match, error) {
	matches := make([]Match, 0, len(winners))
	loaded := make(map[int]map[string]dataset.ReferenceRecord)
	for _, winner := range winners {
		byID, ok := loaded[winner.chunk]
		if !ok {
			records, err := dataset.ReadChunk(ctx, s.store, winner.chunk)
			if err != nil {
				logging.LogError(s.logger, "nearest search failed", opFind, "hydrate_failed", err, zap.Int("chunk", winner.chunk))
				return nil, errs.New(opFind, "hydrate_failed", err)
			}
			byID = make(map[string]dataset.ReferenceRecord, len(records))
			for _, record := range records {
				byID[record.ID] = record
			}
			loaded[winner.chunk] = byID
		}
		record, ok := byID[winner.id]
		if !ok {
			s.logger.Warn("indexed point missing from chunk", zap.String("id", winner.id), zap.Int("chunk", winner.chunk))
			continue
		}
		matches = append(matches, Match{Record: record, DistanceMeters: winner.distance})
	}
	return matches, nil
}

func (s *Searcher) chunkIndexes(ctx context.Context) ([]int, error) {
	manifest, err := dataset.LoadManifest(ctx, s.store)
	if err != nil {
		return nil, errs.New(opFind, "manifest_read_failed", err)
	}
	indexes := make([]int, 0, len(manifest.Received))
	for index, received := range manifest.Received {
		if received {
			indexes = append(indexes, index)
		}
	}
	return indexes, nil
}
