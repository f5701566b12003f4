package dataset

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/leakline/internal/errs"
	"github.com/MarcoPoloResearchLab/leakline/internal/store"
)

// Status is the download state stored in the manifest.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusPartial    Status = "partial"
	StatusComplete   Status = "complete"
)

// Manifest tracks which chunks of a bulk download are durable.
type Manifest struct {
	Status         Status     `json:"status"`
	TotalRecords   int        `json:"totalRecords"`
	PageSize       int        `json:"pageSize"`
	TotalChunks    int        `json:"totalChunks"`
	ChunksReceived int        `json:"chunksReceived"`
	Received       []bool     `json:"received"`
	ChunkRecords   []int      `json:"chunkRecords"`
	RecordsStored  int        `json:"recordsStored"`
	StartedAt      time.Time  `json:"startedAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
}

func newManifest(totalRecords, pageSize int, now time.Time) Manifest {
	totalChunks := chunkCount(totalRecords, pageSize)
	return Manifest{
		Status:       StatusPartial,
		TotalRecords: totalRecords,
		PageSize:     pageSize,
		TotalChunks:  totalChunks,
		Received:     make([]bool, totalChunks),
		ChunkRecords: make([]int, totalChunks),
		StartedAt:    now,
		UpdatedAt:    now,
	}
}

// MissingChunks lists chunk indexes not yet durably received, ascending.
func (m Manifest) MissingChunks() []int {
	var missing []int
	for index := 0; index < m.TotalChunks; index++ {
		if index >= len(m.Received) || !m.Received[index] {
			missing = append(missing, index)
		}
	}
	return missing
}

// AllReceived reports whether every expected chunk is durable.
func (m Manifest) AllReceived() bool {
	return len(m.MissingChunks()) == 0
}

// matchesPlan reports whether a partial manifest can be resumed under a new plan.
func (m Manifest) matchesPlan(totalRecords, pageSize int) bool {
	return m.TotalRecords == totalRecords &&
		m.PageSize == pageSize &&
		m.TotalChunks == chunkCount(totalRecords, pageSize) &&
		len(m.Received) == m.TotalChunks &&
		len(m.ChunkRecords) == m.TotalChunks
}

func (m *Manifest) markReceived(index, records int, now time.Time) {
	if m.Received[index] {
		m.RecordsStored -= m.ChunkRecords[index]
	} else {
		m.ChunksReceived++
	}
	m.Received[index] = true
	m.ChunkRecords[index] = records
	m.RecordsStored += records
	m.UpdatedAt = now
}

// Percent returns download progress in [0, 100].
func (m Manifest) Percent() float64 {
	if m.TotalChunks == 0 {
		if m.Status == StatusComplete {
			return 100
		}
		return 0
	}
	return float64(m.ChunksReceived) * 100 / float64(m.TotalChunks)
}

// LoadManifest returns the persisted manifest, or a not_started manifest
// when none has been written.
func LoadManifest(ctx context.Context, s store.Store) (Manifest, error) {
	var manifest Manifest
	err := store.GetJSON(ctx, s, store.KeyDatasetManifest, &manifest)
	if errors.Is(err, store.ErrNotFound) {
		return Manifest{Status: StatusNotStarted}, nil
	}
	if err != nil {
		return Manifest{}, errs.New(opLoadManifest, "read_failed", err)
	}
	if manifest.Status == "" {
		manifest.Status = StatusNotStarted
	}
	return manifest, nil
}

func saveManifest(ctx context.Context, s store.Store, manifest Manifest) error {
	if err := store.SetJSON(ctx, s, store.KeyDatasetManifest, manifest); err != nil {
		return errs.New(opSaveManifest, "write_failed", err)
	}
	return nil
}

func chunkCount(totalRecords, pageSize int) int {
	if totalRecords <= 0 || pageSize <= 0 {
		return 0
	}
	return (totalRecords + pageSize - 1) / pageSize
}
