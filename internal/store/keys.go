package store

import "fmt"

// Logical key layout shared by the agent's components.
const (
	KeyDatasetManifest    = "dataset.manifest"
	PrefixDatasetChunk    = "dataset.chunk."
	PrefixDatasetPoints   = "dataset.points."
	PrefixQueueItem       = "queue.item."
	KeyDraftsList         = "drafts.list"
	KeyCurrentForm        = "form.current"
	KeyActivityLastMarker = "activity.lastTimestamp"
)

// ChunkKey returns the key holding the records of page index.
func ChunkKey(index int) string {
	return fmt.Sprintf("%s%06d", PrefixDatasetChunk, index)
}

// PointsKey returns the key holding the derived point index of page index.
func PointsKey(index int) string {
	return fmt.Sprintf("%s%06d", PrefixDatasetPoints, index)
}

// QueueItemKey returns the key holding one queued submission.
func QueueItemKey(id string) string {
	return PrefixQueueItem + id
}
