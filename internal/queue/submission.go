// Package queue is the offline sync engine: a durable queue of outbound
// reports that drains to the remote API whenever connectivity allows.
package queue

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a queued submission.
type Status string

const (
	StatusPending         Status = "pending"
	StatusInFlight        Status = "in_flight"
	StatusFailedRetryable Status = "failed_retryable"
	StatusFailedPermanent Status = "failed_permanent"
	StatusDelivered       Status = "delivered"
)

// Submission is one outbound report persisted under queue.item.<id>.
type Submission struct {
	ID            string          `json:"id"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
	Attempts      int             `json:"attempts"`
	LastError     *string         `json:"lastError"`
	Status        Status          `json:"status"`
	NextAttemptAt *time.Time      `json:"nextAttemptAt,omitempty"`
	Exhausted     bool            `json:"exhausted,omitempty"`
	RemoteID      string          `json:"remoteId,omitempty"`
}

// Waiting reports whether the submission still expects automatic delivery.
func (s Submission) Waiting() bool {
	switch s.Status {
	case StatusPending, StatusInFlight, StatusFailedRetryable:
		return true
	default:
		return false
	}
}

func (s Submission) eligible(now time.Time) bool {
	switch s.Status {
	case StatusPending:
		return true
	case StatusFailedRetryable:
		return s.NextAttemptAt == nil || !now.Before(*s.NextAttemptAt)
	default:
		return false
	}
}

func (s *Submission) fail(status Status, message string, now time.Time) {
	s.Status = status
	s.LastError = &message
	s.UpdatedAt = now
}

func createdBefore(left, right Submission) bool {
	if !left.CreatedAt.Equal(right.CreatedAt) {
		return left.CreatedAt.Before(right.CreatedAt)
	}
	return left.ID < right.ID
}
