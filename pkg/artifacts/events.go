package artifacts

import (
	"context"
	"time"
)

// Decision is the recorded result of an upload attempt.
type Decision string

const (
	DecisionAccepted Decision = "accepted"
	DecisionRejected Decision = "rejected"
	DecisionFailed   Decision = "failed"
)

// Event is one upload attempt as written to the event journal.
type Event struct {
	ID       string    `json:"id"`
	Time     time.Time `json:"time"`
	Project  string    `json:"project"`
	Filename string    `json:"filename"`
	Version  int64     `json:"version"`
	Decision Decision  `json:"decision"`
	Reason   string    `json:"reason,omitempty"`
	Bytes    int64     `json:"bytes"`
}

// EventRecorder persists upload events. Recording failures never change the
// outcome of an upload.
type EventRecorder interface {
	Record(ctx context.Context, ev Event) error
}
