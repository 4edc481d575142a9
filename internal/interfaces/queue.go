package interfaces

import (
	"context"
	"time"
)

// QueueSubmitter is the Queue Orchestrator's contract as seen by the
// Generation Coordinator: hand it a job id, get back when it was
// accepted (or an error, typically queue_saturated).
type QueueSubmitter interface {
	Submit(ctx context.Context, jobID string) (time.Time, error)
}
