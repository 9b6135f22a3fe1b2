package tracking

import (
	"context"

	"genwatch/internal/domain"
)

// ProgressUpdate is a non-terminal status signal for one job.
type ProgressUpdate struct {
	Status        domain.JobStatus
	Progress      float64
	Message       string
	QueuePosition int
}

// Sink receives the signals a transport produces. Implementations must be
// safe for concurrent use; the engine deduplicates terminal signals.
type Sink interface {
	Progress(jobID string, update ProgressUpdate)
	Complete(jobID string, characterContext string, images []domain.JobImage)
	Fail(jobID string, message string)
}

// Transport delivers status signals for a batch of jobs. StartTracking must
// not block; the transport stops when ctx is done. StopTracking releases
// the given ids without producing further signals for them.
type Transport interface {
	Name() string
	StartTracking(ctx context.Context, jobIDs []string, sink Sink) error
	StopTracking(jobIDs []string)
}
