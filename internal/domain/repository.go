package domain

import "context"

// JobStatusRepository resolves the current status of a generation job.
type JobStatusRepository interface {
	GetStatus(ctx context.Context, jobID string) (*JobSnapshot, error)
}
