package tracking

import (
	"time"

	"genwatch/internal/domain"
)

// JobRecord is the tracking state of one job. Records never leave the
// registry by reference; Get returns a copy.
type JobRecord struct {
	JobID               string
	Phase               domain.JobStatus
	CreatedAt           time.Time
	ProcessingStartedAt time.Time
	PlaceholderID       string
	Meta                domain.PlaceholderMeta
	CharacterContext    string
	BatchID             string
	LastProgress        int
}

// Registry is the in-memory table of tracked jobs. It is not safe for
// concurrent use; the owning Engine serialises access.
type Registry struct {
	records map[string]*JobRecord
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{records: make(map[string]*JobRecord)}
}

// UpsertQueued inserts a queued record for jobID unless one already exists.
// It reports whether a record was created.
func (r *Registry) UpsertQueued(jobID string, meta domain.PlaceholderMeta, characterContext, batchID string, now time.Time) bool {
	if _, ok := r.records[jobID]; ok {
		return false
	}
	placeholderID := meta.PlaceholderID
	if placeholderID == "" {
		placeholderID = jobID
		meta.PlaceholderID = jobID
	}
	r.records[jobID] = &JobRecord{
		JobID:            jobID,
		Phase:            domain.JobStatusQueued,
		CreatedAt:        now,
		PlaceholderID:    placeholderID,
		Meta:             meta,
		CharacterContext: characterContext,
		BatchID:          batchID,
	}
	return true
}

// MarkProcessingOnce moves a queued record to processing and stamps the
// processing start time. It is a no-op for unknown ids and for records that
// already left the queue.
func (r *Registry) MarkProcessingOnce(jobID string, now time.Time) bool {
	rec, ok := r.records[jobID]
	if !ok || rec.Phase != domain.JobStatusQueued {
		return false
	}
	rec.Phase = domain.JobStatusProcessing
	rec.ProcessingStartedAt = now
	return true
}

// Remove deletes the record for jobID and returns it. The boolean is false
// when there was nothing to remove, which is how a second terminal signal
// for the same job is recognised.
func (r *Registry) Remove(jobID string) (JobRecord, bool) {
	rec, ok := r.records[jobID]
	if !ok {
		return JobRecord{}, false
	}
	delete(r.records, jobID)
	return *rec, true
}

// Get returns a copy of the record for jobID.
func (r *Registry) Get(jobID string) (JobRecord, bool) {
	rec, ok := r.records[jobID]
	if !ok {
		return JobRecord{}, false
	}
	return *rec, true
}

// RecordProgress stores the last progress value reported for jobID and
// returns the value that may be reported, which is never lower than a
// previously reported one.
func (r *Registry) RecordProgress(jobID string, progress int) (int, bool) {
	rec, ok := r.records[jobID]
	if !ok {
		return 0, false
	}
	if progress < rec.LastProgress {
		progress = rec.LastProgress
	}
	rec.LastProgress = progress
	return progress, true
}

// Len returns the number of tracked jobs.
func (r *Registry) Len() int {
	return len(r.records)
}
