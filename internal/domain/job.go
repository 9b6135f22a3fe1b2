package domain

import (
	"fmt"
	"strings"
)

// JobStatus enumerates the wire-level job lifecycle states reported by the
// status API and the push channel.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether the status is absorbing.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// ParseJobStatus normalises the statuses emitted by the generation backend
// (QUEUED/RUNNING/SUCCEEDED/FAILED) and the wire statuses into a JobStatus.
func ParseJobStatus(raw string) (JobStatus, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "queued", "pending":
		return JobStatusQueued, nil
	case "processing", "running":
		return JobStatusProcessing, nil
	case "completed", "succeeded":
		return JobStatusCompleted, nil
	case "failed", "error":
		return JobStatusFailed, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
}

// JobImage is one generated image belonging to a job.
type JobImage struct {
	ID           string `json:"id"`
	URL          string `json:"url"`
	ThumbnailURL string `json:"thumbnailUrl"`
}

// StatusResult is the payload of the status-poll call.
type StatusResult struct {
	Status JobStatus  `json:"status"`
	Images []JobImage `json:"images,omitempty"`
}

// PlaceholderMeta describes the optimistic entity a job will replace. The
// descriptive fields are carried through to the final entity untouched.
type PlaceholderMeta struct {
	PlaceholderID string
	DisplayName   string
	Prompt        string
	AspectRatio   string
	Flags         map[string]bool
}

// FinalEntity replaces a placeholder once its job completes.
type FinalEntity struct {
	PlaceholderID    string
	JobID            string
	CharacterContext string
	DisplayName      string
	Prompt           string
	AspectRatio      string
	Flags            map[string]bool
	ImageID          string
	URL              string
	ThumbnailURL     string
	Images           []JobImage
}

// NewFinalEntity merges the completion payload with the stored placeholder
// metadata.
func NewFinalEntity(jobID, characterContext string, meta PlaceholderMeta, images []JobImage) FinalEntity {
	entity := FinalEntity{
		PlaceholderID:    meta.PlaceholderID,
		JobID:            jobID,
		CharacterContext: characterContext,
		DisplayName:      meta.DisplayName,
		Prompt:           meta.Prompt,
		AspectRatio:      meta.AspectRatio,
		Flags:            meta.Flags,
		Images:           append([]JobImage(nil), images...),
	}
	if len(images) > 0 {
		entity.ImageID = images[0].ID
		entity.URL = images[0].URL
		entity.ThumbnailURL = images[0].ThumbnailURL
		if entity.ThumbnailURL == "" {
			entity.ThumbnailURL = images[0].URL
		}
	}
	return entity
}
