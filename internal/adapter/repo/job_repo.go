package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"genwatch/internal/domain"
	"genwatch/internal/infra"
	"genwatch/internal/sqlinline"
	"genwatch/internal/storage"
)

// JobStatusRepo implements domain.JobStatusRepository on top of the
// marker-checked SQL runner.
type JobStatusRepo struct {
	sql  infra.SQLExecutor
	urls storage.URLResolver
}

func NewJobStatusRepo(sql infra.SQLExecutor, storageBaseURL string) *JobStatusRepo {
	return &JobStatusRepo{sql: sql, urls: storage.NewURLResolver(storageBaseURL)}
}

// GetStatus loads the job row and, once it has completed, its images.
func (r *JobStatusRepo) GetStatus(ctx context.Context, jobID string) (*domain.JobSnapshot, error) {
	id, err := uuid.Parse(strings.TrimSpace(jobID))
	if err != nil {
		return nil, domain.ErrNotFound
	}
	jobID = id.String()

	var snap domain.JobSnapshot
	var rawStatus string
	row := r.sql.QueryRow(ctx, sqlinline.QSelectJobSnapshot, jobID)
	if err := row.Scan(
		&snap.ID,
		&rawStatus,
		&snap.CharacterContext,
		&snap.ErrorMessage,
		&snap.QueuePosition,
		&snap.CreatedAt,
		&snap.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("select job %s: %w", jobID, err)
	}

	status, err := domain.ParseJobStatus(rawStatus)
	if err != nil {
		return nil, err
	}
	snap.Status = status

	if status == domain.JobStatusCompleted {
		images, err := r.images(ctx, jobID)
		if err != nil {
			return nil, err
		}
		snap.Images = images
	}
	return &snap, nil
}

func (r *JobStatusRepo) images(ctx context.Context, jobID string) ([]domain.JobImage, error) {
	rows, err := r.sql.Query(ctx, sqlinline.QSelectJobImages, jobID)
	if err != nil {
		return nil, fmt.Errorf("select job images %s: %w", jobID, err)
	}
	defer rows.Close()

	var images []domain.JobImage
	for rows.Next() {
		var id, storageKey, thumbKey string
		if err := rows.Scan(&id, &storageKey, &thumbKey); err != nil {
			return nil, fmt.Errorf("scan job image: %w", err)
		}
		img := domain.JobImage{ID: id, URL: r.urls.PublicURL(storageKey)}
		if thumbKey != "" {
			img.ThumbnailURL = r.urls.PublicURL(thumbKey)
		} else {
			img.ThumbnailURL = img.URL
		}
		images = append(images, img)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job images: %w", err)
	}
	return images, nil
}

var _ domain.JobStatusRepository = (*JobStatusRepo)(nil)
