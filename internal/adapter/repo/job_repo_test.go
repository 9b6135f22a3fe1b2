package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genwatch/internal/domain"
	"genwatch/internal/sqlinline"
)

const (
	jobOne = "5b0c1e8e-3f4a-4c55-9d1e-6a7b8c9d0e1f"
	jobTwo = "0f9e8d7c-6b5a-4f3e-8d2c-1b0a9f8e7d6c"
)

type jobRow struct {
	id               string
	status           string
	characterContext string
	errorMessage     string
	queuePosition    int
	createdAt        time.Time
	updatedAt        time.Time
}

type imageRow struct {
	id, storageKey, thumbKey string
}

type stubSQL struct {
	job      *jobRow
	rowErr   error
	images   []imageRow
	queryErr error
	queries  []string
}

func (s *stubSQL) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

func (s *stubSQL) QueryRow(_ context.Context, query string, args ...any) pgx.Row {
	s.queries = append(s.queries, query)
	if query != sqlinline.QSelectJobSnapshot {
		return stubRow{err: fmt.Errorf("unexpected query: %s", query)}
	}
	if s.rowErr != nil {
		return stubRow{err: s.rowErr}
	}
	if s.job == nil {
		return stubRow{err: pgx.ErrNoRows}
	}
	j := s.job
	return stubRow{scan: func(dest ...any) error {
		*dest[0].(*string) = j.id
		*dest[1].(*string) = j.status
		*dest[2].(*string) = j.characterContext
		*dest[3].(*string) = j.errorMessage
		*dest[4].(*int) = j.queuePosition
		*dest[5].(*time.Time) = j.createdAt
		*dest[6].(*time.Time) = j.updatedAt
		return nil
	}}
}

func (s *stubSQL) Query(_ context.Context, query string, args ...any) (pgx.Rows, error) {
	s.queries = append(s.queries, query)
	if query != sqlinline.QSelectJobImages {
		return nil, fmt.Errorf("unexpected query: %s", query)
	}
	if s.queryErr != nil {
		return nil, s.queryErr
	}
	return &imageRows{rows: s.images}, nil
}

type stubRow struct {
	scan func(dest ...any) error
	err  error
}

func (r stubRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return r.scan(dest...)
}

type imageRows struct {
	rows []imageRow
	idx  int
}

func (r *imageRows) Close()                                       {}
func (r *imageRows) Err() error                                   { return nil }
func (r *imageRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *imageRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *imageRows) Values() ([]any, error)                       { return nil, errors.New("not supported") }
func (r *imageRows) RawValues() [][]byte                          { return nil }
func (r *imageRows) Conn() *pgx.Conn                              { return nil }

func (r *imageRows) Next() bool {
	if r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}

func (r *imageRows) Scan(dest ...any) error {
	row := r.rows[r.idx-1]
	*dest[0].(*string) = row.id
	*dest[1].(*string) = row.storageKey
	*dest[2].(*string) = row.thumbKey
	return nil
}

func TestGetStatusCompletedLoadsImages(t *testing.T) {
	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	sql := &stubSQL{
		job: &jobRow{id: jobOne, status: "SUCCEEDED", characterContext: "char-9", createdAt: created, updatedAt: created.Add(time.Minute)},
		images: []imageRow{
			{id: "a1", storageKey: "renders/a1.png", thumbKey: "renders/a1_t.png"},
			{id: "a2", storageKey: "https://cdn.example.com/a2.png"},
		},
	}
	r := NewJobStatusRepo(sql, "https://static.example.com/")

	snap, err := r.GetStatus(context.Background(), " "+strings.ToUpper(jobOne)+" ")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, snap.Status)
	assert.Equal(t, "char-9", snap.CharacterContext)
	assert.Equal(t, created, snap.CreatedAt)
	require.Len(t, snap.Images, 2)
	assert.Equal(t, domain.JobImage{ID: "a1", URL: "https://static.example.com/renders/a1.png", ThumbnailURL: "https://static.example.com/renders/a1_t.png"}, snap.Images[0])
	assert.Equal(t, "https://cdn.example.com/a2.png", snap.Images[1].URL)
	assert.Equal(t, "https://cdn.example.com/a2.png", snap.Images[1].ThumbnailURL)
}

func TestGetStatusQueuedSkipsImages(t *testing.T) {
	sql := &stubSQL{job: &jobRow{id: jobTwo, status: "QUEUED", queuePosition: 4}}
	r := NewJobStatusRepo(sql, "")

	snap, err := r.GetStatus(context.Background(), jobTwo)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, snap.Status)
	assert.Equal(t, 4, snap.QueuePosition)
	assert.Empty(t, snap.Images)
	assert.Equal(t, []string{sqlinline.QSelectJobSnapshot}, sql.queries)
}

func TestGetStatusErrors(t *testing.T) {
	_, err := NewJobStatusRepo(&stubSQL{}, "").GetStatus(context.Background(), jobOne)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = NewJobStatusRepo(&stubSQL{}, "").GetStatus(context.Background(), "  ")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = NewJobStatusRepo(&stubSQL{job: &jobRow{id: "j", status: "ARCHIVED"}}, "").GetStatus(context.Background(), jobOne)
	assert.ErrorIs(t, err, domain.ErrInvalidStatus)

	boom := errors.New("connection reset")
	_, err = NewJobStatusRepo(&stubSQL{rowErr: boom}, "").GetStatus(context.Background(), jobOne)
	assert.ErrorIs(t, err, boom)

	_, err = NewJobStatusRepo(&stubSQL{job: &jobRow{id: "j", status: "SUCCEEDED"}, queryErr: boom}, "").GetStatus(context.Background(), jobOne)
	assert.ErrorIs(t, err, boom)
}

func TestGetStatusRejectsMalformedIDs(t *testing.T) {
	sql := &stubSQL{job: &jobRow{id: jobOne, status: "QUEUED"}}
	r := NewJobStatusRepo(sql, "")

	for _, id := range []string{"not-a-uuid", "job-1", "5b0c1e8e-3f4a"} {
		if _, err := r.GetStatus(context.Background(), id); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("GetStatus(%q) err = %v, want ErrNotFound", id, err)
		}
	}
	if len(sql.queries) != 0 {
		t.Fatalf("malformed ids reached the database: %d queries", len(sql.queries))
	}
}

func TestGetStatusCanonicalisesID(t *testing.T) {
	sql := &recordingSQL{stubSQL: stubSQL{job: &jobRow{id: jobOne, status: "QUEUED"}}}
	if _, err := NewJobStatusRepo(sql, "").GetStatus(context.Background(), strings.ToUpper(jobOne)); err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if sql.arg != jobOne {
		t.Fatalf("query arg = %q, want %q", sql.arg, jobOne)
	}
}

type recordingSQL struct {
	stubSQL
	arg any
}

func (s *recordingSQL) QueryRow(ctx context.Context, query string, args ...any) pgx.Row {
	if len(args) > 0 {
		s.arg = args[0]
	}
	return s.stubSQL.QueryRow(ctx, query, args...)
}
