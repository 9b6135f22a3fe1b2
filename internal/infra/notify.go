package infra

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"genwatch/internal/domain"
)

// EventPublisher receives job events resolved from database notifications.
type EventPublisher interface {
	Publish(evt domain.JobEvent) int
}

// Listener holds a dedicated connection LISTENing on the job notification
// channel and republishes every notified job's current state.
type Listener struct {
	databaseURL string
	channel     string
	repo        domain.JobStatusRepository
	publisher   EventPublisher
	logger      zerolog.Logger

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func NewListener(cfg *Config, repo domain.JobStatusRepository, publisher EventPublisher, logger zerolog.Logger) *Listener {
	return &Listener{
		databaseURL:    cfg.DatabaseURL,
		channel:        cfg.NotifyChannel,
		repo:           repo,
		publisher:      publisher,
		logger:         logger,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
	}
}

type jobNotification struct {
	JobID string `json:"job_id"`
}

// Run blocks until ctx is cancelled, reconnecting with exponential backoff
// whenever the connection drops.
func (l *Listener) Run(ctx context.Context) error {
	for {
		conn, err := l.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		err = l.listen(ctx, conn)
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = conn.Close(closeCtx)
		cancel()
		if ctx.Err() != nil {
			return nil
		}
		l.logger.Warn().Err(err).Str("channel", l.channel).Msg("listener: connection lost, reconnecting")
	}
}

func (l *Listener) connect(ctx context.Context) (*pgx.Conn, error) {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = l.InitialBackoff
	expBackoff.MaxInterval = l.MaxBackoff
	expBackoff.MaxElapsedTime = 0

	var conn *pgx.Conn
	operation := func() error {
		c, err := pgx.Connect(ctx, l.databaseURL)
		if err != nil {
			return err
		}
		if _, err := c.Exec(ctx, "listen "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
			_ = c.Close(ctx)
			return err
		}
		conn = c
		return nil
	}
	notify := func(err error, wait time.Duration) {
		l.logger.Warn().Err(err).Dur("retry_in", wait).Msg("listener: connect failed")
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(expBackoff, ctx), notify); err != nil {
		return nil, fmt.Errorf("listen %s: %w", l.channel, err)
	}
	l.logger.Info().Str("channel", l.channel).Msg("listener: listening")
	return conn, nil
}

func (l *Listener) listen(ctx context.Context, conn *pgx.Conn) error {
	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		l.Handle(ctx, n.Payload)
	}
}

// Handle resolves one notification payload and publishes the job's state.
// It returns the number of stream connections the event reached.
func (l *Listener) Handle(ctx context.Context, payload string) int {
	jobID, err := parseNotification(payload)
	if err != nil {
		l.logger.Warn().Err(err).Str("payload", payload).Msg("listener: ignoring notification")
		return 0
	}
	snap, err := l.repo.GetStatus(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			l.logger.Debug().Str("job_id", jobID).Msg("listener: notified job not found")
		} else {
			l.logger.Error().Err(err).Str("job_id", jobID).Msg("listener: load job")
		}
		return 0
	}
	return l.publisher.Publish(snap.Event())
}

// parseNotification accepts either {"job_id": "..."} or a bare job id.
func parseNotification(payload string) (string, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return "", domain.ErrMalformedMessage
	}
	if !strings.HasPrefix(payload, "{") {
		return payload, nil
	}
	var n jobNotification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrMalformedMessage, err)
	}
	if strings.TrimSpace(n.JobID) == "" {
		return "", fmt.Errorf("%w: missing job_id", domain.ErrMalformedMessage)
	}
	return strings.TrimSpace(n.JobID), nil
}
