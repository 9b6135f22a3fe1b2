// Package statusclient implements the status-poll call against the job
// status API.
package statusclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"genwatch/internal/domain"
)

const (
	defaultTimeout = 10 * time.Second
	maxErrorBody   = 512
)

type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	// RatePerSecond caps status calls across every batch sharing the client.
	// Zero disables the limiter.
	RatePerSecond float64
	Burst         int
	Logger        *zerolog.Logger
}

// Client calls GET {base}/v1/jobs/{job_id}.
type Client struct {
	base    *url.URL
	http    *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("status api returned %d", e.StatusCode)
	}
	return fmt.Sprintf("status api returned %d: %s", e.StatusCode, e.Body)
}

func (e *StatusError) Unwrap() error {
	if e.StatusCode == http.StatusNotFound {
		return domain.ErrNotFound
	}
	return nil
}

func New(opts Options) (*Client, error) {
	raw := strings.TrimSpace(opts.BaseURL)
	if raw == "" {
		return nil, errors.New("statusclient: base url is required")
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("statusclient: parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("statusclient: unsupported scheme %q", base.Scheme)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	c := &Client{base: base, http: httpClient, logger: logger}
	if opts.RatePerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}
	return c, nil
}

type statusResponse struct {
	Status string            `json:"status"`
	Images []domain.JobImage `json:"images"`
}

// GetJobStatus fetches and normalises the status of one job.
func (c *Client) GetJobStatus(ctx context.Context, jobID string) (domain.StatusResult, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return domain.StatusResult{}, fmt.Errorf("statusclient: rate limit wait: %w", err)
		}
	}

	endpoint := c.base.JoinPath("v1", "jobs", jobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return domain.StatusResult{}, fmt.Errorf("statusclient: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.StatusResult{}, fmt.Errorf("statusclient: get %s: %w", jobID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return domain.StatusResult{}, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var payload statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return domain.StatusResult{}, fmt.Errorf("statusclient: decode %s: %w", jobID, err)
	}
	status, err := domain.ParseJobStatus(payload.Status)
	if err != nil {
		return domain.StatusResult{}, fmt.Errorf("statusclient: job %s: %w", jobID, err)
	}

	c.logger.Debug().Str("job_id", jobID).Str("status", string(status)).Int("images", len(payload.Images)).Msg("statusclient: status fetched")
	return domain.StatusResult{Status: status, Images: payload.Images}, nil
}
