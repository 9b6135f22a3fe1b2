package tracking

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"genwatch/internal/domain"
)

const (
	DefaultPollInterval    = 2 * time.Second
	DefaultPollConcurrency = 8
)

// StatusFetcher is the status-poll call consumed by PollTransport. It must be
// safe to call repeatedly for the same job.
type StatusFetcher interface {
	GetJobStatus(ctx context.Context, jobID string) (domain.StatusResult, error)
}

// PollOptions configures a PollTransport.
type PollOptions struct {
	Interval    time.Duration
	Concurrency int
	Logger      *zerolog.Logger
	Metrics     *Metrics
}

// PollTransport repeatedly fetches the status of every unresolved job in a
// batch until all are resolved or the batch context ends.
type PollTransport struct {
	fetcher     StatusFetcher
	interval    time.Duration
	concurrency int
	logger      zerolog.Logger
	metrics     *Metrics

	mu    sync.Mutex
	loops map[*pollLoop]struct{}
}

// NewPollTransport creates a PollTransport backed by fetcher.
func NewPollTransport(fetcher StatusFetcher, opts PollOptions) *PollTransport {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultPollConcurrency
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &PollTransport{
		fetcher:     fetcher,
		interval:    interval,
		concurrency: concurrency,
		logger:      logger,
		metrics:     opts.Metrics,
		loops:       make(map[*pollLoop]struct{}),
	}
}

// Name implements Transport.
func (p *PollTransport) Name() string { return "poll" }

// StartTracking implements Transport. The first round of status calls is
// issued immediately.
func (p *PollTransport) StartTracking(ctx context.Context, jobIDs []string, sink Sink) error {
	if p.fetcher == nil {
		return errors.New("poll: status fetcher is required")
	}
	loop := newPollLoop(jobIDs)
	p.mu.Lock()
	p.loops[loop] = struct{}{}
	p.mu.Unlock()

	go func() {
		defer func() {
			p.mu.Lock()
			delete(p.loops, loop)
			p.mu.Unlock()
		}()
		p.run(ctx, loop, sink)
	}()
	return nil
}

// StopTracking implements Transport.
func (p *PollTransport) StopTracking(jobIDs []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for loop := range p.loops {
		loop.drop(jobIDs)
	}
}

type pollResult struct {
	jobID  string
	result domain.StatusResult
	err    error
}

func (p *PollTransport) run(ctx context.Context, loop *pollLoop, sink Sink) {
	for {
		pending := loop.pendingIDs()
		if len(pending) == 0 {
			return
		}

		results := p.fetchAll(ctx, pending)
		if ctx.Err() != nil {
			return
		}

		for _, res := range results {
			if res.err != nil {
				p.logger.Warn().Err(res.err).Str("job_id", res.jobID).Msg("poll: status call failed, retrying next tick")
				continue
			}
			if !res.result.Status.Terminal() {
				if loop.isPending(res.jobID) {
					sink.Progress(res.jobID, ProgressUpdate{Status: res.result.Status})
				}
				continue
			}
			if !loop.resolve(res.jobID) {
				continue
			}
			if res.result.Status == domain.JobStatusCompleted {
				sink.Complete(res.jobID, "", res.result.Images)
			} else {
				sink.Fail(res.jobID, "")
			}
		}

		if loop.done() {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.interval):
		}
	}
}

// fetchAll issues one status call per id and waits for all of them.
func (p *PollTransport) fetchAll(ctx context.Context, jobIDs []string) []pollResult {
	results := make([]pollResult, len(jobIDs))
	var g errgroup.Group
	g.SetLimit(p.concurrency)
	for i, jobID := range jobIDs {
		g.Go(func() error {
			res, err := p.fetcher.GetJobStatus(ctx, jobID)
			p.metrics.pollCall(err)
			results[i] = pollResult{jobID: jobID, result: res, err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// pollLoop is the per-batch state of one poll loop.
type pollLoop struct {
	mu       sync.Mutex
	order    []string
	pending  map[string]struct{}
	resolved map[string]struct{}
}

func newPollLoop(jobIDs []string) *pollLoop {
	loop := &pollLoop{
		pending:  make(map[string]struct{}, len(jobIDs)),
		resolved: make(map[string]struct{}, len(jobIDs)),
	}
	for _, id := range jobIDs {
		if _, ok := loop.pending[id]; ok {
			continue
		}
		loop.pending[id] = struct{}{}
		loop.order = append(loop.order, id)
	}
	return loop
}

func (l *pollLoop) pendingIDs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]string, 0, len(l.pending))
	for _, id := range l.order {
		if _, ok := l.pending[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func (l *pollLoop) isPending(jobID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.pending[jobID]
	return ok
}

// resolve moves jobID from pending to resolved. It reports false when the id
// was already resolved or dropped.
func (l *pollLoop) resolve(jobID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.pending[jobID]; !ok {
		return false
	}
	delete(l.pending, jobID)
	l.resolved[jobID] = struct{}{}
	return true
}

func (l *pollLoop) drop(jobIDs []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range jobIDs {
		delete(l.pending, id)
	}
}

func (l *pollLoop) done() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending) == 0
}
