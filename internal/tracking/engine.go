// Package tracking reconciles asynchronously executed generation jobs with
// the placeholders shown for them. An Engine accepts batches of job ids,
// drives either the push or the poll transport for each batch, reports
// estimated progress and applies exactly one terminal transition per job.
package tracking

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"genwatch/internal/domain"
)

// DefaultBatchTimeout bounds how long a batch is tracked before its
// unresolved jobs are abandoned.
const DefaultBatchTimeout = 3 * time.Minute

// Callbacks are invoked by the engine from transport goroutines. Nil
// callbacks are skipped.
type Callbacks struct {
	OnProgress      func(placeholderID string, progress int)
	OnReplace       func(placeholderID string, entity domain.FinalEntity)
	OnFail          func(placeholderID string)
	OnBatchComplete func()
}

// Options configures an Engine.
type Options struct {
	Coordinator  *Coordinator
	Callbacks    Callbacks
	Estimator    Estimator
	BatchTimeout time.Duration
	Now          func() time.Time
	Logger       *zerolog.Logger
	Metrics      *Metrics
}

type batch struct {
	id        string
	transport Transport
	members   map[string]struct{}
	cancel    context.CancelFunc
	done      bool
}

// Engine is the reconciliation engine. It exclusively owns its Registry.
type Engine struct {
	coordinator  *Coordinator
	callbacks    Callbacks
	estimator    Estimator
	batchTimeout time.Duration
	now          func() time.Time
	logger       zerolog.Logger
	metrics      *Metrics

	mu       sync.Mutex
	registry *Registry
	batches  map[string]*batch
	closed   bool
}

// New creates an Engine. A Coordinator is required for Track to do anything.
func New(opts Options) *Engine {
	timeout := opts.BatchTimeout
	if timeout <= 0 {
		timeout = DefaultBatchTimeout
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Engine{
		coordinator:  opts.Coordinator,
		callbacks:    opts.Callbacks,
		estimator:    NewEstimator(opts.Estimator.QueueBudget, opts.Estimator.ProcessingBudget),
		batchTimeout: timeout,
		now:          now,
		logger:       logger,
		metrics:      opts.Metrics,
		registry:     NewRegistry(),
		batches:      make(map[string]*batch),
	}
}

// Track starts tracking a batch of jobs. It does not block; callbacks fire
// asynchronously. Ids already tracked by this engine are skipped. The batch
// ends when every job is terminal, when the batch timeout elapses, or when
// ctx is cancelled; the latter two abandon unresolved jobs silently.
func (e *Engine) Track(ctx context.Context, jobIDs []string, characterContext string, metas map[string]domain.PlaceholderMeta) {
	if e.coordinator == nil {
		e.logger.Error().Msg("engine: no coordinator configured, ignoring batch")
		return
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.logger.Warn().Int("jobs", len(jobIDs)).Msg("engine: closed, ignoring batch")
		return
	}
	b := &batch{id: uuid.NewString(), members: make(map[string]struct{}, len(jobIDs))}
	now := e.now()
	ids := make([]string, 0, len(jobIDs))
	for _, raw := range jobIDs {
		id := strings.TrimSpace(raw)
		if id == "" {
			continue
		}
		if _, dup := b.members[id]; dup {
			continue
		}
		if !e.registry.UpsertQueued(id, metas[id], characterContext, b.id, now) {
			e.logger.Debug().Str("job_id", id).Msg("engine: job already tracked, skipping")
			continue
		}
		b.members[id] = struct{}{}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		e.mu.Unlock()
		return
	}
	transport := e.coordinator.Choose()
	if transport == nil {
		for _, id := range ids {
			e.registry.Remove(id)
		}
		e.mu.Unlock()
		e.logger.Error().Msg("engine: coordinator returned no transport")
		return
	}
	batchCtx, cancel := context.WithTimeout(ctx, e.batchTimeout)
	b.transport = transport
	b.cancel = cancel
	e.batches[b.id] = b
	e.metrics.setTracked(e.registry.Len())
	e.mu.Unlock()

	e.metrics.batchStarted(transport.Name())
	e.logger.Info().
		Str("batch_id", b.id).
		Str("transport", transport.Name()).
		Int("jobs", len(ids)).
		Msg("engine: tracking batch")

	sink := engineSink{e: e}
	if err := transport.StartTracking(batchCtx, ids, sink); err != nil {
		e.logger.Warn().Err(err).Str("batch_id", b.id).Str("transport", transport.Name()).Msg("engine: transport failed to start")
		if fallback := e.coordinator.Fallback(transport); fallback != nil {
			e.mu.Lock()
			b.transport = fallback
			e.mu.Unlock()
			if err := fallback.StartTracking(batchCtx, ids, sink); err != nil {
				e.logger.Error().Err(err).Str("batch_id", b.id).Msg("engine: fallback transport failed to start")
			}
		}
	}

	go e.expire(batchCtx, b)
}

// Cancel stops tracking the given jobs without firing terminal callbacks.
func (e *Engine) Cancel(jobIDs []string) {
	e.mu.Lock()
	stop := make(map[*batch][]string)
	var finished []*batch
	for _, id := range jobIDs {
		rec, ok := e.registry.Remove(id)
		if !ok {
			continue
		}
		b := e.batches[rec.BatchID]
		if b == nil {
			continue
		}
		delete(b.members, id)
		stop[b] = append(stop[b], id)
		if len(b.members) == 0 && !b.done {
			b.done = true
			delete(e.batches, b.id)
			finished = append(finished, b)
		}
	}
	e.metrics.setTracked(e.registry.Len())
	e.mu.Unlock()

	cancelled := 0
	for b, ids := range stop {
		cancelled += len(ids)
		b.transport.StopTracking(ids)
	}
	for _, b := range finished {
		b.cancel()
	}
	e.metrics.abandoned("cancelled", cancelled)
}

// Close abandons every live batch and releases the engine's push
// subscriptions. Track is a no-op afterwards.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	batches := make([]*batch, 0, len(e.batches))
	for _, b := range e.batches {
		batches = append(batches, b)
	}
	e.mu.Unlock()

	for _, b := range batches {
		e.sweep(b, "closed")
		b.cancel()
	}
	if e.coordinator != nil {
		e.coordinator.Close()
	}
}

// Tracked reports whether jobID currently has a record.
func (e *Engine) Tracked(jobID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.registry.Get(jobID)
	return ok
}

// Pending returns the number of jobs currently tracked.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.registry.Len()
}

func (e *Engine) expire(ctx context.Context, b *batch) {
	<-ctx.Done()
	reason := "cancelled"
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		reason = "timeout"
	}
	e.sweep(b, reason)
}

// sweep removes every unresolved member of b without callbacks.
func (e *Engine) sweep(b *batch, reason string) {
	e.mu.Lock()
	if b.done {
		e.mu.Unlock()
		return
	}
	b.done = true
	delete(e.batches, b.id)
	remaining := make([]string, 0, len(b.members))
	for id := range b.members {
		e.registry.Remove(id)
		remaining = append(remaining, id)
	}
	b.members = map[string]struct{}{}
	e.metrics.setTracked(e.registry.Len())
	e.mu.Unlock()

	if len(remaining) == 0 {
		return
	}
	b.transport.StopTracking(remaining)
	e.metrics.abandoned(reason, len(remaining))
	e.logger.Info().
		Str("batch_id", b.id).
		Str("reason", reason).
		Strs("job_ids", remaining).
		Msg("engine: batch ended with unresolved jobs")
}

func (e *Engine) progress(jobID string, update ProgressUpdate) {
	e.mu.Lock()
	if _, ok := e.registry.Get(jobID); !ok {
		e.mu.Unlock()
		return
	}
	now := e.now()
	if update.Status == domain.JobStatusProcessing {
		e.registry.MarkProcessingOnce(jobID, now)
	}
	rec, _ := e.registry.Get(jobID)
	estimate := e.estimator.Estimate(rec.Phase, now, rec.CreatedAt, rec.ProcessingStartedAt)
	value, _ := e.registry.RecordProgress(jobID, int(math.Round(estimate)))
	e.mu.Unlock()

	e.logger.Debug().
		Str("job_id", jobID).
		Str("phase", string(rec.Phase)).
		Int("progress", value).
		Int("queue_position", update.QueuePosition).
		Str("message", update.Message).
		Msg("engine: progress")

	if cb := e.callbacks.OnProgress; cb != nil {
		e.safeCall("on_progress", func() { cb(rec.PlaceholderID, value) })
	}
}

// finish applies the terminal transition for jobID. Removing the record is
// the idempotency guard: only the caller that removes it fires callbacks.
func (e *Engine) finish(jobID string, complete bool, characterContext string, images []domain.JobImage, message string) {
	e.mu.Lock()
	rec, ok := e.registry.Remove(jobID)
	if !ok {
		e.mu.Unlock()
		e.metrics.duplicate()
		e.logger.Debug().Str("job_id", jobID).Msg("engine: ignoring terminal signal for untracked job")
		return
	}
	var transport Transport
	var completed *batch
	if b := e.batches[rec.BatchID]; b != nil {
		transport = b.transport
		delete(b.members, jobID)
		if len(b.members) == 0 && !b.done {
			b.done = true
			delete(e.batches, b.id)
			completed = b
		}
	}
	e.metrics.setTracked(e.registry.Len())
	e.mu.Unlock()

	if transport != nil {
		transport.StopTracking([]string{jobID})
	}

	if complete {
		if characterContext == "" {
			characterContext = rec.CharacterContext
		}
		e.metrics.terminal("completed")
		entity := domain.NewFinalEntity(jobID, characterContext, rec.Meta, images)
		e.logger.Info().Str("job_id", jobID).Str("placeholder_id", rec.PlaceholderID).Int("images", len(images)).Msg("engine: job completed")
		if cb := e.callbacks.OnReplace; cb != nil {
			e.safeCall("on_replace", func() { cb(rec.PlaceholderID, entity) })
		}
	} else {
		e.metrics.terminal("failed")
		e.logger.Info().Str("job_id", jobID).Str("placeholder_id", rec.PlaceholderID).Str("message", message).Msg("engine: job failed")
		if cb := e.callbacks.OnFail; cb != nil {
			e.safeCall("on_fail", func() { cb(rec.PlaceholderID) })
		}
	}

	if completed == nil {
		return
	}
	completed.cancel()
	e.logger.Info().Str("batch_id", completed.id).Msg("engine: batch complete")
	if cb := e.callbacks.OnBatchComplete; cb != nil {
		e.safeCall("on_batch_complete", cb)
	}
}

func (e *Engine) safeCall(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Interface("panic", r).Str("callback", name).Msg("engine: callback panicked")
		}
	}()
	fn()
}

// engineSink adapts the engine to the Sink interface without exporting the
// signal handlers on Engine itself.
type engineSink struct {
	e *Engine
}

func (s engineSink) Progress(jobID string, update ProgressUpdate) {
	s.e.progress(jobID, update)
}

func (s engineSink) Complete(jobID string, characterContext string, images []domain.JobImage) {
	s.e.finish(jobID, true, characterContext, images, "")
}

func (s engineSink) Fail(jobID string, message string) {
	s.e.finish(jobID, false, "", nil, message)
}
