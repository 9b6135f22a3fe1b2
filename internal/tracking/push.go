package tracking

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"genwatch/internal/domain"
)

// Channel is the process-wide push connection as seen by a PushTransport.
type Channel interface {
	Connected() bool
	Subscribe(jobIDs []string) error
	Unsubscribe(jobIDs []string) error
	AddListener(fn func(domain.JobEvent)) (remove func())
}

// PushOptions configures a PushTransport.
type PushOptions struct {
	Logger *zerolog.Logger
}

// PushTransport routes push channel events for the jobs it subscribed to.
// Each engine owns its own PushTransport; the underlying Channel is shared.
type PushTransport struct {
	channel Channel
	logger  zerolog.Logger

	mu         sync.Mutex
	subscribed map[string]struct{}
	routes     map[string]Sink
	remove     func()
	closed     bool
}

// NewPushTransport creates a PushTransport listening on ch.
func NewPushTransport(ch Channel, opts PushOptions) *PushTransport {
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	p := &PushTransport{
		channel:    ch,
		logger:     logger,
		subscribed: make(map[string]struct{}),
		routes:     make(map[string]Sink),
	}
	if ch != nil {
		p.remove = ch.AddListener(p.handle)
	}
	return p
}

// Name implements Transport.
func (p *PushTransport) Name() string { return "push" }

// Connected reports whether the underlying channel is currently usable.
func (p *PushTransport) Connected() bool {
	return p.channel != nil && p.channel.Connected()
}

// StartTracking implements Transport. Only ids that are not already
// subscribed are sent to the channel.
func (p *PushTransport) StartTracking(ctx context.Context, jobIDs []string, sink Sink) error {
	if p.channel == nil {
		return errors.New("push: channel is required")
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return domain.ErrChannelClosed
	}
	fresh := make([]string, 0, len(jobIDs))
	for _, id := range jobIDs {
		p.routes[id] = sink
		if _, ok := p.subscribed[id]; ok {
			continue
		}
		p.subscribed[id] = struct{}{}
		fresh = append(fresh, id)
	}
	p.mu.Unlock()

	if len(fresh) > 0 {
		if err := p.channel.Subscribe(fresh); err != nil {
			p.forget(jobIDs)
			return fmt.Errorf("push: subscribe: %w", err)
		}
	}

	if done := ctx.Done(); done != nil {
		go func() {
			<-done
			p.StopTracking(jobIDs)
		}()
	}
	return nil
}

// StopTracking implements Transport. Ids that are not subscribed are ignored
// so repeated calls send at most one unsubscribe per id.
func (p *PushTransport) StopTracking(jobIDs []string) {
	release := p.forget(jobIDs)
	if len(release) == 0 {
		return
	}
	if err := p.channel.Unsubscribe(release); err != nil {
		p.logger.Warn().Err(err).Strs("job_ids", release).Msg("push: unsubscribe failed")
	}
}

// Close unsubscribes every id still held by this transport and detaches it
// from the channel.
func (p *PushTransport) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	release := make([]string, 0, len(p.subscribed))
	for id := range p.subscribed {
		release = append(release, id)
	}
	p.subscribed = make(map[string]struct{})
	p.routes = make(map[string]Sink)
	remove := p.remove
	p.mu.Unlock()

	if len(release) > 0 {
		if err := p.channel.Unsubscribe(release); err != nil {
			p.logger.Warn().Err(err).Strs("job_ids", release).Msg("push: unsubscribe on close failed")
		}
	}
	if remove != nil {
		remove()
	}
}

func (p *PushTransport) forget(jobIDs []string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	release := make([]string, 0, len(jobIDs))
	for _, id := range jobIDs {
		delete(p.routes, id)
		if _, ok := p.subscribed[id]; !ok {
			continue
		}
		delete(p.subscribed, id)
		release = append(release, id)
	}
	return release
}

func (p *PushTransport) handle(evt domain.JobEvent) {
	p.mu.Lock()
	sink, ok := p.routes[evt.JobID]
	p.mu.Unlock()
	if !ok {
		return
	}

	switch evt.Type {
	case domain.EventProgress:
		sink.Progress(evt.JobID, ProgressUpdate{
			Status:        evt.Status,
			Progress:      evt.Progress,
			Message:       evt.Message,
			QueuePosition: evt.QueuePosition,
		})
	case domain.EventComplete:
		sink.Complete(evt.JobID, evt.CharacterContext, evt.Images)
		p.StopTracking([]string{evt.JobID})
	case domain.EventError:
		sink.Fail(evt.JobID, evt.Message)
		p.StopTracking([]string{evt.JobID})
	default:
		p.logger.Debug().Str("type", string(evt.Type)).Str("job_id", evt.JobID).Msg("push: ignoring event")
	}
}
