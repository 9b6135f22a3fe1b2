package tracking

import (
	"context"
	"errors"
	"sync"

	"genwatch/internal/domain"
)

// scriptedFetcher returns a per-job sequence of results; the last entry
// repeats once the script is exhausted.
type scriptedFetcher struct {
	mu      sync.Mutex
	scripts map[string][]fetchStep
	calls   map[string]int
}

type fetchStep struct {
	result domain.StatusResult
	err    error
}

func newScriptedFetcher() *scriptedFetcher {
	return &scriptedFetcher{scripts: make(map[string][]fetchStep), calls: make(map[string]int)}
}

func (f *scriptedFetcher) script(jobID string, steps ...fetchStep) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[jobID] = steps
}

func (f *scriptedFetcher) GetJobStatus(ctx context.Context, jobID string) (domain.StatusResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.calls[jobID]
	f.calls[jobID] = n + 1
	steps := f.scripts[jobID]
	if len(steps) == 0 {
		return domain.StatusResult{}, errors.New("unknown job")
	}
	if n >= len(steps) {
		n = len(steps) - 1
	}
	return steps[n].result, steps[n].err
}

func (f *scriptedFetcher) callCount(jobID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[jobID]
}

func status(s domain.JobStatus, images ...domain.JobImage) fetchStep {
	return fetchStep{result: domain.StatusResult{Status: s, Images: images}}
}

func failing(err error) fetchStep {
	return fetchStep{err: err}
}

// fakeChannel records commands and lets tests inject events.
type fakeChannel struct {
	mu           sync.Mutex
	connected    bool
	subscribeErr error
	subscribes   [][]string
	unsubscribes [][]string
	listeners    map[int]func(domain.JobEvent)
	nextID       int
}

func newFakeChannel(connected bool) *fakeChannel {
	return &fakeChannel{connected: connected, listeners: make(map[int]func(domain.JobEvent))}
}

func (c *fakeChannel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeChannel) Subscribe(jobIDs []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscribeErr != nil {
		return c.subscribeErr
	}
	c.subscribes = append(c.subscribes, append([]string(nil), jobIDs...))
	return nil
}

func (c *fakeChannel) Unsubscribe(jobIDs []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubscribes = append(c.unsubscribes, append([]string(nil), jobIDs...))
	return nil
}

func (c *fakeChannel) AddListener(fn func(domain.JobEvent)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

func (c *fakeChannel) emit(evt domain.JobEvent) {
	c.mu.Lock()
	fns := make([]func(domain.JobEvent), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(evt)
	}
}

func (c *fakeChannel) subscribed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, ids := range c.subscribes {
		out = append(out, ids...)
	}
	return out
}

func (c *fakeChannel) unsubscribed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, ids := range c.unsubscribes {
		out = append(out, ids...)
	}
	return out
}

func (c *fakeChannel) listenerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.listeners)
}

// recorder captures engine callbacks.
type recorder struct {
	mu             sync.Mutex
	progress       map[string][]int
	replaced       map[string][]domain.FinalEntity
	failed         map[string]int
	batchCompletes int
}

func newRecorder() *recorder {
	return &recorder{
		progress: make(map[string][]int),
		replaced: make(map[string][]domain.FinalEntity),
		failed:   make(map[string]int),
	}
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnProgress: func(placeholderID string, progress int) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.progress[placeholderID] = append(r.progress[placeholderID], progress)
		},
		OnReplace: func(placeholderID string, entity domain.FinalEntity) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.replaced[placeholderID] = append(r.replaced[placeholderID], entity)
		},
		OnFail: func(placeholderID string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.failed[placeholderID]++
		},
		OnBatchComplete: func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.batchCompletes++
		},
	}
}

func (r *recorder) progressFor(placeholderID string) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.progress[placeholderID]...)
}

func (r *recorder) replacedFor(placeholderID string) []domain.FinalEntity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.FinalEntity(nil), r.replaced[placeholderID]...)
}

func (r *recorder) failedFor(placeholderID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failed[placeholderID]
}

func (r *recorder) completes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.batchCompletes
}

func (r *recorder) terminalCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, entities := range r.replaced {
		n += len(entities)
	}
	for _, c := range r.failed {
		n += c
	}
	return n
}

// sinkFunc collects transport signals in tests that exercise a transport
// without an engine.
type sinkFunc struct {
	mu        sync.Mutex
	progress  []string
	completed []string
	failed    []string
	updates   []ProgressUpdate
	images    map[string][]domain.JobImage
}

func newSinkFunc() *sinkFunc {
	return &sinkFunc{images: make(map[string][]domain.JobImage)}
}

func (s *sinkFunc) Progress(jobID string, u ProgressUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = append(s.progress, jobID)
	s.updates = append(s.updates, u)
}

func (s *sinkFunc) Complete(jobID string, characterContext string, images []domain.JobImage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, jobID)
	s.images[jobID] = images
}

func (s *sinkFunc) Fail(jobID string, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, jobID)
}

func (s *sinkFunc) snapshot() (progress, completed, failed []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.progress...),
		append([]string(nil), s.completed...),
		append([]string(nil), s.failed...)
}
