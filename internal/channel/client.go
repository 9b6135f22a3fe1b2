// Package channel maintains the process-wide websocket connection that
// delivers job events. Subscriptions are reference counted so several
// engines can share the connection.
package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"genwatch/internal/domain"
)

const (
	defaultWriteTimeout   = 5 * time.Second
	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 30 * time.Second
)

// Options configures a Client.
type Options struct {
	URL    string
	Header http.Header
	Dialer *websocket.Dialer
	Logger *zerolog.Logger

	WriteTimeout   time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Client is a reconnecting websocket client for the job event stream.
type Client struct {
	url          string
	header       http.Header
	dialer       *websocket.Dialer
	logger       zerolog.Logger
	writeTimeout time.Duration
	initial      time.Duration
	max          time.Duration

	connected atomic.Bool

	mu        sync.Mutex
	conn      *websocket.Conn
	refs      map[string]int
	listeners map[int]func(domain.JobEvent)
	nextID    int
	started   bool
	closed    bool
	cancel    context.CancelFunc
	done      chan struct{}

	writeMu sync.Mutex
}

func New(opts Options) *Client {
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	c := &Client{
		url:          opts.URL,
		header:       opts.Header,
		dialer:       dialer,
		logger:       logger,
		writeTimeout: opts.WriteTimeout,
		initial:      opts.InitialBackoff,
		max:          opts.MaxBackoff,
		refs:         make(map[string]int),
		listeners:    make(map[int]func(domain.JobEvent)),
		done:         make(chan struct{}),
	}
	if c.writeTimeout <= 0 {
		c.writeTimeout = defaultWriteTimeout
	}
	if c.initial <= 0 {
		c.initial = defaultInitialBackoff
	}
	if c.max <= 0 {
		c.max = defaultMaxBackoff
	}
	return c
}

// Start launches the connection loop. It returns immediately; Connected
// reports true once the first dial succeeds. Start is a no-op after the
// first call.
func (c *Client) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started || c.closed {
		c.mu.Unlock()
		return
	}
	c.started = true
	ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	go c.run(ctx)
}

// WaitConnected blocks until the client is connected or ctx ends.
func (c *Client) WaitConnected(ctx context.Context) bool {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if c.Connected() {
			return true
		}
		select {
		case <-ctx.Done():
			return c.Connected()
		case <-ticker.C:
		}
	}
}

// Connected reports whether the connection is currently up.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Subscribe adds a reference to each id. Ids gaining their first reference
// are sent to the server in a single command; on failure those references
// are rolled back.
func (c *Client) Subscribe(jobIDs []string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrChannelClosed
	}
	if c.conn == nil {
		c.mu.Unlock()
		return domain.ErrNotConnected
	}
	var fresh []string
	for _, id := range jobIDs {
		if c.refs[id] == 0 {
			fresh = append(fresh, id)
		}
		c.refs[id]++
	}
	c.mu.Unlock()

	if len(fresh) == 0 {
		return nil
	}
	if err := c.send(domain.Command{Type: domain.EventSubscribe, JobIDs: fresh}); err != nil {
		c.mu.Lock()
		for _, id := range jobIDs {
			c.release(id)
		}
		c.mu.Unlock()
		return err
	}
	return nil
}

// Unsubscribe drops a reference to each id. Ids losing their last reference
// are sent to the server; while disconnected they are simply forgotten.
func (c *Client) Unsubscribe(jobIDs []string) error {
	c.mu.Lock()
	var gone []string
	for _, id := range jobIDs {
		if c.release(id) {
			gone = append(gone, id)
		}
	}
	connected := c.conn != nil
	c.mu.Unlock()

	if len(gone) == 0 || !connected {
		return nil
	}
	return c.send(domain.Command{Type: domain.EventUnsubscribe, JobIDs: gone})
}

// release must be called with c.mu held. It reports whether the id lost its
// last reference.
func (c *Client) release(id string) bool {
	n, ok := c.refs[id]
	if !ok {
		return false
	}
	if n <= 1 {
		delete(c.refs, id)
		return true
	}
	c.refs[id] = n - 1
	return false
}

// Subscriptions returns the ids currently referenced, sorted.
func (c *Client) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscriptionsLocked()
}

func (c *Client) subscriptionsLocked() []string {
	ids := make([]string, 0, len(c.refs))
	for id := range c.refs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// AddListener registers fn for every inbound event and returns a func that
// removes it.
func (c *Client) AddListener(fn func(domain.JobEvent)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(c.listeners, id)
		})
	}
}

// Close stops reconnecting, closes the connection and waits for the
// connection loop to exit.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	started := c.started
	cancel := c.cancel
	conn := c.conn
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = conn.Close()
	}
	if started {
		<-c.done
	}
	return nil
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	for {
		conn, err := c.dial(ctx)
		if err != nil {
			return
		}
		if !c.attach(conn) {
			_ = conn.Close()
			return
		}
		c.readLoop(ctx, conn)
		c.detach(conn)
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn().Str("url", c.url).Msg("channel: connection lost, reconnecting")
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = c.initial
	expBackoff.MaxInterval = c.max
	expBackoff.MaxElapsedTime = 0

	var conn *websocket.Conn
	operation := func() error {
		dialed, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		conn = dialed
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn().Err(err).Dur("retry_in", wait).Str("url", c.url).Msg("channel: dial failed")
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(expBackoff, ctx), notify); err != nil {
		return nil, fmt.Errorf("channel: dial %s: %w", c.url, err)
	}
	return conn, nil
}

// attach installs conn as the live connection and re-subscribes every
// referenced id.
func (c *Client) attach(conn *websocket.Conn) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.conn = conn
	ids := c.subscriptionsLocked()
	c.mu.Unlock()

	c.connected.Store(true)
	c.logger.Info().Str("url", c.url).Int("subscriptions", len(ids)).Msg("channel: connected")

	if len(ids) > 0 {
		if err := c.send(domain.Command{Type: domain.EventSubscribe, JobIDs: ids}); err != nil {
			c.logger.Warn().Err(err).Msg("channel: resubscribe failed")
		}
	}
	return true
}

func (c *Client) detach(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	c.connected.Store(false)
	_ = conn.Close()
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.logger.Debug().Err(err).Msg("channel: read failed")
			}
			return
		}
		evt, err := decodeEvent(data)
		if err != nil {
			c.logger.Warn().Err(err).Int("bytes", len(data)).Msg("channel: dropping frame")
			continue
		}
		c.dispatch(evt)
	}
}

func decodeEvent(data []byte) (domain.JobEvent, error) {
	var evt domain.JobEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return evt, fmt.Errorf("%w: %v", domain.ErrMalformedMessage, err)
	}
	if evt.Type == "" || evt.JobID == "" {
		return evt, fmt.Errorf("%w: missing type or jobId", domain.ErrMalformedMessage)
	}
	return evt, nil
}

func (c *Client) dispatch(evt domain.JobEvent) {
	c.mu.Lock()
	fns := make([]func(domain.JobEvent), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		c.invoke(fn, evt)
	}
}

func (c *Client) invoke(fn func(domain.JobEvent), evt domain.JobEvent) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Str("job_id", evt.JobID).Msg("channel: listener panicked")
		}
	}()
	fn(evt)
}

func (c *Client) send(cmd domain.Command) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return domain.ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := conn.WriteJSON(cmd); err != nil {
		return fmt.Errorf("channel: write %s: %w", cmd.Type, err)
	}
	return nil
}
