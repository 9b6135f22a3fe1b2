// Package hub serves the job event stream. Each websocket connection keeps
// its own subscription set; published events reach only the connections
// subscribed to the event's job.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/text/language"
	"golang.org/x/text/message/catalog"

	"genwatch/internal/domain"
)

const (
	defaultSendBuffer   = 64
	defaultPingInterval = 30 * time.Second
	writeWait           = 10 * time.Second
	maxCommandBytes     = 64 << 10
	maxJobsPerCommand   = 500
	catchUpTimeout      = 5 * time.Second
)

type Metrics struct {
	Connections prometheus.Gauge
	Events      *prometheus.CounterVec
	Dropped     prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "genwatch",
			Subsystem: "hub",
			Name:      "connections",
			Help:      "Open job stream connections.",
		}),
		Events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "genwatch",
			Subsystem: "hub",
			Name:      "events_delivered_total",
			Help:      "Events queued for delivery, by event type.",
		}, []string{"type"}),
		Dropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: "genwatch",
			Subsystem: "hub",
			Name:      "slow_consumers_dropped_total",
			Help:      "Connections closed because their send buffer was full.",
		}),
	}
}

type Options struct {
	// Jobs, when set, is consulted on subscribe so a job that already
	// finished is reported to the new subscriber.
	Jobs         domain.JobStatusRepository
	Logger       *zerolog.Logger
	Metrics      *Metrics
	SendBuffer   int
	PingInterval time.Duration
	CheckOrigin  func(r *http.Request) bool
}

type Hub struct {
	upgrader     websocket.Upgrader
	jobs         domain.JobStatusRepository
	logger       zerolog.Logger
	metrics      *Metrics
	catalog      catalog.Catalog
	sendBuffer   int
	pingInterval time.Duration

	mu      sync.RWMutex
	clients map[*client]struct{}
	subs    map[string]map[*client]struct{}
	closed  bool
}

type client struct {
	id     string
	conn   *websocket.Conn
	locale language.Tag
	send   chan []byte
	jobs   map[string]struct{} // guarded by Hub.mu
	done   chan struct{}
	once   sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

func New(opts Options) *Hub {
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	h := &Hub{
		jobs:         opts.Jobs,
		logger:       logger,
		metrics:      opts.Metrics,
		catalog:      newCatalog(),
		sendBuffer:   opts.SendBuffer,
		pingInterval: opts.PingInterval,
		clients:      make(map[*client]struct{}),
		subs:         make(map[string]map[*client]struct{}),
	}
	if h.sendBuffer <= 0 {
		h.sendBuffer = defaultSendBuffer
	}
	if h.pingInterval <= 0 {
		h.pingInterval = defaultPingInterval
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     opts.CheckOrigin,
	}
	return h
}

// ServeWS upgrades the request and blocks until the connection ends. locale
// selects the language of generated event messages.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, locale string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Msg("hub: upgrade failed")
		return
	}

	tag, err := language.Parse(locale)
	if err != nil {
		tag = language.English
	}
	c := &client{
		id:     uuid.NewString(),
		conn:   conn,
		locale: tag,
		send:   make(chan []byte, h.sendBuffer),
		jobs:   make(map[string]struct{}),
		done:   make(chan struct{}),
	}
	if !h.register(c) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	h.logger.Debug().Str("conn_id", c.id).Str("locale", tag.String()).Msg("hub: client connected")

	go h.writePump(c)
	h.readPump(c)

	h.unregister(c)
	c.close()
	_ = conn.Close()
	h.logger.Debug().Str("conn_id", c.id).Msg("hub: client disconnected")
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	if h.metrics != nil {
		h.metrics.Connections.Inc()
	}
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	for jobID := range c.jobs {
		h.dropSubscriberLocked(jobID, c)
	}
	c.jobs = map[string]struct{}{}
	if h.metrics != nil {
		h.metrics.Connections.Dec()
	}
}

func (h *Hub) dropSubscriberLocked(jobID string, c *client) {
	set := h.subs[jobID]
	delete(set, c)
	if len(set) == 0 {
		delete(h.subs, jobID)
	}
}

func (h *Hub) readPump(c *client) {
	c.conn.SetReadLimit(maxCommandBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * h.pingInterval))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(2 * h.pingInterval))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd domain.Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			h.logger.Debug().Err(err).Str("conn_id", c.id).Msg("hub: ignoring malformed command")
			continue
		}
		if added := h.apply(c, cmd); len(added) > 0 {
			h.catchUp(c, added)
		}
	}
}

// apply runs a subscribe/unsubscribe command and returns the ids c newly
// subscribed to.
func (h *Hub) apply(c *client, cmd domain.Command) []string {
	ids := cmd.JobIDs
	if len(ids) > maxJobsPerCommand {
		ids = ids[:maxJobsPerCommand]
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return nil
	}
	var added []string
	for _, raw := range ids {
		jobID := strings.TrimSpace(raw)
		if jobID == "" {
			continue
		}
		switch cmd.Type {
		case domain.EventSubscribe:
			if _, ok := c.jobs[jobID]; !ok {
				added = append(added, jobID)
			}
			set, ok := h.subs[jobID]
			if !ok {
				set = make(map[*client]struct{})
				h.subs[jobID] = set
			}
			set[c] = struct{}{}
			c.jobs[jobID] = struct{}{}
		case domain.EventUnsubscribe:
			if _, ok := c.jobs[jobID]; !ok {
				continue
			}
			delete(c.jobs, jobID)
			h.dropSubscriberLocked(jobID, c)
		default:
			h.logger.Debug().Str("conn_id", c.id).Str("type", string(cmd.Type)).Msg("hub: ignoring unknown command")
			return nil
		}
	}
	return added
}

// catchUp reports jobs that reached a terminal state before c subscribed.
// Their notification was published while nobody was listening and will not
// be repeated.
func (h *Hub) catchUp(c *client, jobIDs []string) {
	if h.jobs == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), catchUpTimeout)
	defer cancel()
	for _, jobID := range jobIDs {
		snap, err := h.jobs.GetStatus(ctx, jobID)
		if err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				h.logger.Warn().Err(err).Str("job_id", jobID).Msg("hub: catch-up lookup failed")
			}
			continue
		}
		if snap == nil || !snap.Status.Terminal() {
			continue
		}
		evt := snap.Event()
		evt.JobID = jobID

		h.mu.Lock()
		_, subscribed := c.jobs[jobID]
		if subscribed {
			delete(c.jobs, jobID)
			h.dropSubscriberLocked(jobID, c)
		}
		h.mu.Unlock()
		if !subscribed {
			// Unsubscribed meanwhile, or a terminal Publish already got there.
			continue
		}
		if h.deliver(c, evt, h.encode(c.locale, evt)) {
			h.logger.Debug().Str("conn_id", c.id).Str("job_id", jobID).Msg("hub: sent terminal state on subscribe")
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			_ = c.conn.Close()
			return
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				_ = c.conn.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				_ = c.conn.Close()
				return
			}
		}
	}
}

// Publish queues evt for every connection subscribed to its job and returns
// how many connections it was queued for. Terminal events also end those
// subscriptions. A connection whose buffer is full is closed.
func (h *Hub) Publish(evt domain.JobEvent) int {
	terminal := evt.Type == domain.EventComplete || evt.Type == domain.EventError

	h.mu.Lock()
	set := h.subs[evt.JobID]
	targets := make([]*client, 0, len(set))
	for c := range set {
		targets = append(targets, c)
		if terminal {
			delete(c.jobs, evt.JobID)
		}
	}
	if terminal {
		delete(h.subs, evt.JobID)
	}
	h.mu.Unlock()

	if len(targets) == 0 {
		return 0
	}

	payloads := make(map[string][]byte)
	delivered := 0
	for _, c := range targets {
		key := c.locale.String()
		payload, ok := payloads[key]
		if !ok {
			payload = h.encode(c.locale, evt)
			if payload == nil {
				return delivered
			}
			payloads[key] = payload
		}
		if h.deliver(c, evt, payload) {
			delivered++
		}
	}
	return delivered
}

func (h *Hub) encode(locale language.Tag, evt domain.JobEvent) []byte {
	data, err := json.Marshal(localize(h.catalog, locale, evt))
	if err != nil {
		h.logger.Error().Err(err).Str("job_id", evt.JobID).Msg("hub: encode event")
		return nil
	}
	return data
}

// deliver queues payload for c without blocking. A connection whose buffer
// is full is closed.
func (h *Hub) deliver(c *client, evt domain.JobEvent, payload []byte) bool {
	if payload == nil {
		return false
	}
	select {
	case c.send <- payload:
		if h.metrics != nil {
			h.metrics.Events.WithLabelValues(string(evt.Type)).Inc()
		}
		return true
	default:
		h.logger.Warn().Str("conn_id", c.id).Msg("hub: send buffer full, closing connection")
		if h.metrics != nil {
			h.metrics.Dropped.Inc()
		}
		c.close()
		return false
	}
}

// Subscribers returns the number of connections subscribed to jobID.
func (h *Hub) Subscribers(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[jobID])
}

// Connections returns the number of open connections.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}
