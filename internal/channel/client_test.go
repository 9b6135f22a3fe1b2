package channel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genwatch/internal/domain"
)

type streamServer struct {
	srv      *httptest.Server
	commands chan domain.Command

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newStreamServer(t *testing.T) *streamServer {
	t.Helper()
	s := &streamServer{commands: make(chan domain.Command, 64)}
	upgrader := websocket.Upgrader{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		for {
			var cmd domain.Command
			if err := conn.ReadJSON(&cmd); err != nil {
				return
			}
			s.commands <- cmd
		}
	}))
	t.Cleanup(func() {
		s.dropAll()
		s.srv.Close()
	})
	return s
}

func (s *streamServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *streamServer) connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *streamServer) write(t *testing.T, frame string) {
	t.Helper()
	s.mu.Lock()
	conn := s.conns[len(s.conns)-1]
	s.mu.Unlock()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func (s *streamServer) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conn := range s.conns {
		_ = conn.Close()
	}
}

func (s *streamServer) expect(t *testing.T) domain.Command {
	t.Helper()
	select {
	case cmd := <-s.commands:
		return cmd
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for command")
		return domain.Command{}
	}
}

func (s *streamServer) expectNone(t *testing.T) {
	t.Helper()
	select {
	case cmd := <-s.commands:
		t.Fatalf("unexpected command %+v", cmd)
	case <-time.After(50 * time.Millisecond):
	}
}

func startClient(t *testing.T, s *streamServer) *Client {
	t.Helper()
	c := New(Options{URL: s.url(), InitialBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond})
	c.Start(context.Background())
	t.Cleanup(func() { _ = c.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.True(t, c.WaitConnected(ctx))
	return c
}

func TestClientSubscriptionsAreReferenceCounted(t *testing.T) {
	s := newStreamServer(t)
	c := startClient(t, s)

	require.NoError(t, c.Subscribe([]string{"a", "b"}))
	assert.Equal(t, domain.Command{Type: domain.EventSubscribe, JobIDs: []string{"a", "b"}}, s.expect(t))

	require.NoError(t, c.Subscribe([]string{"b", "c"}))
	assert.Equal(t, domain.Command{Type: domain.EventSubscribe, JobIDs: []string{"c"}}, s.expect(t))

	require.NoError(t, c.Unsubscribe([]string{"b"}))
	s.expectNone(t)

	require.NoError(t, c.Unsubscribe([]string{"b", "a", "missing"}))
	assert.Equal(t, domain.Command{Type: domain.EventUnsubscribe, JobIDs: []string{"b", "a"}}, s.expect(t))
	assert.Equal(t, []string{"c"}, c.Subscriptions())
}

func TestClientDispatchesEventsAndDropsMalformedFrames(t *testing.T) {
	s := newStreamServer(t)
	c := startClient(t, s)

	events := make(chan domain.JobEvent, 8)
	c.AddListener(func(evt domain.JobEvent) { events <- evt })
	removed := make(chan domain.JobEvent, 8)
	remove := c.AddListener(func(evt domain.JobEvent) { removed <- evt })
	remove()
	remove()
	c.AddListener(func(domain.JobEvent) { panic("listener bug") })

	s.write(t, "not json")
	s.write(t, `{"type":"progress"}`)
	s.write(t, `{"type":"complete","jobId":"j1","images":[{"id":"i1","url":"https://cdn.example.com/i1.png"}]}`)

	select {
	case evt := <-events:
		assert.Equal(t, domain.EventComplete, evt.Type)
		assert.Equal(t, "j1", evt.JobID)
		require.Len(t, evt.Images, 1)
		assert.Equal(t, "https://cdn.example.com/i1.png", evt.Images[0].URL)
	case <-time.After(2 * time.Second):
		t.Fatal("no event dispatched")
	}
	assert.Empty(t, events)
	assert.Empty(t, removed)
	assert.True(t, c.Connected())
}

func TestClientResubscribesAfterReconnect(t *testing.T) {
	s := newStreamServer(t)
	c := startClient(t, s)

	require.NoError(t, c.Subscribe([]string{"b", "a"}))
	s.expect(t)

	s.dropAll()
	require.Eventually(t, func() bool { return s.connections() == 2 && c.Connected() }, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, domain.Command{Type: domain.EventSubscribe, JobIDs: []string{"a", "b"}}, s.expect(t))
}

func TestClientRejectsSubscribeWhenUnavailable(t *testing.T) {
	c := New(Options{URL: "ws://127.0.0.1:1/stream"})
	assert.False(t, c.Connected())
	assert.ErrorIs(t, c.Subscribe([]string{"a"}), domain.ErrNotConnected)
	assert.Empty(t, c.Subscriptions())
	assert.NoError(t, c.Unsubscribe([]string{"a"}))

	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Subscribe([]string{"a"}), domain.ErrChannelClosed)
}

func TestClientCloseStopsReconnecting(t *testing.T) {
	s := newStreamServer(t)
	c := startClient(t, s)

	require.NoError(t, c.Close())
	assert.False(t, c.Connected())
	require.NoError(t, c.Close())

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, s.connections())
}
