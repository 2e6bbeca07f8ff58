package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	gosync "sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dgnsrekt/mirrorsync/internal/changes"
	"github.com/dgnsrekt/mirrorsync/internal/events"
)

// kindRecorder captures event kinds for assertions.
type kindRecorder struct {
	mu    gosync.Mutex
	kinds []events.Kind
	ch    chan events.Kind
}

func newKindRecorder() *kindRecorder {
	return &kindRecorder{ch: make(chan events.Kind, 64)}
}

func (r *kindRecorder) Notify(e events.Event) {
	r.mu.Lock()
	r.kinds = append(r.kinds, e.Kind)
	r.mu.Unlock()
	r.ch <- e.Kind
}

func (r *kindRecorder) count(k events.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, got := range r.kinds {
		if got == k {
			n++
		}
	}
	return n
}

func (r *kindRecorder) await(t *testing.T, k events.Kind) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case got := <-r.ch:
			if got == k {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", k)
		}
	}
}

// echoHandler answers keep-alives the way the change queue does.
type echoHandler struct {
	m        *Manager
	mu       gosync.Mutex
	payloads []string
}

func (h *echoHandler) HandleMessage(raw []byte, binary bool) {
	if !binary && changes.IsPing(raw) {
		h.m.Renew()
		_ = h.m.Send(changes.PongToken)
		return
	}
	h.mu.Lock()
	h.payloads = append(h.payloads, string(raw))
	h.mu.Unlock()
}

type fixedVersion int64

func (v fixedVersion) MirrorVersion() (int64, bool) { return int64(v), true }

// rawServer accepts sockets and hands each one to serve.
func rawServer(t *testing.T, serve func(c *websocket.Conn)) string {
	t.Helper()
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		serve(c)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// holdOpen keeps the socket open, reading until the client goes away.
func holdOpen(c *websocket.Conn) {
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			return
		}
	}
}

func newTestManager(t *testing.T, url string, interval time.Duration) (*Manager, *kindRecorder) {
	t.Helper()
	bus := events.NewBus()
	rec := newKindRecorder()
	bus.Subscribe(rec)
	m := NewManager(Options{
		URL:               url,
		KeepAliveInterval: interval,
		KeepAliveMargin:   interval / 5,
	}, bus, zap.NewNop())
	t.Cleanup(func() { _ = m.Close() })
	return m, rec
}

func TestConnectIsIdempotent(t *testing.T) {
	url := rawServer(t, holdOpen)
	m, rec := newTestManager(t, url, time.Minute)

	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.Connect(context.Background()))

	assert.Equal(t, int64(1), m.Dials())
	assert.Equal(t, StateOpen, m.State())
	assert.Equal(t, 1, rec.count(events.Online))
}

func TestLivenessTimeoutForcesCloseOnce(t *testing.T) {
	url := rawServer(t, holdOpen)
	m, rec := newTestManager(t, url, 50*time.Millisecond)

	require.NoError(t, m.Connect(context.Background()))
	rec.await(t, events.Offline)

	assert.Equal(t, StateClosed, m.State())
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, rec.count(events.Offline))

	// A later connect opens a fresh socket.
	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, int64(2), m.Dials())
}

func TestKeepAliveKeepsConnectionOpen(t *testing.T) {
	pongs := make(chan struct{}, 64)
	url := rawServer(t, func(c *websocket.Conn) {
		go func() {
			for {
				_, msg, err := c.ReadMessage()
				if err != nil {
					return
				}
				if changes.IsPong(msg) {
					pongs <- struct{}{}
				}
			}
		}()
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for range ticker.C {
			if err := c.WriteMessage(websocket.TextMessage, []byte(changes.PingToken)); err != nil {
				return
			}
		}
	})
	m, rec := newTestManager(t, url, 50*time.Millisecond)
	m.Bind(&echoHandler{m: m}, nil)

	require.NoError(t, m.Connect(context.Background()))
	time.Sleep(300 * time.Millisecond)

	assert.Equal(t, StateOpen, m.State())
	assert.Equal(t, 0, rec.count(events.Offline))
	assert.NotEmpty(t, pongs)
}

func TestOpenSendsMirrorVersion(t *testing.T) {
	first := make(chan string, 1)
	url := rawServer(t, func(c *websocket.Conn) {
		_, msg, err := c.ReadMessage()
		if err == nil {
			first <- string(msg)
		}
		holdOpen(c)
	})
	m, _ := newTestManager(t, url, time.Minute)
	m.Bind(&echoHandler{m: m}, fixedVersion(7))

	require.NoError(t, m.Connect(context.Background()))

	select {
	case got := <-first:
		assert.Equal(t, "7", got)
	case <-time.After(2 * time.Second):
		t.Fatal("no resync request received")
	}
}

func TestPayloadsReachHandlerUndecoded(t *testing.T) {
	url := rawServer(t, func(c *websocket.Conn) {
		_ = c.WriteMessage(websocket.TextMessage, []byte(`{"anything":true}`))
		holdOpen(c)
	})
	m, _ := newTestManager(t, url, time.Minute)
	h := &echoHandler{m: m}
	m.Bind(h, nil)

	require.NoError(t, m.Connect(context.Background()))
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.payloads) == 1 && h.payloads[0] == `{"anything":true}`
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServerCloseEmitsOffline(t *testing.T) {
	url := rawServer(t, func(c *websocket.Conn) {
		time.Sleep(30 * time.Millisecond)
	})
	m, rec := newTestManager(t, url, time.Minute)

	require.NoError(t, m.Connect(context.Background()))
	rec.await(t, events.Offline)
	assert.Equal(t, StateClosed, m.State())
	assert.ErrorIs(t, m.Send("1"), ErrNotConnected)
}

func TestDialFailureEmitsOffline(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	m, rec := newTestManager(t, url, time.Minute)

	assert.Error(t, m.Connect(context.Background()))
	assert.Equal(t, 1, rec.count(events.Offline))
	assert.Equal(t, StateClosed, m.State())

	assert.Error(t, m.Connect(context.Background()))
	assert.Equal(t, int64(2), m.Dials())
}

func TestCloseRefusesConnect(t *testing.T) {
	url := rawServer(t, holdOpen)
	m, rec := newTestManager(t, url, time.Minute)

	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.Close())

	assert.Equal(t, 1, rec.count(events.Offline))
	assert.ErrorIs(t, m.Connect(context.Background()), ErrClosed)
}
