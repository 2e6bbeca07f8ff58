package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dgnsrekt/mirrorsync/internal/changes"
	"github.com/dgnsrekt/mirrorsync/internal/events"
	"github.com/dgnsrekt/mirrorsync/internal/mirror"
)

type sliceReplayer struct {
	batches []mirror.ChangeBatch
	floor   int64
}

func (r *sliceReplayer) Since(version int64) ([]mirror.ChangeBatch, error) {
	if version < r.floor {
		return nil, mirror.ErrHistoryUnavailable
	}
	var out []mirror.ChangeBatch
	for _, b := range r.batches {
		if b.Version() > version {
			out = append(out, b)
		}
	}
	return out, nil
}

// decodingHandler decodes every change frame it receives.
type decodingHandler struct {
	m       *Manager
	mu      gosync.Mutex
	batches []mirror.ChangeBatch
	binary  []bool
}

func (h *decodingHandler) HandleMessage(raw []byte, binary bool) {
	if !binary && changes.IsPing(raw) {
		h.m.Renew()
		_ = h.m.Send(changes.PongToken)
		return
	}
	batch, err := changes.Decode(raw, binary)
	if err != nil {
		return
	}
	h.mu.Lock()
	h.batches = append(h.batches, batch)
	h.binary = append(h.binary, binary)
	h.mu.Unlock()
}

func (h *decodingHandler) versions() []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []int64
	for _, b := range h.batches {
		out = append(out, b.Version())
	}
	return out
}

func batchAt(v int64) mirror.ChangeBatch {
	return mirror.ChangeBatch{Records: []mirror.ChangeRecord{{
		Entity: "task", Method: mirror.MethodUpdate, Version: v, Payload: json.RawMessage(`{"id":"E1"}`),
	}}}
}

func startHub(t *testing.T, replayer Replayer, opts HubOptions) (*Hub, string) {
	t.Helper()
	hub, err := NewHub("test", replayer, opts, zap.NewNop())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(srv.Close)
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func connectTo(t *testing.T, url string, binary bool, version VersionSource) (*Manager, *decodingHandler) {
	t.Helper()
	m := NewManager(Options{URL: url, Binary: binary, KeepAliveInterval: 100 * time.Millisecond}, events.NewBus(), zap.NewNop())
	t.Cleanup(func() { _ = m.Close() })
	h := &decodingHandler{m: m}
	m.Bind(h, version)
	require.NoError(t, m.Connect(context.Background()))
	return m, h
}

func TestHubBroadcastsAndReplays(t *testing.T) {
	replayer := &sliceReplayer{batches: []mirror.ChangeBatch{batchAt(4), batchAt(5), batchAt(6)}}
	hub, url := startHub(t, replayer, HubOptions{PingInterval: 20 * time.Millisecond})

	_, h := connectTo(t, url, false, fixedVersion(4))

	require.Eventually(t, func() bool { return len(h.versions()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int64{5, 6}, h.versions())

	require.Eventually(t, func() bool { return hub.PeerCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	hub.Broadcast(batchAt(7))
	require.Eventually(t, func() bool { return len(h.versions()) == 3 }, 2*time.Second, 10*time.Millisecond)
}

func TestHubKeepAliveHoldsClientOpen(t *testing.T) {
	_, url := startHub(t, &sliceReplayer{}, HubOptions{PingInterval: 20 * time.Millisecond, PongWait: 50 * time.Millisecond})

	m, _ := connectTo(t, url, false, nil)
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, StateOpen, m.State())
}

func TestHubNegotiatesBinaryFrames(t *testing.T) {
	hub, url := startHub(t, &sliceReplayer{}, HubOptions{PingInterval: 20 * time.Millisecond})

	_, h := connectTo(t, url, true, nil)
	require.Eventually(t, func() bool { return hub.PeerCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Broadcast(batchAt(1))
	require.Eventually(t, func() bool { return len(h.versions()) == 1 }, 2*time.Second, 10*time.Millisecond)

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.True(t, h.binary[0])
}

func TestHubClosesPeerItCannotReplay(t *testing.T) {
	replayer := &sliceReplayer{batches: []mirror.ChangeBatch{batchAt(11)}, floor: 10}
	hub, url := startHub(t, replayer, HubOptions{PingInterval: 20 * time.Millisecond})

	m, h := connectTo(t, url, false, fixedVersion(5))

	require.Eventually(t, func() bool { return m.State() == StateClosed }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return hub.PeerCount() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, h.versions())
	assert.True(t, m.TakeHistoryLost())
	assert.False(t, m.TakeHistoryLost())
}
