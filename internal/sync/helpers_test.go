package sync

import (
	"context"
	"encoding/json"
	"fmt"
	gosync "sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dgnsrekt/mirrorsync/internal/changes"
	"github.com/dgnsrekt/mirrorsync/internal/events"
	"github.com/dgnsrekt/mirrorsync/internal/mirror"
)

// fakeLink records what the queue and applier send back to the server.
// onResync, when set, plays the server's part by answering resync requests.
type fakeLink struct {
	mu       gosync.Mutex
	sent     []string
	renewals int
	onResync func(version int64)
}

func (l *fakeLink) Send(text string) error {
	l.mu.Lock()
	l.sent = append(l.sent, text)
	l.mu.Unlock()

	if v, ok := changes.ParseResyncRequest([]byte(text)); ok && l.onResync != nil {
		l.onResync(v)
	}
	return nil
}

func (l *fakeLink) Renew() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.renewals++
}

func (l *fakeLink) Sent() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.sent...)
}

// eventLog collects published events.
type eventLog struct {
	mu     gosync.Mutex
	events []events.Event
}

func (e *eventLog) Notify(ev events.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *eventLog) OfKind(k events.Kind) []events.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []events.Event
	for _, ev := range e.events {
		if ev.Kind == k {
			out = append(out, ev)
		}
	}
	return out
}

// gatedStore blocks the first Upsert/Remove after arm() until release() is called,
// simulating a mutation that suspends on storage I/O.
type gatedStore struct {
	*mirror.MemoryStore
	mu      gosync.Mutex
	armed   bool
	entered chan struct{}
	gate    chan struct{}
	failOn  string
	panicOn string
}

func newGatedStore(schema *mirror.Schema) *gatedStore {
	return &gatedStore{
		MemoryStore: mirror.NewMemoryStore(schema, zap.NewNop()),
		entered:     make(chan struct{}, 1),
		gate:        make(chan struct{}),
	}
}

func (s *gatedStore) arm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armed = true
}

func (s *gatedStore) release() { close(s.gate) }

func (s *gatedStore) wait() {
	s.mu.Lock()
	armed := s.armed
	s.armed = false
	s.mu.Unlock()
	if armed {
		s.entered <- struct{}{}
		<-s.gate
	}
}

func (s *gatedStore) Upsert(ctx context.Context, entity string, payload json.RawMessage) (mirror.ChangeSet, error) {
	s.wait()
	if entity == s.failOn {
		return nil, fmt.Errorf("store refused %s", entity)
	}
	if entity == s.panicOn {
		panic("boom")
	}
	return s.MemoryStore.Upsert(ctx, entity, payload)
}

func (s *gatedStore) Remove(ctx context.Context, entity string, payload json.RawMessage) (mirror.ChangeSet, error) {
	s.wait()
	return s.MemoryStore.Remove(ctx, entity, payload)
}

type harness struct {
	store   *gatedStore
	link    *fakeLink
	log     *eventLog
	applier *Applier
	queue   *Queue
}

func newHarness(t *testing.T, schema *mirror.Schema, maxPending int) *harness {
	t.Helper()
	h := &harness{
		store: newGatedStore(schema),
		link:  &fakeLink{},
		log:   &eventLog{},
	}
	bus := events.NewBus()
	bus.Subscribe(h.log)
	logger := zap.NewNop()
	h.applier = NewApplier(h.store, h.link, bus, maxPending, logger)
	h.queue = NewQueue(h.applier, h.link, logger)
	return h
}

func (h *harness) load(t *testing.T, version int64, data map[string][]json.RawMessage) {
	t.Helper()
	require.NoError(t, h.applier.Load(context.Background(), &mirror.Snapshot{Version: version, Data: data}))
}

func (h *harness) deliver(version int64, entity string, method mirror.Method, payload string) {
	raw := fmt.Sprintf(`{"type":"changes","changes":[{"entity":%q,"method":%q,"version":%d,"payload":%s}]}`,
		entity, method, version, payload)
	h.queue.HandleMessage([]byte(raw), false)
}
