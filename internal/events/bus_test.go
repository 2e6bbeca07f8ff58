package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type recorder struct {
	got []Kind
}

func (r *recorder) Notify(e Event) { r.got = append(r.got, e.Kind) }

func TestPublishFiltersByKind(t *testing.T) {
	bus := NewBus()
	all := &recorder{}
	onlyOffline := &recorder{}
	bus.Subscribe(all)
	bus.Subscribe(onlyOffline, Offline)

	bus.Publish(Event{Kind: Online})
	bus.Publish(Event{Kind: Offline})

	assert.Equal(t, []Kind{Online, Offline}, all.got)
	assert.Equal(t, []Kind{Offline}, onlyOffline.got)
}

func TestUnsubscribeByIdentity(t *testing.T) {
	bus := NewBus()
	a := &recorder{}
	b := &recorder{}
	bus.Subscribe(a)
	bus.Subscribe(b)
	bus.Unsubscribe(a)

	bus.Publish(Event{Kind: MirrorReady})

	assert.Empty(t, a.got)
	assert.Equal(t, []Kind{MirrorReady}, b.got)
}

func TestSubscribeTwiceDoesNotDuplicate(t *testing.T) {
	bus := NewBus()
	r := &recorder{}
	bus.Subscribe(r)
	bus.Subscribe(r)

	bus.Publish(Event{Kind: Online})
	assert.Len(t, r.got, 1)
}

func TestFuncObserver(t *testing.T) {
	bus := NewBus()
	var n int
	obs := Func(func(Event) { n++ })
	bus.Subscribe(obs)
	bus.Publish(Event{Kind: ChangesApplied})
	bus.Unsubscribe(obs)
	bus.Publish(Event{Kind: ChangesApplied})
	assert.Equal(t, 1, n)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "changes-applied", ChangesApplied.String())
	assert.Equal(t, "mirror-ready", MirrorReady.String())
}
