package server

import (
	"io"
	"log"
	"testing"

	"missionline/internal/app"
)

type fakeWatcher struct {
	active  int
	watches int
	fn      func(app.View)
}

func (f *fakeWatcher) watch(fn func(app.View)) func() {
	f.active++
	f.watches++
	f.fn = fn
	return func() {
		f.active--
		f.fn = nil
	}
}

func TestHubJoinRegistersBeforeFirstFrame(t *testing.T) {
	w := &fakeWatcher{}
	h := newHub(log.New(io.Discard, "", 0), w.watch)
	c := &wsClient{send: make(chan app.View, wsSendBuffer)}

	h.join(c, func() app.View {
		if _, ok := h.clients[c]; !ok {
			t.Errorf("first view taken before the client was registered")
		}
		if w.fn == nil {
			t.Errorf("first view taken before the console was watched")
		}
		return app.View{MissionID: "first-contact"}
	})
	w.fn(app.View{MissionID: "night-watch"})

	if first := <-c.send; first.MissionID != "first-contact" {
		t.Fatalf("first frame %+v", first)
	}
	if next := <-c.send; next.MissionID != "night-watch" {
		t.Fatalf("broadcast frame %+v", next)
	}
}

func TestHubWatchesOnlyWhileClientsConnected(t *testing.T) {
	w := &fakeWatcher{}
	h := newHub(log.New(io.Discard, "", 0), w.watch)
	if w.active != 0 {
		t.Fatalf("idle hub must not watch the console")
	}

	a := &wsClient{send: make(chan app.View, wsSendBuffer)}
	b := &wsClient{send: make(chan app.View, wsSendBuffer)}
	h.join(a, func() app.View { return app.View{} })
	h.join(b, func() app.View { return app.View{} })
	if w.active != 1 || w.watches != 1 || h.count() != 2 {
		t.Fatalf("active=%d watches=%d clients=%d", w.active, w.watches, h.count())
	}

	h.remove(a)
	if w.active != 1 {
		t.Fatalf("hub stopped watching with a client still connected")
	}
	h.remove(b)
	h.remove(b)
	if w.active != 0 || h.count() != 0 {
		t.Fatalf("hub still watching after last client left: active=%d", w.active)
	}

	c := &wsClient{send: make(chan app.View, wsSendBuffer)}
	h.join(c, func() app.View { return app.View{} })
	if w.active != 1 || w.watches != 2 {
		t.Fatalf("rejoin must watch again: active=%d watches=%d", w.active, w.watches)
	}
}
