package realtime

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"gigflow/internal/logging"
)

func TestNotifyWithoutConnections(t *testing.T) {
	d := NewDispatcher(NewRegistry(), logging.Discard())
	if d.Notify("nobody", "gig:hired", map[string]string{"title": "x"}) {
		t.Fatalf("expected false for a user with no connections")
	}
}

func TestNotifyReachesEveryConnection(t *testing.T) {
	r := NewRegistry()
	h1, h2 := newFakeConn("h1"), newFakeConn("h2")
	other := newFakeConn("other")
	_ = r.Register("u1", h1)
	_ = r.Register("u1", h2)
	_ = r.Register("u2", other)

	d := NewDispatcher(r, logging.Discard())
	if !d.Notify("u1", "gig:hired", map[string]string{"title": "Logo"}) {
		t.Fatalf("expected delivery")
	}
	for _, c := range []*fakeConn{h1, h2} {
		msgs := c.messages()
		if len(msgs) != 1 || msgs[0].Event != "gig:hired" {
			t.Fatalf("%s: unexpected messages %+v", c.id, msgs)
		}
	}
	if n := len(other.messages()); n != 0 {
		t.Fatalf("other user received %d messages", n)
	}
}

func TestNotifyContinuesPastFailingConnection(t *testing.T) {
	r := NewRegistry()
	broken, healthy := newFakeConn("broken"), newFakeConn("healthy")
	broken.sendErr = errors.New("boom")
	_ = r.Register("u1", broken)
	_ = r.Register("u1", healthy)

	d := NewDispatcher(r, logging.Discard())
	if !d.Notify("u1", "gig:hired", nil) {
		t.Fatalf("expected true while a connection was registered")
	}
	if n := len(healthy.messages()); n != 1 {
		t.Fatalf("healthy connection got %d messages", n)
	}
}

func TestWSConnSendDoesNotBlock(t *testing.T) {
	upgrader := websocket.Upgrader{}
	accepted := make(chan *WSConn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ws, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		// No Run: nothing drains the queue.
		accepted <- NewWSConn(ws, "u1", WSOptions{SendBuffer: 2}, logging.Discard())
	}))
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	var conn *WSConn
	select {
	case conn = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatalf("server never accepted")
	}
	defer conn.Close()

	for i := 0; i < 2; i++ {
		if err := conn.Send(Message{Event: "tick"}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if err := conn.Send(Message{Event: "tick"}); !errors.Is(err, ErrSlowConsumer) {
		t.Fatalf("expected ErrSlowConsumer, got %v", err)
	}
	_ = conn.Close()
	if err := conn.Send(Message{Event: "tick"}); !errors.Is(err, ErrConnClosed) {
		t.Fatalf("expected ErrConnClosed, got %v", err)
	}
}
