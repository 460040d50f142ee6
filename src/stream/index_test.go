package stream

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var m Message
	if err := conn.ReadJSON(&m); err != nil {
		t.Fatalf("read: %v", err)
	}
	return m
}

func waitClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.Clients() != n {
		if time.Now().After(deadline) {
			t.Fatalf("clients = %d, want %d", h.Clients(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHubRoutesBySymbol(t *testing.T) {
	h := NewHub(Options{}, nil)
	srv := httptest.NewServer(h)
	defer srv.Close()
	defer h.Close()

	a := dial(t, srv, "?symbols=600519,000001")
	if m := read(t, a); m.Type != TypeSubscribed || strings.Join(m.Symbols, ",") != "000001,600519" {
		t.Fatalf("ack %+v", m)
	}
	all := dial(t, srv, "")
	if m := read(t, all); m.Type != TypeSubscribed || len(m.Symbols) != 0 {
		t.Fatalf("ack %+v", m)
	}
	waitClients(t, h, 2)

	if n := h.Publish("300750", map[string]any{"final_signal": "HOLD"}); n != 1 {
		t.Fatalf("300750 delivered to %d", n)
	}
	if n := h.Publish("600519", map[string]any{"final_signal": "BUY"}); n != 2 {
		t.Fatalf("600519 delivered to %d", n)
	}

	m := read(t, a)
	if m.Type != TypeDecision || m.Symbol != "600519" {
		t.Fatalf("subscriber got %+v", m)
	}
	d, _ := json.Marshal(m.Decision)
	if !strings.Contains(string(d), `"BUY"`) {
		t.Fatalf("decision payload %s", d)
	}
	if m := read(t, all); m.Symbol != "300750" {
		t.Fatalf("all-subscriber first message %+v", m)
	}
	if m := read(t, all); m.Symbol != "600519" {
		t.Fatalf("all-subscriber second message %+v", m)
	}
}

func TestHubSubscribeOps(t *testing.T) {
	h := NewHub(Options{}, nil)
	srv := httptest.NewServer(h)
	defer srv.Close()
	defer h.Close()

	c := dial(t, srv, "?symbols=a")
	read(t, c)
	if err := c.WriteJSON(Request{Op: "subscribe", Symbols: []string{"b"}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if m := read(t, c); strings.Join(m.Symbols, ",") != "a,b" {
		t.Fatalf("after subscribe %+v", m)
	}
	if err := c.WriteJSON(Request{Op: "unsubscribe", Symbols: []string{"a"}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if m := read(t, c); strings.Join(m.Symbols, ",") != "b" {
		t.Fatalf("after unsubscribe %+v", m)
	}
	if err := c.WriteJSON(Request{Op: "list"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if m := read(t, c); m.Type != TypeSubscribed || strings.Join(m.Symbols, ",") != "b" {
		t.Fatalf("list %+v", m)
	}
	if err := c.WriteJSON(Request{Op: "dance"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if m := read(t, c); m.Type != TypeError {
		t.Fatalf("expected error, got %+v", m)
	}
	if h.Publish("a", 1) != 0 || h.Publish("b", 1) != 1 {
		t.Fatalf("routing after ops wrong")
	}
}

func TestHubDropsSlowConsumer(t *testing.T) {
	h := NewHub(Options{SendBuffer: 1}, nil)
	c := &client{hub: h, send: make(chan []byte, 1), all: true, symbols: map[string]bool{}}
	if !h.register(c) {
		t.Fatalf("register")
	}
	if h.Publish("x", 1) != 1 {
		t.Fatalf("first publish should enqueue")
	}
	if h.Publish("x", 2) != 0 || h.Clients() != 0 {
		t.Fatalf("slow consumer should be dropped, clients=%d", h.Clients())
	}
	// 已关闭的队列不会 panic
	if c.offer([]byte("late")) {
		t.Fatalf("closed queue accepted a message")
	}
}

func TestHubCloseDisconnects(t *testing.T) {
	h := NewHub(Options{}, nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	c := dial(t, srv, "")
	read(t, c)
	waitClients(t, h, 1)
	h.Close()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := c.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal close, got %v", err)
	}
	if h.Clients() != 0 {
		t.Fatalf("clients after close %d", h.Clients())
	}
}
