package stream

// Stream —— 决策推送（WebSocket 服务端）
// 1) GET /ws?symbols=a,b 订阅指定代码；不带 symbols 表示全部；
// 2) 连接建立后可发送 {"op":"subscribe"|"unsubscribe"|"list","symbols":[...]} 调整或查询订阅，服务端回 ack；
//    一旦订阅了具体代码就不再接收全部；
// 3) 每个连接一个发送队列 + 写锁，队列满视为慢消费者直接断开；
// 4) 定时 ping，读超时 = 3 个心跳周期。

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

//////////////////////////////////////////////////////////////////////
// ============================ 数据结构 ============================ //
//////////////////////////////////////////////////////////////////////

const (
	TypeDecision   = "decision"
	TypeSubscribed = "subscribed"
	TypeError      = "error"
)

// Message 推送给客户端的消息
type Message struct {
	Type     string   `json:"type"`
	Symbol   string   `json:"symbol,omitempty"`
	Decision any      `json:"decision,omitempty"`
	Symbols  []string `json:"symbols,omitempty"`
	Error    string   `json:"error,omitempty"`
	TS       int64    `json:"ts"` // Unix ms
}

// Request 客户端控制消息
type Request struct {
	Op      string   `json:"op"` // subscribe / unsubscribe
	Symbols []string `json:"symbols"`
}

type Options struct {
	PingInterval time.Duration
	SendBuffer   int
}

func (o Options) withDefaults() Options {
	if o.PingInterval <= 0 {
		o.PingInterval = 20 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 32
	}
	return o
}

//////////////////////////////////////////////////////////////////////
// ============================== Hub ============================== //
//////////////////////////////////////////////////////////////////////

type Hub struct {
	opts     Options
	log      *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

func NewHub(opts Options, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		opts:     opts.withDefaults(),
		log:      log.Named("stream"),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		clients:  make(map[*client]struct{}),
	}
}

// Clients 当前连接数
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP 升级为 WebSocket 并登记订阅
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade failed", zap.Error(err))
		return
	}
	c := &client{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, h.opts.SendBuffer),
		all:     true,
		symbols: make(map[string]bool),
	}
	c.subscribe(splitSymbols(r.URL.Query().Get("symbols")))
	if !h.register(c) {
		_ = conn.Close()
		return
	}
	h.log.Info("client connected", zap.String("remote", r.RemoteAddr), zap.Strings("symbols", c.list()))

	c.enqueue(Message{Type: TypeSubscribed, Symbols: c.list()})
	go c.writeLoop()
	go c.readLoop()
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

// drop 移出并关闭发送队列（写循环随后关闭连接）
func (h *Hub) drop(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		c.closeOnce.Do(func() { close(c.send) })
	}
}

// Publish 向订阅了 symbol 的连接推送决策，返回成功入队的连接数
func (h *Hub) Publish(symbol string, decision any) int {
	b, err := json.Marshal(Message{Type: TypeDecision, Symbol: symbol, Decision: decision, TS: time.Now().UnixMilli()})
	if err != nil {
		h.log.Error("marshal decision", zap.String("symbol", symbol), zap.Error(err))
		return 0
	}

	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		if c.wants(symbol) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	n := 0
	for _, c := range targets {
		if c.offer(b) {
			n++
			continue
		}
		h.log.Warn("slow consumer dropped", zap.String("symbol", symbol))
		h.drop(c)
	}
	return n
}

// Close 断开全部连接，之后的连接直接拒绝
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	all := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		all = append(all, c)
	}
	h.mu.Unlock()
	for _, c := range all {
		h.drop(c)
	}
}

//////////////////////////////////////////////////////////////////////
// ============================= 连接 ============================== //
//////////////////////////////////////////////////////////////////////

type client struct {
	hub  *Hub
	conn *websocket.Conn

	send      chan []byte
	closeOnce sync.Once
	writeMu   sync.Mutex

	subMu   sync.RWMutex
	all     bool // 未指定代码时接收全部
	symbols map[string]bool
}

func (c *client) wants(symbol string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	return c.all || c.symbols[symbol]
}

func (c *client) subscribe(symbols []string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, s := range symbols {
		c.symbols[s] = true
		c.all = false
	}
}

func (c *client) unsubscribe(symbols []string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, s := range symbols {
		delete(c.symbols, s)
	}
}

func (c *client) list() []string {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	out := make([]string, 0, len(c.symbols))
	for s := range c.symbols {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// offer 非阻塞入队；队列满或已关闭返回 false
func (c *client) offer(b []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

func (c *client) enqueue(m Message) {
	m.TS = time.Now().UnixMilli()
	b, err := json.Marshal(m)
	if err != nil {
		return
	}
	if !c.offer(b) {
		c.hub.drop(c)
	}
}

func (c *client) write(kind int, b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(kind, b)
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(c.hub.opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case b, ok := <-c.send:
			if !ok {
				_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.write(websocket.TextMessage, b); err != nil {
				c.hub.drop(c)
				return
			}
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			c.writeMu.Unlock()
			if err != nil {
				c.hub.drop(c)
				return
			}
		}
	}
}

func (c *client) readLoop() {
	defer c.hub.drop(c)
	timeout := 3 * c.hub.opts.PingInterval
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(timeout))
	})
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(timeout))

		var req Request
		if err := json.Unmarshal(msg, &req); err != nil {
			c.enqueue(Message{Type: TypeError, Error: "bad request: " + err.Error()})
			continue
		}
		switch strings.ToLower(req.Op) {
		case "subscribe":
			c.subscribe(req.Symbols)
		case "unsubscribe":
			c.unsubscribe(req.Symbols)
		case "list":
		default:
			c.enqueue(Message{Type: TypeError, Error: "unknown op: " + req.Op})
			continue
		}
		c.enqueue(Message{Type: TypeSubscribed, Symbols: c.list()})
	}
}

func splitSymbols(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
