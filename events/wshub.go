package events

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"copy-trader-go/infrastructure/logger"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// wsClient 一个已连接的 UI 客户端。
type wsClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	// accounts 客户端声明关注的账户；空集合表示全量。
	accounts map[string]bool
	mu       sync.RWMutex
}

// subscribeMessage UI 发来的订阅指令。
type subscribeMessage struct {
	Type     string   `json:"type"` // "subscribe" / "unsubscribe"
	Accounts []string `json:"accounts"`
}

// Hub 把复制事件推给已连接的 websocket 客户端。
type Hub struct {
	clients    map[*wsClient]bool
	register   chan *wsClient
	unregister chan *wsClient
	events     <-chan Event
	log        *logger.Logger
}

// NewHub wires the hub to a publisher subscription covering the update
// topics. log may be nil.
func NewHub(events <-chan Event, log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*wsClient]bool),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		events:     events,
		log:        log,
	}
}

// Run 主循环：注册、注销、事件广播。ctx 取消后断开全部客户端。
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			return
		case c := <-h.register:
			h.clients[c] = true
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
		case ev, ok := <-h.events:
			if !ok {
				return
			}
			h.broadcast(ev)
		}
	}
}

func (h *Hub) broadcast(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		if h.log != nil {
			h.log.LogError(err, map[string]interface{}{"stage": "ws_marshal", "topic": ev.Topic})
		}
		return
	}
	account := eventAccount(ev)
	for c := range h.clients {
		if !c.wants(account) {
			continue
		}
		select {
		case c.send <- data:
		default:
			// 写不进去的客户端视为死连接
			delete(h.clients, c)
			close(c.send)
		}
	}
}

// eventAccount 从事件负载里挖账户字段；挖不到按全量广播。
func eventAccount(ev Event) string {
	m, ok := ev.Payload.(map[string]interface{})
	if !ok {
		return ""
	}
	if acct, ok := m["account"].(string); ok {
		return acct
	}
	return ""
}

func (c *wsClient) wants(account string) bool {
	if account == "" {
		return true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.accounts) == 0 {
		return true
	}
	return c.accounts[account]
}

// ServeWS 升级 HTTP 连接并注册客户端。
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if h.log != nil {
			h.log.LogError(err, map[string]interface{}{"stage": "ws_upgrade"})
		}
		return
	}
	c := &wsClient{
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, 64),
		accounts: make(map[string]bool),
	}
	h.register <- c
	go c.writePump()
	go c.readPump()
}

func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg subscribeMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		c.mu.Lock()
		switch msg.Type {
		case "subscribe":
			for _, a := range msg.Accounts {
				c.accounts[a] = true
			}
		case "unsubscribe":
			for _, a := range msg.Accounts {
				delete(c.accounts, a)
			}
		}
		c.mu.Unlock()
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
