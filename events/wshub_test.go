package events

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialHub(t *testing.T, hub *Hub) (*websocket.Conn, func()) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("dial: %v", err)
	}
	return conn, func() {
		conn.Close()
		srv.Close()
	}
}

func TestHubBroadcastsToClient(t *testing.T) {
	p := NewPublisher()
	hub := NewHub(p.Subscribe("order.update"), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	conn, done := dialHub(t, hub)
	defer done()

	// 等客户端完成注册
	time.Sleep(50 * time.Millisecond)
	p.Publish("order.update", map[string]interface{}{"orderId": "f-1", "account": "F1"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Topic != "order.update" {
		t.Fatalf("wrong topic: %s", ev.Topic)
	}
}

func TestHubFiltersByAccountSubscription(t *testing.T) {
	p := NewPublisher()
	hub := NewHub(p.Subscribe("order.update"), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	conn, done := dialHub(t, hub)
	defer done()

	sub, _ := json.Marshal(subscribeMessage{Type: "subscribe", Accounts: []string{"F2"}})
	if err := conn.WriteMessage(websocket.TextMessage, sub); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	p.Publish("order.update", map[string]interface{}{"account": "F1"})
	p.Publish("order.update", map[string]interface{}{"account": "F2"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	m := ev.Payload.(map[string]interface{})
	if m["account"] != "F2" {
		t.Fatalf("filter leaked account %v", m["account"])
	}
}
