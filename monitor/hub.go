// Package monitor serves a live feed of bus traffic to WebSocket clients.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/LoveWonYoung/microuds/driver"
)

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	Dir      string `json:"dir"`
	ID       uint32 `json:"id"`
	Extended bool   `json:"ext,omitempty"`
	Data     string `json:"data"`  // hex
	Stamp    int64  `json:"stamp"` // Unix µs
}

// Hello is sent once to each client on connect.
type Hello struct {
	TxID    uint32 `json:"txId"`
	RxID    uint32 `json:"rxId"`
	Clients int    `json:"clients"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans bus frames out to every connected client. Slow clients miss frames.
type Hub struct {
	TxID, RxID uint32

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex
	upgrader  websocket.Upgrader
}

func NewHub(txID, rxID uint32) *Hub {
	return &Hub{
		TxID:    txID,
		RxID:    rxID,
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// Tap returns a callback for driver.Adapter.SetTap.
func (h *Hub) Tap() func(driver.Message) {
	return h.Publish
}

// Publish broadcasts one bus message.
func (h *Hub) Publish(m driver.Message) {
	h.broadcast(Frame{
		Dir:      m.Direction.String(),
		ID:       m.ID,
		Extended: m.Extended,
		Data:     fmt.Sprintf("%X", m.Payload()),
		Stamp:    m.Timestamp.UnixMicro(),
	})
}

func (h *Hub) broadcast(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}

	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	for client := range h.clients {
		select {
		case client.send <- data:
		default:
		}
	}
}

// Handler returns the HTTP routes: /ws for the feed.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.handleWS)
	return mux
}

// Run serves Handler on addr until ctx is cancelled.
func (h *Hub) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: h.Handler()}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[monitor] listening on %s", addr)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 256),
	}

	h.clientsMu.Lock()
	h.clients[client] = struct{}{}
	total := len(h.clients)
	h.clientsMu.Unlock()
	log.Printf("[ws] client connected (%d total)", total)

	if data, err := json.Marshal(Hello{TxID: h.TxID, RxID: h.RxID, Clients: total}); err == nil {
		client.send <- data
	}

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine: keep-alive and disconnect detection
	go func() {
		defer func() {
			h.clientsMu.Lock()
			delete(h.clients, client)
			total := len(h.clients)
			close(client.send)
			h.clientsMu.Unlock()
			log.Printf("[ws] client disconnected (%d total)", total)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}
