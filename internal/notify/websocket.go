package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"parkgate/internal/domain/parking"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type wsMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// WebSocketHub pushes receipts and faults to connected dashboard clients.
// Slow or dead clients are dropped rather than allowed to stall the
// transition path.
type WebSocketHub struct {
	log zerolog.Logger

	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	broadcast  chan []byte

	mu      sync.RWMutex
	clients map[*websocket.Conn]bool
}

func NewWebSocketHub(log zerolog.Logger) *WebSocketHub {
	return &WebSocketHub{
		log:        log,
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		broadcast:  make(chan []byte, 64),
		clients:    make(map[*websocket.Conn]bool),
	}
}

// Run owns the client set until the context is cancelled.
func (h *WebSocketHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				client.Close()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Debug().Int("total", total).Msg("websocket client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Debug().Int("total", total).Msg("websocket client disconnected")

		case message := <-h.broadcast:
			var failed []*websocket.Conn
			h.mu.RLock()
			for client := range h.clients {
				if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
					h.log.Debug().Err(err).Msg("websocket write failed, dropping client")
					failed = append(failed, client)
				}
			}
			h.mu.RUnlock()
			if len(failed) > 0 {
				h.mu.Lock()
				for _, client := range failed {
					client.Close()
					delete(h.clients, client)
				}
				h.mu.Unlock()
			}
		}
	}
}

// Handle upgrades an HTTP request and keeps the connection registered until
// the peer goes away.
func (h *WebSocketHub) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	h.register <- conn

	go func() {
		defer func() { h.unregister <- conn }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					h.log.Debug().Err(err).Msg("websocket read error")
				}
				return
			}
		}
	}()
}

func (h *WebSocketHub) push(msgType string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Error().Err(err).Str("type", msgType).Msg("failed to marshal websocket payload")
		return
	}
	message, _ := json.Marshal(wsMessage{Type: msgType, Payload: data})
	select {
	case h.broadcast <- message:
	default:
		h.log.Debug().Str("type", msgType).Msg("websocket broadcast buffer full, dropping message")
	}
}

func (h *WebSocketHub) OnReceipt(receipt parking.Receipt) {
	h.push("receipt", receipt)
}

func (h *WebSocketHub) OnFault(kind parking.FaultKind, details string) {
	h.push("fault", map[string]string{"kind": string(kind), "details": details})
}
