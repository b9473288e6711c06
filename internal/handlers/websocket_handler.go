package handlers

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/gottino/remarkable-sync/internal/services"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Single-user daemon, typically bound to localhost
		return true
	},
}

// WebSocketHandler upgrades connections onto the events hub
type WebSocketHandler struct {
	hub *services.EventsHub
}

// NewWebSocketHandler creates a new WebSocketHandler
func NewWebSocketHandler(hub *services.EventsHub) *WebSocketHandler {
	return &WebSocketHandler{hub: hub}
}

// HandleConnection upgrades HTTP to WebSocket and manages the connection
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	client := h.hub.NewClient(uuid.New().String(), conn)
	h.hub.Register(client)

	go client.WritePump()

	// Blocks until the connection closes
	client.ReadPump(h.handleMessage)
}

// handleMessage processes subscribe/unsubscribe requests from the client
func (h *WebSocketHandler) handleMessage(client *services.EventClient, messageType int, data []byte) {
	if messageType != websocket.TextMessage {
		return
	}

	var event services.Event
	if err := json.Unmarshal(data, &event); err != nil {
		return
	}

	switch event.Type {
	case services.EventSubscribe:
		if topic, ok := event.Payload.(string); ok && topic != "" {
			h.hub.Subscribe(client, topic)
		}
	case services.EventUnsubscribe:
		if topic, ok := event.Payload.(string); ok && topic != "" {
			h.hub.Unsubscribe(client, topic)
		}
	case services.EventPing:
		response, _ := json.Marshal(services.Event{Type: services.EventPong})
		select {
		case client.Send <- response:
		default:
		}
	}
}
