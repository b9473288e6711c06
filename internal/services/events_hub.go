package services

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gottino/remarkable-sync/internal/observability"
)

// Event types pushed to subscribers
const (
	EventSyncStarted   = "sync_started"
	EventSyncProgress  = "sync_progress"
	EventSyncComplete  = "sync_complete"
	EventSyncFailed    = "sync_failed"
	EventWatcherChange = "watcher_change"
	EventTargetHealth  = "target_health"
	EventSubscribe     = "subscribe"
	EventUnsubscribe   = "unsubscribe"
	EventPing          = "ping"
	EventPong          = "pong"
)

// Event topics
const (
	TopicSync    = "sync"
	TopicWatcher = "watcher"
	TopicHealth  = "health"
)

// Event is one message pushed over a subscriber connection
type Event struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// SyncProgressPayload reports per-item progress during a processing cycle
type SyncProgressPayload struct {
	Target       string `json:"target"`
	ItemType     string `json:"itemType"`
	ItemID       string `json:"itemId"`
	Status       string `json:"status"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// TargetHealthPayload reports a target connectivity change
type TargetHealthPayload struct {
	Target    string `json:"target"`
	Connected bool   `json:"connected"`
	Detail    string `json:"detail,omitempty"`
}

// EventClient is one connected subscriber
type EventClient struct {
	ID         string
	Topics     map[string]bool
	Conn       *websocket.Conn
	Send       chan []byte
	hub        *EventsHub
	mu         sync.Mutex
	closedOnce sync.Once
}

// EventsHub fans sync pipeline events out to websocket subscribers. Slow
// subscribers are dropped rather than allowed to stall the broadcast loop.
type EventsHub struct {
	clients    map[*EventClient]bool
	topics     map[string]map[*EventClient]bool
	register   chan *EventClient
	unregister chan *EventClient
	broadcast  chan *topicMsg
	logger     *observability.Logger
	mu         sync.RWMutex
}

type topicMsg struct {
	topic   string
	message []byte
}

// NewEventsHub creates an EventsHub
func NewEventsHub() *EventsHub {
	return &EventsHub{
		clients:    make(map[*EventClient]bool),
		topics:     make(map[string]map[*EventClient]bool),
		register:   make(chan *EventClient),
		unregister: make(chan *EventClient),
		broadcast:  make(chan *topicMsg, 256),
		logger:     observability.WithField("component", "events_hub"),
	}
}

// Run starts the hub's main loop
func (h *EventsHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debugf("Subscriber connected: %s", client.ID)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				for topic := range client.Topics {
					if topicClients, ok := h.topics[topic]; ok {
						delete(topicClients, client)
						if len(topicClients) == 0 {
							delete(h.topics, topic)
						}
					}
				}
				close(client.Send)
			}
			h.mu.Unlock()
			h.logger.Debugf("Subscriber disconnected: %s", client.ID)

		case msg := <-h.broadcast:
			h.mu.RLock()
			targets := h.clients
			if msg.topic != "" {
				targets = h.topics[msg.topic]
			}
			for client := range targets {
				select {
				case client.Send <- msg.message:
				default:
					// Buffer full, drop the connection
					go func(c *EventClient) {
						h.unregister <- c
					}(client)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Register adds a subscriber to the hub
func (h *EventsHub) Register(client *EventClient) {
	h.register <- client
}

// Unregister removes a subscriber from the hub
func (h *EventsHub) Unregister(client *EventClient) {
	h.unregister <- client
}

// Subscribe adds a subscriber to a topic
func (h *EventsHub) Subscribe(client *EventClient, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client.Topics[topic] = true
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[*EventClient]bool)
	}
	h.topics[topic][client] = true
}

// Unsubscribe removes a subscriber from a topic
func (h *EventsHub) Unsubscribe(client *EventClient, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(client.Topics, topic)
	if topicClients, ok := h.topics[topic]; ok {
		delete(topicClients, client)
		if len(topicClients) == 0 {
			delete(h.topics, topic)
		}
	}
}

// Publish sends an event to all subscribers of a topic
func (h *EventsHub) Publish(topic string, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Errorf("Marshaling event %s: %v", event.Type, err)
		return
	}
	h.broadcast <- &topicMsg{topic: topic, message: data}
}

// PublishAll sends an event to every connected subscriber
func (h *EventsHub) PublishAll(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Errorf("Marshaling event %s: %v", event.Type, err)
		return
	}
	h.broadcast <- &topicMsg{message: data}
}

// ClientCount returns the number of connected subscribers
func (h *EventsHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// NewClient creates a subscriber bound to this hub
func (h *EventsHub) NewClient(id string, conn *websocket.Conn) *EventClient {
	return &EventClient{
		ID:     id,
		Topics: make(map[string]bool),
		Conn:   conn,
		Send:   make(chan []byte, 256),
		hub:    h,
	}
}

// Close closes the subscriber connection
func (c *EventClient) Close() {
	c.closedOnce.Do(func() {
		c.hub.Unregister(c)
		c.Conn.Close()
	})
}

// WritePump pumps events from the hub to the websocket connection
func (c *EventClient) WritePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			c.mu.Lock()
			err := c.Conn.WriteMessage(websocket.TextMessage, message)
			c.mu.Unlock()

			if err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ReadPump pumps subscribe/unsubscribe messages from the connection
func (c *EventClient) ReadPump(onMessage func(client *EventClient, messageType int, data []byte)) {
	defer c.Close()

	c.Conn.SetReadLimit(64 * 1024)
	c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		messageType, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warnf("Subscriber read error: %v", err)
			}
			break
		}

		if onMessage != nil {
			onMessage(c, messageType, message)
		}
	}
}
