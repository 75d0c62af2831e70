// Package uibridge exposes the flywheel to operators over WebSocket:
// suggestion and pattern-update events stream out, feedback decisions
// stream back in.
package uibridge

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/tagsense/tagsense/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16 * 1024,
	WriteBufferSize: 16 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: restrict origins once the deployment host is configurable
		return true
	},
}

// Frame is the envelope for every message in either direction.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

const (
	frameWelcome        = "welcome"
	frameSuggestion     = "suggestion"
	framePatternUpdated = "patternUpdated"
	frameFeedback       = "feedback"
	framePing           = "ping"
	framePong           = "pong"
	frameError          = "error"
)

// client is one connected operator session.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string
}

// FeedbackSink receives operator decisions arriving over the socket.
type FeedbackSink func(models.FeedbackEvent) error

// Hub tracks connected operator sessions and fans events out to them.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	mu         sync.RWMutex

	feedback FeedbackSink
}

// NewHub creates a hub routing inbound feedback frames to sink.
func NewHub(sink FeedbackSink) *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		feedback:   sink,
	}
}

// Run drives registration, broadcast, and keepalive until stop closes.
func (h *Hub) Run(stop <-chan struct{}) {
	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case <-stop:
			h.closeAll()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			log.Info().Str("client", c.id).Msg("Operator session connected")
			if data, err := json.Marshal(Frame{Type: frameWelcome}); err == nil {
				select {
				case c.send <- data:
				default:
				}
			}

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				log.Info().Str("client", c.id).Msg("Operator session disconnected")
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.RLock()
			clients := make([]*client, 0, len(h.clients))
			for c := range h.clients {
				clients = append(clients, c)
			}
			h.mu.RUnlock()

			for _, c := range clients {
				select {
				case c.send <- message:
				default:
					// Slow consumer: drop the session rather than the hub.
					h.mu.Lock()
					if _, ok := h.clients[c]; ok {
						delete(h.clients, c)
						close(c.send)
					}
					h.mu.Unlock()
				}
			}

		case <-pingTicker.C:
			if data, err := json.Marshal(Frame{Type: framePing}); err == nil {
				h.enqueue(data)
			}
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

// BroadcastSuggestion pushes a new suggestion to every operator session.
func (h *Hub) BroadcastSuggestion(ev models.SuggestionEvent) {
	h.broadcastFrame(frameSuggestion, ev)
}

// BroadcastPatternUpdate pushes a confidence change to every session.
func (h *Hub) BroadcastPatternUpdate(ev models.PatternUpdatedEvent) {
	h.broadcastFrame(framePatternUpdated, ev)
}

// ClientCount returns the number of connected sessions.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) broadcastFrame(frameType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("type", frameType).Msg("Failed to marshal broadcast frame")
		return
	}
	frame, err := json.Marshal(Frame{Type: frameType, Data: data})
	if err != nil {
		log.Error().Err(err).Str("type", frameType).Msg("Failed to marshal broadcast envelope")
		return
	}
	h.enqueue(frame)
}

func (h *Hub) enqueue(frame []byte) {
	select {
	case h.broadcast <- frame:
	default:
		log.Warn().Msg("Operator broadcast channel full")
	}
}

// HandleWebSocket upgrades the request and starts the session pumps.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade operator connection")
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
		id:   fmt.Sprintf("operator-%d", time.Now().UnixNano()),
	}
	h.register <- c

	go c.writePump()
	go c.readPump()
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Str("client", c.id).Msg("Operator socket read error")
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.reply(frameError, fmt.Sprintf("undecodable frame: %v", err))
			continue
		}

		switch frame.Type {
		case framePing:
			c.reply(framePong, "")
		case frameFeedback:
			c.handleFeedback(frame.Data)
		default:
			log.Debug().Str("client", c.id).Str("type", frame.Type).Msg("Ignoring operator frame")
		}
	}
}

// handleFeedback validates an inbound decision and hands it to the sink.
func (c *client) handleFeedback(data json.RawMessage) {
	var fb models.FeedbackEvent
	if err := json.Unmarshal(data, &fb); err != nil {
		c.reply(frameError, fmt.Sprintf("invalid feedback payload: %v", err))
		return
	}
	if fb.SuggestionID == uuid.Nil {
		c.reply(frameError, "feedback requires a suggestion id")
		return
	}
	switch fb.Action {
	case models.FeedbackApproved, models.FeedbackRejected, models.FeedbackDeferred:
	default:
		c.reply(frameError, fmt.Sprintf("unknown feedback action %q", fb.Action))
		return
	}

	if err := c.hub.feedback(fb); err != nil {
		log.Error().Err(err).Str("client", c.id).Msg("Failed to accept feedback")
		c.reply(frameError, "feedback not accepted, retry")
		return
	}
	log.Info().
		Str("client", c.id).
		Str("suggestion", fb.SuggestionID.String()).
		Str("action", string(fb.Action)).
		Msg("Operator feedback received")
}

func (c *client) reply(frameType, message string) {
	frame := Frame{Type: frameType}
	if message != "" {
		data, err := json.Marshal(map[string]string{"message": message})
		if err != nil {
			return
		}
		frame.Data = data
	}
	if data, err := json.Marshal(frame); err == nil {
		select {
		case c.send <- data:
		default:
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(45 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
			// Drain anything already queued behind the first write.
			for i := len(c.send); i > 0; i-- {
				select {
				case msg := <-c.send:
					if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
						return
					}
				default:
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
