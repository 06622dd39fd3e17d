package ws

import (
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/vanishapp/vanish/internal/models"
)

// Hub fans events out to connected participants. Delivery is conversation
// scoped: an event addressed to a conversation reaches every connected
// participant, decoys only — plaintext crosses the wire solely inside a
// message_decrypted event after the sender approved it.
type Hub struct {
	clients    map[int]*Client
	broadcast  chan *Event
	register   chan *Client
	unregister chan *Client
	db         *sql.DB
	mu         sync.RWMutex
}

type Client struct {
	userID int
	conn   *websocket.Conn
	hub    *Hub
	send   chan *Event
}

// Event is the single frame type on the socket.
type Event struct {
	Type              string    `json:"type"` // "message_sent", "message_decrypted", "decryption_request", "message_seen"
	ConversationID    int       `json:"conversation_id,omitempty"`
	MessageID         int       `json:"message_id,omitempty"`
	RequestID         int       `json:"request_id,omitempty"`
	SenderID          int       `json:"sender_id,omitempty"`
	SenderUsername    string    `json:"sender_username,omitempty"`
	RequesterUsername string    `json:"requester_username,omitempty"`
	Content           string    `json:"content,omitempty"`
	KeyHint           *string   `json:"key_hint,omitempty"`
	Kind              string    `json:"message_type,omitempty"`
	DestructTimer     int       `json:"self_destruct_timer,omitempty"`
	CreatedAt         time.Time `json:"created_at,omitempty"`

	// targets is resolved before the event enters the broadcast channel
	targets []int
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// In production, validate origin
		return true
	},
}

func NewHub(db *sql.DB) *Hub {
	return &Hub{
		clients:    make(map[int]*Client),
		broadcast:  make(chan *Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		db:         db,
	}
}

// IsUserOnline checks if a user is currently connected
func (h *Hub) IsUserOnline(userID int) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[userID]
	return ok
}

// MessageSent delivers a freshly stored message to every participant of the
// conversation. The content here is always the decoy (or the file
// placeholder), never the plaintext.
func (h *Hub) MessageSent(conversationID int, msg *models.Message) {
	targets, err := h.participantIDs(conversationID)
	if err != nil {
		log.Printf("ws: failed to resolve participants of conversation %d: %v", conversationID, err)
		return
	}

	h.broadcast <- &Event{
		Type:           "message_sent",
		ConversationID: conversationID,
		MessageID:      msg.ID,
		SenderID:       msg.SenderID,
		SenderUsername: msg.SenderUsername,
		Content:        msg.Content,
		KeyHint:        msg.KeyHint,
		Kind:           string(msg.Kind),
		DestructTimer:  msg.DestructTimer,
		CreatedAt:      msg.CreatedAt,
		targets:        targets,
	}
}

// MessageDecrypted announces an approved reveal to the conversation.
func (h *Hub) MessageDecrypted(conversationID, messageID int, plaintext string) {
	targets, err := h.participantIDs(conversationID)
	if err != nil {
		log.Printf("ws: failed to resolve participants of conversation %d: %v", conversationID, err)
		return
	}

	h.broadcast <- &Event{
		Type:           "message_decrypted",
		ConversationID: conversationID,
		MessageID:      messageID,
		Content:        plaintext,
		targets:        targets,
	}
}

// DecryptionRequested notifies the message sender alone. Other participants
// have no business knowing who asked.
func (h *Hub) DecryptionRequested(senderID int, req *models.DecryptionRequest) {
	h.broadcast <- &Event{
		Type:              "decryption_request",
		ConversationID:    req.ConversationID,
		MessageID:         req.MessageID,
		RequestID:         req.ID,
		RequesterUsername: req.RequesterUsername,
		KeyHint:           req.KeyHint,
		targets:           []int{senderID},
	}
}

func (h *Hub) participantIDs(conversationID int) ([]int, error) {
	rows, err := h.db.Query(
		"SELECT user_id FROM conversation_participants WHERE conversation_id = ?",
		conversationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.userID] = client
			h.mu.Unlock()
			log.Printf("User %d connected (total: %d)", client.userID, len(h.clients))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.userID]; ok {
				delete(h.clients, client.userID)
				close(client.send)
			}
			h.mu.Unlock()
			log.Printf("User %d disconnected (total: %d)", client.userID, len(h.clients))

		case event := <-h.broadcast:
			h.deliver(event)
		}
	}
}

func (h *Hub) deliver(event *Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, userID := range event.targets {
		client, ok := h.clients[userID]
		if !ok {
			continue
		}
		select {
		case client.send <- event:
		default:
			log.Printf("ws: send channel full for user %d, dropping %s", userID, event.Type)
		}
	}
}

func (h *Hub) HandleWebSocket(c *gin.Context) {
	userID, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("Upgrade error: %v", err)
		return
	}

	client := &Client{
		userID: userID.(int),
		conn:   conn,
		hub:    h,
		send:   make(chan *Event, 256),
	}

	h.register <- client

	go client.readPump()
	go client.writePump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}

		var event map[string]interface{}
		if err := json.Unmarshal(data, &event); err != nil {
			continue
		}

		eventType, ok := event["type"].(string)
		if !ok {
			continue
		}

		switch eventType {
		case "mark_seen":
			c.handleMarkSeen(event)
		}
	}
}

// handleMarkSeen arms the countdown for a message the client just displayed.
// Mirrors the HTTP endpoint so a live client does not need an extra request.
func (c *Client) handleMarkSeen(event map[string]interface{}) {
	messageIDRaw, ok := event["message_id"].(float64)
	if !ok {
		return
	}
	messageID := int(messageIDRaw)

	var conversationID, senderID, timer int
	err := c.hub.db.QueryRow(
		"SELECT conversation_id, sender_id, self_destruct_timer FROM messages WHERE id = ?",
		messageID,
	).Scan(&conversationID, &senderID, &timer)
	if err != nil {
		return
	}
	if senderID == c.userID {
		return
	}

	var member bool
	err = c.hub.db.QueryRow(
		"SELECT EXISTS(SELECT 1 FROM conversation_participants WHERE conversation_id = ? AND user_id = ?)",
		conversationID, c.userID,
	).Scan(&member)
	if err != nil || !member {
		return
	}

	now := time.Now().UTC()
	deadline := now.Add(time.Duration(timer) * time.Second)
	_, err = c.hub.db.Exec(
		"UPDATE messages SET is_seen = 1, expires_at = COALESCE(expires_at, ?) WHERE id = ?",
		deadline, messageID,
	)
	if err != nil {
		log.Printf("ws: failed to mark message %d seen: %v", messageID, err)
		return
	}

	targets, err := c.hub.participantIDs(conversationID)
	if err != nil {
		return
	}
	c.hub.broadcast <- &Event{
		Type:           "message_seen",
		ConversationID: conversationID,
		MessageID:      messageID,
		targets:        targets,
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case event, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}

			data, _ := json.Marshal(event)
			w.Write(data)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
