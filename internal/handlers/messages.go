package handlers

import (
	"database/sql"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vanishapp/vanish/internal/crypto"
	"github.com/vanishapp/vanish/internal/models"
	"github.com/vanishapp/vanish/pkg/apperr"
)

type MessageHandler struct {
	db          *sql.DB
	broadcaster EventBroadcaster
	notifier    PushNotifier
}

func NewMessageHandler(db *sql.DB, broadcaster EventBroadcaster, notifier PushNotifier) *MessageHandler {
	return &MessageHandler{db: db, broadcaster: broadcaster, notifier: notifier}
}

type SendMessageRequest struct {
	ConversationID int    `json:"conversation_id" binding:"required"`
	Content        string `json:"content" binding:"required"`
	SenderKey      string `json:"sender_key" binding:"required"`
	KeyHint        string `json:"key_hint"`
}

// Send encrypts the message under the sender's secret, stores ciphertext plus
// a decoy, and fans the decoy out to the conversation. The plaintext and the
// secret never leave this function.
func (h *MessageHandler) Send(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Validation("conversation_id, content and sender_key are required"))
		return
	}

	if strings.TrimSpace(req.Content) == "" {
		respondError(c, apperr.Validation("message content cannot be empty"))
		return
	}
	if len(req.SenderKey) < 4 {
		respondError(c, apperr.Validation("sender key must be at least 4 characters"))
		return
	}

	member, err := isParticipant(h.db, req.ConversationID, userID)
	if err != nil {
		respondError(c, err)
		return
	}
	if !member {
		respondError(c, apperr.NotAuthorized("you are not a participant of this conversation"))
		return
	}

	recipients, err := otherParticipants(h.db, req.ConversationID, userID)
	if err != nil {
		respondError(c, err)
		return
	}
	for _, rid := range recipients {
		blocked, err := isBlockedEither(h.db, userID, rid)
		if err != nil {
			respondError(c, err)
			return
		}
		if blocked {
			respondError(c, apperr.NotAuthorized("cannot message this user"))
			return
		}
	}

	cipherHex, ivHex, err := crypto.Encrypt(req.Content, req.SenderKey)
	if err != nil {
		respondError(c, apperr.Storage("failed to encrypt message", err))
		return
	}

	decoy := crypto.GenerateDecoy(len(req.Content))
	timer := crypto.DestructionTimer(len(req.Content))

	var keyHint *string
	if hint := strings.TrimSpace(req.KeyHint); hint != "" {
		keyHint = &hint
	}

	now := time.Now().UTC()
	result, err := h.db.Exec(`
		INSERT INTO messages (conversation_id, sender_id, ciphertext, iv, message_type,
			key_hint, decoy_content, self_destruct_timer, created_at)
		VALUES (?, ?, ?, ?, 'text', ?, ?, ?, ?)`,
		req.ConversationID, userID, cipherHex, ivHex, keyHint, decoy, timer, now,
	)
	if err != nil {
		respondError(c, apperr.Storage("failed to store message", err))
		return
	}
	messageID, err := result.LastInsertId()
	if err != nil {
		respondError(c, apperr.Storage("failed to read message id", err))
		return
	}

	if _, err := h.db.Exec(
		"UPDATE conversations SET last_message_at = ? WHERE id = ?",
		now, req.ConversationID,
	); err != nil {
		respondError(c, apperr.Storage("failed to update conversation", err))
		return
	}

	msg := &models.Message{
		ID:               int(messageID),
		ConversationID:   req.ConversationID,
		SenderID:         userID,
		SenderUsername:   currentUsername(c),
		Content:          decoy,
		Kind:             models.KindText,
		KeyHint:          keyHint,
		EncryptedDisplay: true,
		DestructTimer:    timer,
		CreatedAt:        now,
	}

	if h.broadcaster != nil {
		h.broadcaster.MessageSent(req.ConversationID, msg)
	}
	if h.notifier != nil {
		h.notifier.NotifyNewMessage(recipients, msg.SenderUsername)
	}

	c.JSON(http.StatusCreated, gin.H{"success": true, "data": msg})
}

// ListConversationMessages returns the visible messages of a conversation for
// the caller: expired and per-user deleted messages are filtered out, and any
// message still in its encrypted display state is rendered as its decoy.
func (h *MessageHandler) ListConversationMessages(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	conversationID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		respondError(c, apperr.Validation("invalid conversation id"))
		return
	}

	member, err := isParticipant(h.db, conversationID, userID)
	if err != nil {
		respondError(c, err)
		return
	}
	if !member {
		respondError(c, apperr.NotAuthorized("you are not a participant of this conversation"))
		return
	}

	now := time.Now().UTC()
	rows, err := h.db.Query(`
		SELECT m.id, m.conversation_id, m.sender_id, u.username,
			m.content, m.message_type, m.key_hint, m.decoy_content,
			m.is_encrypted_display, m.is_decrypted, m.is_seen,
			m.self_destruct_timer, m.expires_at, m.created_at, m.file_size
		FROM messages m
		JOIN users u ON u.id = m.sender_id
		WHERE m.conversation_id = ?
			AND (m.expires_at IS NULL OR m.expires_at > ?)
			AND NOT EXISTS (
				SELECT 1 FROM user_message_deletions d
				WHERE d.message_id = m.id AND d.user_id = ?
			)
		ORDER BY m.created_at ASC`,
		conversationID, now, userID,
	)
	if err != nil {
		respondError(c, apperr.Storage("failed to fetch messages", err))
		return
	}
	defer rows.Close()

	messages := make([]*models.Message, 0)
	for rows.Next() {
		var msg models.Message
		var content sql.NullString
		var decoy string
		err := rows.Scan(
			&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.SenderUsername,
			&content, &msg.Kind, &msg.KeyHint, &decoy,
			&msg.EncryptedDisplay, &msg.Decrypted, &msg.Seen,
			&msg.DestructTimer, &msg.ExpiresAt, &msg.CreatedAt, &msg.FileSize,
		)
		if err != nil {
			respondError(c, apperr.Storage("failed to scan message", err))
			return
		}

		switch {
		case msg.Kind == models.KindFile:
			msg.Content = "[encrypted file]"
		case msg.EncryptedDisplay:
			msg.Content = decoy
		case content.Valid:
			msg.Content = content.String
		default:
			msg.Content = decoy
		}
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		respondError(c, apperr.Storage("failed to iterate messages", err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": messages})
}

// MarkSeen records the first view of a message by a recipient and arms its
// self-destruct countdown. Arming happens once: a second view never extends
// the deadline.
func (h *MessageHandler) MarkSeen(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	messageID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		respondError(c, apperr.Validation("invalid message id"))
		return
	}

	var conversationID, senderID, timer int
	var expiresAt *time.Time
	err = h.db.QueryRow(
		"SELECT conversation_id, sender_id, self_destruct_timer, expires_at FROM messages WHERE id = ?",
		messageID,
	).Scan(&conversationID, &senderID, &timer, &expiresAt)
	if err == sql.ErrNoRows {
		respondError(c, apperr.NotFound("message not found"))
		return
	}
	if err != nil {
		respondError(c, apperr.Storage("failed to fetch message", err))
		return
	}

	now := time.Now().UTC()
	if expired(expiresAt, now) {
		respondError(c, apperr.NotFound("message not found"))
		return
	}

	member, err := isParticipant(h.db, conversationID, userID)
	if err != nil {
		respondError(c, err)
		return
	}
	if !member {
		respondError(c, apperr.NotAuthorized("you are not a participant of this conversation"))
		return
	}

	// The sender's own view never starts the countdown
	if senderID == userID {
		c.JSON(http.StatusOK, gin.H{"success": true})
		return
	}

	deadline := now.Add(time.Duration(timer) * time.Second)
	if _, err := h.db.Exec(
		"UPDATE messages SET is_seen = 1, expires_at = COALESCE(expires_at, ?) WHERE id = ?",
		deadline, messageID,
	); err != nil {
		respondError(c, apperr.Storage("failed to mark message seen", err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// DeleteForMe hides a message from the caller only. The row itself survives
// for the other participant until it expires.
func (h *MessageHandler) DeleteForMe(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	messageID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		respondError(c, apperr.Validation("invalid message id"))
		return
	}

	var conversationID int
	err = h.db.QueryRow("SELECT conversation_id FROM messages WHERE id = ?", messageID).Scan(&conversationID)
	if err == sql.ErrNoRows {
		respondError(c, apperr.NotFound("message not found"))
		return
	}
	if err != nil {
		respondError(c, apperr.Storage("failed to fetch message", err))
		return
	}

	member, err := isParticipant(h.db, conversationID, userID)
	if err != nil {
		respondError(c, err)
		return
	}
	if !member {
		respondError(c, apperr.NotAuthorized("you are not a participant of this conversation"))
		return
	}

	if _, err := h.db.Exec(
		"INSERT OR IGNORE INTO user_message_deletions (message_id, user_id) VALUES (?, ?)",
		messageID, userID,
	); err != nil {
		respondError(c, apperr.Storage("failed to delete message", err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}
