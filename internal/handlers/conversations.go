package handlers

import (
	"database/sql"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vanishapp/vanish/internal/models"
	"github.com/vanishapp/vanish/pkg/apperr"
)

type ConversationHandler struct {
	db *sql.DB
}

func NewConversationHandler(db *sql.DB) *ConversationHandler {
	return &ConversationHandler{db: db}
}

type CreateConversationRequest struct {
	Username string `json:"username" binding:"required"`
}

// Create opens (or returns the existing) direct conversation with a user.
func (h *ConversationHandler) Create(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var req CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Validation("username is required"))
		return
	}

	var otherID int
	err := h.db.QueryRow(
		"SELECT id FROM users WHERE username = ?",
		strings.TrimSpace(req.Username),
	).Scan(&otherID)
	if err == sql.ErrNoRows {
		respondError(c, apperr.NotFound("user not found"))
		return
	}
	if err != nil {
		respondError(c, apperr.Storage("failed to fetch user", err))
		return
	}

	if otherID == userID {
		respondError(c, apperr.Validation("cannot start a conversation with yourself"))
		return
	}

	blocked, err := isBlockedEither(h.db, userID, otherID)
	if err != nil {
		respondError(c, err)
		return
	}
	if blocked {
		respondError(c, apperr.NotAuthorized("cannot message this user"))
		return
	}

	var existingID int
	err = h.db.QueryRow(`
		SELECT c.id FROM conversations c
		JOIN conversation_participants p1 ON p1.conversation_id = c.id AND p1.user_id = ?
		JOIN conversation_participants p2 ON p2.conversation_id = c.id AND p2.user_id = ?
		WHERE c.type = 'direct'`,
		userID, otherID,
	).Scan(&existingID)
	if err == nil {
		c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{"conversation_id": existingID}})
		return
	}
	if err != sql.ErrNoRows {
		respondError(c, apperr.Storage("failed to look up conversation", err))
		return
	}

	tx, err := h.db.Begin()
	if err != nil {
		respondError(c, apperr.Storage("failed to begin transaction", err))
		return
	}
	defer tx.Rollback()

	result, err := tx.Exec(
		"INSERT INTO conversations (type, created_by) VALUES ('direct', ?)",
		userID,
	)
	if err != nil {
		respondError(c, apperr.Storage("failed to create conversation", err))
		return
	}
	conversationID, err := result.LastInsertId()
	if err != nil {
		respondError(c, apperr.Storage("failed to read conversation id", err))
		return
	}

	for _, participant := range []int{userID, otherID} {
		if _, err := tx.Exec(
			"INSERT INTO conversation_participants (conversation_id, user_id) VALUES (?, ?)",
			conversationID, participant,
		); err != nil {
			respondError(c, apperr.Storage("failed to add participant", err))
			return
		}
	}

	if err := tx.Commit(); err != nil {
		respondError(c, apperr.Storage("failed to commit conversation", err))
		return
	}

	c.JSON(http.StatusCreated, gin.H{"success": true, "data": gin.H{"conversation_id": int(conversationID)}})
}

type conversationSummary struct {
	models.Conversation
	OtherUsername string `json:"other_username"`
	UnreadCount   int    `json:"unread_count"`
}

// List returns the caller's conversations, most recently active first, with
// a count of live unseen messages from the other side.
func (h *ConversationHandler) List(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	now := time.Now().UTC()
	rows, err := h.db.Query(`
		SELECT c.id, c.type, c.created_by, c.created_at, c.last_message_at,
			COALESCE(u.username, ''),
			(SELECT COUNT(*) FROM messages m
				WHERE m.conversation_id = c.id
					AND m.sender_id != ?
					AND m.is_seen = 0
					AND (m.expires_at IS NULL OR m.expires_at > ?)
					AND NOT EXISTS (
						SELECT 1 FROM user_message_deletions d
						WHERE d.message_id = m.id AND d.user_id = ?
					))
		FROM conversations c
		JOIN conversation_participants me ON me.conversation_id = c.id AND me.user_id = ?
		LEFT JOIN conversation_participants other
			ON other.conversation_id = c.id AND other.user_id != ?
		LEFT JOIN users u ON u.id = other.user_id
		ORDER BY c.last_message_at IS NULL, c.last_message_at DESC, c.created_at DESC`,
		userID, now, userID, userID, userID,
	)
	if err != nil {
		respondError(c, apperr.Storage("failed to fetch conversations", err))
		return
	}
	defer rows.Close()

	conversations := make([]*conversationSummary, 0)
	for rows.Next() {
		var conv conversationSummary
		err := rows.Scan(
			&conv.ID, &conv.Type, &conv.CreatedBy, &conv.CreatedAt, &conv.LastMessageAt,
			&conv.OtherUsername, &conv.UnreadCount,
		)
		if err != nil {
			respondError(c, apperr.Storage("failed to scan conversation", err))
			return
		}
		conversations = append(conversations, &conv)
	}
	if err := rows.Err(); err != nil {
		respondError(c, apperr.Storage("failed to iterate conversations", err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": conversations})
}

// Delete removes the caller from a conversation. When the last participant
// leaves, everything the conversation owned goes with it in one transaction:
// messages, requests, tokens, key hashes and per-user deletions.
func (h *ConversationHandler) Delete(c *gin.Context) {
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

	tx, err := h.db.Begin()
	if err != nil {
		respondError(c, apperr.Storage("failed to begin transaction", err))
		return
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		"DELETE FROM conversation_participants WHERE conversation_id = ? AND user_id = ?",
		conversationID, userID,
	); err != nil {
		respondError(c, apperr.Storage("failed to leave conversation", err))
		return
	}
	if _, err := tx.Exec(
		"DELETE FROM conversation_keys WHERE conversation_id = ? AND user_id = ?",
		conversationID, userID,
	); err != nil {
		respondError(c, apperr.Storage("failed to remove conversation key", err))
		return
	}

	var remaining int
	if err := tx.QueryRow(
		"SELECT COUNT(*) FROM conversation_participants WHERE conversation_id = ?",
		conversationID,
	).Scan(&remaining); err != nil {
		respondError(c, apperr.Storage("failed to count participants", err))
		return
	}

	if remaining == 0 {
		cleanup := []string{
			"DELETE FROM download_tokens WHERE message_id IN (SELECT id FROM messages WHERE conversation_id = ?)",
			"DELETE FROM decryption_requests WHERE message_id IN (SELECT id FROM messages WHERE conversation_id = ?)",
			"DELETE FROM user_message_deletions WHERE message_id IN (SELECT id FROM messages WHERE conversation_id = ?)",
			"DELETE FROM messages WHERE conversation_id = ?",
			"DELETE FROM conversation_keys WHERE conversation_id = ?",
			"DELETE FROM conversations WHERE id = ?",
		}
		for _, stmt := range cleanup {
			if _, err := tx.Exec(stmt, conversationID); err != nil {
				respondError(c, apperr.Storage("failed to purge conversation", err))
				return
			}
		}
	}

	if err := tx.Commit(); err != nil {
		respondError(c, apperr.Storage("failed to commit conversation deletion", err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}
