package handlers

import (
	"database/sql"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/vanishapp/vanish/internal/auth"
	"github.com/vanishapp/vanish/pkg/apperr"
)

// KeyHandler manages per-participant conversation key hashes. Only a bcrypt
// hash is ever stored; the plaintext key lives in the participant's head.
type KeyHandler struct {
	db      *sql.DB
	authSvc *auth.Service
}

func NewKeyHandler(db *sql.DB, authSvc *auth.Service) *KeyHandler {
	return &KeyHandler{db: db, authSvc: authSvc}
}

const minKeyLength = 4

type SetKeyRequest struct {
	Key string `json:"key" binding:"required"`
}

// SetKey stores (or replaces) the caller's key hash for a conversation.
func (h *KeyHandler) SetKey(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	conversationID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		respondError(c, apperr.Validation("invalid conversation id"))
		return
	}

	var req SetKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Validation("key is required"))
		return
	}
	if len(req.Key) < minKeyLength {
		respondError(c, apperr.Validation("key must be at least 4 characters"))
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

	if err := h.upsertKey(userID, conversationID, req.Key); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// HasKey reports whether the caller has registered a key for a conversation.
func (h *KeyHandler) HasKey(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	conversationID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		respondError(c, apperr.Validation("invalid conversation id"))
		return
	}

	var exists bool
	err = h.db.QueryRow(
		"SELECT EXISTS(SELECT 1 FROM conversation_keys WHERE user_id = ? AND conversation_id = ?)",
		userID, conversationID,
	).Scan(&exists)
	if err != nil {
		respondError(c, apperr.Storage("failed to check conversation key", err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{"has_key": exists}})
}

type VerifyPasswordRequest struct {
	Password string `json:"password" binding:"required"`
}

// VerifyPassword re-checks the account credential ahead of a key change.
func (h *KeyHandler) VerifyPassword(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var req VerifyPasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Validation("password is required"))
		return
	}

	if err := h.authSvc.VerifyPassword(userID, req.Password); err != nil {
		respondError(c, apperr.NotAuthorized("incorrect password"))
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

type ChangeKeyRequest struct {
	ConversationID int    `json:"conversation_id" binding:"required"`
	Password       string `json:"password" binding:"required"`
	Key            string `json:"key" binding:"required"`
}

// ChangeKey replaces the caller's conversation key after proving the account
// password. The check happens in the same request so no verification state
// has to be tracked between calls.
func (h *KeyHandler) ChangeKey(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var req ChangeKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Validation("conversation_id, password and key are required"))
		return
	}
	if len(req.Key) < minKeyLength {
		respondError(c, apperr.Validation("key must be at least 4 characters"))
		return
	}

	if err := h.authSvc.VerifyPassword(userID, req.Password); err != nil {
		respondError(c, apperr.NotAuthorized("incorrect password"))
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

	if err := h.upsertKey(userID, req.ConversationID, req.Key); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *KeyHandler) upsertKey(userID, conversationID int, key string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return apperr.Storage("failed to hash key", err)
	}

	_, err = h.db.Exec(`
		INSERT INTO conversation_keys (user_id, conversation_id, key_hash, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(user_id, conversation_id)
		DO UPDATE SET key_hash = excluded.key_hash, updated_at = CURRENT_TIMESTAMP`,
		userID, conversationID, string(hash),
	)
	if err != nil {
		return apperr.Storage("failed to store key", err)
	}
	return nil
}
