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

type RequestHandler struct {
	db          *sql.DB
	broadcaster EventBroadcaster
	notifier    PushNotifier
}

func NewRequestHandler(db *sql.DB, broadcaster EventBroadcaster, notifier PushNotifier) *RequestHandler {
	return &RequestHandler{db: db, broadcaster: broadcaster, notifier: notifier}
}

// Create files a decryption request against a message. Only a recipient may
// ask, only once at a time, and never for content already revealed.
func (h *RequestHandler) Create(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	messageID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		respondError(c, apperr.Validation("invalid message id"))
		return
	}

	var conversationID, senderID int
	var decrypted bool
	var expiresAt *time.Time
	err = h.db.QueryRow(
		"SELECT conversation_id, sender_id, is_decrypted, expires_at FROM messages WHERE id = ?",
		messageID,
	).Scan(&conversationID, &senderID, &decrypted, &expiresAt)
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
	if senderID == userID {
		respondError(c, apperr.Validation("you cannot request decryption of your own message"))
		return
	}
	if decrypted {
		respondError(c, apperr.Conflict("message is already decrypted"))
		return
	}

	result, err := h.db.Exec(
		"INSERT INTO decryption_requests (message_id, requester_id, sender_id, requested_at) VALUES (?, ?, ?, ?)",
		messageID, userID, senderID, now,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			respondError(c, apperr.Conflict("decryption request already pending"))
			return
		}
		respondError(c, apperr.Storage("failed to create decryption request", err))
		return
	}
	requestID, err := result.LastInsertId()
	if err != nil {
		respondError(c, apperr.Storage("failed to read request id", err))
		return
	}

	req := &models.DecryptionRequest{
		ID:                int(requestID),
		MessageID:         messageID,
		RequesterID:       userID,
		RequesterUsername: currentUsername(c),
		SenderID:          senderID,
		Status:            models.StatusPending,
		ConversationID:    conversationID,
		RequestedAt:       now,
	}

	if h.broadcaster != nil {
		h.broadcaster.DecryptionRequested(senderID, req)
	}
	if h.notifier != nil {
		h.notifier.NotifyDecryptionRequest(senderID, req.RequesterUsername)
	}

	c.JSON(http.StatusCreated, gin.H{"success": true, "data": req})
}

// ListPending returns the caller's inbox of unresolved requests against
// messages they sent.
func (h *RequestHandler) ListPending(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	now := time.Now().UTC()
	rows, err := h.db.Query(`
		SELECT r.id, r.message_id, r.requester_id, u.username, r.sender_id,
			r.status, m.key_hint, m.conversation_id, r.requested_at
		FROM decryption_requests r
		JOIN messages m ON m.id = r.message_id
		JOIN users u ON u.id = r.requester_id
		WHERE r.sender_id = ? AND r.status = 'pending'
			AND (m.expires_at IS NULL OR m.expires_at > ?)
		ORDER BY r.requested_at ASC`,
		userID, now,
	)
	if err != nil {
		respondError(c, apperr.Storage("failed to fetch decryption requests", err))
		return
	}
	defer rows.Close()

	requests := make([]*models.DecryptionRequest, 0)
	for rows.Next() {
		var req models.DecryptionRequest
		err := rows.Scan(
			&req.ID, &req.MessageID, &req.RequesterID, &req.RequesterUsername,
			&req.SenderID, &req.Status, &req.KeyHint, &req.ConversationID, &req.RequestedAt,
		)
		if err != nil {
			respondError(c, apperr.Storage("failed to scan decryption request", err))
			return
		}
		requests = append(requests, &req)
	}
	if err := rows.Err(); err != nil {
		respondError(c, apperr.Storage("failed to iterate decryption requests", err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": requests})
}

type ApproveRequest struct {
	SenderKey string `json:"sender_key" binding:"required"`
}

// Approve resolves a pending request by decrypting the message with the
// sender's secret. A wrong secret leaves the request pending so the sender
// can retry; the reveal and the status flip commit together.
func (h *RequestHandler) Approve(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	requestID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		respondError(c, apperr.Validation("invalid request id"))
		return
	}

	var body ApproveRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, apperr.Validation("sender_key is required"))
		return
	}

	req, err := h.loadRequest(requestID)
	if err != nil {
		respondError(c, err)
		return
	}
	if req.SenderID != userID {
		respondError(c, apperr.NotAuthorized("only the message sender can resolve this request"))
		return
	}
	if !req.Status.CanTransition(models.StatusApproved) {
		respondError(c, apperr.Conflict("request is already resolved"))
		return
	}

	var cipherHex, ivHex string
	var conversationID int
	var expiresAt *time.Time
	err = h.db.QueryRow(
		"SELECT ciphertext, iv, conversation_id, expires_at FROM messages WHERE id = ?",
		req.MessageID,
	).Scan(&cipherHex, &ivHex, &conversationID, &expiresAt)
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

	plaintext, err := crypto.Decrypt(cipherHex, ivHex, body.SenderKey)
	if err != nil {
		respondError(c, err)
		return
	}

	tx, err := h.db.Begin()
	if err != nil {
		respondError(c, apperr.Storage("failed to begin transaction", err))
		return
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		"UPDATE messages SET content = ?, is_encrypted_display = 0, is_decrypted = 1 WHERE id = ?",
		plaintext, req.MessageID,
	); err != nil {
		respondError(c, apperr.Storage("failed to reveal message", err))
		return
	}

	// Guard against a concurrent resolution of the same request
	result, err := tx.Exec(
		"UPDATE decryption_requests SET status = 'approved' WHERE id = ? AND status = 'pending'",
		requestID,
	)
	if err != nil {
		respondError(c, apperr.Storage("failed to update request", err))
		return
	}
	if n, _ := result.RowsAffected(); n == 0 {
		respondError(c, apperr.Conflict("request is already resolved"))
		return
	}

	if err := tx.Commit(); err != nil {
		respondError(c, apperr.Storage("failed to commit approval", err))
		return
	}

	if h.broadcaster != nil {
		h.broadcaster.MessageDecrypted(conversationID, req.MessageID, plaintext)
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{
		"message_id": req.MessageID,
		"content":    plaintext,
		"status":     models.StatusApproved,
	}})
}

// Deny resolves a pending request without revealing anything.
func (h *RequestHandler) Deny(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	requestID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		respondError(c, apperr.Validation("invalid request id"))
		return
	}

	req, err := h.loadRequest(requestID)
	if err != nil {
		respondError(c, err)
		return
	}
	if req.SenderID != userID {
		respondError(c, apperr.NotAuthorized("only the message sender can resolve this request"))
		return
	}
	if !req.Status.CanTransition(models.StatusDenied) {
		respondError(c, apperr.Conflict("request is already resolved"))
		return
	}

	result, err := h.db.Exec(
		"UPDATE decryption_requests SET status = 'denied' WHERE id = ? AND status = 'pending'",
		requestID,
	)
	if err != nil {
		respondError(c, apperr.Storage("failed to update request", err))
		return
	}
	if n, _ := result.RowsAffected(); n == 0 {
		respondError(c, apperr.Conflict("request is already resolved"))
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{
		"message_id": req.MessageID,
		"status":     models.StatusDenied,
	}})
}

func (h *RequestHandler) loadRequest(requestID int) (*models.DecryptionRequest, error) {
	var req models.DecryptionRequest
	err := h.db.QueryRow(
		"SELECT id, message_id, requester_id, sender_id, status, requested_at FROM decryption_requests WHERE id = ?",
		requestID,
	).Scan(&req.ID, &req.MessageID, &req.RequesterID, &req.SenderID, &req.Status, &req.RequestedAt)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("decryption request not found")
	}
	if err != nil {
		return nil, apperr.Storage("failed to fetch decryption request", err)
	}
	return &req, nil
}
