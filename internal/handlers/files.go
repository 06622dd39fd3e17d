package handlers

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/vanishapp/vanish/internal/crypto"
	"github.com/vanishapp/vanish/internal/models"
	"github.com/vanishapp/vanish/pkg/apperr"
)

// FileHandler stores uploaded files on disk under random names and keeps
// their real names encrypted in the message row. Downloads go through
// single-use tokens.
type FileHandler struct {
	db            *sql.DB
	broadcaster   EventBroadcaster
	notifier      PushNotifier
	storagePath   string
	maxUploadSize int64
	tokenTTL      time.Duration
}

func NewFileHandler(db *sql.DB, broadcaster EventBroadcaster, notifier PushNotifier, storagePath string, maxUploadSize int64, tokenTTL time.Duration) *FileHandler {
	return &FileHandler{
		db:            db,
		broadcaster:   broadcaster,
		notifier:      notifier,
		storagePath:   storagePath,
		maxUploadSize: maxUploadSize,
		tokenTTL:      tokenTTL,
	}
}

// fileMetadata is what gets encrypted into the message ciphertext for file
// messages: recipients only learn the real name after an approved decrypt or
// a token redemption.
type fileMetadata struct {
	OriginalName string `json:"original_name"`
	ContentType  string `json:"content_type"`
}

// Upload accepts a multipart file, encrypts its metadata under the sender's
// secret, and mints a single-use download token for the recipient.
func (h *FileHandler) Upload(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	conversationID, err := strconv.Atoi(c.PostForm("conversation_id"))
	if err != nil {
		respondError(c, apperr.Validation("invalid conversation id"))
		return
	}
	senderKey := c.PostForm("sender_key")
	if len(senderKey) < 4 {
		respondError(c, apperr.Validation("sender key must be at least 4 characters"))
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

	fileHeader, err := c.FormFile("file")
	if err != nil {
		respondError(c, apperr.Validation("file is required"))
		return
	}
	if fileHeader.Size > h.maxUploadSize {
		respondError(c, apperr.Validation("file exceeds the maximum upload size"))
		return
	}

	meta := fileMetadata{
		OriginalName: filepath.Base(fileHeader.Filename),
		ContentType:  fileHeader.Header.Get("Content-Type"),
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		respondError(c, apperr.Storage("failed to encode file metadata", err))
		return
	}

	cipherHex, ivHex, err := crypto.Encrypt(string(metaJSON), senderKey)
	if err != nil {
		respondError(c, apperr.Storage("failed to encrypt file metadata", err))
		return
	}

	if err := os.MkdirAll(h.storagePath, 0o755); err != nil {
		respondError(c, apperr.Storage("failed to prepare storage directory", err))
		return
	}

	// The on-disk name reveals nothing about the upload
	storedName := uuid.NewString()
	storedPath := filepath.Join(h.storagePath, storedName)
	if err := c.SaveUploadedFile(fileHeader, storedPath); err != nil {
		respondError(c, apperr.Storage("failed to store file", err))
		return
	}

	decoy := crypto.GenerateDecoy(len(metaJSON))
	timer := crypto.DestructionTimer(len(metaJSON))

	var keyHint *string
	if hint := strings.TrimSpace(c.PostForm("key_hint")); hint != "" {
		keyHint = &hint
	}

	now := time.Now().UTC()
	result, err := h.db.Exec(`
		INSERT INTO messages (conversation_id, sender_id, ciphertext, iv, message_type,
			key_hint, decoy_content, self_destruct_timer, created_at, file_path, file_size)
		VALUES (?, ?, ?, ?, 'file', ?, ?, ?, ?, ?, ?)`,
		conversationID, userID, cipherHex, ivHex, keyHint, decoy, timer, now,
		storedPath, fileHeader.Size,
	)
	if err != nil {
		os.Remove(storedPath)
		respondError(c, apperr.Storage("failed to store file message", err))
		return
	}
	messageID, err := result.LastInsertId()
	if err != nil {
		respondError(c, apperr.Storage("failed to read message id", err))
		return
	}

	if _, err := h.db.Exec(
		"UPDATE conversations SET last_message_at = ? WHERE id = ?",
		now, conversationID,
	); err != nil {
		respondError(c, apperr.Storage("failed to update conversation", err))
		return
	}

	token := uuid.NewString()
	tokenExpiry := now.Add(h.tokenTTL)
	if _, err := h.db.Exec(
		"INSERT INTO download_tokens (token, message_id, sender_key, expires_at, created_at) VALUES (?, ?, ?, ?, ?)",
		token, messageID, senderKey, tokenExpiry, now,
	); err != nil {
		respondError(c, apperr.Storage("failed to create download token", err))
		return
	}

	fileSize := fileHeader.Size
	msg := &models.Message{
		ID:               int(messageID),
		ConversationID:   conversationID,
		SenderID:         userID,
		SenderUsername:   currentUsername(c),
		Content:          "[encrypted file]",
		Kind:             models.KindFile,
		KeyHint:          keyHint,
		EncryptedDisplay: true,
		DestructTimer:    timer,
		CreatedAt:        now,
		FileSize:         &fileSize,
	}

	if h.broadcaster != nil {
		h.broadcaster.MessageSent(conversationID, msg)
	}
	if h.notifier != nil {
		recipients, err := otherParticipants(h.db, conversationID, userID)
		if err == nil {
			h.notifier.NotifyNewMessage(recipients, msg.SenderUsername)
		}
	}

	c.JSON(http.StatusCreated, gin.H{"success": true, "data": gin.H{
		"message_id":       int(messageID),
		"download_token":   token,
		"token_expires_at": tokenExpiry,
	}})
}

// Download redeems a single-use token for the file behind a message. The
// token is consumed before the response is written: any attempt, successful
// or not, spends it. Only a token that was never valid survives a failure.
func (h *FileHandler) Download(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	messageID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		respondError(c, apperr.Validation("invalid message id"))
		return
	}

	token := c.Query("token")
	if token == "" {
		respondError(c, apperr.TokenInvalid("download token is required"))
		return
	}

	tx, err := h.db.Begin()
	if err != nil {
		respondError(c, apperr.Storage("failed to begin transaction", err))
		return
	}
	defer tx.Rollback()

	var senderKey string
	var tokenExpiry time.Time
	err = tx.QueryRow(
		"SELECT sender_key, expires_at FROM download_tokens WHERE token = ? AND message_id = ?",
		token, messageID,
	).Scan(&senderKey, &tokenExpiry)
	if err == sql.ErrNoRows {
		respondError(c, apperr.TokenInvalid("download token is invalid"))
		return
	}
	if err != nil {
		respondError(c, apperr.Storage("failed to fetch download token", err))
		return
	}

	// Consume the token regardless of what happens next
	if _, err := tx.Exec("DELETE FROM download_tokens WHERE token = ?", token); err != nil {
		respondError(c, apperr.Storage("failed to consume download token", err))
		return
	}
	if err := tx.Commit(); err != nil {
		respondError(c, apperr.Storage("failed to commit token redemption", err))
		return
	}

	now := time.Now().UTC()
	if !tokenExpiry.After(now) {
		respondError(c, apperr.TokenExpired("download token has expired"))
		return
	}

	var conversationID int
	var cipherHex, ivHex string
	var filePath *string
	var expiresAt *time.Time
	err = h.db.QueryRow(
		"SELECT conversation_id, ciphertext, iv, file_path, expires_at FROM messages WHERE id = ?",
		messageID,
	).Scan(&conversationID, &cipherHex, &ivHex, &filePath, &expiresAt)
	if err == sql.ErrNoRows {
		respondError(c, apperr.NotFound("message not found"))
		return
	}
	if err != nil {
		respondError(c, apperr.Storage("failed to fetch message", err))
		return
	}
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

	metaJSON, err := crypto.Decrypt(cipherHex, ivHex, senderKey)
	if err != nil {
		respondError(c, err)
		return
	}
	var meta fileMetadata
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		respondError(c, apperr.Storage("failed to decode file metadata", err))
		return
	}

	if filePath == nil {
		respondError(c, apperr.NotFound("file not found"))
		return
	}
	if _, err := os.Stat(*filePath); err != nil {
		respondError(c, apperr.NotFound("file not found"))
		return
	}

	c.FileAttachment(*filePath, meta.OriginalName)
}
