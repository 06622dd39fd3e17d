package handlers

import (
	"database/sql"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vanishapp/vanish/internal/models"
	"github.com/vanishapp/vanish/pkg/apperr"
)

// EventBroadcaster is the delivery collaborator: decrypted and sent payloads
// are handed to it for fan-out, never pushed by the handlers themselves.
type EventBroadcaster interface {
	MessageSent(conversationID int, msg *models.Message)
	MessageDecrypted(conversationID, messageID int, plaintext string)
	DecryptionRequested(senderID int, req *models.DecryptionRequest)
}

// PushNotifier delivers best-effort push notifications. A nil notifier is
// valid and silently drops everything.
type PushNotifier interface {
	NotifyNewMessage(recipientIDs []int, senderUsername string)
	NotifyDecryptionRequest(senderID int, requesterUsername string)
}

func currentUserID(c *gin.Context) (int, bool) {
	userID, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "unauthorized", "code": "NOT_AUTHORIZED"})
		return 0, false
	}
	return userID.(int), true
}

func currentUsername(c *gin.Context) string {
	username, _ := c.Get("username")
	name, _ := username.(string)
	return name
}

// respondError maps an error to its HTTP status and stable code. Storage
// failures are logged server-side and surfaced as a generic message.
func respondError(c *gin.Context, err error) {
	code := apperr.CodeOf(err)
	if code == apperr.CodeStorage {
		log.Printf("storage error on %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.JSON(apperr.HTTPStatus(code), gin.H{
		"success": false,
		"error":   apperr.MessageOf(err),
		"code":    code,
	})
}

func isParticipant(db *sql.DB, conversationID, userID int) (bool, error) {
	var exists bool
	err := db.QueryRow(
		"SELECT EXISTS(SELECT 1 FROM conversation_participants WHERE conversation_id = ? AND user_id = ?)",
		conversationID, userID,
	).Scan(&exists)
	if err != nil {
		return false, apperr.Storage("failed to check conversation membership", err)
	}
	return exists, nil
}

// isBlockedEither reports whether either user has blocked the other.
func isBlockedEither(db *sql.DB, userA, userB int) (bool, error) {
	var exists bool
	err := db.QueryRow(`
		SELECT EXISTS(
			SELECT 1 FROM blocked_users
			WHERE (blocker_id = ? AND blocked_id = ?) OR (blocker_id = ? AND blocked_id = ?)
		)`, userA, userB, userB, userA,
	).Scan(&exists)
	if err != nil {
		return false, apperr.Storage("failed to check block status", err)
	}
	return exists, nil
}

func otherParticipants(db *sql.DB, conversationID, excludeUserID int) ([]int, error) {
	rows, err := db.Query(
		"SELECT user_id FROM conversation_participants WHERE conversation_id = ? AND user_id != ?",
		conversationID, excludeUserID,
	)
	if err != nil {
		return nil, apperr.Storage("failed to fetch participants", err)
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, apperr.Storage("failed to scan participant", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// expired reports whether a nullable expiry boundary has passed.
func expired(expiresAt *time.Time, now time.Time) bool {
	return expiresAt != nil && !expiresAt.After(now)
}
