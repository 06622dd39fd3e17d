package models

import "time"

type User struct {
	ID        int       `json:"id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
}

type MessageKind string

const (
	KindText MessageKind = "text"
	KindFile MessageKind = "file"
)

// Message carries both the real ciphertext and the decoy shown by default.
// Readers only ever see the decoy until a decryption request is approved.
type Message struct {
	ID               int         `json:"id"`
	ConversationID   int         `json:"conversation_id"`
	SenderID         int         `json:"sender_id"`
	SenderUsername   string      `json:"sender_username,omitempty"`
	Content          string      `json:"content"`
	Kind             MessageKind `json:"message_type"`
	KeyHint          *string     `json:"key_hint,omitempty"`
	EncryptedDisplay bool        `json:"is_encrypted_display"`
	Decrypted        bool        `json:"is_decrypted"`
	Seen             bool        `json:"is_seen"`
	DestructTimer    int         `json:"self_destruct_timer"`
	ExpiresAt        *time.Time  `json:"expires_at,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	FileSize         *int64      `json:"file_size,omitempty"`
}

type DecryptionRequest struct {
	ID                int           `json:"id"`
	MessageID         int           `json:"message_id"`
	RequesterID       int           `json:"requester_id"`
	RequesterUsername string        `json:"requester_username,omitempty"`
	SenderID          int           `json:"sender_id"`
	Status            RequestStatus `json:"status"`
	KeyHint           *string       `json:"key_hint,omitempty"`
	ConversationID    int           `json:"conversation_id,omitempty"`
	RequestedAt       time.Time     `json:"requested_at"`
}

// ConversationKeyRecord holds only a one-way hash of a participant's
// conversation key. The key itself is never persisted.
type ConversationKeyRecord struct {
	UserID         int       `json:"user_id"`
	ConversationID int       `json:"conversation_id"`
	KeyHash        string    `json:"-"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// DownloadToken is the single deliberate exception to never storing a usable
// secret: the sender key rides in the row for the token's short lifetime so
// redemption can decrypt server-side, and the row is deleted on first use.
type DownloadToken struct {
	Token     string    `json:"token"`
	MessageID int       `json:"message_id"`
	SenderKey string    `json:"-"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

type Conversation struct {
	ID            int        `json:"id"`
	Type          string     `json:"type"`
	CreatedBy     int        `json:"created_by"`
	CreatedAt     time.Time  `json:"created_at"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
}
