package handlers

import (
	"net/http"
	"testing"
	"time"
)

func TestSendValidation(t *testing.T) {
	clearTestData()

	aliceID, aliceToken := newTestUser(t, "alice")
	bobID, _ := newTestUser(t, "bob")
	_, eveToken := newTestUser(t, "eve")
	convID := newTestConversation(t, aliceID, bobID)

	tests := []struct {
		name       string
		token      string
		body       map[string]any
		wantStatus int
		wantCode   string
	}{
		{
			name:       "missing sender key",
			token:      aliceToken,
			body:       map[string]any{"conversation_id": convID, "content": "hello"},
			wantStatus: http.StatusBadRequest,
			wantCode:   "VALIDATION_ERROR",
		},
		{
			name:       "short sender key",
			token:      aliceToken,
			body:       map[string]any{"conversation_id": convID, "content": "hello", "sender_key": "abc"},
			wantStatus: http.StatusBadRequest,
			wantCode:   "VALIDATION_ERROR",
		},
		{
			name:       "blank content",
			token:      aliceToken,
			body:       map[string]any{"conversation_id": convID, "content": "   ", "sender_key": "good-key"},
			wantStatus: http.StatusBadRequest,
			wantCode:   "VALIDATION_ERROR",
		},
		{
			name:       "non-participant",
			token:      eveToken,
			body:       map[string]any{"conversation_id": convID, "content": "hello", "sender_key": "good-key"},
			wantStatus: http.StatusForbidden,
			wantCode:   "NOT_AUTHORIZED",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, "POST", "/api/messages", tt.token, tt.body)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.wantStatus, w.Body.String())
			}
			if code := errorCode(t, w); code != tt.wantCode {
				t.Errorf("code = %s, want %s", code, tt.wantCode)
			}
		})
	}
}

func TestSendBlockedUser(t *testing.T) {
	clearTestData()

	aliceID, aliceToken := newTestUser(t, "alice")
	bobID, _ := newTestUser(t, "bob")
	convID := newTestConversation(t, aliceID, bobID)

	if _, err := testDB.Exec(
		"INSERT INTO blocked_users (blocker_id, blocked_id) VALUES (?, ?)", bobID, aliceID,
	); err != nil {
		t.Fatalf("failed to insert block: %v", err)
	}

	w := doJSON(t, "POST", "/api/messages", aliceToken, map[string]any{
		"conversation_id": convID,
		"content":         "you cannot ignore me",
		"sender_key":      "some-key",
	})
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
}

func TestMarkSeenArmsCountdown(t *testing.T) {
	clearTestData()

	aliceID, aliceToken := newTestUser(t, "alice")
	bobID, bobToken := newTestUser(t, "bob")
	convID := newTestConversation(t, aliceID, bobID)

	w := doJSON(t, "POST", "/api/messages", aliceToken, map[string]any{
		"conversation_id": convID,
		"content":         "short",
		"sender_key":      "some-key",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Send() status = %d", w.Code)
	}
	data := decodeBody(t, w)["data"].(map[string]interface{})
	messageID := int(data["id"].(float64))

	var expiresAt *time.Time
	testDB.QueryRow("SELECT expires_at FROM messages WHERE id = ?", messageID).Scan(&expiresAt)
	if expiresAt != nil {
		t.Fatal("expires_at set before first view")
	}

	t.Run("sender view does not arm", func(t *testing.T) {
		sw := doJSON(t, "POST", "/api/messages/"+itoa(messageID)+"/seen", aliceToken, nil)
		if sw.Code != http.StatusOK {
			t.Fatalf("MarkSeen() status = %d", sw.Code)
		}
		testDB.QueryRow("SELECT expires_at FROM messages WHERE id = ?", messageID).Scan(&expiresAt)
		if expiresAt != nil {
			t.Error("sender view armed the countdown")
		}
	})

	var firstDeadline time.Time
	t.Run("recipient view arms", func(t *testing.T) {
		sw := doJSON(t, "POST", "/api/messages/"+itoa(messageID)+"/seen", bobToken, nil)
		if sw.Code != http.StatusOK {
			t.Fatalf("MarkSeen() status = %d", sw.Code)
		}
		testDB.QueryRow("SELECT expires_at FROM messages WHERE id = ?", messageID).Scan(&expiresAt)
		if expiresAt == nil {
			t.Fatal("expires_at not set after recipient view")
		}
		firstDeadline = *expiresAt

		// "short" is 5 chars, bracket is 60 seconds
		remaining := time.Until(firstDeadline)
		if remaining < 50*time.Second || remaining > 70*time.Second {
			t.Errorf("countdown = %v, want about 60s", remaining)
		}
	})

	t.Run("second view does not extend", func(t *testing.T) {
		sw := doJSON(t, "POST", "/api/messages/"+itoa(messageID)+"/seen", bobToken, nil)
		if sw.Code != http.StatusOK {
			t.Fatalf("MarkSeen() status = %d", sw.Code)
		}
		testDB.QueryRow("SELECT expires_at FROM messages WHERE id = ?", messageID).Scan(&expiresAt)
		if expiresAt == nil || !expiresAt.Equal(firstDeadline) {
			t.Errorf("deadline moved from %v to %v", firstDeadline, expiresAt)
		}
	})
}

func TestExpiredMessagesHidden(t *testing.T) {
	clearTestData()

	aliceID, aliceToken := newTestUser(t, "alice")
	bobID, bobToken := newTestUser(t, "bob")
	convID := newTestConversation(t, aliceID, bobID)

	w := doJSON(t, "POST", "/api/messages", aliceToken, map[string]any{
		"conversation_id": convID,
		"content":         "this one vanishes",
		"sender_key":      "some-key",
	})
	data := decodeBody(t, w)["data"].(map[string]interface{})
	messageID := int(data["id"].(float64))

	past := time.Now().UTC().Add(-time.Minute)
	if _, err := testDB.Exec(
		"UPDATE messages SET is_seen = 1, expires_at = ? WHERE id = ?", past, messageID,
	); err != nil {
		t.Fatalf("failed to expire message: %v", err)
	}

	t.Run("hidden from listing", func(t *testing.T) {
		lw := doJSON(t, "GET", "/api/conversations/"+itoa(convID)+"/messages", bobToken, nil)
		messages := decodeBody(t, lw)["data"].([]interface{})
		if len(messages) != 0 {
			t.Errorf("got %d messages, want 0", len(messages))
		}
	})

	t.Run("decryption request treats it as gone", func(t *testing.T) {
		rw := doJSON(t, "POST", "/api/messages/"+itoa(messageID)+"/decryption-requests", bobToken, nil)
		if rw.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rw.Code)
		}
	})

	t.Run("mark seen treats it as gone", func(t *testing.T) {
		sw := doJSON(t, "POST", "/api/messages/"+itoa(messageID)+"/seen", bobToken, nil)
		if sw.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", sw.Code)
		}
	})
}

func TestDeleteForMe(t *testing.T) {
	clearTestData()

	aliceID, aliceToken := newTestUser(t, "alice")
	bobID, bobToken := newTestUser(t, "bob")
	convID := newTestConversation(t, aliceID, bobID)

	w := doJSON(t, "POST", "/api/messages", aliceToken, map[string]any{
		"conversation_id": convID,
		"content":         "awkward message",
		"sender_key":      "some-key",
	})
	data := decodeBody(t, w)["data"].(map[string]interface{})
	messageID := int(data["id"].(float64))

	dw := doJSON(t, "DELETE", "/api/messages/"+itoa(messageID), bobToken, nil)
	if dw.Code != http.StatusOK {
		t.Fatalf("DeleteForMe() status = %d", dw.Code)
	}

	bw := doJSON(t, "GET", "/api/conversations/"+itoa(convID)+"/messages", bobToken, nil)
	if got := len(decodeBody(t, bw)["data"].([]interface{})); got != 0 {
		t.Errorf("deleter still sees %d messages, want 0", got)
	}

	aw := doJSON(t, "GET", "/api/conversations/"+itoa(convID)+"/messages", aliceToken, nil)
	if got := len(decodeBody(t, aw)["data"].([]interface{})); got != 1 {
		t.Errorf("other participant sees %d messages, want 1", got)
	}

	t.Run("idempotent", func(t *testing.T) {
		dw2 := doJSON(t, "DELETE", "/api/messages/"+itoa(messageID), bobToken, nil)
		if dw2.Code != http.StatusOK {
			t.Errorf("second delete status = %d, want 200", dw2.Code)
		}
	})
}
