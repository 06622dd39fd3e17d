package handlers

import (
	"net/http"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestSetAndCheckConversationKey(t *testing.T) {
	clearTestData()

	aliceID, aliceToken := newTestUser(t, "alice")
	bobID, _ := newTestUser(t, "bob")
	_, eveToken := newTestUser(t, "eve")
	convID := newTestConversation(t, aliceID, bobID)

	t.Run("no key initially", func(t *testing.T) {
		w := doJSON(t, "GET", "/api/conversations/"+itoa(convID)+"/key", aliceToken, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("HasKey() status = %d", w.Code)
		}
		data := decodeBody(t, w)["data"].(map[string]interface{})
		if data["has_key"].(bool) {
			t.Error("has_key = true before any key set")
		}
	})

	t.Run("rejects short key", func(t *testing.T) {
		w := doJSON(t, "POST", "/api/conversations/"+itoa(convID)+"/key", aliceToken,
			map[string]string{"key": "abc"})
		if w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", w.Code)
		}
	})

	t.Run("outsider cannot set key", func(t *testing.T) {
		w := doJSON(t, "POST", "/api/conversations/"+itoa(convID)+"/key", eveToken,
			map[string]string{"key": "eves-key"})
		if w.Code != http.StatusForbidden {
			t.Errorf("status = %d, want 403", w.Code)
		}
	})

	t.Run("stores only a hash", func(t *testing.T) {
		w := doJSON(t, "POST", "/api/conversations/"+itoa(convID)+"/key", aliceToken,
			map[string]string{"key": "my-secret-key"})
		if w.Code != http.StatusOK {
			t.Fatalf("SetKey() status = %d", w.Code)
		}

		var stored string
		testDB.QueryRow(
			"SELECT key_hash FROM conversation_keys WHERE user_id = ? AND conversation_id = ?",
			aliceID, convID,
		).Scan(&stored)

		if stored == "my-secret-key" || !strings.HasPrefix(stored, "$2") {
			t.Errorf("key_hash = %q, want a bcrypt hash", stored)
		}
		if err := bcrypt.CompareHashAndPassword([]byte(stored), []byte("my-secret-key")); err != nil {
			t.Errorf("stored hash does not verify against the key: %v", err)
		}

		hw := doJSON(t, "GET", "/api/conversations/"+itoa(convID)+"/key", aliceToken, nil)
		data := decodeBody(t, hw)["data"].(map[string]interface{})
		if !data["has_key"].(bool) {
			t.Error("has_key = false after setting key")
		}
	})

	t.Run("upsert replaces hash", func(t *testing.T) {
		var before string
		testDB.QueryRow(
			"SELECT key_hash FROM conversation_keys WHERE user_id = ? AND conversation_id = ?",
			aliceID, convID,
		).Scan(&before)

		w := doJSON(t, "POST", "/api/conversations/"+itoa(convID)+"/key", aliceToken,
			map[string]string{"key": "rotated-key"})
		if w.Code != http.StatusOK {
			t.Fatalf("SetKey() status = %d", w.Code)
		}

		var after string
		testDB.QueryRow(
			"SELECT key_hash FROM conversation_keys WHERE user_id = ? AND conversation_id = ?",
			aliceID, convID,
		).Scan(&after)
		if before == after {
			t.Error("key_hash unchanged after rotation")
		}

		var count int
		testDB.QueryRow(
			"SELECT COUNT(*) FROM conversation_keys WHERE user_id = ? AND conversation_id = ?",
			aliceID, convID,
		).Scan(&count)
		if count != 1 {
			t.Errorf("got %d key rows, want 1", count)
		}
	})
}

func TestPasswordGatedKeyChange(t *testing.T) {
	clearTestData()

	aliceID, aliceToken := newTestUser(t, "alice")
	bobID, _ := newTestUser(t, "bob")
	convID := newTestConversation(t, aliceID, bobID)

	t.Run("verify password", func(t *testing.T) {
		w := doJSON(t, "POST", "/api/security/verify-password", aliceToken,
			map[string]string{"password": "password123"})
		if w.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", w.Code)
		}

		bad := doJSON(t, "POST", "/api/security/verify-password", aliceToken,
			map[string]string{"password": "nope"})
		if bad.Code != http.StatusForbidden {
			t.Errorf("status = %d, want 403", bad.Code)
		}
	})

	t.Run("change key requires correct password", func(t *testing.T) {
		w := doJSON(t, "POST", "/api/security/conversation-key", aliceToken, map[string]any{
			"conversation_id": convID,
			"password":        "wrong-password",
			"key":             "new-key",
		})
		if w.Code != http.StatusForbidden {
			t.Errorf("status = %d, want 403", w.Code)
		}

		var count int
		testDB.QueryRow("SELECT COUNT(*) FROM conversation_keys WHERE user_id = ?", aliceID).Scan(&count)
		if count != 0 {
			t.Error("key stored despite wrong password")
		}
	})

	t.Run("change key with correct password", func(t *testing.T) {
		w := doJSON(t, "POST", "/api/security/conversation-key", aliceToken, map[string]any{
			"conversation_id": convID,
			"password":        "password123",
			"key":             "new-key",
		})
		if w.Code != http.StatusOK {
			t.Fatalf("ChangeKey() status = %d, body = %s", w.Code, w.Body.String())
		}

		var count int
		testDB.QueryRow(
			"SELECT COUNT(*) FROM conversation_keys WHERE user_id = ? AND conversation_id = ?",
			aliceID, convID,
		).Scan(&count)
		if count != 1 {
			t.Errorf("got %d key rows, want 1", count)
		}
	})
}
