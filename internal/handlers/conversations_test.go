package handlers

import (
	"net/http"
	"testing"
)

func TestCreateConversation(t *testing.T) {
	clearTestData()

	_, aliceToken := newTestUser(t, "alice")
	newTestUser(t, "bob")

	var convID int
	t.Run("create", func(t *testing.T) {
		w := doJSON(t, "POST", "/api/conversations", aliceToken, map[string]string{"username": "bob"})
		if w.Code != http.StatusCreated {
			t.Fatalf("Create() status = %d, body = %s", w.Code, w.Body.String())
		}
		data := decodeBody(t, w)["data"].(map[string]interface{})
		convID = int(data["conversation_id"].(float64))
	})

	t.Run("duplicate returns existing", func(t *testing.T) {
		w := doJSON(t, "POST", "/api/conversations", aliceToken, map[string]string{"username": "bob"})
		if w.Code != http.StatusOK {
			t.Fatalf("duplicate Create() status = %d, want 200", w.Code)
		}
		data := decodeBody(t, w)["data"].(map[string]interface{})
		if got := int(data["conversation_id"].(float64)); got != convID {
			t.Errorf("conversation_id = %d, want %d", got, convID)
		}
	})

	t.Run("self conversation rejected", func(t *testing.T) {
		w := doJSON(t, "POST", "/api/conversations", aliceToken, map[string]string{"username": "alice"})
		if w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", w.Code)
		}
	})

	t.Run("unknown user", func(t *testing.T) {
		w := doJSON(t, "POST", "/api/conversations", aliceToken, map[string]string{"username": "ghost"})
		if w.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", w.Code)
		}
	})
}

func TestCreateConversationBlocked(t *testing.T) {
	clearTestData()

	aliceID, aliceToken := newTestUser(t, "alice")
	bobID, _ := newTestUser(t, "bob")

	testDB.Exec("INSERT INTO blocked_users (blocker_id, blocked_id) VALUES (?, ?)", bobID, aliceID)

	w := doJSON(t, "POST", "/api/conversations", aliceToken, map[string]string{"username": "bob"})
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
}

func TestListConversations(t *testing.T) {
	clearTestData()

	aliceID, aliceToken := newTestUser(t, "alice")
	bobID, bobToken := newTestUser(t, "bob")
	convID := newTestConversation(t, aliceID, bobID)

	sendTestMessage(t, aliceToken, convID, "hello bob", "alice-key")

	t.Run("recipient sees unread count", func(t *testing.T) {
		w := doJSON(t, "GET", "/api/conversations", bobToken, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("List() status = %d", w.Code)
		}
		conversations := decodeBody(t, w)["data"].([]interface{})
		if len(conversations) != 1 {
			t.Fatalf("got %d conversations, want 1", len(conversations))
		}
		conv := conversations[0].(map[string]interface{})
		if conv["other_username"].(string) != "alice" {
			t.Errorf("other_username = %s, want alice", conv["other_username"])
		}
		if int(conv["unread_count"].(float64)) != 1 {
			t.Errorf("unread_count = %v, want 1", conv["unread_count"])
		}
	})

	t.Run("own messages do not count as unread", func(t *testing.T) {
		w := doJSON(t, "GET", "/api/conversations", aliceToken, nil)
		conv := decodeBody(t, w)["data"].([]interface{})[0].(map[string]interface{})
		if int(conv["unread_count"].(float64)) != 0 {
			t.Errorf("sender unread_count = %v, want 0", conv["unread_count"])
		}
	})
}

func TestDeleteConversation(t *testing.T) {
	clearTestData()

	aliceID, aliceToken := newTestUser(t, "alice")
	bobID, bobToken := newTestUser(t, "bob")
	convID := newTestConversation(t, aliceID, bobID)

	messageID := sendTestMessage(t, aliceToken, convID, "soon to be gone", "alice-key")
	doJSON(t, "POST", "/api/conversations/"+itoa(convID)+"/key", aliceToken, map[string]string{"key": "alice-conv-key"})
	doJSON(t, "POST", "/api/messages/"+itoa(messageID)+"/decryption-requests", bobToken, nil)

	t.Run("first leave keeps data for the other side", func(t *testing.T) {
		w := doJSON(t, "DELETE", "/api/conversations/"+itoa(convID), aliceToken, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("Delete() status = %d", w.Code)
		}

		var msgCount int
		testDB.QueryRow("SELECT COUNT(*) FROM messages WHERE conversation_id = ?", convID).Scan(&msgCount)
		if msgCount != 1 {
			t.Errorf("messages = %d, want 1 while bob remains", msgCount)
		}

		var keyCount int
		testDB.QueryRow("SELECT COUNT(*) FROM conversation_keys WHERE user_id = ?", aliceID).Scan(&keyCount)
		if keyCount != 0 {
			t.Error("leaver's key record survived")
		}

		lw := doJSON(t, "GET", "/api/conversations/"+itoa(convID)+"/messages", aliceToken, nil)
		if lw.Code != http.StatusForbidden {
			t.Errorf("ex-participant read status = %d, want 403", lw.Code)
		}
	})

	t.Run("last leave purges everything", func(t *testing.T) {
		w := doJSON(t, "DELETE", "/api/conversations/"+itoa(convID), bobToken, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("Delete() status = %d", w.Code)
		}

		counts := map[string]string{
			"messages":            "SELECT COUNT(*) FROM messages WHERE conversation_id = ?",
			"decryption_requests": "SELECT COUNT(*) FROM decryption_requests WHERE message_id = ?",
			"conversations":       "SELECT COUNT(*) FROM conversations WHERE id = ?",
			"conversation_keys":   "SELECT COUNT(*) FROM conversation_keys WHERE conversation_id = ?",
		}
		args := map[string]int{
			"messages":            convID,
			"decryption_requests": messageID,
			"conversations":       convID,
			"conversation_keys":   convID,
		}
		for table, query := range counts {
			var n int
			testDB.QueryRow(query, args[table]).Scan(&n)
			if n != 0 {
				t.Errorf("%s rows = %d, want 0", table, n)
			}
		}
	})
}
