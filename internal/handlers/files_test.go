package handlers

import (
	"bytes"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func uploadTestFile(t *testing.T, token string, convID int, senderKey, fileName, contents string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("conversation_id", itoa(convID))
	mw.WriteField("sender_key", senderKey)
	fw, err := mw.CreateFormFile("file", fileName)
	if err != nil {
		t.Fatalf("failed to create form file: %v", err)
	}
	fw.Write([]byte(contents))
	mw.Close()

	req := httptest.NewRequest("POST", "/api/files", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	testRouter.ServeHTTP(w, req)
	return w
}

func TestFileUploadAndDownload(t *testing.T) {
	clearTestData()

	aliceID, aliceToken := newTestUser(t, "alice")
	bobID, bobToken := newTestUser(t, "bob")
	convID := newTestConversation(t, aliceID, bobID)

	const fileBody = "top secret attachment body"

	var messageID int
	var downloadToken string
	t.Run("upload mints a token", func(t *testing.T) {
		w := uploadTestFile(t, aliceToken, convID, "alice-key", "secret.txt", fileBody)
		if w.Code != http.StatusCreated {
			t.Fatalf("Upload() status = %d, body = %s", w.Code, w.Body.String())
		}
		data := decodeBody(t, w)["data"].(map[string]interface{})
		messageID = int(data["message_id"].(float64))
		downloadToken = data["download_token"].(string)
		if downloadToken == "" {
			t.Fatal("no download token in response")
		}

		var senderKey string
		testDB.QueryRow("SELECT sender_key FROM download_tokens WHERE token = ?", downloadToken).Scan(&senderKey)
		if senderKey != "alice-key" {
			t.Errorf("token sender_key = %q, want alice-key", senderKey)
		}
	})

	t.Run("listing shows file placeholder", func(t *testing.T) {
		w := doJSON(t, "GET", "/api/conversations/"+itoa(convID)+"/messages", bobToken, nil)
		msg := decodeBody(t, w)["data"].([]interface{})[0].(map[string]interface{})
		if msg["content"].(string) != "[encrypted file]" {
			t.Errorf("content = %q, want file placeholder", msg["content"])
		}
		if msg["message_type"].(string) != "file" {
			t.Errorf("message_type = %q, want file", msg["message_type"])
		}
	})

	t.Run("download without token fails", func(t *testing.T) {
		w := doJSON(t, "GET", "/api/files/"+itoa(messageID)+"/download", bobToken, nil)
		if w.Code != http.StatusForbidden {
			t.Errorf("status = %d, want 403", w.Code)
		}
		if code := errorCode(t, w); code != "TOKEN_INVALID" {
			t.Errorf("code = %s, want TOKEN_INVALID", code)
		}
	})

	t.Run("download with wrong token does not consume real one", func(t *testing.T) {
		w := doJSON(t, "GET", "/api/files/"+itoa(messageID)+"/download?token=bogus", bobToken, nil)
		if w.Code != http.StatusForbidden {
			t.Errorf("status = %d, want 403", w.Code)
		}

		var count int
		testDB.QueryRow("SELECT COUNT(*) FROM download_tokens WHERE token = ?", downloadToken).Scan(&count)
		if count != 1 {
			t.Error("valid token vanished after someone else's failed attempt")
		}
	})

	t.Run("outsider cannot redeem", func(t *testing.T) {
		// Burn check happens before membership, so use a fresh token
		_, eveToken := newTestUser(t, "eve")
		var tok string
		testDB.QueryRow("SELECT token FROM download_tokens WHERE message_id = ?", messageID).Scan(&tok)

		w := doJSON(t, "GET", "/api/files/"+itoa(messageID)+"/download?token="+tok, eveToken, nil)
		if w.Code != http.StatusForbidden {
			t.Errorf("status = %d, want 403", w.Code)
		}
	})

	t.Run("recipient downloads once", func(t *testing.T) {
		// The previous subtest consumed the original token; mint a fresh one
		freshToken := "test-token-fresh"
		testDB.Exec(
			"INSERT INTO download_tokens (token, message_id, sender_key, expires_at) VALUES (?, ?, ?, ?)",
			freshToken, messageID, "alice-key", time.Now().UTC().Add(10*time.Minute),
		)

		w := doJSON(t, "GET", "/api/files/"+itoa(messageID)+"/download?token="+freshToken, bobToken, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("Download() status = %d, body = %s", w.Code, w.Body.String())
		}
		if got := w.Body.String(); got != fileBody {
			t.Errorf("downloaded body = %q, want %q", got, fileBody)
		}
		if cd := w.Header().Get("Content-Disposition"); !bytes.Contains([]byte(cd), []byte("secret.txt")) {
			t.Errorf("Content-Disposition = %q, want original name", cd)
		}

		t.Run("second redemption fails", func(t *testing.T) {
			w2 := doJSON(t, "GET", "/api/files/"+itoa(messageID)+"/download?token="+freshToken, bobToken, nil)
			if w2.Code != http.StatusForbidden {
				t.Errorf("replay status = %d, want 403", w2.Code)
			}
			if code := errorCode(t, w2); code != "TOKEN_INVALID" {
				t.Errorf("code = %s, want TOKEN_INVALID", code)
			}
		})
	})

	t.Run("expired token is gone and consumed", func(t *testing.T) {
		staleToken := "test-token-stale"
		testDB.Exec(
			"INSERT INTO download_tokens (token, message_id, sender_key, expires_at) VALUES (?, ?, ?, ?)",
			staleToken, messageID, "alice-key", time.Now().UTC().Add(-time.Minute),
		)

		w := doJSON(t, "GET", "/api/files/"+itoa(messageID)+"/download?token="+staleToken, bobToken, nil)
		if w.Code != http.StatusGone {
			t.Errorf("status = %d, want 410", w.Code)
		}
		if code := errorCode(t, w); code != "TOKEN_EXPIRED" {
			t.Errorf("code = %s, want TOKEN_EXPIRED", code)
		}

		var count int
		testDB.QueryRow("SELECT COUNT(*) FROM download_tokens WHERE token = ?", staleToken).Scan(&count)
		if count != 0 {
			t.Error("expired token row survived redemption attempt")
		}
	})
}

func TestFileUploadValidation(t *testing.T) {
	clearTestData()

	aliceID, aliceToken := newTestUser(t, "alice")
	bobID, _ := newTestUser(t, "bob")
	_, eveToken := newTestUser(t, "eve")
	convID := newTestConversation(t, aliceID, bobID)

	t.Run("short sender key", func(t *testing.T) {
		w := uploadTestFile(t, aliceToken, convID, "abc", "file.txt", "data")
		if w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", w.Code)
		}
	})

	t.Run("outsider cannot upload", func(t *testing.T) {
		w := uploadTestFile(t, eveToken, convID, "eve-key", "file.txt", "data")
		if w.Code != http.StatusForbidden {
			t.Errorf("status = %d, want 403", w.Code)
		}
	})
}
