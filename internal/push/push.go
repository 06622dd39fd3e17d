package push

import (
	"database/sql"
	"encoding/json"
	"log"

	webpush "github.com/SherClockHolmes/webpush-go"
)

// Notifier sends Web Push notifications to subscribed users. Notification
// bodies never contain message content; only the fact that something
// happened and who triggered it.
type Notifier struct {
	db              *sql.DB
	vapidPublicKey  string
	vapidPrivateKey string
}

// Subscription represents a stored Web Push subscription.
type Subscription struct {
	Endpoint  string `json:"endpoint"`
	KeyP256dh string `json:"p256dh"`
	KeyAuth   string `json:"auth"`
}

// NewNotifier creates a push Notifier. Returns nil if VAPID keys are empty.
func NewNotifier(db *sql.DB, vapidPublicKey, vapidPrivateKey string) *Notifier {
	if vapidPublicKey == "" || vapidPrivateKey == "" {
		return nil
	}
	return &Notifier{
		db:              db,
		vapidPublicKey:  vapidPublicKey,
		vapidPrivateKey: vapidPrivateKey,
	}
}

// VAPIDPublicKey returns the public VAPID key for the frontend.
func (n *Notifier) VAPIDPublicKey() string {
	if n == nil {
		return ""
	}
	return n.vapidPublicKey
}

// payload is the JSON structure sent inside the push notification.
type payload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url"`
}

// NotifyNewMessage tells each recipient a new message is waiting.
func (n *Notifier) NotifyNewMessage(recipientIDs []int, senderUsername string) {
	if n == nil {
		return
	}

	p := payload{
		Title: "New message",
		Body:  "New message from " + senderUsername,
		URL:   "/",
	}
	for _, userID := range recipientIDs {
		n.notifyUser(userID, p)
	}
}

// NotifyDecryptionRequest tells a sender that a recipient is asking for the
// key to one of their messages.
func (n *Notifier) NotifyDecryptionRequest(senderID int, requesterUsername string) {
	if n == nil {
		return
	}

	n.notifyUser(senderID, payload{
		Title: "Decryption request",
		Body:  requesterUsername + " is requesting to decrypt your message",
		URL:   "/",
	})
}

func (n *Notifier) notifyUser(userID int, p payload) {
	rows, err := n.db.Query(
		"SELECT endpoint, p256dh, auth FROM push_subscriptions WHERE user_id = ? AND revoked_at IS NULL",
		userID,
	)
	if err != nil {
		log.Printf("push: failed to query subscriptions for user %d: %v", userID, err)
		return
	}
	defer rows.Close()

	var subs []Subscription
	for rows.Next() {
		var sub Subscription
		if err := rows.Scan(&sub.Endpoint, &sub.KeyP256dh, &sub.KeyAuth); err != nil {
			continue
		}
		subs = append(subs, sub)
	}
	rows.Close()

	if len(subs) == 0 {
		return
	}

	data, _ := json.Marshal(p)
	for _, sub := range subs {
		go n.sendToSubscription(sub, data)
	}
}

func (n *Notifier) sendToSubscription(sub Subscription, data []byte) {
	s := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.KeyP256dh,
			Auth:   sub.KeyAuth,
		},
	}

	resp, err := webpush.SendNotification(data, s, &webpush.Options{
		VAPIDPublicKey:  n.vapidPublicKey,
		VAPIDPrivateKey: n.vapidPrivateKey,
		Subscriber:      "mailto:push@vanish.local",
		TTL:             86400,
	})
	if err != nil {
		log.Printf("push: failed to send to %s: %v", sub.Endpoint, err)
		return
	}
	defer resp.Body.Close()

	// 410 Gone or 404 means the subscription is expired — clean it up
	if resp.StatusCode == 410 || resp.StatusCode == 404 {
		n.db.Exec("DELETE FROM push_subscriptions WHERE endpoint = ?", sub.Endpoint)
		log.Printf("push: removed expired subscription %s (status %d)", sub.Endpoint, resp.StatusCode)
	}
}

// Subscribe stores (or reactivates) a Web Push subscription for a user.
func (n *Notifier) Subscribe(userID int, sub Subscription) error {
	if n == nil {
		return nil
	}

	_, err := n.db.Exec(`
		INSERT INTO push_subscriptions (user_id, endpoint, p256dh, auth)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(endpoint)
		DO UPDATE SET user_id = excluded.user_id, p256dh = excluded.p256dh,
			auth = excluded.auth, revoked_at = NULL`,
		userID, sub.Endpoint, sub.KeyP256dh, sub.KeyAuth,
	)
	return err
}

// Unsubscribe revokes a subscription by endpoint.
func (n *Notifier) Unsubscribe(userID int, endpoint string) error {
	if n == nil {
		return nil
	}

	_, err := n.db.Exec(
		"UPDATE push_subscriptions SET revoked_at = CURRENT_TIMESTAMP WHERE user_id = ? AND endpoint = ?",
		userID, endpoint,
	)
	return err
}
