package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vanishapp/vanish/internal/push"
	"github.com/vanishapp/vanish/pkg/apperr"
)

// PushHandler manages Web Push subscriptions. All endpoints are no-ops when
// push is not configured.
type PushHandler struct {
	notifier *push.Notifier
}

func NewPushHandler(notifier *push.Notifier) *PushHandler {
	return &PushHandler{notifier: notifier}
}

// VAPIDPublicKey exposes the server's public key for the browser's
// PushManager subscription call.
func (h *PushHandler) VAPIDPublicKey(c *gin.Context) {
	key := h.notifier.VAPIDPublicKey()
	if key == "" {
		respondError(c, apperr.NotFound("push notifications are not configured"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{"public_key": key}})
}

type SubscribeRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
	Keys     struct {
		P256dh string `json:"p256dh" binding:"required"`
		Auth   string `json:"auth" binding:"required"`
	} `json:"keys" binding:"required"`
}

func (h *PushHandler) Subscribe(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var req SubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Validation("endpoint and keys are required"))
		return
	}

	err := h.notifier.Subscribe(userID, push.Subscription{
		Endpoint:  req.Endpoint,
		KeyP256dh: req.Keys.P256dh,
		KeyAuth:   req.Keys.Auth,
	})
	if err != nil {
		respondError(c, apperr.Storage("failed to store subscription", err))
		return
	}

	c.JSON(http.StatusCreated, gin.H{"success": true})
}

type UnsubscribeRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
}

func (h *PushHandler) Unsubscribe(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var req UnsubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Validation("endpoint is required"))
		return
	}

	if err := h.notifier.Unsubscribe(userID, req.Endpoint); err != nil {
		respondError(c, apperr.Storage("failed to revoke subscription", err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}
