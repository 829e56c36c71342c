package handler

import (
	"io"
	"time"

	"github.com/gin-gonic/gin"
)

// StreamEvents pushes the user's notifications as server-sent events until
// the client disconnects.
func (h *Handler) StreamEvents(c *gin.Context) {
	userID := c.Param("id")
	events, cancel := h.svc.Hub.Subscribe(userID)
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	h.log.WithField("user_id", userID).Debug("event stream opened")
	c.SSEvent("ready", gin.H{"user_id": userID})
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(string(ev.Type), ev)
			return true
		case <-ticker.C:
			c.SSEvent("keepalive", time.Now().UTC())
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
	h.log.WithField("user_id", userID).Debug("event stream closed")
}
