package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"reward_wallet/internal/ratelimit"
	"reward_wallet/internal/xerrors"
)

type keyFunc func(c *gin.Context) string

func byClientIP(c *gin.Context) string { return c.ClientIP() }

// Throttle sheds load with a soft window. If the window store fails the
// request is let through; these windows never protect balances.
func Throttle(w ratelimit.Window, log logrus.FieldLogger, key keyFunc) gin.HandlerFunc {
	if w == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		id := key(c)
		d, err := w.Allow(c.Request.Context(), id)
		if err != nil {
			log.WithError(err).WithField("identifier", id).Warn("throttle unavailable, allowing request")
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
		if !d.Allowed {
			log.WithFields(logrus.Fields{
				"identifier": id,
				"path":       c.FullPath(),
			}).Info("request throttled")
			c.Header("Retry-After", strconv.Itoa(retryAfter(d.ResetAt)))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":    xerrors.KindRateLimited,
				"message":  "too many requests",
				"reset_at": d.ResetAt,
			})
			return
		}
		c.Next()
	}
}

func RequestLogger(log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := log.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
			"client":   c.ClientIP(),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("request served")
			return
		}
		entry.Debug("request served")
	}
}
