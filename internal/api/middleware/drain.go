package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Tracker admits operations until shutdown begins.
type Tracker interface {
	Acquire() (release func(), ok bool)
}

// Drain returns a middleware that registers every mutating request with
// tracker, so shutdown waits for it. Once shutdown has started mutating
// requests are refused with 503. Reads pass through untracked.
func Drain(tracker Tracker) gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			c.Next()
			return
		}

		release, ok := tracker.Acquire()
		if !ok {
			c.Header("Connection", "close")
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error": "server is shutting down",
				"code":  "shutting_down",
			})
			return
		}
		defer release()
		c.Next()
	}
}
