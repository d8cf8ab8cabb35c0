package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

const ginUserIDKey = "connect.user_id"

// RequireUser resolves the authenticated user from the X-User-ID header set
// by the gateway in front of this service. Requests without one are rejected.
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader("X-User-ID"))
		userID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || userID <= 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":             "unauthorized",
				"error_description": "Missing or invalid user identity.",
			})
			return
		}
		c.Set(ginUserIDKey, userID)
		c.Next()
	}
}

// GetUserID returns the authenticated user id resolved by RequireUser.
func GetUserID(c *gin.Context) (int64, bool) {
	value, ok := c.Get(ginUserIDKey)
	if !ok {
		return 0, false
	}
	userID, ok := value.(int64)
	return userID, ok
}
