package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"resumeforge/internal/auth"
)

// SessionCookieName 登录会话 Cookie 名。
const SessionCookieName = "session_token"

func abortUnauthorized(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "code": "unauthenticated"})
}

// SessionMiddleware 校验会话 Cookie 并将 userID 注入上下文。
func SessionMiddleware(sessions *auth.SessionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := c.Cookie(SessionCookieName)
		if err != nil || token == "" {
			abortUnauthorized(c)
			return
		}

		claims, err := sessions.Validate(c.Request.Context(), token)
		if err != nil {
			abortUnauthorized(c)
			return
		}

		c.Set("userID", claims.UserID)
		c.Set("sessionClaims", claims)
		c.Next()
	}
}
