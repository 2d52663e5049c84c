package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// HSTokenMiddleware accepts only requests carrying the homeserver token,
// either as a bearer token or as the legacy access_token query parameter.
func HSTokenMiddleware(hsToken string) gin.HandlerFunc {
	expected := []byte(hsToken)
	return func(c *gin.Context) {
		token := c.Query("access_token")
		if authHeader := c.GetHeader("Authorization"); authHeader != "" {
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				c.AbortWithStatusJSON(http.StatusUnauthorized, matrixError("M_UNKNOWN_TOKEN", "invalid authorization header format"))
				return
			}
			token = parts[1]
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, matrixError("M_MISSING_TOKEN", "missing token"))
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), expected) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, matrixError("M_FORBIDDEN", "invalid token"))
			return
		}
		c.Next()
	}
}

func matrixError(code, message string) gin.H {
	return gin.H{"errcode": code, "error": message}
}
