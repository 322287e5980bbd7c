// Package handlers provides the HTTP handlers of the development server.
package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/remote-agent-terminal/chatclient/internal/auth"
)

const userIDKey = "userID"

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

// sendError sends an error response with the given status code.
func sendError(c *gin.Context, statusCode int, message string) {
	c.AbortWithStatusJSON(statusCode, ErrorResponse{Error: message})
}

// getUserID extracts the user ID set by RequireToken.
func getUserID(c *gin.Context) string {
	if userID, exists := c.Get(userIDKey); exists {
		if id, ok := userID.(string); ok {
			return id
		}
	}
	return ""
}

// RequireToken rejects requests without a valid bearer token and stores the
// token subject as the user ID.
func RequireToken(issuer *auth.Issuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			sendError(c, http.StatusUnauthorized, "missing bearer token")
			return
		}

		userID, err := issuer.Verify(token)
		if err != nil {
			sendError(c, http.StatusUnauthorized, "invalid token")
			return
		}

		c.Set(userIDKey, userID)
		c.Next()
	}
}
