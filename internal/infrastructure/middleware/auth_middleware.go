package middleware

import (
	"errors"
	"net/http"
	"strings"

	"peerlink/internal/core/services"

	"github.com/gin-gonic/gin"
)

// bearerToken reads the token from the Authorization header or, for browser
// websocket clients that cannot set headers, from the token query parameter
func bearerToken(c *gin.Context) (string, bool) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		token := c.Query("token")
		return token, token != ""
	}

	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", false
	}
	return parts[1], true
}

// RoomAuthMiddleware admits only requests carrying a token for the room named
// by the room query parameter. Validated claims are stored in the request
// context for the relay handler.
func RoomAuthMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "bearer token required"})
			c.Abort()
			return
		}

		claims, err := authService.Authorize(token, c.Query("room"))
		if err != nil {
			status := http.StatusUnauthorized
			if errors.Is(err, services.ErrRoomMismatch) {
				status = http.StatusForbidden
			}
			c.JSON(status, gin.H{"error": err.Error()})
			c.Abort()
			return
		}

		c.Request = c.Request.WithContext(services.WithClaims(c.Request.Context(), claims))
		c.Set("peer_id", claims.PeerID)
		c.Set("room", claims.Room)
		c.Next()
	}
}

// OptionalAuthMiddleware stores claims when a valid token is present and lets
// every request through
func OptionalAuthMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if ok {
			if claims, err := authService.ValidateToken(token); err == nil {
				c.Request = c.Request.WithContext(services.WithClaims(c.Request.Context(), claims))
				c.Set("peer_id", claims.PeerID)
				c.Set("room", claims.Room)
			}
		}

		c.Next()
	}
}
