package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// AdminSubjectKey is the gin context key carrying the authenticated admin
// subject.
const AdminSubjectKey = "admin_subject"

// RequireAdmin validates the Bearer token on admin routes.
func (s *Service) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization header must be a Bearer token"})
			c.Abort()
			return
		}

		subject, err := s.ValidateToken(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			c.Abort()
			return
		}

		c.Set(AdminSubjectKey, subject)
		c.Next()
	}
}

// RequireAPIKey guards the OpenAI-compatible surface. The expected key is
// read per request so settings changes apply without restart; an empty
// configured key disables the check.
func RequireAPIKey(currentKey func() string) gin.HandlerFunc {
	return func(c *gin.Context) {
		expected := currentKey()
		if expected == "" {
			c.Next()
			return
		}
		token, ok := bearerToken(c)
		if !ok || token != expected {
			c.JSON(http.StatusUnauthorized, gin.H{"error": gin.H{
				"message": "Incorrect API key provided",
				"type":    "invalid_request_error",
				"code":    "invalid_api_key",
			}})
			c.Abort()
			return
		}
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return "", false
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	return token, token != ""
}
