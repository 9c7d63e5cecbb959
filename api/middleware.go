package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"restorapi/config"
)

// AuthMiddleware accepts either the static AUTH_KEY or an HS256 JWT signed with
// AUTH_JWT_SECRET, as a bearer token or, for WebSocket clients, a token query parameter.
func AuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !cfg.AuthEnable {
			c.Next()
			return
		}

		token := c.Query("token")
		if authHeader := c.GetHeader("Authorization"); authHeader != "" {
			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid Authorization header format"})
				return
			}
			token = parts[1]
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization header required"})
			return
		}

		if cfg.AuthKey != "" && subtle.ConstantTimeCompare([]byte(token), []byte(cfg.AuthKey)) == 1 {
			c.Next()
			return
		}

		if cfg.AuthJWTSecret != "" {
			if subject, ok := verifyJWT(token, cfg.AuthJWTSecret); ok {
				c.Set("subject", subject)
				c.Next()
				return
			}
		}

		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
	}
}

func verifyJWT(token, secret string) (string, bool) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return "", false
	}
	subject, _ := parsed.Claims.GetSubject()
	return subject, true
}
