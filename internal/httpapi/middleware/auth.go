package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/arkchat/arkchat/internal/common"
)

// UserIDKey is where AuthRequired stores the authenticated user id in the
// gin context. Everything behind it treats that id as opaque.
const UserIDKey = "user_id"

// AuthRequired validates a Bearer token and injects the user id. Token
// issuance lives outside this service.
func AuthRequired(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
			c.Abort()
			return
		}
		tokenStr := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))

		claims := jwt.MapClaims{}
		token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
			c.Abort()
			return
		}

		uid, ok := claims["uid"].(float64)
		if !ok || uid <= 0 {
			common.Fail(c, http.StatusUnauthorized, 40102, "invalid token claims")
			c.Abort()
			return
		}

		c.Set(UserIDKey, uint64(uid))
		c.Next()
	}
}
