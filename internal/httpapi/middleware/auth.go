package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/convcache/internal/auth"
	"github.com/suPer8Hu/convcache/internal/common"
)

const UserIDKey = "user_id"

func bearer(c *gin.Context) (string, bool) {
	h := c.GetHeader("Authorization")
	if h == "" {
		return "", false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", true
	}
	return strings.TrimSpace(h[len(prefix):]), true
}

func authenticate(c *gin.Context, secret string) bool {
	tok, _ := bearer(c)
	uid, err := auth.ParseJWT(tok, secret)
	if err != nil {
		msg := "invalid token"
		if errors.Is(err, auth.ErrExpiredToken) {
			msg = "token expired"
		}
		common.Fail(c, http.StatusUnauthorized, 40101, msg)
		return false
	}
	c.Set(UserIDKey, uid)
	return true
}

// AuthRequired rejects requests without a valid bearer token.
func AuthRequired(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := bearer(c); !ok {
			common.Fail(c, http.StatusUnauthorized, 40100, "missing token")
			return
		}
		if authenticate(c, secret) {
			c.Next()
		}
	}
}

// OptionalAuth lets anonymous requests through but rejects a bad token; a caller that
// sends one means to be authenticated.
func OptionalAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := bearer(c); !ok {
			c.Next()
			return
		}
		if authenticate(c, secret) {
			c.Next()
		}
	}
}
