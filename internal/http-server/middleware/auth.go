package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"authservice/internal/domain/models"
	"authservice/internal/lib/jwt"
	"authservice/internal/lib/logger/sl"
	"authservice/internal/services/auth"

	"github.com/gin-gonic/gin"
)

const userIDKey = "uid"

type Authenticator interface {
	Authenticate(ctx context.Context, accessToken string) (*jwt.Claims, error)
}

// BearerAuth rejects requests without a valid, unexpired access token
// and stores the token owner's id on the context.
func BearerAuth(log *slog.Logger, authenticator Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || token == "" {
			abort(c, "Unauthorized")
			return
		}

		claims, err := authenticator.Authenticate(c.Request.Context(), token)
		if err != nil {
			log.Debug("bearer token rejected", sl.Err(err))
			if errors.Is(err, auth.ErrTokenExpired) {
				abort(c, "Token has expired")
				return
			}
			abort(c, "Invalid tokens")
			return
		}

		c.Set(userIDKey, claims.UserID)
		c.Next()
	}
}

// UserID returns the id stored by BearerAuth.
func UserID(c *gin.Context) (int64, bool) {
	v, ok := c.Get(userIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(int64)
	return id, ok
}

func abort(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, models.AuthResult{
		Success: false,
		Errors:  []string{message},
	})
}
