package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"

	"authservice/internal/domain/models"
	"authservice/internal/http-server/middleware"
	"authservice/internal/lib/logger/sl"
	"authservice/internal/services/auth"

	"github.com/gin-gonic/gin"
)

const AdminKeyHeader = "X-Admin-Key"

const (
	msgInvalidPayload     = "Invalid payload"
	msgEmailInUse         = "Email already in use"
	msgInvalidLogin       = "Invalid login request"
	msgNotYetExpired      = "Token has not yet expired"
	msgTokenDoesNotExist  = "Token does not exist"
	msgTokenUsed          = "Token has been Used"
	msgTokenRevoked       = "Token has been revoked"
	msgTokenExpired       = "Token has expired"
	msgTokenMismatch      = "Token doesn't match"
	msgInvalidTokens      = "Invalid tokens"
	msgInternal           = "Internal server error"
	msgForbidden          = "Forbidden"
	msgUserNotFound       = "User not found"
	msgUnauthorized       = "Unauthorized"
	msgRevokeNotAvailable = "Revocation is disabled"
)

type Auth interface {
	Register(
		ctx context.Context,
		username string,
		email string,
		password string,
	) (models.TokenPair, error)
	Login(
		ctx context.Context,
		email string,
		password string,
	) (models.TokenPair, error)
	Refresh(
		ctx context.Context,
		accessToken string,
		refreshToken string,
	) (models.TokenPair, error)
	User(ctx context.Context, userID int64) (models.User, error)
	RevokeRefreshToken(ctx context.Context, refreshToken string) error
}

type Handler struct {
	log      *slog.Logger
	auth     Auth
	adminKey string
}

func New(log *slog.Logger, auth Auth, adminKey string) *Handler {
	return &Handler{
		log:      log,
		auth:     auth,
		adminKey: adminKey,
	}
}

type registerRequest struct {
	Username string `json:"username" binding:"required"`
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

type loginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

type refreshRequest struct {
	Token        string `json:"token" binding:"required"`
	RefreshToken string `json:"refreshToken" binding:"required"`
}

type revokeRequest struct {
	RefreshToken string `json:"refreshToken" binding:"required"`
}

type meResponse struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

func (h *Handler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, msgInvalidPayload)
		return
	}

	pair, err := h.auth.Register(c.Request.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrUserAlreadyExists) {
			fail(c, http.StatusBadRequest, msgEmailInUse)
			return
		}
		h.log.Error("register failed", sl.Err(err))
		fail(c, http.StatusInternalServerError, msgInternal)
		return
	}

	issued(c, pair)
}

func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, msgInvalidPayload)
		return
	}

	pair, err := h.auth.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			fail(c, http.StatusBadRequest, msgInvalidLogin)
			return
		}
		h.log.Error("login failed", sl.Err(err))
		fail(c, http.StatusInternalServerError, msgInternal)
		return
	}

	issued(c, pair)
}

func (h *Handler) Refresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, msgInvalidPayload)
		return
	}

	pair, err := h.auth.Refresh(c.Request.Context(), req.Token, req.RefreshToken)
	if err != nil {
		fail(c, http.StatusBadRequest, refreshMessage(err))
		return
	}

	issued(c, pair)
}

// Me returns the account of the bearer token owner.
func (h *Handler) Me(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		fail(c, http.StatusUnauthorized, msgUnauthorized)
		return
	}

	user, err := h.auth.User(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			fail(c, http.StatusNotFound, msgUserNotFound)
			return
		}
		h.log.Error("failed to load user", sl.Err(err))
		fail(c, http.StatusInternalServerError, msgInternal)
		return
	}

	c.JSON(http.StatusOK, meResponse{
		ID:       user.ID,
		Username: user.Username,
		Email:    user.Email,
	})
}

// Revoke flags a refresh token as revoked. It requires the configured admin key.
func (h *Handler) Revoke(c *gin.Context) {
	if h.adminKey == "" {
		fail(c, http.StatusForbidden, msgRevokeNotAvailable)
		return
	}
	key := c.GetHeader(AdminKeyHeader)
	if subtle.ConstantTimeCompare([]byte(key), []byte(h.adminKey)) != 1 {
		fail(c, http.StatusForbidden, msgForbidden)
		return
	}

	var req revokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, msgInvalidPayload)
		return
	}

	if err := h.auth.RevokeRefreshToken(c.Request.Context(), req.RefreshToken); err != nil {
		if errors.Is(err, auth.ErrUnknownRefreshToken) {
			fail(c, http.StatusNotFound, msgTokenDoesNotExist)
			return
		}
		h.log.Error("revoke failed", sl.Err(err))
		fail(c, http.StatusInternalServerError, msgInternal)
		return
	}

	c.JSON(http.StatusOK, models.AuthResult{Success: true})
}

func refreshMessage(err error) string {
	switch {
	case errors.Is(err, auth.ErrTokenNotYetExpired):
		return msgNotYetExpired
	case errors.Is(err, auth.ErrUnknownRefreshToken):
		return msgTokenDoesNotExist
	case errors.Is(err, auth.ErrTokenAlreadyUsed):
		return msgTokenUsed
	case errors.Is(err, auth.ErrTokenRevoked):
		return msgTokenRevoked
	case errors.Is(err, auth.ErrRefreshTokenExpired):
		return msgTokenExpired
	case errors.Is(err, auth.ErrTokenMismatch):
		return msgTokenMismatch
	default:
		return msgInvalidTokens
	}
}

func issued(c *gin.Context, pair models.TokenPair) {
	c.JSON(http.StatusOK, models.AuthResult{
		Success:      true,
		Token:        pair.AccessToken,
		RefreshToken: pair.RefreshToken,
	})
}

func fail(c *gin.Context, status int, messages ...string) {
	c.JSON(status, models.AuthResult{
		Success: false,
		Errors:  messages,
	})
}
