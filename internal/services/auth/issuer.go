package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"log/slog"

	"authservice/internal/domain/models"
	"authservice/internal/lib/logger/sl"
)

// IssuePair mints an access token for user and stores a fresh refresh token bound to it.
// The refresh token is only returned once it has been persisted.
func (a *Auth) IssuePair(ctx context.Context, user models.User) (models.TokenPair, error) {
	const op = "auth.IssuePair"

	log := a.log.With(
		slog.String("op", op),
		slog.Int64("userID", user.ID),
	)

	accessToken, rawRefresh, record, err := a.mint(user)
	if err != nil {
		log.Error("failed to mint tokens", sl.Err(err))
		return models.TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	sctx, cancel := a.storeContext(ctx)
	defer cancel()

	if err := a.tokens.SaveRefreshToken(sctx, record); err != nil {
		log.Error("failed to save refresh token", sl.Err(err))
		return models.TokenPair{}, fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
	}

	return models.TokenPair{
		AccessToken:  accessToken,
		RefreshToken: rawRefresh,
	}, nil
}

// mint signs a new access token and builds the refresh record bound to its jti.
// Only the hash of the raw refresh token goes into the record.
func (a *Auth) mint(user models.User) (accessToken, rawRefresh string, record models.RefreshToken, err error) {
	accessToken, jti, err := a.codec.Issue(user, a.cfg.AccessTTL)
	if err != nil {
		return "", "", models.RefreshToken{}, fmt.Errorf("issue access token: %w", err)
	}

	rawRefresh, err = generateRefreshTokenRaw()
	if err != nil {
		return "", "", models.RefreshToken{}, fmt.Errorf("generate refresh token: %w", err)
	}

	now := a.now().UTC()
	record = models.RefreshToken{
		Token:     a.hashRefreshToken(rawRefresh),
		JwtID:     jti,
		UserID:    user.ID,
		IssuedAt:  now,
		ExpiresAt: now.Add(a.cfg.RefreshTTL),
	}

	return accessToken, rawRefresh, record, nil
}

// hashRefreshToken computes SHA-256 hash of the token with pepper.
func (a *Auth) hashRefreshToken(token string) string {
	h := sha256.New()
	h.Write([]byte(token + a.cfg.RefreshPepper))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

// generateRefreshTokenRaw generates a cryptographically secure random token.
func generateRefreshTokenRaw() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}
