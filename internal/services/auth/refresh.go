package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"authservice/internal/domain/models"
	"authservice/internal/lib/jwt"
	"authservice/internal/lib/logger/sl"
	"authservice/internal/storage"
)

// refreshRejections are the outcomes a client is allowed to see.
// Anything else surfaces as ErrRefreshFailed.
var refreshRejections = []error{
	ErrInvalidToken,
	ErrTokenNotYetExpired,
	ErrUnknownRefreshToken,
	ErrTokenAlreadyUsed,
	ErrTokenRevoked,
	ErrRefreshTokenExpired,
	ErrTokenMismatch,
}

type refreshState struct {
	accessToken  string
	refreshToken string
	verified     *jwt.Verified
	record       models.RefreshToken
}

type refreshGate struct {
	name  string
	check func(ctx context.Context, st *refreshState) error
}

// gates run in order and the first failure wins.
func (a *Auth) gates() []refreshGate {
	return []refreshGate{
		{name: "signature", check: a.checkSignature},
		{name: "algorithm", check: a.checkAlgorithm},
		{name: "access expiry", check: a.checkAccessExpired},
		{name: "lookup", check: a.lookupRefreshToken},
		{name: "used", check: checkNotUsed},
		{name: "revoked", check: checkNotRevoked},
		{name: "refresh expiry", check: a.checkRefreshExpiry},
		{name: "binding", check: checkBinding},
	}
}

// Refresh exchanges an expired access token and its bound refresh token for a new pair.
// The presented refresh token is consumed, so concurrent callers race and only one succeeds.
func (a *Auth) Refresh(
	ctx context.Context,
	accessToken string,
	refreshToken string,
) (pair models.TokenPair, err error) {
	const op = "auth.Refresh"

	log := a.log.With(slog.String("op", op))
	log.Info("refresh request")

	defer func() {
		if r := recover(); r != nil {
			log.Error("refresh panicked", slog.Any("panic", r))
			pair, err = models.TokenPair{}, fmt.Errorf("%s: %w", op, ErrRefreshFailed)
		}
	}()

	st := &refreshState{
		accessToken:  accessToken,
		refreshToken: refreshToken,
	}

	for _, g := range a.gates() {
		if err := g.check(ctx, st); err != nil {
			return models.TokenPair{}, refreshFailure(log, op, g.name, err)
		}
	}

	pair, err = a.rotate(ctx, st)
	if err != nil {
		return models.TokenPair{}, refreshFailure(log, op, "rotate", err)
	}

	log.Info("tokens refreshed", slog.Int64("userID", st.record.UserID))

	return pair, nil
}

func refreshFailure(log *slog.Logger, op, stage string, err error) error {
	for _, rejection := range refreshRejections {
		if errors.Is(err, rejection) {
			log.Warn("refresh rejected", slog.String("stage", stage), sl.Err(err))
			return fmt.Errorf("%s: %w", op, err)
		}
	}

	log.Error("refresh failed", slog.String("stage", stage), sl.Err(err))
	return fmt.Errorf("%s: %w", op, ErrRefreshFailed)
}

func (a *Auth) checkSignature(_ context.Context, st *refreshState) error {
	verified, err := a.codec.Verify(st.accessToken)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	st.verified = verified

	return nil
}

func (a *Auth) checkAlgorithm(_ context.Context, st *refreshState) error {
	if st.verified.Algorithm != a.codec.Algorithm() {
		return fmt.Errorf("%w: unexpected algorithm %q", ErrInvalidToken, st.verified.Algorithm)
	}

	return nil
}

// checkAccessExpired only lets a refresh through once the access token is dead.
func (a *Auth) checkAccessExpired(_ context.Context, st *refreshState) error {
	exp := st.verified.Claims.ExpiresAt
	if exp == nil {
		return fmt.Errorf("%w: missing exp claim", ErrInvalidToken)
	}
	if exp.After(a.now()) {
		return ErrTokenNotYetExpired
	}

	return nil
}

func (a *Auth) lookupRefreshToken(ctx context.Context, st *refreshState) error {
	sctx, cancel := a.storeContext(ctx)
	defer cancel()

	record, err := a.tokens.RefreshToken(sctx, a.hashRefreshToken(st.refreshToken))
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			return ErrUnknownRefreshToken
		}
		return err
	}
	st.record = record

	return nil
}

func checkNotUsed(_ context.Context, st *refreshState) error {
	if st.record.IsUsed {
		return ErrTokenAlreadyUsed
	}
	return nil
}

func checkNotRevoked(_ context.Context, st *refreshState) error {
	if st.record.IsRevoked {
		return ErrTokenRevoked
	}
	return nil
}

func (a *Auth) checkRefreshExpiry(_ context.Context, st *refreshState) error {
	if !a.now().Before(st.record.ExpiresAt) {
		return ErrRefreshTokenExpired
	}
	return nil
}

func checkBinding(_ context.Context, st *refreshState) error {
	if st.record.JwtID != st.verified.Claims.ID {
		return ErrTokenMismatch
	}
	return nil
}

// rotate consumes the stored record and persists its successor in one store call.
// Losing the race to another caller reports the token as already used.
func (a *Auth) rotate(ctx context.Context, st *refreshState) (models.TokenPair, error) {
	sctx, cancel := a.storeContext(ctx)
	defer cancel()

	user, err := a.userProvider.UserByID(sctx, st.record.UserID)
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("load user: %w", err)
	}

	accessToken, rawRefresh, next, err := a.mint(user)
	if err != nil {
		return models.TokenPair{}, err
	}

	if err := a.tokens.RotateRefreshToken(sctx, st.record.Token, next); err != nil {
		switch {
		case errors.Is(err, storage.ErrTokenAlreadyUsed):
			return models.TokenPair{}, ErrTokenAlreadyUsed
		case errors.Is(err, storage.ErrTokenRevoked):
			return models.TokenPair{}, ErrTokenRevoked
		case errors.Is(err, storage.ErrTokenNotFound):
			return models.TokenPair{}, ErrUnknownRefreshToken
		}
		return models.TokenPair{}, fmt.Errorf("rotate refresh token: %w", err)
	}

	return models.TokenPair{
		AccessToken:  accessToken,
		RefreshToken: rawRefresh,
	}, nil
}
