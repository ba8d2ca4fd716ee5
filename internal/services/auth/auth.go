package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"authservice/internal/domain/models"
	"authservice/internal/lib/jwt"
	"authservice/internal/lib/logger/sl"
	"authservice/internal/storage"

	"golang.org/x/crypto/bcrypt"
)

type Auth struct {
	log          *slog.Logger
	userSaver    UserSaver
	userProvider UserProvider
	tokens       RefreshTokenStore
	codec        TokenCodec
	cfg          Config
	now          func() time.Time
}

// Config holds the token lifetimes and store limits the service runs with.
type Config struct {
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	RefreshPepper string
	StoreTimeout  time.Duration
}

type UserSaver interface {
	SaveUser(
		ctx context.Context,
		email string,
		username string,
		passHash []byte,
	) (uid int64, err error)
}

type UserProvider interface {
	User(ctx context.Context, email string) (models.User, error)
	UserByID(ctx context.Context, userID int64) (models.User, error)
}

// RefreshTokenStore persists refresh token records.
// RotateRefreshToken must flip is_used on usedToken with compare-and-swap semantics
// and store next in the same atomic step.
type RefreshTokenStore interface {
	SaveRefreshToken(ctx context.Context, token models.RefreshToken) error
	RefreshToken(ctx context.Context, token string) (models.RefreshToken, error)
	RotateRefreshToken(ctx context.Context, usedToken string, next models.RefreshToken) error
	RevokeRefreshToken(ctx context.Context, token string) error
}

type TokenCodec interface {
	Issue(user models.User, ttl time.Duration) (token string, jti string, err error)
	Verify(token string) (*jwt.Verified, error)
	ParseAccess(token string) (*jwt.Claims, error)
	Algorithm() string
}

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserAlreadyExists  = errors.New("user already exists")
	ErrUserNotFound       = errors.New("user not found")
	ErrStorage            = errors.New("storage failure")

	ErrInvalidToken        = errors.New("invalid token")
	ErrTokenExpired        = errors.New("token expired")
	ErrTokenNotYetExpired  = errors.New("token has not yet expired")
	ErrUnknownRefreshToken = errors.New("refresh token does not exist")
	ErrTokenAlreadyUsed    = errors.New("refresh token has been used")
	ErrTokenRevoked        = errors.New("refresh token has been revoked")
	ErrRefreshTokenExpired = errors.New("refresh token has expired")
	ErrTokenMismatch       = errors.New("tokens do not match")
	ErrRefreshFailed       = errors.New("refresh failed")
)

type Option func(*Auth)

// WithClock overrides the time source. Tests use it to move past token expiry.
func WithClock(now func() time.Time) Option {
	return func(a *Auth) {
		a.now = now
	}
}

// New returns a new instance of the Auth service.
func New(
	log *slog.Logger,
	userSaver UserSaver,
	userProvider UserProvider,
	tokens RefreshTokenStore,
	codec TokenCodec,
	cfg Config,
	opts ...Option,
) *Auth {
	a := &Auth{
		log:          log,
		userSaver:    userSaver,
		userProvider: userProvider,
		tokens:       tokens,
		codec:        codec,
		cfg:          cfg,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}

	return a
}

// Register creates a new account and signs it in right away.
func (a *Auth) Register(
	ctx context.Context,
	username string,
	email string,
	password string,
) (models.TokenPair, error) {
	const op = "auth.Register"

	log := a.log.With(
		slog.String("op", op),
		slog.String("email", email),
	)
	log.Info("registering user")

	passHash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		log.Error("failed to generate password hash", sl.Err(err))
		return models.TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	sctx, cancel := a.storeContext(ctx)
	defer cancel()

	id, err := a.userSaver.SaveUser(sctx, email, username, passHash)
	if err != nil {
		if errors.Is(err, storage.ErrUserExists) {
			log.Warn("user already exists", sl.Err(err))
			return models.TokenPair{}, fmt.Errorf("%s: %w", op, ErrUserAlreadyExists)
		}
		log.Error("failed to save user", sl.Err(err))
		return models.TokenPair{}, fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
	}

	log.Info("user registered", slog.Int64("userID", id))

	return a.IssuePair(ctx, models.User{
		ID:       id,
		Email:    email,
		Username: username,
	})
}

// Login checks the credentials and issues a fresh token pair.
func (a *Auth) Login(
	ctx context.Context,
	email string,
	password string,
) (models.TokenPair, error) {
	const op = "auth.Login"

	log := a.log.With(
		slog.String("op", op),
		slog.String("email", email),
	)
	log.Info("attempting to login user")

	sctx, cancel := a.storeContext(ctx)
	defer cancel()

	user, err := a.userProvider.User(sctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			log.Warn("user not found", sl.Err(err))
			return models.TokenPair{}, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
		}
		log.Error("failed to get user", sl.Err(err))
		return models.TokenPair{}, fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
	}

	if err := bcrypt.CompareHashAndPassword(user.PassHash, []byte(password)); err != nil {
		log.Info("invalid credentials", sl.Err(err))
		return models.TokenPair{}, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}

	log.Info("user logged in successfully", slog.Int64("userID", user.ID))

	return a.IssuePair(ctx, user)
}

// Authenticate validates an access token for authorization, expiry included.
func (a *Auth) Authenticate(ctx context.Context, accessToken string) (*jwt.Claims, error) {
	const op = "auth.Authenticate"

	claims, err := a.codec.ParseAccess(accessToken)
	if err != nil {
		if errors.Is(err, jwt.ErrExpired) {
			return nil, fmt.Errorf("%s: %w", op, ErrTokenExpired)
		}
		return nil, fmt.Errorf("%s: %w: %w", op, ErrInvalidToken, err)
	}

	return claims, nil
}

// User returns the account behind an authenticated request.
func (a *Auth) User(ctx context.Context, userID int64) (models.User, error) {
	const op = "auth.User"

	sctx, cancel := a.storeContext(ctx)
	defer cancel()

	user, err := a.userProvider.UserByID(sctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			return models.User{}, fmt.Errorf("%s: %w", op, ErrUserNotFound)
		}
		a.log.Error("failed to get user", slog.String("op", op), sl.Err(err))
		return models.User{}, fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
	}

	return user, nil
}

// RevokeRefreshToken flags a refresh token so it can never be redeemed.
func (a *Auth) RevokeRefreshToken(ctx context.Context, refreshToken string) error {
	const op = "auth.RevokeRefreshToken"

	log := a.log.With(slog.String("op", op))

	sctx, cancel := a.storeContext(ctx)
	defer cancel()

	if err := a.tokens.RevokeRefreshToken(sctx, a.hashRefreshToken(refreshToken)); err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			log.Warn("refresh token not found")
			return fmt.Errorf("%s: %w", op, ErrUnknownRefreshToken)
		}
		log.Error("failed to revoke refresh token", sl.Err(err))
		return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
	}

	log.Info("refresh token revoked")

	return nil
}

func (a *Auth) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.cfg.StoreTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, a.cfg.StoreTimeout)
}
