package jwt

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"authservice/internal/domain/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// SigningMethod names one of the supported MAC based signing algorithms.
type SigningMethod string

const (
	HS256 SigningMethod = "HS256"
	HS384 SigningMethod = "HS384"
	HS512 SigningMethod = "HS512"
)

var (
	ErrMalformed           = errors.New("malformed token")
	ErrInvalidSignature    = errors.New("invalid token signature")
	ErrUnexpectedAlgorithm = errors.New("unexpected signing algorithm")
	ErrExpired             = errors.New("token is expired")
	ErrInvalidClaims       = errors.New("invalid token claims")
)

// Claims is the claim set carried by access tokens.
type Claims struct {
	UserID int64  `json:"uid"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// Verified is the result of a signature check that ignores expiry.
type Verified struct {
	Claims    *Claims
	Algorithm string
}

// Codec signs and verifies access tokens with a symmetric secret.
type Codec struct {
	secret []byte
	method jwt.SigningMethod
	now    func() time.Time
}

type Option func(*Codec)

// WithClock overrides the time source used for issuing and expiry checks.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) {
		c.now = now
	}
}

// New returns a codec bound to secret and method. Only HMAC methods are accepted.
func New(secret string, method SigningMethod, opts ...Option) (*Codec, error) {
	const op = "jwt.New"

	if secret == "" {
		return nil, fmt.Errorf("%s: empty secret", op)
	}

	var m jwt.SigningMethod
	switch method {
	case HS256, "":
		m = jwt.SigningMethodHS256
	case HS384:
		m = jwt.SigningMethodHS384
	case HS512:
		m = jwt.SigningMethodHS512
	default:
		return nil, fmt.Errorf("%s: unsupported signing method %q", op, method)
	}

	c := &Codec{
		secret: []byte(secret),
		method: m,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// Algorithm returns the configured alg header value.
func (c *Codec) Algorithm() string {
	return c.method.Alg()
}

// Issue creates a signed access token for user that expires after ttl.
// It returns the token together with its freshly generated jti.
func (c *Codec) Issue(user models.User, ttl time.Duration) (token string, jti string, err error) {
	now := c.now()
	jti = uuid.NewString()

	claims := Claims{
		UserID: user.ID,
		Email:  user.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(user.ID, 10),
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token, err = jwt.NewWithClaims(c.method, claims).SignedString(c.secret)
	if err != nil {
		return "", "", fmt.Errorf("jwt.Issue: %w", err)
	}

	return token, jti, nil
}

// Verify checks the token signature and algorithm without looking at expiry,
// so an expired token can still prove who it was issued to.
func (c *Codec) Verify(tokenString string) (*Verified, error) {
	claims := &Claims{}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{c.method.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	token, err := parser.ParseWithClaims(tokenString, claims, c.key)
	if err != nil {
		return nil, c.classify(token, err)
	}

	return &Verified{
		Claims:    claims,
		Algorithm: token.Method.Alg(),
	}, nil
}

// ParseAccess fully validates an access token, expiry included.
func (c *Codec) ParseAccess(tokenString string) (*Claims, error) {
	claims := &Claims{}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{c.method.Alg()}),
		jwt.WithTimeFunc(c.now),
		jwt.WithExpirationRequired(),
	)
	token, err := parser.ParseWithClaims(tokenString, claims, c.key)
	if err != nil {
		return nil, c.classify(token, err)
	}
	if !token.Valid {
		return nil, ErrInvalidClaims
	}

	return claims, nil
}

func (c *Codec) key(token *jwt.Token) (interface{}, error) {
	if token.Method.Alg() != c.method.Alg() {
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedAlgorithm, token.Header["alg"])
	}
	return c.secret, nil
}

func (c *Codec) classify(token *jwt.Token, err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	case token != nil && headerAlg(token) != c.method.Alg():
		return fmt.Errorf("%w: %q", ErrUnexpectedAlgorithm, headerAlg(token))
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ErrInvalidSignature
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	default:
		return fmt.Errorf("%w: %v", ErrInvalidClaims, err)
	}
}

func headerAlg(token *jwt.Token) string {
	alg, _ := token.Header["alg"].(string)
	return alg
}
