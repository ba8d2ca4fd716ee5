package jwt

import (
	"strconv"
	"strings"
	"testing"
	"time"

	"authservice/internal/domain/models"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func newCodec(t *testing.T, opts ...Option) *Codec {
	t.Helper()

	c, err := New(testSecret, HS256, opts...)
	require.NoError(t, err)
	return c
}

func randomUser() models.User {
	return models.User{
		ID:       gofakeit.Int64(),
		Email:    gofakeit.Email(),
		Username: gofakeit.Username(),
	}
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name    string
		secret  string
		method  SigningMethod
		wantErr bool
	}{
		{name: "default method", secret: testSecret, method: ""},
		{name: "HS384", secret: testSecret, method: HS384},
		{name: "HS512", secret: testSecret, method: HS512},
		{name: "empty secret", secret: "", method: HS256, wantErr: true},
		{name: "asymmetric method", secret: testSecret, method: "RS256", wantErr: true},
		{name: "none", secret: testSecret, method: "none", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.secret, tt.method)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestIssueVerify_RoundTrip(t *testing.T) {
	c := newCodec(t)

	for _, ttl := range []time.Duration{0, time.Second, 30 * time.Second, 24 * time.Hour} {
		user := randomUser()

		token, jti, err := c.Issue(user, ttl)
		require.NoError(t, err)
		require.NotEmpty(t, token)
		require.NotEmpty(t, jti)

		v, err := c.Verify(token)
		require.NoError(t, err)

		assert.Equal(t, strconv.FormatInt(user.ID, 10), v.Claims.Subject)
		assert.Equal(t, user.ID, v.Claims.UserID)
		assert.Equal(t, user.Email, v.Claims.Email)
		assert.Equal(t, jti, v.Claims.ID)
		assert.Equal(t, "HS256", v.Algorithm)
	}
}

func TestIssue_UniqueJTI(t *testing.T) {
	c := newCodec(t)
	user := randomUser()

	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		_, jti, err := c.Issue(user, time.Minute)
		require.NoError(t, err)
		_, dup := seen[jti]
		require.False(t, dup, "duplicate jti %s", jti)
		seen[jti] = struct{}{}
	}
}

func TestVerify_IgnoresExpiry(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	issuer := newCodec(t, WithClock(func() time.Time { return past }))

	token, _, err := issuer.Issue(randomUser(), time.Second)
	require.NoError(t, err)

	v, err := newCodec(t).Verify(token)
	require.NoError(t, err)
	assert.True(t, v.Claims.ExpiresAt.Before(time.Now()))
}

func TestVerify_Failures(t *testing.T) {
	c := newCodec(t)
	user := randomUser()

	good, _, err := c.Issue(user, time.Minute)
	require.NoError(t, err)

	otherSecret, err := New("another-secret", HS256)
	require.NoError(t, err)
	forged, _, err := otherSecret.Issue(user, time.Minute)
	require.NoError(t, err)

	other, _, err := c.Issue(randomUser(), time.Minute)
	require.NoError(t, err)
	goodParts := strings.Split(good, ".")
	otherParts := strings.Split(other, ".")
	spliced := strings.Join([]string{goodParts[0], otherParts[1], goodParts[2]}, ".")

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"uid": user.ID,
		"jti": "x",
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	hs512, err := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.MapClaims{
		"uid": user.ID,
		"jti": "x",
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	tests := []struct {
		name    string
		token   string
		wantErr error
	}{
		{name: "garbage", token: "not-a-token", wantErr: ErrMalformed},
		{name: "empty", token: "", wantErr: ErrMalformed},
		{name: "bad payload encoding", token: goodParts[0] + ".%%%." + goodParts[2], wantErr: ErrMalformed},
		{name: "wrong secret", token: forged, wantErr: ErrInvalidSignature},
		{name: "spliced claims", token: spliced, wantErr: ErrInvalidSignature},
		{name: "alg none", token: none, wantErr: ErrUnexpectedAlgorithm},
		{name: "alg substitution", token: hs512, wantErr: ErrUnexpectedAlgorithm},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Verify(tt.token)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestParseAccess(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	c := newCodec(t, WithClock(clock))
	user := randomUser()

	token, _, err := c.Issue(user, 30*time.Second)
	require.NoError(t, err)

	claims, err := c.ParseAccess(token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.UserID)

	now = now.Add(time.Minute)

	_, err = c.ParseAccess(token)
	require.ErrorIs(t, err, ErrExpired)
}

func TestParseAccess_RequiresExpiry(t *testing.T) {
	c := newCodec(t)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"uid": 1,
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	_, err = c.ParseAccess(token)
	require.ErrorIs(t, err, ErrInvalidClaims)
}
