package httpserver_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"authservice/internal/domain/models"
	httpserver "authservice/internal/http-server"
	"authservice/internal/lib/jwt"
	"authservice/internal/lib/logger/handlers/slogdiscard"
	"authservice/internal/services/auth"
	"authservice/internal/storage/sqlite"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const accessTTL = 30 * time.Second

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newServer(t *testing.T) (*httptest.Server, *clock) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := sqlite.New(filepath.Join(t.TempDir(), "auth.db"))
	require.NoError(t, err)
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { _ = store.Close() })

	clk := &clock{now: time.Now().UTC()}

	codec, err := jwt.New("e2e-secret", jwt.HS256, jwt.WithClock(clk.Now))
	require.NoError(t, err)

	log := slogdiscard.NewDiscardLogger()
	svc := auth.New(log, store, store, store, codec, auth.Config{
		AccessTTL:    accessTTL,
		RefreshTTL:   4380 * time.Hour,
		StoreTimeout: 5 * time.Second,
	}, auth.WithClock(clk.Now))

	srv := httptest.NewServer(httpserver.NewRouter(log, svc, httpserver.Options{
		AllowedOrigins: []string{"http://localhost:5173"},
		AdminKey:       "admin",
	}))
	t.Cleanup(srv.Close)

	return srv, clk
}

func call(t *testing.T, srv *httptest.Server, method, path string, body any, headers map[string]string) (*http.Response, models.AuthResult) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req, err := http.NewRequest(method, srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var res models.AuthResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))

	return resp, res
}

func TestTokenLifecycle(t *testing.T) {
	srv, clk := newServer(t)

	resp, first := call(t, srv, http.MethodPost, "/api/auth/register", map[string]string{
		"username": "alice",
		"email":    "alice@x.com",
		"password": "P@ss1",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, first.Success)
	require.NotEmpty(t, first.Token)
	require.NotEmpty(t, first.RefreshToken)

	refresh := map[string]string{"token": first.Token, "refreshToken": first.RefreshToken}

	resp, res := call(t, srv, http.MethodPost, "/api/auth/refresh", refresh, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, []string{"Token has not yet expired"}, res.Errors)

	clk.Advance(accessTTL + time.Second)

	resp, second := call(t, srv, http.MethodPost, "/api/auth/refresh", refresh, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, second.Success)
	assert.NotEqual(t, first.Token, second.Token)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)

	resp, res = call(t, srv, http.MethodPost, "/api/auth/refresh", refresh, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.False(t, res.Success)
	assert.Equal(t, []string{"Token has been Used"}, res.Errors)

	resp, _ = call(t, srv, http.MethodPost, "/api/auth/register", map[string]string{
		"username": "alice2",
		"email":    "alice@x.com",
		"password": "P@ss1",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, login := call(t, srv, http.MethodPost, "/api/auth/login", map[string]string{
		"email":    "alice@x.com",
		"password": "P@ss1",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = call(t, srv, http.MethodPost, "/api/auth/revoke",
		map[string]string{"refreshToken": login.RefreshToken},
		map[string]string{"X-Admin-Key": "admin"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	clk.Advance(accessTTL + time.Second)
	resp, res = call(t, srv, http.MethodPost, "/api/auth/refresh",
		map[string]string{"token": login.Token, "refreshToken": login.RefreshToken}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, []string{"Token has been revoked"}, res.Errors)
}

func TestMe(t *testing.T) {
	srv, clk := newServer(t)

	_, reg := call(t, srv, http.MethodPost, "/api/auth/register", map[string]string{
		"username": "bob",
		"email":    "bob@x.com",
		"password": "secret",
	}, nil)
	require.True(t, reg.Success)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/auth/me", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+reg.Token)

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var me struct {
		ID       int64  `json:"id"`
		Username string `json:"username"`
		Email    string `json:"email"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&me))
	assert.Equal(t, "bob", me.Username)
	assert.Equal(t, "bob@x.com", me.Email)

	resp2, res := call(t, srv, http.MethodGet, "/api/auth/me", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
	assert.Equal(t, []string{"Unauthorized"}, res.Errors)

	clk.Advance(accessTTL + time.Second)
	resp3, res := call(t, srv, http.MethodGet, "/api/auth/me", nil, map[string]string{
		"Authorization": "Bearer " + reg.Token,
	})
	assert.Equal(t, http.StatusUnauthorized, resp3.StatusCode)
	assert.Equal(t, []string{"Token has expired"}, res.Errors)
}

func TestHealthz(t *testing.T) {
	srv, _ := newServer(t)

	resp, err := srv.Client().Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
