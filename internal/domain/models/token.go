package models

import "time"

// RefreshToken represents a refresh token record stored alongside the access token it was issued with.
type RefreshToken struct {
	Token     string
	JwtID     string
	UserID    int64
	IsUsed    bool
	IsRevoked bool
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// TokenPair is an access token together with its paired refresh token.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// AuthResult is the uniform result shape returned to clients.
type AuthResult struct {
	Success      bool     `json:"success"`
	Token        string   `json:"token,omitempty"`
	RefreshToken string   `json:"refreshToken,omitempty"`
	Errors       []string `json:"errors"`
}
