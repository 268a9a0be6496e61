package models

import "time"

// TokenInfo is a persisted remote credential.
type TokenInfo struct {
	Token     string    `json:"token"`
	Remote    string    `json:"remote,omitempty"`
	Subject   string    `json:"subject,omitempty"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// IsExpired checks if the token has expired. A zero expiry never expires.
func (t *TokenInfo) IsExpired() bool {
	return !t.ExpiresAt.IsZero() && time.Now().After(t.ExpiresAt)
}

// Valid reports whether the token can authenticate requests.
func (t *TokenInfo) Valid() bool {
	return t != nil && t.Token != "" && !t.IsExpired()
}
