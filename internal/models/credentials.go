package models

import "time"

// CredentialSet is the access/refresh pair issued by the upstream OAuth server.
// A zero ExpiresAt means the access token is treated as already expired.
type CredentialSet struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type,omitempty"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// ExpiresWithin reports whether the access token is missing or expires
// within buffer of now.
func (c *CredentialSet) ExpiresWithin(now time.Time, buffer time.Duration) bool {
	if c == nil || c.AccessToken == "" || c.ExpiresAt.IsZero() {
		return true
	}
	return !now.Add(buffer).Before(c.ExpiresAt)
}

// CanRefresh reports whether a refresh grant can be attempted.
func (c *CredentialSet) CanRefresh() bool {
	return c != nil && c.RefreshToken != ""
}

// Clone returns a copy that can be handed out without sharing state.
func (c *CredentialSet) Clone() *CredentialSet {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}
