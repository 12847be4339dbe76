package models

import (
	"time"
)

// APIKey is a service credential. Only the SHA-256 digest is stored; the
// plaintext key is shown once at creation. A key resolves to its owning
// user's identity with the service-credential flag set.
type APIKey struct {
	ID         string     `json:"id" db:"id"`
	UserID     string     `json:"userId" db:"user_id"`
	Name       string     `json:"name" db:"name"`
	Prefix     string     `json:"prefix" db:"prefix"`
	LastFour   string     `json:"lastFour" db:"last_four"`
	HashedKey  string     `json:"-" db:"hashed_key"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty" db:"last_used_at"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty" db:"expires_at"`
	RevokedAt  *time.Time `json:"revokedAt,omitempty" db:"revoked_at"`
	CreatedAt  time.Time  `json:"createdAt" db:"created_at"`
}
