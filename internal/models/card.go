package models

import (
	"time"
)

// Card issuance lives outside this service; cards matter to the ledger only
// as a reference on CARD_PAYMENT entries and as rows cascaded on account
// deletion.
type Card struct {
	ID        string     `json:"id" db:"id"`
	AccountID string     `json:"accountId" db:"account_id"`
	Nickname  *string    `json:"nickname,omitempty" db:"nickname"`
	LastFour  string     `json:"lastFour" db:"last_four"`
	IsActive  bool       `json:"isActive" db:"is_active"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty" db:"expires_at"`
	CreatedAt time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time  `json:"updatedAt" db:"updated_at"`
}
