package models

import (
	"time"
)

// Account balances are stored in cents. The balance column is only ever
// written inside the same database transaction as the ledger entry that
// explains the change, so it always equals the sum of CLEARED entries.
type Account struct {
	ID            string    `json:"id" db:"id"`
	Nickname      string    `json:"nickname" db:"nickname"`
	AccountNumber string    `json:"accountNumber" db:"account_number"`
	RoutingNumber string    `json:"routingNumber" db:"routing_number"`
	Balance       int64     `json:"balance" db:"balance"` // in cents
	Version       int       `json:"-" db:"version"`       // for optimistic locking
	CreatedAt     time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt     time.Time `json:"updatedAt" db:"updated_at"`
}

// AccountUser links a user to an account (many-to-many membership).
type AccountUser struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"userId" db:"user_id"`
	AccountID string    `json:"accountId" db:"account_id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}
