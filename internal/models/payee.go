package models

import (
	"time"
)

// Payee belongs to a user, not an account; payment authorization checks the
// caller's ownership of the payee plus access to the paying account.
type Payee struct {
	ID               string    `json:"id" db:"id"`
	UserID           string    `json:"userId" db:"user_id"`
	Name             string    `json:"name" db:"name"`
	Email            *string   `json:"email,omitempty" db:"email"`
	Phone            *string   `json:"phone,omitempty" db:"phone"`
	AddressLine1     *string   `json:"addressLine1,omitempty" db:"address_line1"`
	AddressLine2     *string   `json:"addressLine2,omitempty" db:"address_line2"`
	City             *string   `json:"city,omitempty" db:"city"`
	State            *string   `json:"state,omitempty" db:"state"`
	PostalCode       *string   `json:"postalCode,omitempty" db:"postal_code"`
	Country          string    `json:"country" db:"country"`
	ACHAccountNumber *string   `json:"achAccountNumber,omitempty" db:"ach_account_number"`
	ACHRoutingNumber *string   `json:"achRoutingNumber,omitempty" db:"ach_routing_number"`
	CreatedAt        time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt        time.Time `json:"updatedAt" db:"updated_at"`
}

const (
	CheckStatusPending = "PENDING"
	CheckStatusMailed  = "MAILED"
	CheckStatusCashed  = "CASHED"
	CheckStatusVoided  = "VOIDED"
)

// Check records a mailed check payment. Created PENDING inside the same
// transaction as its CHECK_PAYMENT ledger entry.
type Check struct {
	ID        string    `json:"id" db:"id"`
	PayeeID   string    `json:"payeeId" db:"payee_id"`
	Amount    int64     `json:"amount" db:"amount"` // in cents
	Memo      *string   `json:"memo,omitempty" db:"memo"`
	Status    string    `json:"status" db:"status"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}
