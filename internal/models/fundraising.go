package models

import (
	"time"
)

const (
	PublishStatusUnlisted = "UNLISTED"
	PublishStatusPublic   = "PUBLIC"
)

// FundraisingSettings is an optional 1:1 record per account. Its matching
// fields gate the donation operation: matching fires only when enabled,
// percent > 0 and a distinct funding account is configured.
type FundraisingSettings struct {
	ID                    string    `json:"id" db:"id"`
	AccountID             string    `json:"accountId" db:"account_id"`
	Enabled               bool      `json:"enabled" db:"enabled"`
	PublishStatus         string    `json:"publishStatus" db:"publish_status"`
	Title                 *string   `json:"title,omitempty" db:"title"`
	Description           *string   `json:"description,omitempty" db:"description"`
	ImageURL              *string   `json:"imageUrl,omitempty" db:"image_url"`
	Goal                  *int64    `json:"goal,omitempty" db:"goal"` // in cents
	ThankYouMessage       *string   `json:"thankYouMessage,omitempty" db:"thank_you_message"`
	MatchingEnabled       bool      `json:"matchingEnabled" db:"matching_enabled"`
	MatchingPercent       *int64    `json:"matchingPercent,omitempty" db:"matching_percent"`
	MatchingFromAccountID *string   `json:"matchingFromAccountId,omitempty" db:"matching_from_account_id"`
	CreatedAt             time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt             time.Time `json:"updatedAt" db:"updated_at"`
}

// FundraisingStats are read-side aggregates over CLEARED ledger entries.
type FundraisingStats struct {
	DonationTotal int64 `json:"donationTotal"`
	DonationCount int64 `json:"donationCount"`
	MatchTotal    int64 `json:"matchTotal"`
	Raised        int64 `json:"raised"`
	Balance       int64 `json:"balance"`
}
