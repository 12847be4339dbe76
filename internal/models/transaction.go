package models

import (
	"time"
)

// Transaction types.
const (
	TypeDeposit      = "DEPOSIT"
	TypeWithdrawal   = "WITHDRAWAL"
	TypeTransfer     = "TRANSFER"
	TypeDonation     = "DONATION"
	TypeCheckPayment = "CHECK_PAYMENT"
	TypeACHPayment   = "ACH_PAYMENT"
	TypeCardPayment  = "CARD_PAYMENT"
)

// Transaction statuses. Every posting in this system clears synchronously;
// PENDING and DECLINED exist for card authorizations and imported history.
const (
	StatusPending  = "PENDING"
	StatusCleared  = "CLEARED"
	StatusDeclined = "DECLINED"
)

// Group roles for entries that belong to a transaction group.
const (
	GroupRoleDonation    = "DONATION"
	GroupRoleMatchDebit  = "MATCH_DEBIT"
	GroupRoleMatchCredit = "MATCH_CREDIT"
)

const GroupPurposeDonationMatch = "DONATION_MATCH"

// Transaction is one signed posting against one account. Rows are append-only:
// nothing updates or deletes them outside of account deletion.
type Transaction struct {
	ID                    int64      `json:"id" db:"id"`
	TransactionID         string     `json:"transactionId" db:"transaction_id"`
	AccountID             string     `json:"accountId" db:"account_id"`
	Amount                int64      `json:"amount" db:"amount"` // in cents, negative = debit
	Type                  string     `json:"type" db:"type"`
	Status                string     `json:"status" db:"status"`
	TransferFromAccountID *string    `json:"transferFromAccountId,omitempty" db:"transfer_from_account_id"`
	TransferToAccountID   *string    `json:"transferToAccountId,omitempty" db:"transfer_to_account_id"`
	GroupID               *string    `json:"groupId,omitempty" db:"group_id"`
	GroupRole             *string    `json:"groupRole,omitempty" db:"group_role"`
	CorrelationID         *string    `json:"correlationId,omitempty" db:"correlation_id"`
	CardID                *string    `json:"cardId,omitempty" db:"card_id"`
	CheckID               *string    `json:"checkId,omitempty" db:"check_id"`
	PayeeID               *string    `json:"payeeId,omitempty" db:"payee_id"`
	CreatedAt             time.Time  `json:"createdAt" db:"created_at"`
	RunningBalance        *int64     `json:"runningBalance,omitempty" db:"-"` // derived on reads, never stored
	SettledAt             *time.Time `json:"settledAt,omitempty" db:"settled_at"`
}

// TransactionGroup ties together the postings of one logical event, e.g. a
// donation plus its matching debit and credit. Created once, never mutated.
type TransactionGroup struct {
	ID        string    `json:"id" db:"id"`
	Purpose   string    `json:"purpose" db:"purpose"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}
