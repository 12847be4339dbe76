package services

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/impactbank/backend/internal/models"
)

// Read side of the transaction log. Entries are never edited, so a running
// balance can be derived by walking the descending list from the current
// account balance.

var allowedTypes = map[string]bool{
	models.TypeDeposit:      true,
	models.TypeWithdrawal:   true,
	models.TypeTransfer:     true,
	models.TypeDonation:     true,
	models.TypeCheckPayment: true,
	models.TypeACHPayment:   true,
	models.TypeCardPayment:  true,
}

// ListEntries returns an account's ledger entries ordered by creation time
// descending, optionally filtered by type.
func (s *LedgerService) ListEntries(ctx context.Context, accountID string, typeIn []string, limit, offset int) ([]*models.Transaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	query := `
		SELECT id, transaction_id, account_id, amount, type, status, transfer_from_account_id, transfer_to_account_id, group_id, group_role, correlation_id, card_id, check_id, payee_id, created_at
		FROM transactions
		WHERE account_id = $1`
	args := []any{accountID}

	if len(typeIn) > 0 {
		placeholders := make([]string, 0, len(typeIn))
		for _, t := range typeIn {
			if !allowedTypes[t] {
				return nil, fmt.Errorf("%w: unsupported transaction type %q", ErrInvalidInput, t)
			}
			args = append(args, t)
			placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
		}
		query += fmt.Sprintf(" AND type IN (%s)", strings.Join(placeholders, ", "))
	}

	args = append(args, limit, offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.Transaction
	for rows.Next() {
		var e models.Transaction
		if err := rows.Scan(&e.ID, &e.TransactionID, &e.AccountID, &e.Amount, &e.Type, &e.Status,
			&e.TransferFromAccountID, &e.TransferToAccountID, &e.GroupID, &e.GroupRole,
			&e.CorrelationID, &e.CardID, &e.CheckID, &e.PayeeID, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// AttachRunningBalances derives each entry's running balance starting at the
// current account balance and subtracting amounts down the descending list.
// Only meaningful for an unfiltered, zero-offset page.
func AttachRunningBalances(entries []*models.Transaction, currentBalance int64) {
	running := currentBalance
	for _, e := range entries {
		balance := running
		e.RunningBalance = &balance
		running -= e.Amount
	}
}

// Aggregate sums CLEARED entries for fundraising analytics.
type Aggregate struct {
	Sum   int64
	Count int64
}

// AggregateDonations returns the sum and count of CLEARED DONATION entries.
func (s *LedgerService) AggregateDonations(ctx context.Context, accountID string) (Aggregate, error) {
	var agg Aggregate
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0), COUNT(*)
		FROM transactions
		WHERE account_id = $1 AND status = $2 AND type = $3`,
		accountID, models.StatusCleared, models.TypeDonation).Scan(&agg.Sum, &agg.Count)
	return agg, err
}

// AggregateMatchCredits returns the sum of CLEARED MATCH_CREDIT entries.
func (s *LedgerService) AggregateMatchCredits(ctx context.Context, accountID string) (int64, error) {
	var sum int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM transactions
		WHERE account_id = $1 AND status = $2 AND group_role = $3`,
		accountID, models.StatusCleared, models.GroupRoleMatchCredit).Scan(&sum)
	return sum, err
}

// GetAccount loads an account, enforcing membership unless the caller holds a
// service credential.
func (s *LedgerService) GetAccount(ctx context.Context, accountID, userID string, serviceCredential bool) (*models.Account, error) {
	query := `
		SELECT a.id, a.nickname, a.account_number, a.routing_number, a.balance, a.version, a.created_at, a.updated_at
		FROM accounts a`
	args := []any{accountID}
	if serviceCredential {
		query += ` WHERE a.id = $1`
	} else {
		query += `
		JOIN account_users au ON au.account_id = a.id
		WHERE a.id = $1 AND au.user_id = $2`
		args = append(args, userID)
	}

	var account models.Account
	err := s.db.QueryRowContext(ctx, query, args...).
		Scan(&account.ID, &account.Nickname, &account.AccountNumber, &account.RoutingNumber,
			&account.Balance, &account.Version, &account.CreatedAt, &account.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: account not found or access denied", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}
