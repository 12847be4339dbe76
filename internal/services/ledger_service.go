package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/impactbank/backend/internal/audit"
	"github.com/impactbank/backend/internal/models"
	"github.com/spf13/viper"
)

// LedgerService owns every balance-affecting mutation. The discipline is the
// same for all operations: validate outside the database transaction, then
// inside exactly one transaction lock the touched accounts FOR UPDATE in id
// order, re-check balances on the locked rows, append the ledger entries and
// update each balance with an optimistic version check. A version mismatch
// means a concurrent writer won; the operation fails with ErrConflict and is
// retried once.
type LedgerService struct {
	db      *sql.DB
	audit   *audit.Logger
	timeout time.Duration
}

func NewLedgerService(db *sql.DB) *LedgerService {
	viper.SetDefault("ledger.op_timeout", 5*time.Second)
	return &LedgerService{
		db:      db,
		audit:   audit.NewLogger(),
		timeout: viper.GetDuration("ledger.op_timeout"),
	}
}

// PostingResult is the outcome of a single-account posting.
type PostingResult struct {
	Transaction *models.Transaction `json:"transaction"`
	Account     *models.Account     `json:"account"`
}

// TransferResult is the outcome of a two-sided transfer.
type TransferResult struct {
	FromAccount     *models.Account     `json:"fromAccount"`
	ToAccount       *models.Account     `json:"toAccount"`
	FromTransaction *models.Transaction `json:"fromTransaction"`
	ToTransaction   *models.Transaction `json:"toTransaction"`
}

// DonationResult is the outcome of a donation, including the matched amount
// when the fundraiser's matching policy fired.
type DonationResult struct {
	Donation      *models.Transaction `json:"donationTransaction"`
	Account       *models.Account     `json:"updatedAccount"`
	GroupID       string              `json:"groupId"`
	MatchedAmount int64               `json:"-"` // cents; 0 when no match fired
}

// PaymentResult is the outcome of a payee payment.
type PaymentResult struct {
	Transaction *models.Transaction `json:"transaction"`
	Account     *models.Account     `json:"account"`
	Check       *models.Check       `json:"check,omitempty"`
}

// Deposit posts a positive CLEARED entry and increments the balance.
func (s *LedgerService) Deposit(ctx context.Context, accountID string, amountCents int64, correlationID string) (*PostingResult, error) {
	return s.post(ctx, accountID, amountCents, models.TypeDeposit, correlationID)
}

// Withdraw posts a negative CLEARED entry and decrements the balance.
// Overdrafts are never permitted: the locked balance must cover the amount.
func (s *LedgerService) Withdraw(ctx context.Context, accountID string, amountCents int64, correlationID string) (*PostingResult, error) {
	return s.post(ctx, accountID, amountCents, models.TypeWithdrawal, correlationID)
}

func (s *LedgerService) post(ctx context.Context, accountID string, amountCents int64, entryType string, correlationID string) (*PostingResult, error) {
	if amountCents <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}

	var result *PostingResult
	err := s.runTx(ctx, func(tx *sql.Tx) error {
		account, err := s.lockAccount(tx, accountID)
		if err != nil {
			return err
		}

		signed := amountCents
		if entryType == models.TypeWithdrawal {
			if account.Balance < amountCents {
				return ErrInsufficientFunds
			}
			signed = -amountCents
		}

		entry := &models.Transaction{
			TransactionID: uuid.NewString(),
			AccountID:     accountID,
			Amount:        signed,
			Type:          entryType,
			Status:        models.StatusCleared,
			CorrelationID: optional(correlationID),
		}
		if err := s.appendEntry(tx, entry); err != nil {
			return err
		}

		if err := s.updateBalance(tx, account, account.Balance+signed); err != nil {
			return err
		}

		result = &PostingResult{Transaction: entry, Account: account}
		return nil
	})
	if err != nil {
		s.audit.LogError("", accountID, err)
		return nil, err
	}

	s.audit.LogPosting(result.Transaction.TransactionID, accountID, entryType, result.Transaction.Amount)
	return result, nil
}

// Transfer moves amountCents between two accounts as one atomic unit: two
// entries sharing the counterparty pair and correlation id, two balance
// updates. Accounts are locked in id order so opposite-direction transfers
// cannot deadlock.
func (s *LedgerService) Transfer(ctx context.Context, fromAccountID, toAccountID string, amountCents int64, correlationID string) (*TransferResult, error) {
	if amountCents <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	if fromAccountID == toAccountID {
		return nil, fmt.Errorf("%w: cannot transfer to the same account", ErrInvalidInput)
	}

	var result *TransferResult
	err := s.runTx(ctx, func(tx *sql.Tx) error {
		from, to, err := s.lockAccountPair(tx, fromAccountID, toAccountID)
		if err != nil {
			return err
		}

		if from.Balance < amountCents {
			return ErrInsufficientFunds
		}

		corr := optional(correlationID)
		debit := &models.Transaction{
			TransactionID:         uuid.NewString(),
			AccountID:             fromAccountID,
			Amount:                -amountCents,
			Type:                  models.TypeTransfer,
			Status:                models.StatusCleared,
			TransferFromAccountID: &fromAccountID,
			TransferToAccountID:   &toAccountID,
			CorrelationID:         corr,
		}
		credit := &models.Transaction{
			TransactionID:         uuid.NewString(),
			AccountID:             toAccountID,
			Amount:                amountCents,
			Type:                  models.TypeTransfer,
			Status:                models.StatusCleared,
			TransferFromAccountID: &fromAccountID,
			TransferToAccountID:   &toAccountID,
			CorrelationID:         corr,
		}

		if err := s.appendEntry(tx, debit); err != nil {
			return err
		}
		if err := s.appendEntry(tx, credit); err != nil {
			return err
		}

		if err := s.updateBalance(tx, from, from.Balance-amountCents); err != nil {
			return err
		}
		if err := s.updateBalance(tx, to, to.Balance+amountCents); err != nil {
			return err
		}

		result = &TransferResult{
			FromAccount:     from,
			ToAccount:       to,
			FromTransaction: debit,
			ToTransaction:   credit,
		}
		return nil
	})
	if err != nil {
		s.audit.LogError("", fromAccountID, err)
		return nil, err
	}

	s.audit.LogTransfer(result.FromTransaction.TransactionID, fromAccountID, toAccountID, amountCents)
	return result, nil
}

// Donate posts a donation to a fundraising account and, when the fundraiser's
// matching policy applies, the matching debit and credit in the same group.
// The settings gate is checked before the transaction opens; a funder that
// cannot cover the match skips the match rather than failing the donation.
func (s *LedgerService) Donate(ctx context.Context, accountID string, amountCents int64, correlationID string) (*DonationResult, error) {
	if amountCents <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}

	settings, err := s.loadMatchingSettings(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !settings.Enabled {
		return nil, fmt.Errorf("%w: fundraiser not enabled", ErrInvalidInput)
	}

	matchCents := int64(0)
	funderID := ""
	if settings.MatchingEnabled &&
		settings.MatchingPercent != nil && *settings.MatchingPercent > 0 &&
		settings.MatchingFromAccountID != nil && *settings.MatchingFromAccountID != accountID {
		matchCents = MatchedCents(amountCents, *settings.MatchingPercent)
		funderID = *settings.MatchingFromAccountID
	}

	var result *DonationResult
	err = s.runTx(ctx, func(tx *sql.Tx) error {
		var dest, funder *models.Account
		var err error
		if matchCents > 0 {
			funder, dest, err = s.lockAccountPair(tx, funderID, accountID)
		} else {
			dest, err = s.lockAccount(tx, accountID)
		}
		if err != nil {
			return err
		}

		group := &models.TransactionGroup{
			ID:      uuid.NewString(),
			Purpose: models.GroupPurposeDonationMatch,
		}
		if err := s.createGroup(tx, group); err != nil {
			return err
		}

		corr := optional(correlationID)
		role := models.GroupRoleDonation
		donation := &models.Transaction{
			TransactionID: uuid.NewString(),
			AccountID:     accountID,
			Amount:        amountCents,
			Type:          models.TypeDonation,
			Status:        models.StatusCleared,
			GroupID:       &group.ID,
			GroupRole:     &role,
			CorrelationID: corr,
		}
		if err := s.appendEntry(tx, donation); err != nil {
			return err
		}

		destDelta := amountCents
		matched := int64(0)
		if funder != nil {
			if funder.Balance < matchCents {
				log.Printf("[LEDGER] Match skipped for fundraiser %s: funder %s cannot cover %d cents", accountID, funderID, matchCents)
			} else {
				debitRole := models.GroupRoleMatchDebit
				creditRole := models.GroupRoleMatchCredit
				matchDebit := &models.Transaction{
					TransactionID:         uuid.NewString(),
					AccountID:             funderID,
					Amount:                -matchCents,
					Type:                  models.TypeTransfer,
					Status:                models.StatusCleared,
					TransferFromAccountID: &funderID,
					TransferToAccountID:   &accountID,
					GroupID:               &group.ID,
					GroupRole:             &debitRole,
					CorrelationID:         corr,
				}
				matchCredit := &models.Transaction{
					TransactionID:         uuid.NewString(),
					AccountID:             accountID,
					Amount:                matchCents,
					Type:                  models.TypeTransfer,
					Status:                models.StatusCleared,
					TransferFromAccountID: &funderID,
					TransferToAccountID:   &accountID,
					GroupID:               &group.ID,
					GroupRole:             &creditRole,
					CorrelationID:         corr,
				}
				if err := s.appendEntry(tx, matchDebit); err != nil {
					return err
				}
				if err := s.appendEntry(tx, matchCredit); err != nil {
					return err
				}
				if err := s.updateBalance(tx, funder, funder.Balance-matchCents); err != nil {
					return err
				}
				destDelta += matchCents
				matched = matchCents
			}
		}

		if err := s.updateBalance(tx, dest, dest.Balance+destDelta); err != nil {
			return err
		}

		result = &DonationResult{
			Donation:      donation,
			Account:       dest,
			GroupID:       group.ID,
			MatchedAmount: matched,
		}
		return nil
	})
	if err != nil {
		s.audit.LogError("", accountID, err)
		return nil, err
	}

	entries := 1
	if result.MatchedAmount > 0 {
		entries = 3
	}
	s.audit.LogGroup(result.GroupID, models.GroupPurposeDonationMatch, entries)
	return result, nil
}

// PayPayee posts a negative CHECK_PAYMENT or ACH_PAYMENT entry referencing
// the payee. For checks, the Check record is created PENDING inside the same
// transaction and linked to the entry.
func (s *LedgerService) PayPayee(ctx context.Context, accountID string, payee *models.Payee, amountCents int64, method, memo, correlationID string) (*PaymentResult, error) {
	if amountCents <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	if method != "ACH" && method != "CHECK" {
		return nil, fmt.Errorf("%w: method must be ACH or CHECK", ErrInvalidInput)
	}

	var result *PaymentResult
	err := s.runTx(ctx, func(tx *sql.Tx) error {
		account, err := s.lockAccount(tx, accountID)
		if err != nil {
			return err
		}
		if account.Balance < amountCents {
			return ErrInsufficientFunds
		}

		entryType := models.TypeACHPayment
		var check *models.Check
		if method == "CHECK" {
			entryType = models.TypeCheckPayment
			check = &models.Check{
				ID:      uuid.NewString(),
				PayeeID: payee.ID,
				Amount:  amountCents,
				Memo:    optional(memo),
				Status:  models.CheckStatusPending,
			}
			if err := s.createCheck(tx, check); err != nil {
				return err
			}
		}

		entry := &models.Transaction{
			TransactionID: uuid.NewString(),
			AccountID:     accountID,
			Amount:        -amountCents,
			Type:          entryType,
			Status:        models.StatusCleared,
			CorrelationID: optional(correlationID),
			PayeeID:       &payee.ID,
		}
		if check != nil {
			entry.CheckID = &check.ID
		}
		if err := s.appendEntry(tx, entry); err != nil {
			return err
		}

		if err := s.updateBalance(tx, account, account.Balance-amountCents); err != nil {
			return err
		}

		result = &PaymentResult{Transaction: entry, Account: account, Check: check}
		return nil
	})
	if err != nil {
		s.audit.LogError("", accountID, err)
		return nil, err
	}

	s.audit.LogPosting(result.Transaction.TransactionID, accountID, result.Transaction.Type, result.Transaction.Amount)
	return result, nil
}

// DeleteAccount removes an account whose balance is exactly zero, cascading
// to its membership links, ledger entries, cards and fundraising settings in
// the same transaction. Partial deletion is never observable.
func (s *LedgerService) DeleteAccount(ctx context.Context, accountID string) error {
	err := s.runTx(ctx, func(tx *sql.Tx) error {
		account, err := s.lockAccount(tx, accountID)
		if err != nil {
			return err
		}
		if account.Balance != 0 {
			return ErrBalanceNotZero
		}

		cascade := []string{
			`DELETE FROM account_users WHERE account_id = $1`,
			`DELETE FROM transactions WHERE account_id = $1`,
			`DELETE FROM cards WHERE account_id = $1`,
			`DELETE FROM fundraising_settings WHERE account_id = $1`,
			`DELETE FROM accounts WHERE id = $1`,
		}
		for _, stmt := range cascade {
			if _, err := tx.Exec(stmt, accountID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.audit.LogError("", accountID, err)
		return err
	}

	log.Printf("[LEDGER] Account %s deleted", accountID)
	return nil
}

// runTx executes fn inside one bounded database transaction, retrying once
// when a concurrent writer caused an optimistic-lock conflict.
func (s *LedgerService) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	err := s.execTx(ctx, fn)
	if errors.Is(err, ErrConflict) {
		log.Printf("[LEDGER] Conflict detected, retrying once")
		err = s.execTx(ctx, fn)
	}
	return err
}

func (s *LedgerService) execTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// lockAccountPair locks two accounts in id order to prevent deadlocks and
// returns them in argument order.
func (s *LedgerService) lockAccountPair(tx *sql.Tx, firstID, secondID string) (*models.Account, *models.Account, error) {
	lockFirst, lockSecond := firstID, secondID
	if firstID > secondID {
		lockFirst, lockSecond = secondID, firstID
	}

	a, err := s.lockAccount(tx, lockFirst)
	if err != nil {
		return nil, nil, err
	}
	b, err := s.lockAccount(tx, lockSecond)
	if err != nil {
		return nil, nil, err
	}

	if lockFirst != firstID {
		a, b = b, a
	}
	return a, b, nil
}

func (s *LedgerService) lockAccount(tx *sql.Tx, accountID string) (*models.Account, error) {
	var account models.Account
	err := tx.QueryRow(`
		SELECT id, nickname, account_number, routing_number, balance, version, created_at, updated_at
		FROM accounts
		WHERE id = $1
		FOR UPDATE`, accountID).
		Scan(&account.ID, &account.Nickname, &account.AccountNumber, &account.RoutingNumber,
			&account.Balance, &account.Version, &account.CreatedAt, &account.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: account %s", ErrNotFound, accountID)
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (s *LedgerService) appendEntry(tx *sql.Tx, entry *models.Transaction) error {
	entry.CreatedAt = time.Now()
	return tx.QueryRow(`
		INSERT INTO transactions (transaction_id, account_id, amount, type, status, transfer_from_account_id, transfer_to_account_id, group_id, group_role, correlation_id, card_id, check_id, payee_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id`,
		entry.TransactionID, entry.AccountID, entry.Amount, entry.Type, entry.Status,
		entry.TransferFromAccountID, entry.TransferToAccountID, entry.GroupID, entry.GroupRole,
		entry.CorrelationID, entry.CardID, entry.CheckID, entry.PayeeID, entry.CreatedAt).
		Scan(&entry.ID)
}

func (s *LedgerService) createGroup(tx *sql.Tx, group *models.TransactionGroup) error {
	group.CreatedAt = time.Now()
	_, err := tx.Exec(`
		INSERT INTO transaction_groups (id, purpose, created_at)
		VALUES ($1, $2, $3)`,
		group.ID, group.Purpose, group.CreatedAt)
	return err
}

func (s *LedgerService) createCheck(tx *sql.Tx, check *models.Check) error {
	check.CreatedAt = time.Now()
	_, err := tx.Exec(`
		INSERT INTO checks (id, payee_id, amount, memo, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		check.ID, check.PayeeID, check.Amount, check.Memo, check.Status, check.CreatedAt)
	return err
}

// updateBalance applies the new balance with the optimistic version check and
// mutates the in-memory account to match. Zero affected rows means another
// transaction touched the row after our FOR UPDATE read committed; surface it
// as a conflict.
func (s *LedgerService) updateBalance(tx *sql.Tx, account *models.Account, newBalance int64) error {
	now := time.Now()
	result, err := tx.Exec(`
		UPDATE accounts
		SET balance = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND version = $4`,
		newBalance, now, account.ID, account.Version)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: account %s", ErrConflict, account.ID)
	}

	account.Balance = newBalance
	account.Version++
	account.UpdatedAt = now
	return nil
}

func (s *LedgerService) loadMatchingSettings(ctx context.Context, accountID string) (*models.FundraisingSettings, error) {
	var settings models.FundraisingSettings
	err := s.db.QueryRowContext(ctx, `
		SELECT account_id, enabled, matching_enabled, matching_percent, matching_from_account_id
		FROM fundraising_settings
		WHERE account_id = $1`, accountID).
		Scan(&settings.AccountID, &settings.Enabled, &settings.MatchingEnabled,
			&settings.MatchingPercent, &settings.MatchingFromAccountID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: fundraiser not enabled", ErrInvalidInput)
	}
	if err != nil {
		return nil, err
	}
	return &settings, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
