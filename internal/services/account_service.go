package services

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/big"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/impactbank/backend/internal/middleware"
	"github.com/impactbank/backend/internal/models"
)

// defaultNicknames seeds new accounts that arrive without a nickname: the
// first unnamed account becomes Checking, the next Savings, and so on.
var defaultNicknames = []string{"Checking", "Savings", "Business", "Personal"}

const defaultRoutingNumber = "021000021"

// AccountService manages account lifecycle: creation, listing, renaming and
// the zero-balance-guarded deletion. Balance mutations live in LedgerService.
type AccountService struct {
	db         *sql.DB
	ledger     *LedgerService
	automation AutomationPublisher
	validator  *ValidationHelper
}

func NewAccountService(db *sql.DB, ledger *LedgerService, automation AutomationPublisher) *AccountService {
	if automation == nil {
		automation = NopPublisher{}
	}
	return &AccountService{
		db:         db,
		ledger:     ledger,
		automation: automation,
		validator:  NewValidationHelper(),
	}
}

// CreateAccountRequest is the account creation payload.
type CreateAccountRequest struct {
	Nickname string `json:"nickname,omitempty" validate:"max=100"`
}

// RenameAccountRequest updates an account's nickname.
type RenameAccountRequest struct {
	Nickname string `json:"nickname" validate:"required,max=100"`
}

// ListAccounts returns the caller's accounts
// @Summary List accounts
// @Description All accounts the caller is a member of; a service credential sees every account
// @Tags accounts
// @Produce json
// @Security BearerAuth
// @Success 200 {object} object{accounts=[]models.Account,count=int}
// @Router /accounts [get]
func (as *AccountService) ListAccounts(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.Caller(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	query := `
		SELECT a.id, a.nickname, a.account_number, a.routing_number, a.balance, a.version, a.created_at, a.updated_at
		FROM accounts a
		JOIN account_users au ON au.account_id = a.id
		WHERE au.user_id = $1
		ORDER BY a.created_at ASC`
	args := []any{caller.UserID}
	if caller.UsingServiceCredential {
		query = `
			SELECT id, nickname, account_number, routing_number, balance, version, created_at, updated_at
			FROM accounts
			ORDER BY created_at ASC`
		args = nil
	}

	rows, err := as.db.QueryContext(r.Context(), query, args...)
	if err != nil {
		log.Printf("[ACCOUNT] List query failed: %v", err)
		SendErrorResponse(w, "Internal server error", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	accounts := []*models.Account{}
	for rows.Next() {
		var a models.Account
		if err := rows.Scan(&a.ID, &a.Nickname, &a.AccountNumber, &a.RoutingNumber,
			&a.Balance, &a.Version, &a.CreatedAt, &a.UpdatedAt); err != nil {
			SendErrorResponse(w, "Internal server error", http.StatusInternalServerError, nil)
			return
		}
		accounts = append(accounts, &a)
	}
	if err := rows.Err(); err != nil {
		SendErrorResponse(w, "Internal server error", http.StatusInternalServerError, nil)
		return
	}

	SendJSON(w, http.StatusOK, map[string]any{"accounts": accounts, "count": len(accounts)})
}

// CreateAccount opens a new account for the caller
// @Summary Create account
// @Description Opens a zero-balance account and enrolls the caller as a member
// @Tags accounts
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body CreateAccountRequest true "Account data"
// @Success 201 {object} models.Account
// @Failure 400 {object} ErrorResponse
// @Router /accounts [post]
func (as *AccountService) CreateAccount(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.Caller(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req CreateAccountRequest
	if !as.decode(w, r, &req) {
		return
	}

	account, err := as.OpenAccount(r.Context(), caller.UserID, req.Nickname)
	if err != nil {
		SendDomainError(w, err)
		return
	}

	log.Printf("[ACCOUNT] Opened account %s (%s) for user %s", account.ID, account.Nickname, caller.UserID)
	SendJSON(w, http.StatusCreated, account)
}

// OpenAccount creates a zero-balance account and the membership row in one
// database transaction. Also used at registration to give the new user a
// starter account.
func (as *AccountService) OpenAccount(ctx context.Context, userID, nickname string) (*models.Account, error) {
	if nickname == "" {
		var existing int
		err := as.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM account_users WHERE user_id = $1`, userID).Scan(&existing)
		if err != nil {
			return nil, err
		}
		nickname = defaultNicknames[existing%len(defaultNicknames)]
	}

	number, err := generateAccountNumber()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	account := &models.Account{
		ID:            uuid.NewString(),
		Nickname:      nickname,
		AccountNumber: number,
		RoutingNumber: defaultRoutingNumber,
		Balance:       0,
		Version:       0,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	tx, err := as.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO accounts (id, nickname, account_number, routing_number, balance, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		account.ID, account.Nickname, account.AccountNumber, account.RoutingNumber,
		account.Balance, account.Version, account.CreatedAt, account.UpdatedAt)
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(`
		INSERT INTO account_users (id, user_id, account_id, created_at)
		VALUES ($1, $2, $3, $4)`,
		uuid.NewString(), userID, account.ID, now)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return account, nil
}

// GetAccount returns one account with its most recent activity
// @Summary Get account
// @Tags accounts
// @Produce json
// @Security BearerAuth
// @Param id path string true "Account ID"
// @Success 200 {object} object{account=models.Account,recentTransactions=[]models.Transaction,cards=[]models.Card}
// @Failure 404 {object} ErrorResponse
// @Router /accounts/{id} [get]
func (as *AccountService) GetAccount(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.Caller(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	accountID := chi.URLParam(r, "id")

	account, err := as.ledger.GetAccount(r.Context(), accountID, caller.UserID, caller.UsingServiceCredential)
	if err != nil {
		SendDomainError(w, err)
		return
	}

	recent, err := as.ledger.ListEntries(r.Context(), accountID, nil, 10, 0)
	if err != nil {
		SendDomainError(w, err)
		return
	}
	AttachRunningBalances(recent, account.Balance)

	cards, err := as.listCards(r.Context(), accountID)
	if err != nil {
		log.Printf("[ACCOUNT] Card lookup failed for %s: %v", accountID, err)
		SendErrorResponse(w, "Internal server error", http.StatusInternalServerError, nil)
		return
	}

	SendJSON(w, http.StatusOK, map[string]any{
		"account":            account,
		"recentTransactions": recent,
		"cards":              cards,
	})
}

func (as *AccountService) listCards(ctx context.Context, accountID string) ([]*models.Card, error) {
	rows, err := as.db.QueryContext(ctx, `
		SELECT id, account_id, nickname, last_four, is_active, expires_at, created_at, updated_at
		FROM cards
		WHERE account_id = $1
		ORDER BY created_at ASC`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cards := []*models.Card{}
	for rows.Next() {
		var c models.Card
		if err := rows.Scan(&c.ID, &c.AccountID, &c.Nickname, &c.LastFour,
			&c.IsActive, &c.ExpiresAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		cards = append(cards, &c)
	}
	return cards, rows.Err()
}

// GetBalance returns the current balance
// @Summary Balance enquiry
// @Tags accounts
// @Produce json
// @Security BearerAuth
// @Param id path string true "Account ID"
// @Success 200 {object} object{accountId=string,balance=int64}
// @Failure 404 {object} ErrorResponse
// @Router /accounts/{id}/balance [get]
func (as *AccountService) GetBalance(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.Caller(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	accountID := chi.URLParam(r, "id")

	account, err := as.ledger.GetAccount(r.Context(), accountID, caller.UserID, caller.UsingServiceCredential)
	if err != nil {
		SendDomainError(w, err)
		return
	}

	SendJSON(w, http.StatusOK, map[string]any{
		"accountId": account.ID,
		"balance":   account.Balance,
	})
}

// RenameAccount updates the account nickname
// @Summary Rename account
// @Tags accounts
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Account ID"
// @Param request body RenameAccountRequest true "New nickname"
// @Success 200 {object} models.Account
// @Failure 404 {object} ErrorResponse
// @Router /accounts/{id} [patch]
func (as *AccountService) RenameAccount(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.Caller(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	accountID := chi.URLParam(r, "id")

	var req RenameAccountRequest
	if !as.decode(w, r, &req) {
		return
	}

	account, err := as.ledger.GetAccount(r.Context(), accountID, caller.UserID, caller.UsingServiceCredential)
	if err != nil {
		SendDomainError(w, err)
		return
	}

	now := time.Now()
	_, err = as.db.ExecContext(r.Context(),
		`UPDATE accounts SET nickname = $1, updated_at = $2 WHERE id = $3`,
		req.Nickname, now, accountID)
	if err != nil {
		log.Printf("[ACCOUNT] Rename failed for %s: %v", accountID, err)
		SendErrorResponse(w, "Internal server error", http.StatusInternalServerError, nil)
		return
	}

	account.Nickname = req.Nickname
	account.UpdatedAt = now
	SendJSON(w, http.StatusOK, account)
}

// DeleteAccount removes a zero-balance account
// @Summary Delete account
// @Description Fails with 400 unless the balance is exactly zero
// @Tags accounts
// @Produce json
// @Security BearerAuth
// @Param id path string true "Account ID"
// @Success 200 {object} object{deleted=bool,accountId=string}
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /accounts/{id} [delete]
func (as *AccountService) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.Caller(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	accountID := chi.URLParam(r, "id")

	if _, err := as.ledger.GetAccount(r.Context(), accountID, caller.UserID, caller.UsingServiceCredential); err != nil {
		SendDomainError(w, err)
		return
	}

	if err := as.ledger.DeleteAccount(r.Context(), accountID); err != nil {
		SendDomainError(w, err)
		return
	}

	log.Printf("[ACCOUNT] Deleted account %s", accountID)
	as.automation.Publish(AutomationEvent{
		EventType: EventAccountDeleted,
		AccountID: accountID,
	})

	SendJSON(w, http.StatusOK, map[string]any{"deleted": true, "accountId": accountID})
}

func (as *AccountService) decode(w http.ResponseWriter, r *http.Request, req any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}
	if err := as.validator.ValidateStruct(req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return false
	}
	return true
}

// generateAccountNumber produces a random 10-digit account number.
func generateAccountNumber() (string, error) {
	max := big.NewInt(10_000_000_000)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("generating account number: %w", err)
	}
	return fmt.Sprintf("%010d", n), nil
}
