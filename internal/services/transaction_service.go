package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/impactbank/backend/internal/middleware"
	"github.com/impactbank/backend/internal/models"
	"github.com/shopspring/decimal"
)

// TransactionService is the HTTP surface over the ledger operations. Every
// handler resolves the caller identity, validates the typed request struct,
// delegates the mutation to LedgerService and fans the committed result out
// to automation.
type TransactionService struct {
	db         *sql.DB
	redis      *redis.Client
	ledger     *LedgerService
	ach        *ACHService
	automation AutomationPublisher
	validator  *ValidationHelper
}

func NewTransactionService(db *sql.DB, redisClient *redis.Client, ledger *LedgerService, ach *ACHService, automation AutomationPublisher) *TransactionService {
	if automation == nil {
		automation = NopPublisher{}
	}
	return &TransactionService{
		db:         db,
		redis:      redisClient,
		ledger:     ledger,
		ach:        ach,
		automation: automation,
		validator:  NewValidationHelper(),
	}
}

// PostingRequest is the deposit/withdrawal payload.
type PostingRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Type   string          `json:"type" validate:"required,oneof=DEPOSIT WITHDRAWAL"`
}

// TransferRequest is the transfer payload.
type TransferRequest struct {
	ToAccountID string          `json:"toAccountId" validate:"required"`
	Amount      decimal.Decimal `json:"amount"`
}

// PaymentRequest is the payee payment payload.
type PaymentRequest struct {
	Method  string          `json:"method" validate:"required,oneof=ACH CHECK"`
	PayeeID string          `json:"payeeId" validate:"required"`
	Amount  decimal.Decimal `json:"amount"`
	Memo    string          `json:"memo,omitempty" validate:"max=200"`
}

// CreateTransaction handles deposits and withdrawals
// @Summary Create a deposit or withdrawal
// @Description Post a DEPOSIT or WITHDRAWAL against an account
// @Tags transactions
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Account ID"
// @Param request body PostingRequest true "Posting data"
// @Success 201 {object} PostingResult
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /accounts/{id}/transactions [post]
func (ts *TransactionService) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.Caller(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	accountID := chi.URLParam(r, "id")

	var req PostingRequest
	if !ts.decode(w, r, &req) {
		return
	}

	amountCents, err := ParseAmountCents(req.Amount)
	if err != nil {
		SendDomainError(w, err)
		return
	}

	if _, err := ts.ledger.GetAccount(r.Context(), accountID, caller.UserID, caller.UsingServiceCredential); err != nil {
		SendDomainError(w, err)
		return
	}

	if ts.replayIdempotent(w, r) {
		return
	}

	correlationID := ts.correlationID(r)
	var result *PostingResult
	if req.Type == models.TypeWithdrawal {
		result, err = ts.ledger.Withdraw(r.Context(), accountID, amountCents, correlationID)
	} else {
		result, err = ts.ledger.Deposit(r.Context(), accountID, amountCents, correlationID)
	}
	if err != nil {
		SendDomainError(w, err)
		return
	}

	log.Printf("[TRANSACTION] %s of %d cents posted to account %s", req.Type, amountCents, accountID)
	ts.automation.Publish(AutomationEvent{
		EventType:     EventTransactionCreated,
		TransactionID: result.Transaction.TransactionID,
		AccountID:     accountID,
		Amount:        result.Transaction.Amount,
		Status:        result.Transaction.Status,
		CorrelationID: correlationID,
		Metadata:      map[string]any{"type": req.Type, "balance": result.Account.Balance},
	})

	ts.respond(w, r, http.StatusCreated, result)
}

// Transfer moves funds between two accounts
// @Summary Transfer between accounts
// @Description Atomically move funds from the source account to the destination account
// @Tags transactions
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Source account ID"
// @Param request body TransferRequest true "Transfer data"
// @Success 200 {object} TransferResult
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /accounts/{id}/transfer [post]
func (ts *TransactionService) Transfer(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.Caller(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	fromAccountID := chi.URLParam(r, "id")

	var req TransferRequest
	if !ts.decode(w, r, &req) {
		return
	}

	amountCents, err := ParseAmountCents(req.Amount)
	if err != nil {
		SendDomainError(w, err)
		return
	}

	// Source requires caller access. Destination only has to exist: you can
	// transfer to any account you know the id of.
	if _, err := ts.ledger.GetAccount(r.Context(), fromAccountID, caller.UserID, caller.UsingServiceCredential); err != nil {
		SendDomainError(w, err)
		return
	}
	if _, err := ts.ledger.GetAccount(r.Context(), req.ToAccountID, caller.UserID, true); err != nil {
		SendErrorResponse(w, "Destination account not found", http.StatusNotFound, nil)
		return
	}

	if ts.replayIdempotent(w, r) {
		return
	}

	correlationID := ts.correlationID(r)
	result, err := ts.ledger.Transfer(r.Context(), fromAccountID, req.ToAccountID, amountCents, correlationID)
	if err != nil {
		SendDomainError(w, err)
		return
	}

	log.Printf("[TRANSACTION] Transfer of %d cents from %s to %s", amountCents, fromAccountID, req.ToAccountID)
	ts.automation.Publish(AutomationEvent{
		EventType:     EventTransferCompleted,
		TransactionID: result.FromTransaction.TransactionID,
		AccountID:     fromAccountID,
		Amount:        amountCents,
		Status:        models.StatusCleared,
		CorrelationID: correlationID,
		Metadata: map[string]any{
			"toAccountId": req.ToAccountID,
			"fromBalance": result.FromAccount.Balance,
			"toBalance":   result.ToAccount.Balance,
		},
	})

	ts.respond(w, r, http.StatusOK, result)
}

// CreatePayment pays a payee by ACH or mailed check
// @Summary Pay a payee
// @Description Post an ACH or CHECK payment from an account to one of the caller's payees
// @Tags transactions
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Account ID"
// @Param request body PaymentRequest true "Payment data"
// @Success 201 {object} PaymentResult
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /accounts/{id}/payments [post]
func (ts *TransactionService) CreatePayment(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.Caller(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	accountID := chi.URLParam(r, "id")

	var req PaymentRequest
	if !ts.decode(w, r, &req) {
		return
	}

	amountCents, err := ParseAmountCents(req.Amount)
	if err != nil {
		SendDomainError(w, err)
		return
	}

	account, err := ts.ledger.GetAccount(r.Context(), accountID, caller.UserID, caller.UsingServiceCredential)
	if err != nil {
		SendDomainError(w, err)
		return
	}

	// The payee must belong to the caller's user, service credential or not.
	payee, err := ts.getPayee(r.Context(), req.PayeeID, caller.UserID)
	if err != nil {
		SendDomainError(w, err)
		return
	}

	if ts.replayIdempotent(w, r) {
		return
	}

	correlationID := ts.correlationID(r)
	result, err := ts.ledger.PayPayee(r.Context(), accountID, payee, amountCents, req.Method, req.Memo, correlationID)
	if err != nil {
		SendDomainError(w, err)
		return
	}

	if req.Method == "ACH" && ts.ach != nil {
		// Post-commit; a gateway failure never unwinds the posting.
		if err := ts.ach.SubmitPayment(result.Transaction, account, payee); err != nil {
			log.Printf("[TRANSACTION] ACH submission failed for %s: %v", result.Transaction.TransactionID, err)
		}
	}

	log.Printf("[TRANSACTION] %s payment of %d cents from %s to payee %s", req.Method, amountCents, accountID, payee.ID)
	ts.automation.Publish(AutomationEvent{
		EventType:     EventPaymentSubmitted,
		TransactionID: result.Transaction.TransactionID,
		AccountID:     accountID,
		Amount:        result.Transaction.Amount,
		Status:        result.Transaction.Status,
		CorrelationID: correlationID,
		Metadata:      map[string]any{"method": req.Method, "payeeId": payee.ID},
	})

	ts.respond(w, r, http.StatusCreated, result)
}

// ListTransactions returns an account's ledger entries
// @Summary List account transactions
// @Description Entries ordered by creation time descending, with derived running balances
// @Tags transactions
// @Produce json
// @Security BearerAuth
// @Param id path string true "Account ID"
// @Param typeIn query string false "Comma-separated type filter"
// @Param limit query int false "Page size (default 50)"
// @Param offset query int false "Page offset"
// @Success 200 {object} object{transactions=[]models.Transaction,count=int,limit=int,offset=int}
// @Failure 404 {object} ErrorResponse
// @Router /accounts/{id}/transactions [get]
func (ts *TransactionService) ListTransactions(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.Caller(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	accountID := chi.URLParam(r, "id")

	account, err := ts.ledger.GetAccount(r.Context(), accountID, caller.UserID, caller.UsingServiceCredential)
	if err != nil {
		SendDomainError(w, err)
		return
	}

	var typeIn []string
	if raw := r.URL.Query().Get("typeIn"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				typeIn = append(typeIn, t)
			}
		}
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 {
		limit = 50
	}

	entries, err := ts.ledger.ListEntries(r.Context(), accountID, typeIn, limit, offset)
	if err != nil {
		SendDomainError(w, err)
		return
	}

	// The running balance is only exact when the page starts at the newest
	// entry and no type filter hides postings.
	if len(typeIn) == 0 && offset == 0 {
		AttachRunningBalances(entries, account.Balance)
	}

	SendJSON(w, http.StatusOK, map[string]any{
		"transactions": entries,
		"count":        len(entries),
		"limit":        limit,
		"offset":       offset,
	})
}

func (ts *TransactionService) getPayee(ctx context.Context, payeeID, userID string) (*models.Payee, error) {
	var p models.Payee
	err := ts.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, email, phone, address_line1, address_line2, city, state, postal_code, country, ach_account_number, ach_routing_number, created_at, updated_at
		FROM payees
		WHERE id = $1 AND user_id = $2`, payeeID, userID).
		Scan(&p.ID, &p.UserID, &p.Name, &p.Email, &p.Phone, &p.AddressLine1, &p.AddressLine2,
			&p.City, &p.State, &p.PostalCode, &p.Country, &p.ACHAccountNumber, &p.ACHRoutingNumber,
			&p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: payee not found", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (ts *TransactionService) decode(w http.ResponseWriter, r *http.Request, req any) bool {
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
	if err := ts.validator.ValidateStruct(req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return false
	}
	return true
}

// correlationID threads the caller-supplied token through to the ledger
// entries, generating one when absent.
func (ts *TransactionService) correlationID(r *http.Request) string {
	if id := r.Header.Get("X-Correlation-Id"); id != "" {
		return id
	}
	return uuid.NewString()
}

const idempotencyTTL = 24 * time.Hour

// replayIdempotent short-circuits a repeated Idempotency-Key with the cached
// response. Soft dedup: the storage layer records correlation ids but does
// not enforce uniqueness, so auditors can still see replayed attempts that
// raced past this cache.
func (ts *TransactionService) replayIdempotent(w http.ResponseWriter, r *http.Request) bool {
	key := r.Header.Get("Idempotency-Key")
	if key == "" || ts.redis == nil {
		return false
	}

	cached, err := ts.redis.Get(r.Context(), "idem:"+key).Bytes()
	if err == redis.Nil {
		return false
	}
	if err != nil {
		log.Printf("[TRANSACTION] Idempotency lookup failed: %v", err)
		return false
	}

	log.Printf("[TRANSACTION] Replaying idempotent response for key %s", key)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Idempotent-Replayed", "true")
	w.WriteHeader(http.StatusOK)
	w.Write(cached)
	return true
}

// respond writes the response and caches it when the request carried an
// Idempotency-Key.
func (ts *TransactionService) respond(w http.ResponseWriter, r *http.Request, status int, body any) {
	payload, err := json.Marshal(body)
	if err != nil {
		SendErrorResponse(w, "Internal server error", http.StatusInternalServerError, nil)
		return
	}

	if key := r.Header.Get("Idempotency-Key"); key != "" && ts.redis != nil {
		if err := ts.redis.Set(r.Context(), "idem:"+key, payload, idempotencyTTL).Err(); err != nil {
			log.Printf("[TRANSACTION] Idempotency store failed: %v", err)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(payload)
}
