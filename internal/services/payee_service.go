package services

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/impactbank/backend/internal/middleware"
	"github.com/impactbank/backend/internal/models"
)

// PayeeService manages the caller's payee address book. Payees belong to a
// user, not an account; every query is scoped to the caller's user id.
type PayeeService struct {
	db        *sql.DB
	validator *ValidationHelper
}

func NewPayeeService(db *sql.DB) *PayeeService {
	return &PayeeService{
		db:        db,
		validator: NewValidationHelper(),
	}
}

// PayeeRequest is the create/update payload.
type PayeeRequest struct {
	Name             string  `json:"name" validate:"required,max=200"`
	Email            *string `json:"email,omitempty" validate:"omitempty,email"`
	Phone            *string `json:"phone,omitempty" validate:"omitempty,e164"`
	AddressLine1     *string `json:"addressLine1,omitempty" validate:"omitempty,max=200"`
	AddressLine2     *string `json:"addressLine2,omitempty" validate:"omitempty,max=200"`
	City             *string `json:"city,omitempty" validate:"omitempty,max=100"`
	State            *string `json:"state,omitempty" validate:"omitempty,max=100"`
	PostalCode       *string `json:"postalCode,omitempty" validate:"omitempty,max=20"`
	Country          string  `json:"country,omitempty" validate:"omitempty,len=2"`
	ACHAccountNumber *string `json:"achAccountNumber,omitempty" validate:"omitempty,numeric,min=4,max=17"`
	ACHRoutingNumber *string `json:"achRoutingNumber,omitempty" validate:"omitempty,numeric,len=9"`
}

const payeeColumns = `id, user_id, name, email, phone, address_line1, address_line2, city, state, postal_code, country, ach_account_number, ach_routing_number, created_at, updated_at`

// ListPayees returns the caller's payees
// @Summary List payees
// @Tags payees
// @Produce json
// @Security BearerAuth
// @Success 200 {object} object{payees=[]models.Payee,count=int}
// @Router /payees [get]
func (ps *PayeeService) ListPayees(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.Caller(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	rows, err := ps.db.QueryContext(r.Context(),
		`SELECT `+payeeColumns+` FROM payees WHERE user_id = $1 ORDER BY name ASC`, caller.UserID)
	if err != nil {
		log.Printf("[PAYEE] List query failed: %v", err)
		SendErrorResponse(w, "Internal server error", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	payees := []*models.Payee{}
	for rows.Next() {
		p, err := scanPayee(rows)
		if err != nil {
			SendErrorResponse(w, "Internal server error", http.StatusInternalServerError, nil)
			return
		}
		payees = append(payees, p)
	}
	if err := rows.Err(); err != nil {
		SendErrorResponse(w, "Internal server error", http.StatusInternalServerError, nil)
		return
	}

	SendJSON(w, http.StatusOK, map[string]any{"payees": payees, "count": len(payees)})
}

// CreatePayee adds a payee to the caller's address book
// @Summary Create payee
// @Tags payees
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body PayeeRequest true "Payee data"
// @Success 201 {object} models.Payee
// @Failure 400 {object} ErrorResponse
// @Router /payees [post]
func (ps *PayeeService) CreatePayee(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.Caller(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req PayeeRequest
	if !ps.decode(w, r, &req) {
		return
	}
	if req.Country == "" {
		req.Country = "US"
	}

	now := time.Now()
	payee := &models.Payee{
		ID:               uuid.NewString(),
		UserID:           caller.UserID,
		Name:             req.Name,
		Email:            req.Email,
		Phone:            req.Phone,
		AddressLine1:     req.AddressLine1,
		AddressLine2:     req.AddressLine2,
		City:             req.City,
		State:            req.State,
		PostalCode:       req.PostalCode,
		Country:          req.Country,
		ACHAccountNumber: req.ACHAccountNumber,
		ACHRoutingNumber: req.ACHRoutingNumber,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	_, err := ps.db.ExecContext(r.Context(), `
		INSERT INTO payees (`+payeeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		payee.ID, payee.UserID, payee.Name, payee.Email, payee.Phone,
		payee.AddressLine1, payee.AddressLine2, payee.City, payee.State, payee.PostalCode,
		payee.Country, payee.ACHAccountNumber, payee.ACHRoutingNumber,
		payee.CreatedAt, payee.UpdatedAt)
	if err != nil {
		log.Printf("[PAYEE] Insert failed: %v", err)
		SendErrorResponse(w, "Internal server error", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[PAYEE] Created payee %s (%s) for user %s", payee.ID, payee.Name, caller.UserID)
	SendJSON(w, http.StatusCreated, payee)
}

// GetPayee returns one payee
// @Summary Get payee
// @Tags payees
// @Produce json
// @Security BearerAuth
// @Param id path string true "Payee ID"
// @Success 200 {object} models.Payee
// @Failure 404 {object} ErrorResponse
// @Router /payees/{id} [get]
func (ps *PayeeService) GetPayee(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.Caller(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	payee, err := ps.findPayee(r, chi.URLParam(r, "id"), caller.UserID)
	if err != nil {
		SendDomainError(w, err)
		return
	}

	SendJSON(w, http.StatusOK, payee)
}

// UpdatePayee replaces a payee's details
// @Summary Update payee
// @Tags payees
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Payee ID"
// @Param request body PayeeRequest true "Payee data"
// @Success 200 {object} models.Payee
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /payees/{id} [put]
func (ps *PayeeService) UpdatePayee(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.Caller(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	payeeID := chi.URLParam(r, "id")

	var req PayeeRequest
	if !ps.decode(w, r, &req) {
		return
	}
	if req.Country == "" {
		req.Country = "US"
	}

	payee, err := ps.findPayee(r, payeeID, caller.UserID)
	if err != nil {
		SendDomainError(w, err)
		return
	}

	now := time.Now()
	_, err = ps.db.ExecContext(r.Context(), `
		UPDATE payees
		SET name = $1, email = $2, phone = $3, address_line1 = $4, address_line2 = $5,
		    city = $6, state = $7, postal_code = $8, country = $9,
		    ach_account_number = $10, ach_routing_number = $11, updated_at = $12
		WHERE id = $13 AND user_id = $14`,
		req.Name, req.Email, req.Phone, req.AddressLine1, req.AddressLine2,
		req.City, req.State, req.PostalCode, req.Country,
		req.ACHAccountNumber, req.ACHRoutingNumber, now, payeeID, caller.UserID)
	if err != nil {
		log.Printf("[PAYEE] Update failed for %s: %v", payeeID, err)
		SendErrorResponse(w, "Internal server error", http.StatusInternalServerError, nil)
		return
	}

	payee.Name = req.Name
	payee.Email = req.Email
	payee.Phone = req.Phone
	payee.AddressLine1 = req.AddressLine1
	payee.AddressLine2 = req.AddressLine2
	payee.City = req.City
	payee.State = req.State
	payee.PostalCode = req.PostalCode
	payee.Country = req.Country
	payee.ACHAccountNumber = req.ACHAccountNumber
	payee.ACHRoutingNumber = req.ACHRoutingNumber
	payee.UpdatedAt = now

	SendJSON(w, http.StatusOK, payee)
}

// DeletePayee removes a payee
// @Summary Delete payee
// @Description Past payments keep their payee reference; deletion only removes the address book entry
// @Tags payees
// @Produce json
// @Security BearerAuth
// @Param id path string true "Payee ID"
// @Success 200 {object} object{deleted=bool,payeeId=string}
// @Failure 404 {object} ErrorResponse
// @Router /payees/{id} [delete]
func (ps *PayeeService) DeletePayee(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.Caller(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	payeeID := chi.URLParam(r, "id")

	res, err := ps.db.ExecContext(r.Context(),
		`DELETE FROM payees WHERE id = $1 AND user_id = $2`, payeeID, caller.UserID)
	if err != nil {
		log.Printf("[PAYEE] Delete failed for %s: %v", payeeID, err)
		SendErrorResponse(w, "Internal server error", http.StatusInternalServerError, nil)
		return
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		SendErrorResponse(w, "Payee not found", http.StatusNotFound, nil)
		return
	}

	log.Printf("[PAYEE] Deleted payee %s", payeeID)
	SendJSON(w, http.StatusOK, map[string]any{"deleted": true, "payeeId": payeeID})
}

func (ps *PayeeService) findPayee(r *http.Request, payeeID, userID string) (*models.Payee, error) {
	row := ps.db.QueryRowContext(r.Context(),
		`SELECT `+payeeColumns+` FROM payees WHERE id = $1 AND user_id = $2`, payeeID, userID)
	p, err := scanPayee(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: payee not found", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayee(row rowScanner) (*models.Payee, error) {
	var p models.Payee
	err := row.Scan(&p.ID, &p.UserID, &p.Name, &p.Email, &p.Phone,
		&p.AddressLine1, &p.AddressLine2, &p.City, &p.State, &p.PostalCode,
		&p.Country, &p.ACHAccountNumber, &p.ACHRoutingNumber, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (ps *PayeeService) decode(w http.ResponseWriter, r *http.Request, req any) bool {
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
	if err := ps.validator.ValidateStruct(req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return false
	}
	return true
}
