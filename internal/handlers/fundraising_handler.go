package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/impactbank/backend/internal/middleware"
	"github.com/impactbank/backend/internal/models"
	"github.com/impactbank/backend/internal/services"
	"github.com/shopspring/decimal"
)

type FundraisingHandler struct {
	service    *services.FundraisingService
	ledger     *services.LedgerService
	automation services.AutomationPublisher
	validator  *services.ValidationHelper
}

func NewFundraisingHandler(service *services.FundraisingService, ledger *services.LedgerService, automation services.AutomationPublisher) *FundraisingHandler {
	if automation == nil {
		automation = services.NopPublisher{}
	}
	return &FundraisingHandler{
		service:    service,
		ledger:     ledger,
		automation: automation,
		validator:  services.NewValidationHelper(),
	}
}

// SettingsRequest is the owner-facing settings payload. Amounts are decimal
// dollars on the wire.
type SettingsRequest struct {
	Enabled               bool             `json:"enabled"`
	PublishStatus         string           `json:"publishStatus,omitempty" validate:"omitempty,oneof=UNLISTED PUBLIC"`
	Title                 *string          `json:"title,omitempty" validate:"omitempty,max=200"`
	Description           *string          `json:"description,omitempty" validate:"omitempty,max=2000"`
	ImageURL              *string          `json:"imageUrl,omitempty" validate:"omitempty,max=500"`
	Goal                  *decimal.Decimal `json:"goal,omitempty"`
	ThankYouMessage       *string          `json:"thankYouMessage,omitempty" validate:"omitempty,max=500"`
	MatchingEnabled       bool             `json:"matchingEnabled"`
	MatchingPercent       *int64           `json:"matchingPercent,omitempty" validate:"omitempty,min=0,max=100"`
	MatchingFromAccountID *string          `json:"matchingFromAccountId,omitempty"`
}

// DonateRequest is the public donation payload.
type DonateRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// GetSettings returns the owner view of fundraising settings and stats
// @Summary Get fundraising settings
// @Tags fundraising
// @Produce json
// @Security BearerAuth
// @Param id path string true "Account ID"
// @Success 200 {object} object{settings=models.FundraisingSettings,stats=models.FundraisingStats,donationUrl=string,qrCode=string}
// @Failure 404 {object} services.ErrorResponse
// @Router /accounts/{id}/fundraising [get]
func (h *FundraisingHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.Caller(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	accountID := chi.URLParam(r, "id")

	if _, err := h.ledger.GetAccount(r.Context(), accountID, caller.UserID, caller.UsingServiceCredential); err != nil {
		services.SendDomainError(w, err)
		return
	}

	settings, err := h.service.GetSettings(r.Context(), accountID)
	if err != nil {
		services.SendDomainError(w, err)
		return
	}
	stats, err := h.service.Stats(r.Context(), accountID)
	if err != nil {
		services.SendDomainError(w, err)
		return
	}

	// The owner view embeds the shareable link and its QR regardless of
	// publish status.
	qrCode, err := h.service.QRCodeBase64(accountID)
	if err != nil {
		log.Printf("[FUNDRAISING] QR render failed for account %s: %v", accountID, err)
	}

	services.SendJSON(w, http.StatusOK, map[string]any{
		"settings":    settings,
		"stats":       stats,
		"donationUrl": h.service.DonationURL(accountID),
		"qrCode":      qrCode,
	})
}

// UpdateSettings creates or replaces fundraising settings
// @Summary Update fundraising settings
// @Tags fundraising
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Account ID"
// @Param request body SettingsRequest true "Settings"
// @Success 200 {object} models.FundraisingSettings
// @Failure 400 {object} services.ErrorResponse
// @Failure 404 {object} services.ErrorResponse
// @Router /accounts/{id}/fundraising [put]
func (h *FundraisingHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.Caller(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	accountID := chi.URLParam(r, "id")

	var req SettingsRequest
	if !h.decode(w, r, &req) {
		return
	}

	if _, err := h.ledger.GetAccount(r.Context(), accountID, caller.UserID, caller.UsingServiceCredential); err != nil {
		services.SendDomainError(w, err)
		return
	}

	in := services.SettingsInput{
		Enabled:               req.Enabled,
		PublishStatus:         req.PublishStatus,
		Title:                 req.Title,
		Description:           req.Description,
		ImageURL:              req.ImageURL,
		ThankYouMessage:       req.ThankYouMessage,
		MatchingEnabled:       req.MatchingEnabled,
		MatchingPercent:       req.MatchingPercent,
		MatchingFromAccountID: req.MatchingFromAccountID,
	}
	if req.Goal != nil {
		goalCents, err := services.ParseAmountCents(*req.Goal)
		if err != nil {
			services.SendDomainError(w, err)
			return
		}
		in.Goal = &goalCents
	}

	settings, err := h.service.UpsertSettings(r.Context(), accountID, in)
	if err != nil {
		services.SendDomainError(w, err)
		return
	}

	log.Printf("[FUNDRAISING] Settings updated for account %s (enabled=%t, status=%s)",
		accountID, settings.Enabled, settings.PublishStatus)
	services.SendJSON(w, http.StatusOK, settings)
}

// PublicPage returns the donor-facing view of a campaign
// @Summary Public fundraising page
// @Description Campaign details and progress for an enabled, PUBLIC campaign. No authentication.
// @Tags fundraising
// @Produce json
// @Param id path string true "Account ID"
// @Success 200 {object} object{title=string,raised=int64}
// @Failure 404 {object} services.ErrorResponse
// @Router /fundraising/{id} [get]
func (h *FundraisingHandler) PublicPage(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")

	settings, err := h.service.PublicSettings(r.Context(), accountID)
	if err != nil {
		services.SendDomainError(w, err)
		return
	}
	stats, err := h.service.Stats(r.Context(), accountID)
	if err != nil {
		services.SendDomainError(w, err)
		return
	}

	// Donors never see the funding account or the page's internal balance.
	services.SendJSON(w, http.StatusOK, map[string]any{
		"accountId":       settings.AccountID,
		"title":           settings.Title,
		"description":     settings.Description,
		"imageUrl":        settings.ImageURL,
		"goal":            settings.Goal,
		"matchingEnabled": settings.MatchingEnabled,
		"matchingPercent": settings.MatchingPercent,
		"donationTotal":   stats.DonationTotal,
		"donationCount":   stats.DonationCount,
		"matchTotal":      stats.MatchTotal,
		"raised":          stats.Raised,
		"donationUrl":     h.service.DonationURL(accountID),
	})
}

// Donate posts a public donation
// @Summary Donate to a campaign
// @Description Post a donation to an enabled campaign (UNLISTED or PUBLIC). Applies the matching gift when configured. No authentication.
// @Tags fundraising
// @Accept json
// @Produce json
// @Param id path string true "Account ID"
// @Param request body DonateRequest true "Donation"
// @Success 201 {object} object{donationTransaction=models.Transaction,updatedAccount=models.Account,matching=object{matchedAmount=int64},thankYouMessage=string}
// @Failure 400 {object} services.ErrorResponse
// @Failure 404 {object} services.ErrorResponse
// @Router /fundraising/{id}/donate [post]
func (h *FundraisingHandler) Donate(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")

	var req DonateRequest
	if !h.decode(w, r, &req) {
		return
	}

	amountCents, err := services.ParseAmountCents(req.Amount)
	if err != nil {
		services.SendDomainError(w, err)
		return
	}

	correlationID := r.Header.Get("X-Correlation-Id")
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	result, err := h.service.Donate(r.Context(), accountID, amountCents, correlationID)
	if err != nil {
		services.SendDomainError(w, err)
		return
	}

	log.Printf("[FUNDRAISING] Donation of %d cents to account %s (matched %d)",
		amountCents, accountID, result.MatchedAmount)
	h.automation.Publish(services.AutomationEvent{
		EventType:     services.EventDonationReceived,
		TransactionID: result.Donation.TransactionID,
		AccountID:     accountID,
		Amount:        amountCents,
		Status:        models.StatusCleared,
		CorrelationID: correlationID,
		Metadata:      map[string]any{"matchedAmount": result.MatchedAmount, "groupId": result.GroupID},
	})

	resp := map[string]any{
		"donationTransaction": result.Donation,
		"updatedAccount":      result.Account,
	}
	if result.MatchedAmount > 0 {
		resp["matching"] = map[string]any{"matchedAmount": result.MatchedAmount}
	}
	if settings, err := h.service.GetSettings(r.Context(), accountID); err == nil && settings.ThankYouMessage != nil {
		resp["thankYouMessage"] = *settings.ThankYouMessage
	}

	services.SendJSON(w, http.StatusCreated, resp)
}

// QRCode renders the campaign's donation link as a PNG
// @Summary Donation QR code
// @Description PNG QR code pointing at the public donation page. No authentication.
// @Tags fundraising
// @Produce png
// @Param id path string true "Account ID"
// @Success 200 {file} byte
// @Failure 404 {object} services.ErrorResponse
// @Router /fundraising/{id}/qr [get]
func (h *FundraisingHandler) QRCode(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")

	img, err := h.service.QRCodePNG(r.Context(), accountID)
	if err != nil {
		services.SendDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Write(img)
}

func (h *FundraisingHandler) decode(w http.ResponseWriter, r *http.Request, req any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(req); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return false
	}
	return true
}
