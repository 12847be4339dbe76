package services

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
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

// apiKeyPrefix marks plaintext keys so leaked credentials are recognizable
// in logs and secret scanners.
const apiKeyPrefix = "impk"

// APIKeyService issues and revokes service credentials. The plaintext key is
// returned exactly once; only its SHA-256 digest is persisted.
type APIKeyService struct {
	db        *sql.DB
	validator *ValidationHelper
}

func NewAPIKeyService(db *sql.DB) *APIKeyService {
	return &APIKeyService{
		db:        db,
		validator: NewValidationHelper(),
	}
}

// CreateAPIKeyRequest names the new credential.
type CreateAPIKeyRequest struct {
	Name      string `json:"name" validate:"required,max=100"`
	ExpiresIn int    `json:"expiresInDays,omitempty" validate:"omitempty,min=1,max=3650"`
}

// CreateAPIKey issues a new service credential
// @Summary Create API key
// @Description Issues a new key. The plaintext value appears only in this response.
// @Tags api-keys
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body CreateAPIKeyRequest true "Key data"
// @Success 201 {object} object{key=string,apiKey=models.APIKey}
// @Failure 400 {object} ErrorResponse
// @Router /api-keys [post]
func (ks *APIKeyService) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.Caller(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	if caller.UsingServiceCredential {
		// Keys cannot mint further keys.
		SendErrorResponse(w, "API keys cannot manage API keys", http.StatusForbidden, nil)
		return
	}

	var req CreateAPIKeyRequest
	if !ks.decode(w, r, &req) {
		return
	}

	plaintext, err := generateAPIKey()
	if err != nil {
		log.Printf("[APIKEY] Key generation failed: %v", err)
		SendErrorResponse(w, "Internal server error", http.StatusInternalServerError, nil)
		return
	}

	now := time.Now()
	key := &models.APIKey{
		ID:        uuid.NewString(),
		UserID:    caller.UserID,
		Name:      req.Name,
		Prefix:    apiKeyPrefix,
		LastFour:  plaintext[len(plaintext)-4:],
		HashedKey: middleware.HashAPIKey(plaintext),
		CreatedAt: now,
	}
	if req.ExpiresIn > 0 {
		expires := now.AddDate(0, 0, req.ExpiresIn)
		key.ExpiresAt = &expires
	}

	_, err = ks.db.ExecContext(r.Context(), `
		INSERT INTO api_keys (id, user_id, name, prefix, last_four, hashed_key, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.UserID, key.Name, key.Prefix, key.LastFour, key.HashedKey,
		key.ExpiresAt, key.CreatedAt)
	if err != nil {
		log.Printf("[APIKEY] Insert failed: %v", err)
		SendErrorResponse(w, "Internal server error", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[APIKEY] Issued key %s (%s) for user %s", key.ID, key.Name, caller.UserID)
	SendJSON(w, http.StatusCreated, map[string]any{
		"key":    plaintext,
		"apiKey": key,
	})
}

// ListAPIKeys returns the caller's keys without digests
// @Summary List API keys
// @Tags api-keys
// @Produce json
// @Security BearerAuth
// @Success 200 {object} object{apiKeys=[]models.APIKey,count=int}
// @Router /api-keys [get]
func (ks *APIKeyService) ListAPIKeys(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.Caller(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	rows, err := ks.db.QueryContext(r.Context(), `
		SELECT id, user_id, name, prefix, last_four, last_used_at, expires_at, revoked_at, created_at
		FROM api_keys
		WHERE user_id = $1
		ORDER BY created_at DESC`, caller.UserID)
	if err != nil {
		log.Printf("[APIKEY] List query failed: %v", err)
		SendErrorResponse(w, "Internal server error", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	keys := []*models.APIKey{}
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.UserID, &k.Name, &k.Prefix, &k.LastFour,
			&k.LastUsedAt, &k.ExpiresAt, &k.RevokedAt, &k.CreatedAt); err != nil {
			SendErrorResponse(w, "Internal server error", http.StatusInternalServerError, nil)
			return
		}
		keys = append(keys, &k)
	}
	if err := rows.Err(); err != nil {
		SendErrorResponse(w, "Internal server error", http.StatusInternalServerError, nil)
		return
	}

	SendJSON(w, http.StatusOK, map[string]any{"apiKeys": keys, "count": len(keys)})
}

// RevokeAPIKey permanently disables a key
// @Summary Revoke API key
// @Tags api-keys
// @Produce json
// @Security BearerAuth
// @Param id path string true "API key ID"
// @Success 200 {object} object{revoked=bool,apiKeyId=string}
// @Failure 404 {object} ErrorResponse
// @Router /api-keys/{id} [delete]
func (ks *APIKeyService) RevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.Caller(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	keyID := chi.URLParam(r, "id")

	res, err := ks.db.ExecContext(r.Context(), `
		UPDATE api_keys SET revoked_at = $1
		WHERE id = $2 AND user_id = $3 AND revoked_at IS NULL`,
		time.Now(), keyID, caller.UserID)
	if err != nil {
		log.Printf("[APIKEY] Revoke failed for %s: %v", keyID, err)
		SendErrorResponse(w, "Internal server error", http.StatusInternalServerError, nil)
		return
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		SendErrorResponse(w, "API key not found", http.StatusNotFound, nil)
		return
	}

	log.Printf("[APIKEY] Revoked key %s", keyID)
	SendJSON(w, http.StatusOK, map[string]any{"revoked": true, "apiKeyId": keyID})
}

// generateAPIKey returns "impk_" plus 32 hex characters of entropy.
func generateAPIKey() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating api key: %w", err)
	}
	return apiKeyPrefix + "_" + hex.EncodeToString(buf), nil
}

func (ks *APIKeyService) decode(w http.ResponseWriter, r *http.Request, req any) bool {
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
	if err := ks.validator.ValidateStruct(req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return false
	}
	return true
}
