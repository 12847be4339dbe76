package services

import (
	"context"
	cryptorand "crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/impactbank/backend/internal/middleware"
	"github.com/impactbank/backend/internal/models"
	"github.com/lib/pq"
	"github.com/spf13/viper"
	"golang.org/x/crypto/argon2"
)

const (
	maxFailedLogins = 5
	lockoutDuration = 15 * time.Minute
)

type AuthService struct {
	db        *sql.DB
	redis     *redis.Client
	validator *ValidationHelper
}

// LoginRequest represents the login request payload
// @Description Login request structure
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email" example:"user@example.com"` // User email address
	Password string `json:"password" validate:"required,min=8" example:"password123"`   // User password
}

// RegisterRequest represents the registration request payload
// @Description Registration request structure
type RegisterRequest struct {
	Email     string `json:"email" validate:"required,email" example:"user@example.com"` // User email address
	Password  string `json:"password" validate:"required,min=8" example:"password123"`   // User password
	FirstName string `json:"firstName" validate:"required,min=2" example:"John"`         // User first name
	LastName  string `json:"lastName" validate:"required,min=2" example:"Doe"`           // User last name
	Phone     string `json:"phone,omitempty" validate:"omitempty,e164"`                  // Phone number
}

// AuthResponse represents the authentication response
// @Description Authentication response structure
type AuthResponse struct {
	Token   string          `json:"token" example:"eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9..."` // JWT token
	User    models.User     `json:"user"`                                                    // User information
	Account *models.Account `json:"account,omitempty"`                                       // Starter account (registration only)
}

func NewAuthService(db *sql.DB, redisClient *redis.Client) *AuthService {
	return &AuthService{
		db:        db,
		redis:     redisClient,
		validator: NewValidationHelper(),
	}
}

// Register handles user registration
// @Summary Register a new user
// @Description Register a new user and open their starter checking account
// @Tags auth
// @Accept json
// @Produce json
// @Param request body RegisterRequest true "Registration request"
// @Success 201 {object} AuthResponse "Registration successful"
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse "Email already exists"
// @Router /auth/register [post]
func (s *AuthService) Register(w http.ResponseWriter, r *http.Request) {
	log.Printf("[AUTH] Registration attempt from IP: %s", r.RemoteAddr)

	var req RegisterRequest
	if !s.decode(w, r, &req) {
		return
	}

	hashedPassword, err := hashPassword(req.Password)
	if err != nil {
		log.Printf("[AUTH] Password hashing failed for %s: %v", req.Email, err)
		SendErrorResponse(w, "Internal server error", http.StatusInternalServerError, nil)
		return
	}

	accountNumber, err := generateAccountNumber()
	if err != nil {
		SendErrorResponse(w, "Internal server error", http.StatusInternalServerError, nil)
		return
	}

	now := time.Now()
	user := models.User{
		ID:        uuid.NewString(),
		Email:     strings.ToLower(req.Email),
		FirstName: req.FirstName,
		LastName:  req.LastName,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.Phone != "" {
		user.Phone = &req.Phone
	}
	account := &models.Account{
		ID:            uuid.NewString(),
		Nickname:      defaultNicknames[0],
		AccountNumber: accountNumber,
		RoutingNumber: defaultRoutingNumber,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	// User, starter account and membership commit together.
	tx, err := s.db.BeginTx(r.Context(), nil)
	if err != nil {
		SendErrorResponse(w, "Failed to create user", http.StatusInternalServerError, nil)
		return
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO users (id, email, password, first_name, last_name, phone, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		user.ID, user.Email, hashedPassword, user.FirstName, user.LastName, user.Phone,
		user.CreatedAt, user.UpdatedAt)
	if err != nil {
		log.Printf("[AUTH] User creation failed for %s: %v", req.Email, err)
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			SendErrorResponse(w, "Email already exists", http.StatusConflict, nil)
			return
		}
		SendErrorResponse(w, "Failed to create user", http.StatusInternalServerError, nil)
		return
	}

	_, err = tx.Exec(`
		INSERT INTO accounts (id, nickname, account_number, routing_number, balance, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, 0, $5, $5)`,
		account.ID, account.Nickname, account.AccountNumber, account.RoutingNumber, now)
	if err != nil {
		log.Printf("[AUTH] Account creation failed for %s: %v", req.Email, err)
		SendErrorResponse(w, "Failed to create account", http.StatusInternalServerError, nil)
		return
	}

	_, err = tx.Exec(`
		INSERT INTO account_users (id, user_id, account_id, created_at)
		VALUES ($1, $2, $3, $4)`,
		uuid.NewString(), user.ID, account.ID, now)
	if err != nil {
		log.Printf("[AUTH] Membership creation failed for %s: %v", req.Email, err)
		SendErrorResponse(w, "Failed to create account", http.StatusInternalServerError, nil)
		return
	}

	if err = tx.Commit(); err != nil {
		log.Printf("[AUTH] Transaction commit failed for %s: %v", req.Email, err)
		SendErrorResponse(w, "Failed to create user", http.StatusInternalServerError, nil)
		return
	}

	token, err := generateJWT(user.ID)
	if err != nil {
		log.Printf("[AUTH] JWT generation failed for user %s: %v", user.ID, err)
		SendErrorResponse(w, "Failed to generate token", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[AUTH] Registration successful for user %s (%s)", user.ID, user.Email)
	SendJSON(w, http.StatusCreated, AuthResponse{Token: token, User: user, Account: account})
}

// Login handles user authentication
// @Summary Login user
// @Description Authenticate user with email and password
// @Tags auth
// @Accept json
// @Produce json
// @Param request body LoginRequest true "Login request"
// @Success 200 {object} AuthResponse "Login successful"
// @Failure 401 {object} ErrorResponse "Invalid credentials"
// @Router /auth/login [post]
func (s *AuthService) Login(w http.ResponseWriter, r *http.Request) {
	log.Printf("[AUTH] Login attempt from IP: %s", r.RemoteAddr)

	var req LoginRequest
	if !s.decode(w, r, &req) {
		return
	}

	var user models.User
	var hashedPassword string
	err := s.db.QueryRowContext(r.Context(), `
		SELECT id, email, password, first_name, last_name, phone, failed_login_attempts, locked_until, last_login, created_at, updated_at
		FROM users
		WHERE email = $1`, strings.ToLower(req.Email)).
		Scan(&user.ID, &user.Email, &hashedPassword, &user.FirstName, &user.LastName,
			&user.Phone, &user.FailedLoginAttempts, &user.LockedUntil, &user.LastLogin,
			&user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		log.Printf("[AUTH] User not found for email: %s", req.Email)
		SendErrorResponse(w, "Invalid credentials", http.StatusUnauthorized, nil)
		return
	}

	if user.LockedUntil != nil && user.LockedUntil.After(time.Now()) {
		log.Printf("[AUTH] Locked account login attempt for user %s", user.ID)
		SendErrorResponse(w, "Account temporarily locked", http.StatusUnauthorized, nil)
		return
	}

	if !verifyPassword(req.Password, hashedPassword) {
		s.recordFailedLogin(r.Context(), &user)
		log.Printf("[AUTH] Invalid password for user: %s", req.Email)
		SendErrorResponse(w, "Invalid credentials", http.StatusUnauthorized, nil)
		return
	}

	now := time.Now()
	_, err = s.db.ExecContext(r.Context(), `
		UPDATE users SET failed_login_attempts = 0, locked_until = NULL, last_login = $1, updated_at = $1
		WHERE id = $2`, now, user.ID)
	if err != nil {
		log.Printf("[AUTH] Failed to record login for user %s: %v", user.ID, err)
	}
	user.LastLogin = &now

	token, err := generateJWT(user.ID)
	if err != nil {
		log.Printf("[AUTH] JWT generation failed for user %s: %v", user.ID, err)
		SendErrorResponse(w, "Failed to generate token", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[AUTH] Login successful for user %s", user.ID)
	SendJSON(w, http.StatusOK, AuthResponse{Token: token, User: user})
}

// recordFailedLogin bumps the counter and locks the account after too many
// bad passwords in a row.
func (s *AuthService) recordFailedLogin(ctx context.Context, user *models.User) {
	attempts := user.FailedLoginAttempts + 1
	var lockedUntil *time.Time
	if attempts >= maxFailedLogins {
		t := time.Now().Add(lockoutDuration)
		lockedUntil = &t
		log.Printf("[AUTH] Locking user %s after %d failed attempts", user.ID, attempts)
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET failed_login_attempts = $1, locked_until = $2, updated_at = $3
		WHERE id = $4`, attempts, lockedUntil, time.Now(), user.ID)
	if err != nil {
		log.Printf("[AUTH] Failed to record failed login for user %s: %v", user.ID, err)
	}
}

// Logout handles user logout
// @Summary Logout user
// @Description Logout user and blacklist token
// @Tags auth
// @Produce json
// @Success 200 {object} map[string]string "Logout successful"
// @Router /auth/logout [post]
func (s *AuthService) Logout(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("Authorization")
	if token != "" && len(token) > 7 {
		token = token[7:] // Remove "Bearer " prefix

		if s.redis != nil {
			key := fmt.Sprintf("blacklist:%s", token)
			// Blacklist token until its expiration
			expiry := time.Duration(viper.GetInt("jwt.expiry_hours")) * time.Hour
			if err := s.redis.Set(r.Context(), key, "1", expiry).Err(); err != nil {
				log.Printf("[AUTH] Failed to blacklist token: %v", err)
			}
		}
	}

	SendJSON(w, http.StatusOK, map[string]string{"message": "Logout successful"})
}

// GetUserAccount retrieves the authenticated user's profile
// @Summary Get user profile
// @Tags auth
// @Produce json
// @Security BearerAuth
// @Success 200 {object} models.User
// @Failure 401 {object} ErrorResponse
// @Router /auth/account [get]
func (s *AuthService) GetUserAccount(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.Caller(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var user models.User
	err := s.db.QueryRowContext(r.Context(), `
		SELECT id, email, first_name, last_name, phone, last_login, created_at, updated_at
		FROM users
		WHERE id = $1`, caller.UserID).
		Scan(&user.ID, &user.Email, &user.FirstName, &user.LastName, &user.Phone,
			&user.LastLogin, &user.CreatedAt, &user.UpdatedAt)
	if err == sql.ErrNoRows {
		SendErrorResponse(w, "User not found", http.StatusNotFound, nil)
		return
	}
	if err != nil {
		log.Printf("[AUTH] Failed to fetch user %s: %v", caller.UserID, err)
		SendErrorResponse(w, "Internal server error", http.StatusInternalServerError, nil)
		return
	}

	SendJSON(w, http.StatusOK, user)
}

func (s *AuthService) decode(w http.ResponseWriter, r *http.Request, req any) bool {
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
	if err := s.validator.ValidateStruct(req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return false
	}
	return true
}

func generateJWT(userID string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"exp":     time.Now().Add(time.Duration(viper.GetInt("jwt.expiry_hours")) * time.Hour).Unix(),
	})

	return token.SignedString([]byte(viper.GetString("jwt.secret_key")))
}

func hashPassword(password string) (string, error) {
	salt := make([]byte, viper.GetInt("argon2.salt_length"))
	if _, err := cryptorand.Read(salt); err != nil {
		return "", err
	}

	hash := argon2.IDKey([]byte(password), salt,
		uint32(viper.GetInt("argon2.time")),
		uint32(viper.GetInt("argon2.memory")),
		uint8(viper.GetInt("argon2.threads")),
		uint32(viper.GetInt("argon2.key_length")))
	return fmt.Sprintf("%s$%s", base64.StdEncoding.EncodeToString(salt), base64.StdEncoding.EncodeToString(hash)), nil
}

func verifyPassword(password, hashedPassword string) bool {
	parts := strings.Split(hashedPassword, "$")
	if len(parts) != 2 {
		return false
	}

	salt, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return false
	}

	hash, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return false
	}

	computedHash := argon2.IDKey([]byte(password), salt,
		uint32(viper.GetInt("argon2.time")),
		uint32(viper.GetInt("argon2.memory")),
		uint8(viper.GetInt("argon2.threads")),
		uint32(viper.GetInt("argon2.key_length")))
	return string(hash) == string(computedHash)
}
