package middleware

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/viper"
)

// CallerIdentity is the resolved identity every ledger operation receives.
// Both credential forms (interactive session token, service API key) collapse
// into this shape before any handler runs. A service credential acts on
// behalf of its owning user but skips account-membership filtering.
type CallerIdentity struct {
	UserID                 string
	UsingServiceCredential bool
}

type contextKey string

const callerKey contextKey = "caller"

// Caller extracts the authenticated identity from a request context.
func Caller(ctx context.Context) (CallerIdentity, bool) {
	caller, ok := ctx.Value(callerKey).(CallerIdentity)
	return caller, ok
}

// WithCaller returns a context carrying the given identity. Exported for
// handler tests.
func WithCaller(ctx context.Context, caller CallerIdentity) context.Context {
	return context.WithValue(ctx, callerKey, caller)
}

var (
	authDB    *sql.DB
	authRedis *redis.Client
)

// InitAuthMiddleware wires the stores the middleware needs: Postgres for API
// key lookups, Redis for the logout blacklist.
func InitAuthMiddleware(db *sql.DB, redisClient *redis.Client) {
	authDB = db
	authRedis = redisClient
}

// Auth authenticates a request via Bearer session token or X-API-Key header
// and stores the resolved CallerIdentity in the request context.
func Auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
			caller, err := resolveAPIKey(r.Context(), apiKey)
			if err != nil {
				log.Printf("[AUTH] API key rejected: %v", err)
				http.Error(w, "Invalid API key", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header required", http.StatusUnauthorized)
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "Invalid authorization header format", http.StatusUnauthorized)
			return
		}

		token := parts[1]
		if tokenBlacklisted(r.Context(), token) {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		userID, err := validateToken(token)
		if err != nil || userID == "" {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		caller := CallerIdentity{UserID: userID}
		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
	})
}

// HashAPIKey returns the hex SHA-256 digest stored for a key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func resolveAPIKey(ctx context.Context, apiKey string) (CallerIdentity, error) {
	if authDB == nil {
		return CallerIdentity{}, fmt.Errorf("api key store not initialized")
	}

	var (
		id        string
		userID    string
		revokedAt sql.NullTime
		expiresAt sql.NullTime
	)
	err := authDB.QueryRowContext(ctx,
		`SELECT id, user_id, revoked_at, expires_at FROM api_keys WHERE hashed_key = $1`,
		HashAPIKey(apiKey)).Scan(&id, &userID, &revokedAt, &expiresAt)
	if err != nil {
		return CallerIdentity{}, fmt.Errorf("unknown key")
	}
	if revokedAt.Valid {
		return CallerIdentity{}, fmt.Errorf("key revoked")
	}
	if expiresAt.Valid && expiresAt.Time.Before(time.Now()) {
		return CallerIdentity{}, fmt.Errorf("key expired")
	}

	// Best effort; a failed touch must not fail the request.
	if _, err := authDB.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = NOW() WHERE id = $1`, id); err != nil {
		log.Printf("[AUTH] Failed to touch api key %s: %v", id, err)
	}

	return CallerIdentity{UserID: userID, UsingServiceCredential: true}, nil
}

func tokenBlacklisted(ctx context.Context, token string) bool {
	if authRedis == nil {
		return false
	}
	n, err := authRedis.Exists(ctx, "blacklist:"+token).Result()
	if err != nil {
		log.Printf("[AUTH] Blacklist check failed: %v", err)
		return false
	}
	return n > 0
}

func validateToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(viper.GetString("jwt.secret_key")), nil
	})
	if err != nil || !token.Valid {
		return "", err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid claims")
	}

	return fmt.Sprintf("%v", claims["user_id"]), nil
}
