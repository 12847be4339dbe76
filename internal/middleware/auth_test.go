package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redismock/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

const testSecret = "test-secret-key"

func signToken(t *testing.T, userID string, method jwt.SigningMethod) string {
	t.Helper()
	token := jwt.NewWithClaims(method, jwt.MapClaims{
		"user_id": userID,
		"exp":     time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	assert.NoError(t, err)
	return signed
}

func callerEcho(t *testing.T, got *CallerIdentity) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, ok := Caller(r.Context())
		assert.True(t, ok)
		*got = caller
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuth_BearerToken(t *testing.T) {
	viper.Set("jwt.secret_key", testSecret)
	defer viper.Set("jwt.secret_key", "")
	InitAuthMiddleware(nil, nil)

	t.Run("valid token resolves user identity", func(t *testing.T) {
		var got CallerIdentity
		handler := Auth(callerEcho(t, &got))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+signToken(t, "user-1", jwt.SigningMethodHS256))
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "user-1", got.UserID)
		assert.False(t, got.UsingServiceCredential)
	})

	t.Run("missing header rejected", func(t *testing.T) {
		handler := Auth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("handler should not run")
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("malformed header rejected", func(t *testing.T) {
		handler := Auth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("handler should not run")
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "token abc")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("tampered token rejected", func(t *testing.T) {
		handler := Auth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("handler should not run")
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+signToken(t, "user-1", jwt.SigningMethodHS256)+"x")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("blacklisted token rejected", func(t *testing.T) {
		redisClient, redisMock := redismock.NewClientMock()
		InitAuthMiddleware(nil, redisClient)
		defer InitAuthMiddleware(nil, nil)

		token := signToken(t, "user-1", jwt.SigningMethodHS256)
		redisMock.ExpectExists("blacklist:" + token).SetVal(1)

		handler := Auth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("handler should not run")
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.NoError(t, redisMock.ExpectationsWereMet())
	})
}

func TestAuth_APIKey(t *testing.T) {
	t.Run("valid key resolves service credential", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()
		InitAuthMiddleware(db, nil)
		defer InitAuthMiddleware(nil, nil)

		key := "impk_0123456789abcdef0123456789abcdef"
		mock.ExpectQuery("SELECT id, user_id, revoked_at, expires_at FROM api_keys").
			WithArgs(HashAPIKey(key)).
			WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "revoked_at", "expires_at"}).
				AddRow("key-1", "user-1", nil, nil))
		mock.ExpectExec("UPDATE api_keys SET last_used_at").
			WithArgs("key-1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		var got CallerIdentity
		handler := Auth(callerEcho(t, &got))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-API-Key", key)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "user-1", got.UserID)
		assert.True(t, got.UsingServiceCredential)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("revoked key rejected", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()
		InitAuthMiddleware(db, nil)
		defer InitAuthMiddleware(nil, nil)

		key := "impk_deadbeefdeadbeefdeadbeefdeadbeef"
		mock.ExpectQuery("SELECT id, user_id, revoked_at, expires_at FROM api_keys").
			WithArgs(HashAPIKey(key)).
			WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "revoked_at", "expires_at"}).
				AddRow("key-1", "user-1", time.Now(), nil))

		handler := Auth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("handler should not run")
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-API-Key", key)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("expired key rejected", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()
		InitAuthMiddleware(db, nil)
		defer InitAuthMiddleware(nil, nil)

		key := "impk_feedfacefeedfacefeedfacefeedface"
		mock.ExpectQuery("SELECT id, user_id, revoked_at, expires_at FROM api_keys").
			WithArgs(HashAPIKey(key)).
			WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "revoked_at", "expires_at"}).
				AddRow("key-1", "user-1", nil, time.Now().Add(-time.Hour)))

		handler := Auth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("handler should not run")
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-API-Key", key)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestHashAPIKey(t *testing.T) {
	// Digest is deterministic and never the plaintext.
	a := HashAPIKey("impk_secret")
	b := HashAPIKey("impk_secret")
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
	assert.NotContains(t, a, "impk")
}
