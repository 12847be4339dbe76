package handlers

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"
	"github.com/impactbank/backend/internal/middleware"
	"github.com/impactbank/backend/internal/services"
	"github.com/stretchr/testify/assert"
)

type capturePublisher struct {
	events []services.AutomationEvent
}

func (p *capturePublisher) Publish(event services.AutomationEvent) {
	p.events = append(p.events, event)
}

func newFundraisingTestServer(t *testing.T) (*chi.Mux, sqlmock.Sqlmock, *capturePublisher) {
	t.Helper()

	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ledger := services.NewLedgerService(db)
	service := services.NewFundraisingService(db, ledger)
	publisher := &capturePublisher{}
	h := NewFundraisingHandler(service, ledger, publisher)

	r := chi.NewRouter()
	r.Get("/fundraising/{id}", h.PublicPage)
	r.Post("/fundraising/{id}/donate", h.Donate)
	r.Get("/fundraising/{id}/qr", h.QRCode)
	r.Get("/accounts/{id}/fundraising", h.GetSettings)
	r.Put("/accounts/{id}/fundraising", h.UpdateSettings)
	return r, mock, publisher
}

func settingsColumns() []string {
	return []string{"id", "account_id", "enabled", "publish_status", "title", "description",
		"image_url", "goal", "thank_you_message", "matching_enabled", "matching_percent",
		"matching_from_account_id", "created_at", "updated_at"}
}

func publicSettingsRow(accountID string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(settingsColumns()).
		AddRow("fs-1", accountID, true, "PUBLIC", "School Garden", "Help us grow", nil, 50000,
			"Thank you!", true, 50, "acct-fund", now, now)
}

func expectStats(mock sqlmock.Sqlmock, accountID string, donated, count, matched, balance int64) {
	mock.ExpectQuery(`SELECT COALESCE\(SUM\(amount\), 0\), COUNT\(\*\)`).
		WithArgs(accountID, "CLEARED", "DONATION").
		WillReturnRows(sqlmock.NewRows([]string{"sum", "count"}).AddRow(donated, count))
	mock.ExpectQuery(`SELECT COALESCE\(SUM\(amount\), 0\)`).
		WithArgs(accountID, "CLEARED", "MATCH_CREDIT").
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(matched))
	mock.ExpectQuery("SELECT balance FROM accounts").
		WithArgs(accountID).
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(balance))
}

func TestFundraisingHandler_PublicPage(t *testing.T) {
	t.Run("public campaign shows progress without internals", func(t *testing.T) {
		r, mock, _ := newFundraisingTestServer(t)
		accountID := "acct-dest"

		mock.ExpectQuery("FROM fundraising_settings").
			WithArgs(accountID).
			WillReturnRows(publicSettingsRow(accountID))
		expectStats(mock, accountID, 15000, 3, 5000, 42000)

		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/fundraising/acct-dest", nil))

		assert.Equal(t, http.StatusOK, w.Code)

		var resp map[string]any
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "School Garden", resp["title"])
		assert.Equal(t, float64(20000), resp["raised"])
		assert.Equal(t, float64(3), resp["donationCount"])
		assert.NotContains(t, resp, "matchingFromAccountId")
		assert.NotContains(t, resp, "balance")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unlisted campaign hidden from the public", func(t *testing.T) {
		r, mock, _ := newFundraisingTestServer(t)
		now := time.Now()

		mock.ExpectQuery("FROM fundraising_settings").
			WithArgs("acct-dest").
			WillReturnRows(sqlmock.NewRows(settingsColumns()).
				AddRow("fs-1", "acct-dest", true, "UNLISTED", nil, nil, nil, nil, nil, false, nil, nil, now, now))

		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/fundraising/acct-dest", nil))

		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestFundraisingHandler_Donate(t *testing.T) {
	t.Run("donation posts and returns the thank-you message", func(t *testing.T) {
		r, mock, publisher := newFundraisingTestServer(t)
		accountID := "acct-dest"
		funderID := "acct-fund"

		// Visibility gate.
		mock.ExpectQuery("FROM fundraising_settings").
			WithArgs(accountID).
			WillReturnRows(publicSettingsRow(accountID))
		// Match policy re-read inside the ledger.
		mock.ExpectQuery("FROM fundraising_settings").
			WithArgs(accountID).
			WillReturnRows(sqlmock.NewRows([]string{"account_id", "enabled", "matching_enabled", "matching_percent", "matching_from_account_id"}).
				AddRow(accountID, true, true, 50, funderID))

		now := time.Now()
		accountRow := func(id string, balance int64) *sqlmock.Rows {
			return sqlmock.NewRows([]string{"id", "nickname", "account_number", "routing_number", "balance", "version", "created_at", "updated_at"}).
				AddRow(id, "Checking", "1234567890", "021000021", balance, 1, now, now)
		}

		mock.ExpectBegin()
		mock.ExpectQuery("FOR UPDATE").WithArgs(accountID).
			WillReturnRows(accountRow(accountID, 1000))
		mock.ExpectQuery("FOR UPDATE").WithArgs(funderID).
			WillReturnRows(accountRow(funderID, 100000))
		mock.ExpectExec("INSERT INTO transaction_groups").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectQuery("INSERT INTO transactions").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
		mock.ExpectQuery("INSERT INTO transactions").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(2))
		mock.ExpectQuery("INSERT INTO transactions").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(3))
		mock.ExpectExec("UPDATE accounts").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE accounts").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		// Thank-you lookup after the commit.
		mock.ExpectQuery("FROM fundraising_settings").
			WithArgs(accountID).
			WillReturnRows(publicSettingsRow(accountID))

		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/fundraising/acct-dest/donate",
			strings.NewReader(`{"amount": "100"}`)))

		assert.Equal(t, http.StatusCreated, w.Code)

		var resp struct {
			DonationTransaction struct {
				Amount int64  `json:"amount"`
				Type   string `json:"type"`
			} `json:"donationTransaction"`
			UpdatedAccount struct {
				Balance int64 `json:"balance"`
			} `json:"updatedAccount"`
			Matching *struct {
				MatchedAmount int64 `json:"matchedAmount"`
			} `json:"matching"`
			ThankYouMessage string `json:"thankYouMessage"`
		}
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, int64(10000), resp.DonationTransaction.Amount)
		assert.Equal(t, "DONATION", resp.DonationTransaction.Type)
		assert.Equal(t, int64(16000), resp.UpdatedAccount.Balance)
		assert.NotNil(t, resp.Matching)
		assert.Equal(t, int64(5000), resp.Matching.MatchedAmount)
		assert.Equal(t, "Thank you!", resp.ThankYouMessage)

		assert.Len(t, publisher.events, 1)
		assert.Equal(t, services.EventDonationReceived, publisher.events[0].EventType)
		assert.Equal(t, int64(10000), publisher.events[0].Amount)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("enabled unlisted campaign accepts donations", func(t *testing.T) {
		r, mock, publisher := newFundraisingTestServer(t)
		accountID := "acct-dest"
		now := time.Now()

		unlistedRow := func() *sqlmock.Rows {
			return sqlmock.NewRows(settingsColumns()).
				AddRow("fs-1", accountID, true, "UNLISTED", "School Garden", nil, nil, 50000,
					nil, false, nil, nil, now, now)
		}

		// Enabled gate only; no publish-status check on the write path.
		mock.ExpectQuery("FROM fundraising_settings").
			WithArgs(accountID).
			WillReturnRows(unlistedRow())
		mock.ExpectQuery("FROM fundraising_settings").
			WithArgs(accountID).
			WillReturnRows(sqlmock.NewRows([]string{"account_id", "enabled", "matching_enabled", "matching_percent", "matching_from_account_id"}).
				AddRow(accountID, true, false, nil, nil))

		mock.ExpectBegin()
		mock.ExpectQuery("FOR UPDATE").WithArgs(accountID).
			WillReturnRows(sqlmock.NewRows([]string{"id", "nickname", "account_number", "routing_number", "balance", "version", "created_at", "updated_at"}).
				AddRow(accountID, "Checking", "1234567890", "021000021", 1000, 1, now, now))
		mock.ExpectExec("INSERT INTO transaction_groups").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectQuery("INSERT INTO transactions").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(4))
		mock.ExpectExec("UPDATE accounts").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		mock.ExpectQuery("FROM fundraising_settings").
			WithArgs(accountID).
			WillReturnRows(unlistedRow())

		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/fundraising/acct-dest/donate",
			strings.NewReader(`{"amount": "50"}`)))

		assert.Equal(t, http.StatusCreated, w.Code)

		var resp struct {
			UpdatedAccount struct {
				Balance int64 `json:"balance"`
			} `json:"updatedAccount"`
			Matching *struct{} `json:"matching"`
		}
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, int64(6000), resp.UpdatedAccount.Balance)
		assert.Nil(t, resp.Matching)
		assert.Len(t, publisher.events, 1)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("disabled campaign rejected", func(t *testing.T) {
		r, mock, publisher := newFundraisingTestServer(t)
		now := time.Now()

		mock.ExpectQuery("FROM fundraising_settings").
			WithArgs("acct-dest").
			WillReturnRows(sqlmock.NewRows(settingsColumns()).
				AddRow("fs-1", "acct-dest", false, "PUBLIC", nil, nil, nil, nil, nil, false, nil, nil, now, now))

		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/fundraising/acct-dest/donate",
			strings.NewReader(`{"amount": "50"}`)))

		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Empty(t, publisher.events)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("donation to hidden campaign rejected", func(t *testing.T) {
		r, mock, publisher := newFundraisingTestServer(t)

		mock.ExpectQuery("FROM fundraising_settings").
			WithArgs("acct-dest").
			WillReturnRows(sqlmock.NewRows(settingsColumns()))

		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/fundraising/acct-dest/donate",
			strings.NewReader(`{"amount": "100"}`)))

		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Empty(t, publisher.events)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestFundraisingHandler_QRCode(t *testing.T) {
	r, mock, _ := newFundraisingTestServer(t)
	accountID := "acct-dest"

	mock.ExpectQuery("FROM fundraising_settings").
		WithArgs(accountID).
		WillReturnRows(publicSettingsRow(accountID))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/fundraising/acct-dest/qr", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	// PNG magic bytes.
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, w.Body.Bytes()[:4])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFundraisingHandler_GetSettings(t *testing.T) {
	r, mock, _ := newFundraisingTestServer(t)
	accountID := "acct-dest"
	now := time.Now()

	mock.ExpectQuery("JOIN account_users").
		WithArgs(accountID, "user-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "nickname", "account_number", "routing_number", "balance", "version", "created_at", "updated_at"}).
			AddRow(accountID, "Checking", "1234567890", "021000021", 42000, 1, now, now))
	mock.ExpectQuery("FROM fundraising_settings").
		WithArgs(accountID).
		WillReturnRows(publicSettingsRow(accountID))
	expectStats(mock, accountID, 15000, 3, 5000, 42000)

	req := httptest.NewRequest(http.MethodGet, "/accounts/acct-dest/fundraising", nil)
	req = req.WithContext(middleware.WithCaller(req.Context(), middleware.CallerIdentity{UserID: "user-1"}))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Settings struct {
			Title *string `json:"title"`
		} `json:"settings"`
		Stats struct {
			Raised int64 `json:"raised"`
		} `json:"stats"`
		DonationURL string `json:"donationUrl"`
		QRCode      string `json:"qrCode"`
	}
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "School Garden", *resp.Settings.Title)
	assert.Equal(t, int64(20000), resp.Stats.Raised)
	assert.Contains(t, resp.DonationURL, "/donate/acct-dest")

	// Base64 of a PNG always starts with the encoded magic bytes.
	qr, err := base64.StdEncoding.DecodeString(resp.QRCode)
	assert.NoError(t, err)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, qr[:4])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFundraisingHandler_UpdateSettings(t *testing.T) {
	t.Run("owner upserts settings", func(t *testing.T) {
		r, mock, _ := newFundraisingTestServer(t)
		accountID := "acct-dest"
		now := time.Now()

		mock.ExpectQuery("JOIN account_users").
			WithArgs(accountID, "user-1").
			WillReturnRows(sqlmock.NewRows([]string{"id", "nickname", "account_number", "routing_number", "balance", "version", "created_at", "updated_at"}).
				AddRow(accountID, "Checking", "1234567890", "021000021", 0, 1, now, now))
		mock.ExpectQuery("INSERT INTO fundraising_settings").
			WillReturnRows(publicSettingsRow(accountID))

		req := httptest.NewRequest(http.MethodPut, "/accounts/acct-dest/fundraising",
			strings.NewReader(`{"enabled": true, "publishStatus": "PUBLIC", "title": "School Garden", "goal": "500", "matchingEnabled": true, "matchingPercent": 50, "matchingFromAccountId": "acct-fund"}`))
		req = req.WithContext(middleware.WithCaller(req.Context(), middleware.CallerIdentity{UserID: "user-1"}))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("matching to the same account rejected", func(t *testing.T) {
		r, mock, _ := newFundraisingTestServer(t)
		accountID := "acct-dest"
		now := time.Now()

		mock.ExpectQuery("JOIN account_users").
			WithArgs(accountID, "user-1").
			WillReturnRows(sqlmock.NewRows([]string{"id", "nickname", "account_number", "routing_number", "balance", "version", "created_at", "updated_at"}).
				AddRow(accountID, "Checking", "1234567890", "021000021", 0, 1, now, now))

		req := httptest.NewRequest(http.MethodPut, "/accounts/acct-dest/fundraising",
			strings.NewReader(`{"enabled": true, "matchingEnabled": true, "matchingPercent": 50, "matchingFromAccountId": "acct-dest"}`))
		req = req.WithContext(middleware.WithCaller(req.Context(), middleware.CallerIdentity{UserID: "user-1"}))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unauthenticated request rejected", func(t *testing.T) {
		r, _, _ := newFundraisingTestServer(t)

		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/accounts/acct-dest/fundraising", nil))

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}
