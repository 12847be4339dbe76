package services

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"image/png"
	"time"

	"github.com/google/uuid"
	"github.com/impactbank/backend/internal/models"
	"github.com/skip2/go-qrcode"
	"github.com/spf13/viper"
)

// FundraisingService manages per-account fundraising pages: settings,
// read-side aggregates and the shareable QR code. Donations themselves go
// through LedgerService so matching stays atomic with the donation entry.
type FundraisingService struct {
	db            *sql.DB
	ledger        *LedgerService
	publicBaseURL string
}

func NewFundraisingService(db *sql.DB, ledger *LedgerService) *FundraisingService {
	viper.SetDefault("fundraising.public_base_url", "http://localhost:8080")
	return &FundraisingService{
		db:            db,
		ledger:        ledger,
		publicBaseURL: viper.GetString("fundraising.public_base_url"),
	}
}

// SettingsInput carries the writable fundraising fields. Amounts in cents.
type SettingsInput struct {
	Enabled               bool
	PublishStatus         string
	Title                 *string
	Description           *string
	ImageURL              *string
	Goal                  *int64
	ThankYouMessage       *string
	MatchingEnabled       bool
	MatchingPercent       *int64
	MatchingFromAccountID *string
}

func (fs *FundraisingService) GetSettings(ctx context.Context, accountID string) (*models.FundraisingSettings, error) {
	var s models.FundraisingSettings
	err := fs.db.QueryRowContext(ctx, `
		SELECT id, account_id, enabled, publish_status, title, description, image_url, goal,
		       thank_you_message, matching_enabled, matching_percent, matching_from_account_id,
		       created_at, updated_at
		FROM fundraising_settings
		WHERE account_id = $1`, accountID).
		Scan(&s.ID, &s.AccountID, &s.Enabled, &s.PublishStatus, &s.Title, &s.Description,
			&s.ImageURL, &s.Goal, &s.ThankYouMessage, &s.MatchingEnabled, &s.MatchingPercent,
			&s.MatchingFromAccountID, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: fundraising is not configured for this account", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// UpsertSettings creates or replaces the account's fundraising settings.
func (fs *FundraisingService) UpsertSettings(ctx context.Context, accountID string, in SettingsInput) (*models.FundraisingSettings, error) {
	if in.PublishStatus == "" {
		in.PublishStatus = models.PublishStatusUnlisted
	}
	if in.PublishStatus != models.PublishStatusUnlisted && in.PublishStatus != models.PublishStatusPublic {
		return nil, fmt.Errorf("%w: publishStatus must be UNLISTED or PUBLIC", ErrInvalidInput)
	}
	if in.MatchingPercent != nil && (*in.MatchingPercent < 0 || *in.MatchingPercent > 100) {
		return nil, fmt.Errorf("%w: matchingPercent must be between 0 and 100", ErrInvalidInput)
	}
	if in.MatchingEnabled {
		if in.MatchingFromAccountID == nil || *in.MatchingFromAccountID == "" {
			return nil, fmt.Errorf("%w: matching requires a funding account", ErrInvalidInput)
		}
		if *in.MatchingFromAccountID == accountID {
			return nil, fmt.Errorf("%w: the funding account must differ from the fundraising account", ErrInvalidInput)
		}
	}

	now := time.Now()
	var s models.FundraisingSettings
	err := fs.db.QueryRowContext(ctx, `
		INSERT INTO fundraising_settings
			(id, account_id, enabled, publish_status, title, description, image_url, goal,
			 thank_you_message, matching_enabled, matching_percent, matching_from_account_id,
			 created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
		ON CONFLICT (account_id) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			publish_status = EXCLUDED.publish_status,
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			image_url = EXCLUDED.image_url,
			goal = EXCLUDED.goal,
			thank_you_message = EXCLUDED.thank_you_message,
			matching_enabled = EXCLUDED.matching_enabled,
			matching_percent = EXCLUDED.matching_percent,
			matching_from_account_id = EXCLUDED.matching_from_account_id,
			updated_at = EXCLUDED.updated_at
		RETURNING id, account_id, enabled, publish_status, title, description, image_url, goal,
			thank_you_message, matching_enabled, matching_percent, matching_from_account_id,
			created_at, updated_at`,
		uuid.NewString(), accountID, in.Enabled, in.PublishStatus, in.Title, in.Description,
		in.ImageURL, in.Goal, in.ThankYouMessage, in.MatchingEnabled, in.MatchingPercent,
		in.MatchingFromAccountID, now).
		Scan(&s.ID, &s.AccountID, &s.Enabled, &s.PublishStatus, &s.Title, &s.Description,
			&s.ImageURL, &s.Goal, &s.ThankYouMessage, &s.MatchingEnabled, &s.MatchingPercent,
			&s.MatchingFromAccountID, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// PublicSettings resolves the settings for the unauthenticated donation page.
// Only enabled, PUBLIC campaigns are visible to the outside world.
func (fs *FundraisingService) PublicSettings(ctx context.Context, accountID string) (*models.FundraisingSettings, error) {
	s, err := fs.GetSettings(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !s.Enabled || s.PublishStatus != models.PublishStatusPublic {
		return nil, fmt.Errorf("%w: fundraising page not found", ErrNotFound)
	}
	return s, nil
}

// Stats computes the campaign aggregates from CLEARED ledger entries.
func (fs *FundraisingService) Stats(ctx context.Context, accountID string) (*models.FundraisingStats, error) {
	donations, err := fs.ledger.AggregateDonations(ctx, accountID)
	if err != nil {
		return nil, err
	}
	matchTotal, err := fs.ledger.AggregateMatchCredits(ctx, accountID)
	if err != nil {
		return nil, err
	}

	var balance int64
	err = fs.db.QueryRowContext(ctx,
		`SELECT balance FROM accounts WHERE id = $1`, accountID).Scan(&balance)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: account not found", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	return &models.FundraisingStats{
		DonationTotal: donations.Sum,
		DonationCount: donations.Count,
		MatchTotal:    matchTotal,
		Raised:        donations.Sum + matchTotal,
		Balance:       balance,
	}, nil
}

// Donate posts a donation through the ledger, applying the matching gift when
// the campaign is configured for it. Donations only require the campaign to
// be enabled: UNLISTED pages reached by shareable link accept them too, the
// PUBLIC gate applies to the browse surface alone.
func (fs *FundraisingService) Donate(ctx context.Context, accountID string, amountCents int64, correlationID string) (*DonationResult, error) {
	settings, err := fs.GetSettings(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !settings.Enabled {
		return nil, fmt.Errorf("%w: fundraising page not found", ErrNotFound)
	}
	return fs.ledger.Donate(ctx, accountID, amountCents, correlationID)
}

// DonationURL is the shareable public page address encoded into the QR code.
func (fs *FundraisingService) DonationURL(accountID string) string {
	return fmt.Sprintf("%s/donate/%s", fs.publicBaseURL, accountID)
}

// QRCodePNG renders the donation URL as a PNG for the public QR endpoint.
// Gated on visibility like the rest of the browse surface.
func (fs *FundraisingService) QRCodePNG(ctx context.Context, accountID string) ([]byte, error) {
	if _, err := fs.PublicSettings(ctx, accountID); err != nil {
		return nil, err
	}
	return fs.renderQR(accountID)
}

// QRCodeBase64 encodes the donation QR for embedding in JSON responses. No
// visibility gate: it serves the owner's settings view, where UNLISTED
// campaigns still have a shareable link.
func (fs *FundraisingService) QRCodeBase64(accountID string) (string, error) {
	img, err := fs.renderQR(accountID)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(img), nil
}

func (fs *FundraisingService) renderQR(accountID string) ([]byte, error) {
	qr, err := qrcode.New(fs.DonationURL(accountID), qrcode.Medium)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, qr.Image(256)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
