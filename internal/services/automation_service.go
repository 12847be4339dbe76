package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/viper"
)

// Automation event types fanned out to workflow webhooks.
const (
	EventTransactionCreated = "transaction.created"
	EventTransferCompleted  = "transfer.completed"
	EventDonationReceived   = "donation.received"
	EventPaymentSubmitted   = "payment.submitted"
	EventAccountDeleted     = "account.deleted"
)

// AutomationEvent is the payload delivered to workflow automation. It carries
// enough context for a downstream workflow to act without calling back.
type AutomationEvent struct {
	EventType     string         `json:"eventType"`
	TransactionID string         `json:"transactionId,omitempty"`
	AccountID     string         `json:"accountId,omitempty"`
	Amount        int64          `json:"amount,omitempty"`
	Status        string         `json:"status,omitempty"`
	CorrelationID string         `json:"correlationId,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// AutomationObserver is notified when a fan-out attempt fails. Failures are
// observed and suppressed, never surfaced to the ledger caller.
type AutomationObserver interface {
	AutomationFailed(event AutomationEvent, err error)
}

type logObserver struct{}

func (logObserver) AutomationFailed(event AutomationEvent, err error) {
	log.Printf("[AUTOMATION] Fan-out failed for %s (%s): %v", event.EventType, event.TransactionID, err)
}

// AutomationPublisher fans committed ledger events out to a workflow webhook.
type AutomationPublisher interface {
	Publish(event AutomationEvent)
}

// WebhookPublisher pushes each event onto a Redis outbox list and POSTs it to
// the configured webhook in a detached goroutine. Publish is called strictly
// after the ledger transaction commits and never blocks the request path.
type WebhookPublisher struct {
	redis    *redis.Client
	client   *http.Client
	baseURL  string
	testMode bool
	observer AutomationObserver
}

const automationOutboxKey = "automation:outbox"

func NewWebhookPublisher(redisClient *redis.Client) *WebhookPublisher {
	viper.SetDefault("automation.base_url", "http://localhost:5678")
	viper.SetDefault("automation.timeout", 10*time.Second)
	viper.SetDefault("automation.test_mode", false)

	return &WebhookPublisher{
		redis:    redisClient,
		client:   &http.Client{Timeout: viper.GetDuration("automation.timeout")},
		baseURL:  viper.GetString("automation.base_url"),
		testMode: viper.GetBool("automation.test_mode"),
		observer: logObserver{},
	}
}

// WithObserver replaces the failure observer; used by tests and by callers
// that track upstream failures.
func (p *WebhookPublisher) WithObserver(observer AutomationObserver) *WebhookPublisher {
	p.observer = observer
	return p
}

// Publish queues and delivers an event. Fire-and-forget: errors are reported
// to the observer and dropped.
func (p *WebhookPublisher) Publish(event AutomationEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	go p.deliver(event)
}

func (p *WebhookPublisher) deliver(event AutomationEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), p.client.Timeout)
	defer cancel()

	payload, err := json.Marshal(event)
	if err != nil {
		p.observer.AutomationFailed(event, err)
		return
	}

	// Outbox first so a webhook outage leaves a replayable record.
	if p.redis != nil {
		if err := p.redis.LPush(ctx, automationOutboxKey, payload).Err(); err != nil {
			p.observer.AutomationFailed(event, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.webhookURL(), bytes.NewReader(payload))
	if err != nil {
		p.observer.AutomationFailed(event, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		p.observer.AutomationFailed(event, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		p.observer.AutomationFailed(event, &WebhookError{StatusCode: resp.StatusCode})
		return
	}

	log.Printf("[AUTOMATION] Delivered %s (%s)", event.EventType, event.TransactionID)
}

func (p *WebhookPublisher) webhookURL() string {
	path := "webhook"
	if p.testMode {
		path = "webhook-test"
	}
	return p.baseURL + "/" + path + "/banking-events"
}

// WebhookError reports a non-2xx webhook response.
type WebhookError struct {
	StatusCode int
}

func (e *WebhookError) Error() string {
	return fmt.Sprintf("webhook returned status %d", e.StatusCode)
}

// NopPublisher drops all events; used when automation is disabled.
type NopPublisher struct{}

func (NopPublisher) Publish(AutomationEvent) {}
