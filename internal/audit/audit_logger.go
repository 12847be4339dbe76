package audit

import (
	"encoding/json"
	"log"
	"time"
)

// Event is one structured audit record. Events are emitted for every ledger
// mutation and every aborted attempt, keyed by the posting's transaction id.
type Event struct {
	Timestamp     time.Time `json:"timestamp"`
	EventType     string    `json:"event_type"`
	TransactionID string    `json:"transaction_id"`
	AccountID     string    `json:"account_id"`
	Amount        int64     `json:"amount"`
	Status        string    `json:"status"`
	Details       any       `json:"details"`
}

type Logger struct{}

func NewLogger() *Logger {
	return &Logger{}
}

// LogPosting records a committed single-account posting.
func (a *Logger) LogPosting(transactionID, accountID, entryType string, amount int64) {
	a.log(Event{
		Timestamp:     time.Now(),
		EventType:     entryType,
		TransactionID: transactionID,
		AccountID:     accountID,
		Amount:        amount,
		Status:        "CLEARED",
	})
}

// LogTransfer records a committed two-sided transfer.
func (a *Logger) LogTransfer(transactionID, fromAccount, toAccount string, amount int64) {
	a.log(Event{
		Timestamp:     time.Now(),
		EventType:     "TRANSFER",
		TransactionID: transactionID,
		Amount:        amount,
		Status:        "CLEARED",
		Details: map[string]string{
			"from_account": fromAccount,
			"to_account":   toAccount,
		},
	})
}

// LogGroup records a committed multi-entry group (donation with match).
func (a *Logger) LogGroup(groupID, purpose string, entryCount int) {
	a.log(Event{
		Timestamp:     time.Now(),
		EventType:     purpose,
		TransactionID: groupID,
		Status:        "CLEARED",
		Details:       map[string]int{"entries": entryCount},
	})
}

// LogError records an aborted operation.
func (a *Logger) LogError(transactionID, accountID string, err error) {
	a.log(Event{
		Timestamp:     time.Now(),
		EventType:     "ERROR",
		TransactionID: transactionID,
		AccountID:     accountID,
		Status:        "FAILED",
		Details:       map[string]string{"error": err.Error()},
	})
}

func (a *Logger) log(event Event) {
	data, _ := json.Marshal(event)
	log.Printf("AUDIT: %s", string(data))
}
