package model

import "time"

// Message is one ingested mail item. (AccountID, ProviderMessageID) is the
// idempotency key of ingestion.
type Message struct {
	ID                int64
	AccountID         int64
	ProviderMessageID string
	MessageIDHeader   string
	From              string
	To                []string
	Subject           string
	Body              string
	Flags             []string
	RawKey            string
	HasInvite         bool
	ReceivedAt        time.Time
	CreatedAt         time.Time
}
