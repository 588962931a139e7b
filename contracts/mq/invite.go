package mq

import "time"

// Routing keys on the events exchange.
const (
	RoutingInviteDetected       = "invite.detected"
	RoutingAccountSyncRequested = "account.sync.requested"
)

// InviteDetectedPayload is published once per newly stored invite.
type InviteDetectedPayload struct {
	InviteID  int64     `json:"invite_id"`
	UserID    int64     `json:"user_id"`
	AccountID int64     `json:"account_id"`
	UID       string    `json:"uid"`
	Start     time.Time `json:"start"`
	TraceID   string    `json:"trace_id,omitempty"`
}

// AccountSyncRequestedPayload asks the ingestor to sync one account now.
type AccountSyncRequestedPayload struct {
	AccountID   int64     `json:"account_id"`
	RequestedAt time.Time `json:"requested_at"`
	TraceID     string    `json:"trace_id,omitempty"`
}
