package model

import "time"

// ProviderKind selects the adapter variant used for an account.
type ProviderKind string

const (
	// ProviderIMAPCalDAV mail over IMAP, RSVP over SMTP (iTIP), calendar over CalDAV.
	ProviderIMAPCalDAV ProviderKind = "imap_caldav"
	// ProviderIMAP mail-only account, no calendar access.
	ProviderIMAP ProviderKind = "imap"
)

// AccountSettings holds the connection settings of an account. Stored as JSONB.
type AccountSettings struct {
	IMAPAddr       string `json:"imap_addr,omitempty"`
	SMTPAddr       string `json:"smtp_addr,omitempty"`
	CalDAVURL      string `json:"caldav_url,omitempty"`
	CalendarPath   string `json:"calendar_path,omitempty"`
	Username       string `json:"username,omitempty"`
	Mailbox        string `json:"mailbox,omitempty"`
	ArchiveMailbox string `json:"archive_mailbox,omitempty"`
	TLS            bool   `json:"tls"`
}

// Account is one mail/calendar identity of a user.
type Account struct {
	ID              int64
	UserID          int64
	Email           string
	Provider        ProviderKind
	Settings        AccountSettings
	CredentialRef   string
	PrimaryCalendar bool
	SyncCursor      string
	ErrorCount      int
	LastError       *string
	LastSyncAt      *time.Time
	Active          bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
