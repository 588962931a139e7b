package model

import (
	"fmt"
	"time"
)

// ResponseStatus is a participation answer to an invite.
type ResponseStatus string

const (
	ResponseAccepted  ResponseStatus = "accepted"
	ResponseDeclined  ResponseStatus = "declined"
	ResponseTentative ResponseStatus = "tentative"
)

// Valid reports whether s is one of the three RSVP answers.
func (s ResponseStatus) Valid() bool {
	switch s {
	case ResponseAccepted, ResponseDeclined, ResponseTentative:
		return true
	}
	return false
}

// ParseResponseStatus accepts both verb ("accept") and participle ("accepted") forms.
func ParseResponseStatus(s string) (ResponseStatus, error) {
	switch s {
	case "accept", "accepted":
		return ResponseAccepted, nil
	case "decline", "declined":
		return ResponseDeclined, nil
	case "tentative", "maybe":
		return ResponseTentative, nil
	}
	return "", fmt.Errorf("unknown response %q", s)
}

// ReviewState marks invites that automation deliberately left for the user.
type ReviewState string

const (
	ReviewNone ReviewState = ""
	// ReviewAwaitingUser a user rule asked to be consulted.
	ReviewAwaitingUser ReviewState = "awaiting_user"
	// ReviewNeedsReview the best decision stayed below the auto-execute threshold.
	ReviewNeedsReview ReviewState = "needs_review"
)

// Invite is a calendar invitation extracted from a message.
type Invite struct {
	ID             int64          `json:"id"`
	UserID         int64          `json:"user_id"`
	AccountID      int64          `json:"account_id"`
	MessageID      int64          `json:"message_id"`
	UID            string         `json:"uid"`
	Method         string         `json:"method"`
	Sequence       int            `json:"sequence"`
	Organizer      string         `json:"organizer"`
	OrganizerName  string         `json:"organizer_name"`
	Summary        string         `json:"summary"`
	Location       string         `json:"location"`
	Start          time.Time      `json:"start"`
	End            time.Time      `json:"end"`
	AttendeeCount  int            `json:"attendee_count"`
	RawPayload     string         `json:"-"`
	Responded      bool           `json:"responded"`
	ResponseStatus ResponseStatus `json:"response_status,omitempty"`
	RespondedAt    *time.Time     `json:"responded_at,omitempty"`
	ReviewState    ReviewState    `json:"review_state,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Duration returns the length of the invite.
func (i *Invite) Duration() time.Duration {
	return i.End.Sub(i.Start)
}

// DurationMinutes returns the length of the invite in whole minutes.
func (i *Invite) DurationMinutes() int {
	return int(i.Duration() / time.Minute)
}

// CalendarEvent is an event already present on a user's calendar.
type CalendarEvent struct {
	UID            string
	Summary        string
	Start          time.Time
	End            time.Time
	ResponseStatus ResponseStatus
	Cancelled      bool
}

// Overlaps reports whether the event intersects the half-open window [start,end).
func (e CalendarEvent) Overlaps(start, end time.Time) bool {
	return e.Start.Before(end) && e.End.After(start)
}
