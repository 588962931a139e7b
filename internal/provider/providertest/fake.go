// Package providertest provides an in-memory provider adapter that records calls.
package providertest

import (
	"context"
	"strconv"
	"sync"
	"time"

	"inviteflow/internal/model"
	"inviteflow/internal/provider"
)

// Response records one RespondToInvite call.
type Response struct {
	UID     string
	Status  model.ResponseStatus
	Comment string
}

// Adapter is a fake provider.Adapter. Its sessions share the adapter state.
// The cursor is the count of messages already returned.
type Adapter struct {
	kind model.ProviderKind
	caps provider.Capabilities

	mu       sync.Mutex
	messages []provider.RawMessage
	events   []model.CalendarEvent

	ConnectErr error
	FetchErr   error
	EventsErr  error
	RespondErr error
	ArchiveErr error
	AddErr     error

	responses    []Response
	archived     []string
	added        []string
	eventQueries int
	connects     int
	closed       int
}

func New(kind model.ProviderKind, caps provider.Capabilities) *Adapter {
	return &Adapter{kind: kind, caps: caps}
}

// AddMessage appends a raw message to the fake mailbox.
func (a *Adapter) AddMessage(id string, raw []byte, receivedAt time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages = append(a.messages, provider.RawMessage{ProviderID: id, Raw: raw, ReceivedAt: receivedAt})
}

// AddCalendarEvent appends an event to the fake calendar.
func (a *Adapter) AddCalendarEvent(ev model.CalendarEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
}

func (a *Adapter) Kind() model.ProviderKind            { return a.kind }
func (a *Adapter) Capabilities() provider.Capabilities { return a.caps }

func (a *Adapter) Connect(context.Context) (provider.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ConnectErr != nil {
		return nil, a.ConnectErr
	}
	a.connects++
	return &session{a: a}, nil
}

func (a *Adapter) Responses() []Response {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Response(nil), a.responses...)
}

func (a *Adapter) Archived() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.archived...)
}

func (a *Adapter) Added() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.added...)
}

func (a *Adapter) EventQueries() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.eventQueries
}

func (a *Adapter) Connects() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connects
}

func (a *Adapter) Closed() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

type session struct {
	a *Adapter
}

func (s *session) FetchSince(_ context.Context, cursor string, limit int) (*provider.FetchResult, error) {
	s.a.mu.Lock()
	defer s.a.mu.Unlock()
	if s.a.FetchErr != nil {
		return nil, s.a.FetchErr
	}

	offset := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil {
			return nil, err
		}
		offset = n
	}
	if offset > len(s.a.messages) {
		offset = len(s.a.messages)
	}

	end := len(s.a.messages)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	batch := append([]provider.RawMessage(nil), s.a.messages[offset:end]...)
	return &provider.FetchResult{Messages: batch, Cursor: strconv.Itoa(end)}, nil
}

func (s *session) CalendarEvents(_ context.Context, start, end time.Time) ([]model.CalendarEvent, error) {
	s.a.mu.Lock()
	defer s.a.mu.Unlock()
	s.a.eventQueries++
	if !s.a.caps.Calendar {
		return nil, provider.ErrUnsupported
	}
	if s.a.EventsErr != nil {
		return nil, s.a.EventsErr
	}

	var out []model.CalendarEvent
	for _, ev := range s.a.events {
		if ev.Overlaps(start, end) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *session) RespondToInvite(_ context.Context, inv *model.Invite, status model.ResponseStatus, comment string) error {
	s.a.mu.Lock()
	defer s.a.mu.Unlock()
	if s.a.RespondErr != nil {
		return s.a.RespondErr
	}
	s.a.responses = append(s.a.responses, Response{UID: inv.UID, Status: status, Comment: comment})
	return nil
}

func (s *session) Archive(_ context.Context, providerMessageID string) error {
	s.a.mu.Lock()
	defer s.a.mu.Unlock()
	if s.a.ArchiveErr != nil {
		return s.a.ArchiveErr
	}
	s.a.archived = append(s.a.archived, providerMessageID)
	return nil
}

func (s *session) AddEvent(_ context.Context, inv *model.Invite, _ model.ResponseStatus) error {
	s.a.mu.Lock()
	defer s.a.mu.Unlock()
	if s.a.AddErr != nil {
		return s.a.AddErr
	}
	s.a.added = append(s.a.added, inv.UID)
	return nil
}

func (s *session) Close() error {
	s.a.mu.Lock()
	defer s.a.mu.Unlock()
	s.a.closed++
	return nil
}

// Source hands out fake adapters by account id.
type Source struct {
	mu       sync.Mutex
	adapters map[int64]*Adapter
	// Err, when set, is returned by For.
	Err error
}

func NewSource() *Source {
	return &Source{adapters: make(map[int64]*Adapter)}
}

// Set installs the adapter used for accountID.
func (s *Source) Set(accountID int64, a *Adapter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adapters[accountID] = a
}

func (s *Source) For(account *model.Account) (provider.Adapter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	a, ok := s.adapters[account.ID]
	if !ok {
		return nil, model.ErrConfiguration
	}
	return a, nil
}
