// Package testutil provides an in-memory store with the same semantics as the
// PostgreSQL repositories: unique keys, guarded writes and additive stats.
package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"inviteflow/internal/model"
)

type messageKey struct {
	accountID  int64
	providerID string
}

type statsKey struct {
	userID int64
	day    string
}

// Store is safe for concurrent use.
type Store struct {
	mu sync.Mutex

	nextID   int64
	accounts map[int64]*model.Account
	messages map[int64]*model.Message
	byKey    map[messageKey]int64
	invites  map[int64]*model.Invite
	byMsg    map[int64]int64
	rules    map[int64]*model.Rule
	actions  []model.AutomationAction
	stats    map[statsKey]*model.AutomationStats
	events   []int64

	// Now stamps created and responded times.
	Now func() time.Time
	// SaveErr, when set, fails SaveIngested.
	SaveErr error
}

func NewStore() *Store {
	return &Store{
		accounts: make(map[int64]*model.Account),
		messages: make(map[int64]*model.Message),
		byKey:    make(map[messageKey]int64),
		invites:  make(map[int64]*model.Invite),
		byMsg:    make(map[int64]int64),
		rules:    make(map[int64]*model.Rule),
		stats:    make(map[statsKey]*model.AutomationStats),
		Now:      time.Now,
	}
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

// AddAccount stores a copy of a and assigns an id when it has none.
func (s *Store) AddAccount(a model.Account) *model.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == 0 {
		a.ID = s.id()
	}
	s.accounts[a.ID] = &a
	out := a
	return &out
}

// AddInvite stores a pending invite together with a source message.
func (s *Store) AddInvite(inv model.Invite) *model.Invite {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inv.MessageID == 0 {
		msg := &model.Message{
			ID:                s.id(),
			AccountID:         inv.AccountID,
			ProviderMessageID: fmt.Sprintf("seed-%d", s.nextID),
			HasInvite:         true,
		}
		s.messages[msg.ID] = msg
		s.byKey[messageKey{msg.AccountID, msg.ProviderMessageID}] = msg.ID
		inv.MessageID = msg.ID
	}
	inv.ID = s.id()
	s.invites[inv.ID] = &inv
	s.byMsg[inv.MessageID] = inv.ID
	out := inv
	return &out
}

// Accounts

func (s *Store) GetAccount(_ context.Context, id int64) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", model.ErrAccountNotFound, id)
	}
	out := *a
	return &out, nil
}

func (s *Store) ListActive(context.Context) ([]*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Account
	for _, a := range s.accounts {
		if a.Active {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) FindPrimaryCalendar(_ context.Context, userID int64) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.accounts {
		if a.UserID == userID && a.PrimaryCalendar && a.Active {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *Store) MarkSyncSuccess(_ context.Context, id int64, cursor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return fmt.Errorf("%w: %d", model.ErrAccountNotFound, id)
	}
	now := s.Now()
	a.SyncCursor = cursor
	a.ErrorCount = 0
	a.LastError = nil
	a.LastSyncAt = &now
	return nil
}

func (s *Store) MarkSyncFailure(_ context.Context, id int64, cause string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return fmt.Errorf("%w: %d", model.ErrAccountNotFound, id)
	}
	a.ErrorCount++
	a.LastError = &cause
	return nil
}

// Messages

func (s *Store) SaveIngested(_ context.Context, msg *model.Message, inv *model.Invite) (bool, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SaveErr != nil {
		return false, false, s.SaveErr
	}

	messageCreated := false
	key := messageKey{msg.AccountID, msg.ProviderMessageID}
	if id, ok := s.byKey[key]; ok {
		msg.ID = id
	} else {
		msg.ID = s.id()
		msg.CreatedAt = s.Now()
		cp := *msg
		s.messages[msg.ID] = &cp
		s.byKey[key] = msg.ID
		messageCreated = true
	}

	if inv == nil {
		return messageCreated, false, nil
	}
	inv.MessageID = msg.ID
	if id, ok := s.byMsg[msg.ID]; ok {
		inv.ID = id
		return messageCreated, false, nil
	}
	inv.ID = s.id()
	inv.CreatedAt = s.Now()
	cp := *inv
	s.invites[inv.ID] = &cp
	s.byMsg[msg.ID] = inv.ID
	s.events = append(s.events, inv.ID)
	return messageCreated, true, nil
}

func (s *Store) GetMessage(_ context.Context, id int64) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", model.ErrMessageNotFound, id)
	}
	out := *m
	return &out, nil
}

// MessageCount returns the number of stored messages.
func (s *Store) MessageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// InviteCount returns the number of stored invites.
func (s *Store) InviteCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.invites)
}

// DetectedEvents returns the invite ids queued as invite.detected events.
func (s *Store) DetectedEvents() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.events...)
}

// Invites

func (s *Store) GetInvite(_ context.Context, id int64) (*model.Invite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invites[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", model.ErrInviteNotFound, id)
	}
	out := *inv
	return &out, nil
}

func (s *Store) ListPendingByUser(_ context.Context, userID int64) ([]*model.Invite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Invite
	for _, inv := range s.invites {
		if inv.UserID == userID && !inv.Responded {
			cp := *inv
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) ListUsersWithPending(context.Context) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[int64]bool)
	var out []int64
	for _, inv := range s.invites {
		if !inv.Responded && !seen[inv.UserID] {
			seen[inv.UserID] = true
			out = append(out, inv.UserID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *Store) MarkResponded(_ context.Context, id int64, status model.ResponseStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invites[id]
	if !ok {
		return fmt.Errorf("%w: %d", model.ErrInviteNotFound, id)
	}
	if inv.Responded {
		return model.ErrAlreadyResponded
	}
	now := s.Now()
	inv.Responded = true
	inv.ResponseStatus = status
	inv.RespondedAt = &now
	inv.ReviewState = model.ReviewNone
	return nil
}

func (s *Store) UpdateReviewState(_ context.Context, id int64, state model.ReviewState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inv, ok := s.invites[id]; ok && !inv.Responded {
		inv.ReviewState = state
	}
	return nil
}

// Rules

func (s *Store) AddRule(r model.Rule) *model.Rule {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.ID = s.id()
	s.rules[r.ID] = &r
	out := r
	return &out
}

func (s *Store) listRules(userID int64, enabledOnly bool) []*model.Rule {
	var out []*model.Rule
	for _, r := range s.rules {
		if r.UserID == userID && (r.Enabled || !enabledOnly) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Store) ListEnabled(_ context.Context, userID int64) ([]*model.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listRules(userID, true), nil
}

func (s *Store) List(_ context.Context, userID int64) ([]*model.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listRules(userID, false), nil
}

func (s *Store) Get(_ context.Context, userID, id int64) (*model.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok || r.UserID != userID {
		return nil, fmt.Errorf("%w: %d", model.ErrRuleNotFound, id)
	}
	out := *r
	return &out, nil
}

func (s *Store) Create(_ context.Context, r *model.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.ID = s.id()
	r.CreatedAt = s.Now()
	r.UpdatedAt = r.CreatedAt
	cp := *r
	s.rules[r.ID] = &cp
	return nil
}

func (s *Store) Update(_ context.Context, r *model.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.rules[r.ID]
	if !ok || old.UserID != r.UserID {
		return fmt.Errorf("%w: %d", model.ErrRuleNotFound, r.ID)
	}
	r.CreatedAt = old.CreatedAt
	r.UpdatedAt = s.Now()
	cp := *r
	s.rules[r.ID] = &cp
	return nil
}

func (s *Store) Delete(_ context.Context, userID, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok || r.UserID != userID {
		return fmt.Errorf("%w: %d", model.ErrRuleNotFound, id)
	}
	delete(s.rules, id)
	return nil
}

// Automation audit and stats

func (s *Store) InsertAction(_ context.Context, a *model.AutomationAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a.ID = s.id()
	a.CreatedAt = s.Now()
	s.actions = append(s.actions, *a)
	return nil
}

// Actions returns a copy of the audit log.
func (s *Store) Actions() []model.AutomationAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.AutomationAction(nil), s.actions...)
}

func (s *Store) IncrementStats(_ context.Context, userID int64, day time.Time, actions, minutesSaved int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := statsKey{userID, day.Format(time.DateOnly)}
	st, ok := s.stats[key]
	if !ok {
		y, m, d := day.Date()
		st = &model.AutomationStats{UserID: userID, Day: time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
		s.stats[key] = st
	}
	st.ActionsCount += actions
	st.MinutesSaved += minutesSaved
	return nil
}

func (s *Store) GetStats(_ context.Context, userID int64, from, to time.Time) ([]model.AutomationStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lo, hi := from.Format(time.DateOnly), to.Format(time.DateOnly)
	var out []model.AutomationStats
	for k, st := range s.stats {
		if k.userID == userID && k.day >= lo && k.day <= hi {
			out = append(out, *st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day.Before(out[j].Day) })
	return out, nil
}

// The repositories all name their lookup GetByID; these views give the
// store one per entity so it can stand in for each of them.

type AccountView struct{ *Store }

func (v AccountView) GetByID(ctx context.Context, id int64) (*model.Account, error) {
	return v.GetAccount(ctx, id)
}

type MessageView struct{ *Store }

func (v MessageView) GetByID(ctx context.Context, id int64) (*model.Message, error) {
	return v.GetMessage(ctx, id)
}

type InviteView struct{ *Store }

func (v InviteView) GetByID(ctx context.Context, id int64) (*model.Invite, error) {
	return v.GetInvite(ctx, id)
}

func (s *Store) Accounts() AccountView { return AccountView{s} }
func (s *Store) Messages() MessageView { return MessageView{s} }
func (s *Store) Invites() InviteView   { return InviteView{s} }
